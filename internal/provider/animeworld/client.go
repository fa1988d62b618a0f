// Package animeworld implements the flat-episodic provider adapter. The
// upstream is a classic server-rendered site: search and episode inventories
// are scraped from HTML, playlist URLs come from its episode-info endpoint.
package animeworld

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/downpour/downpour/internal/catalog"
	"github.com/downpour/downpour/internal/provider"
)

const (
	adapterID        = "animeworld"
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

// Config holds adapter settings.
type Config struct {
	// BaseURL pins the provider root and skips discovery. Used by tests
	// and by installations behind a mirror.
	BaseURL string

	// DirectoryURL is the remote directory service consulted before the
	// static fallback list.
	DirectoryURL string

	// Timeout applies per HTTP operation. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is the animeworld adapter.
type Client struct {
	httpClient *http.Client
	discovery  *discovery
	fixedBase  string
	logger     zerolog.Logger
}

// New creates a new animeworld adapter.
func New(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	return &Client{
		httpClient: httpClient,
		fixedBase:  strings.TrimSuffix(cfg.BaseURL, "/"),
		discovery: &discovery{
			client:       httpClient,
			directoryURL: cfg.DirectoryURL,
		},
		logger: logger.With().Str("component", "animeworld").Logger(),
	}
}

// ID returns the stable adapter identifier.
func (c *Client) ID() string {
	return adapterID
}

func (c *Client) base(ctx context.Context) (string, error) {
	if c.fixedBase != "" {
		return c.fixedBase, nil
	}
	base, err := c.discovery.baseURL(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}
	return base, nil
}

// get fetches a page following redirects with a browser-like user agent.
func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d for %s", provider.ErrUnavailable, resp.StatusCode, rawURL)
	}
	return resp, nil
}

// Search scrapes the provider's search page.
func (c *Client) Search(ctx context.Context, query string) ([]provider.SearchHit, error) {
	base, err := c.base(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.get(ctx, base+"/search?keyword="+url.QueryEscape(query))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}

	var hits []provider.SearchHit
	doc.Find("div.film-list div.item").Each(func(_ int, item *goquery.Selection) {
		link := item.Find("a.name")
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		hit := provider.SearchHit{
			Ref:  catalog.ProviderRef{Link: href},
			Name: strings.TrimSpace(link.Text()),
			Kind: catalog.KindAnime,
		}
		if year := strings.TrimSpace(item.Find("div.year").Text()); year != "" {
			hit.Year = year
		}
		hits = append(hits, hit)
	})

	c.logger.Debug().Str("query", query).Int("hits", len(hits)).Msg("Search complete")
	return hits, nil
}

// Resolve scrapes the title page's episode list into a flat inventory.
func (c *Client) Resolve(ctx context.Context, title *catalog.Title) (provider.Inventory, error) {
	episodes, err := c.episodes(ctx, title)
	if err != nil {
		return provider.Inventory{}, err
	}
	return provider.Inventory{UnitCount: len(episodes), Episodes: episodes}, nil
}

// episodes returns the title's episode list in page order.
func (c *Client) episodes(ctx context.Context, title *catalog.Title) ([]provider.Episode, error) {
	if title.Ref.Link == "" {
		return nil, provider.ErrNotFound
	}

	base, err := c.base(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.get(ctx, base+title.Ref.Link)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}

	var episodes []provider.Episode
	doc.Find("div.server.active ul.episodes li.episode a").Each(func(_ int, a *goquery.Selection) {
		num, ok := a.Attr("data-episode-num")
		if !ok {
			return
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
		if err != nil {
			return
		}
		id, _ := a.Attr("data-id")
		episodes = append(episodes, provider.Episode{Number: n, Ref: id})
	})

	if len(episodes) == 0 {
		return nil, fmt.Errorf("%w: no episodes on %s", provider.ErrUnavailable, title.Ref.Link)
	}
	return episodes, nil
}

// EpisodeByNumber finds the episode whose floored number matches n.
func (c *Client) EpisodeByNumber(ctx context.Context, title *catalog.Title, n int) (provider.Episode, error) {
	episodes, err := c.episodes(ctx, title)
	if err != nil {
		return provider.Episode{}, err
	}
	for _, ep := range episodes {
		if int(ep.Number) == n {
			return ep, nil
		}
	}
	return provider.Episode{}, fmt.Errorf("%w: episode %d", provider.ErrNotFound, n)
}

// Playlist asks the episode-info endpoint for the streamable URL of one
// episode. The URL is short-lived and must not be persisted.
func (c *Client) Playlist(ctx context.Context, title *catalog.Title, unit provider.UnitSelector) (string, error) {
	if unit.EpisodeRef == "" {
		return "", provider.ErrPlaylistUnavailable
	}

	base, err := c.base(ctx)
	if err != nil {
		return "", err
	}

	infoURL := base + "/api/episode/info?id=" + url.QueryEscape(unit.EpisodeRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, infoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Referer", base+title.Ref.Link)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", provider.ErrPlaylistUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", provider.ErrPlaylistUnavailable, resp.StatusCode)
	}

	var payload struct {
		Grabber string `json:"grabber"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: %v", provider.ErrPlaylistUnavailable, err)
	}
	if payload.Grabber == "" {
		return "", provider.ErrPlaylistUnavailable
	}
	return payload.Grabber, nil
}
