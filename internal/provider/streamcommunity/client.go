// Package streamcommunity implements the season-structured provider
// adapter. The upstream is an Inertia single-page app: JSON payloads on
// Inertia requests, HTML with an embedded JSON blob otherwise. Playlists are
// recovered from an obfuscated embed page.
package streamcommunity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/downpour/downpour/internal/catalog"
	"github.com/downpour/downpour/internal/provider"
)

const (
	adapterID        = "streamcommunity"
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

// Config holds adapter settings.
type Config struct {
	BaseURL  string
	Language string        // provider audio language, default "it"
	Timeout  time.Duration // per HTTP operation, default 30s
}

// Client is the streamcommunity adapter.
type Client struct {
	httpClient *http.Client
	baseURL    string
	language   string
	logger     zerolog.Logger

	mu      sync.Mutex
	version string // cached Inertia asset version
}

// New creates a new streamcommunity adapter.
func New(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	language := cfg.Language
	if language == "" {
		language = "it"
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		language:   language,
		logger:     logger.With().Str("component", "streamcommunity").Logger(),
	}
}

// ID returns the stable adapter identifier.
func (c *Client) ID() string {
	return adapterID
}

// Language returns the provider audio language used for new refs.
func (c *Client) Language() string {
	return c.language
}

// inertiaVersion returns the cached asset version, resolving it from the
// home page's embedded JSON blob on first use.
func (c *Client) inertiaVersion(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.version != "" {
		return c.version, nil
	}

	page, err := c.pageFromHTML(ctx, c.baseURL+"/")
	if err != nil {
		return "", err
	}
	c.version = page.Version
	return c.version, nil
}

func (c *Client) invalidateVersion() {
	c.mu.Lock()
	c.version = ""
	c.mu.Unlock()
}

// pageFromHTML fetches a regular HTML page and decodes the Inertia payload
// embedded in the #app node's data-page attribute.
func (c *Client) pageFromHTML(ctx context.Context, rawURL string) (*inertiaPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d for %s", provider.ErrUnavailable, resp.StatusCode, rawURL)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}

	blob, ok := doc.Find("#app").Attr("data-page")
	if !ok {
		return nil, fmt.Errorf("%w: no data-page blob on %s", provider.ErrUnavailable, rawURL)
	}

	var page inertiaPage
	if err := json.Unmarshal([]byte(blob), &page); err != nil {
		return nil, fmt.Errorf("%w: bad data-page blob: %v", provider.ErrUnavailable, err)
	}
	return &page, nil
}

// inertiaGet performs an Inertia exchange. A stale asset version (409) is
// refreshed and retried once.
func (c *Client) inertiaGet(ctx context.Context, path string) (*inertiaPage, error) {
	for attempt := 0; attempt < 2; attempt++ {
		version, err := c.inertiaVersion(ctx)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", browserUserAgent)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Inertia", "true")
		req.Header.Set("X-Inertia-Version", version)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
		}

		if resp.StatusCode == http.StatusConflict {
			resp.Body.Close()
			c.invalidateVersion()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: status %d for %s", provider.ErrUnavailable, resp.StatusCode, path)
		}

		var page inertiaPage
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
		}
		return &page, nil
	}
	return nil, fmt.Errorf("%w: inertia version negotiation failed", provider.ErrUnavailable)
}

// Search queries the upstream search endpoint.
func (c *Client) Search(ctx context.Context, query string) ([]provider.SearchHit, error) {
	page, err := c.inertiaGet(ctx, "/search?q="+url.QueryEscape(query))
	if err != nil {
		return nil, err
	}

	hits := make([]provider.SearchHit, 0, len(page.Props.Titles))
	for _, t := range page.Props.Titles {
		kind := catalog.KindSeries
		if t.Type == "movie" {
			kind = catalog.KindFilm
		}
		hits = append(hits, provider.SearchHit{
			Ref:  catalog.ProviderRef{MediaID: t.ID, Slug: t.Slug, Language: c.language},
			Name: t.Name,
			Year: t.year(),
			Kind: kind,
		})
	}

	c.logger.Debug().Str("query", query).Int("hits", len(hits)).Msg("Search complete")
	return hits, nil
}

// Resolve returns the current inventory. Films are a single unit; series
// are expanded season by season.
func (c *Client) Resolve(ctx context.Context, title *catalog.Title) (provider.Inventory, error) {
	if title.Kind == catalog.KindFilm {
		return provider.Inventory{UnitCount: 1}, nil
	}
	if title.Ref.MediaID == 0 || title.Ref.Slug == "" {
		return provider.Inventory{}, provider.ErrNotFound
	}

	titlePath := fmt.Sprintf("/titles/%d-%s", title.Ref.MediaID, title.Ref.Slug)
	page, err := c.inertiaGet(ctx, titlePath)
	if err != nil {
		return provider.Inventory{}, err
	}
	if page.Props.Title == nil {
		return provider.Inventory{}, fmt.Errorf("%w: %s", provider.ErrNotFound, titlePath)
	}

	stubs := page.Props.Title.Seasons
	if len(stubs) == 0 {
		for n := 1; n <= page.Props.Title.SeasonsCount; n++ {
			stubs = append(stubs, seasonStub{Number: n})
		}
	}

	inv := provider.Inventory{}
	for _, stub := range stubs {
		seasonPage, err := c.inertiaGet(ctx, fmt.Sprintf("%s/season-%d", titlePath, stub.Number))
		if err != nil {
			return provider.Inventory{}, err
		}
		if seasonPage.Props.LoadedSeason == nil {
			continue
		}

		season := provider.Season{Number: seasonPage.Props.LoadedSeason.Number}
		for _, ep := range seasonPage.Props.LoadedSeason.Episodes {
			season.Episodes = append(season.Episodes, provider.Episode{
				Number:   ep.Number,
				Ref:      strconv.FormatInt(ep.ID, 10),
				Duration: ep.Duration * 60,
			})
		}
		inv.Seasons = append(inv.Seasons, season)
	}

	if len(inv.Seasons) == 0 {
		return provider.Inventory{}, fmt.Errorf("%w: no seasons for %s", provider.ErrUnavailable, titlePath)
	}
	return inv, nil
}

// Playlist resolves the short-lived HLS master playlist URL for one unit:
// iframe page, embedded player URL, script scrape, query-string merge.
func (c *Client) Playlist(ctx context.Context, title *catalog.Title, unit provider.UnitSelector) (string, error) {
	if title.Ref.MediaID == 0 {
		return "", provider.ErrNotFound
	}

	iframeURL := fmt.Sprintf("%s/iframe/%d", c.baseURL, title.Ref.MediaID)
	if !unit.Film() {
		iframeURL += "?episode_id=" + url.QueryEscape(unit.EpisodeRef) + "&next_episode=1"
	}

	embedURL, err := c.embedURL(ctx, iframeURL)
	if err != nil {
		return "", err
	}

	scripts, err := c.scriptBodies(ctx, embedURL)
	if err != nil {
		return "", err
	}

	ex, err := extractFromScripts(scripts)
	if err != nil {
		return "", err
	}
	return buildPlaylistURL(ex)
}

// embedURL extracts the player iframe URL from the title's iframe page.
func (c *Client) embedURL(ctx context.Context, iframeURL string) (string, error) {
	doc, err := c.getDocument(ctx, iframeURL)
	if err != nil {
		return "", err
	}

	src, ok := doc.Find("iframe").First().Attr("src")
	if !ok || src == "" {
		return "", fmt.Errorf("%w: no iframe on %s", provider.ErrPlaylistUnavailable, iframeURL)
	}
	return src, nil
}

// scriptBodies fetches the embed page and concatenates all script bodies.
func (c *Client) scriptBodies(ctx context.Context, embedURL string) (string, error) {
	doc, err := c.getDocument(ctx, embedURL)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		sb.WriteString(s.Text())
		sb.WriteString("\n")
	})
	return sb.String(), nil
}

func (c *Client) getDocument(ctx context.Context, rawURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrPlaylistUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d for %s", provider.ErrPlaylistUnavailable, resp.StatusCode, rawURL)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrPlaylistUnavailable, err)
	}
	return doc, nil
}
