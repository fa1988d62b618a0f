package streamcommunity

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/downpour/downpour/internal/provider"
)

// The embed page binds the playlist either to a window.streams array or to a
// masterPlaylist object literal, alongside the token, expiry and FHD flag.
var (
	streamsRe = regexp.MustCompile(`window\.streams\s*=\s*(\[[^\]]*\])`)
	urlRe     = regexp.MustCompile(`url\s*[:=]\s*['"]([^'"]+)['"]`)
	tokenRe   = regexp.MustCompile(`['"]?token['"]?\s*:\s*['"]([\w-]+)['"]`)
	expiresRe = regexp.MustCompile(`['"]?expires['"]?\s*:\s*['"]?(\d+)`)
	fhdRe     = regexp.MustCompile(`canPlayFHD\s*[=:]\s*(true|false)`)
)

type streamEntry struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Active bool   `json:"active"`
}

// extraction holds the values recovered from the embed page's scripts.
type extraction struct {
	PlaylistURL string
	Token       string
	Expires     string
	FHD         bool
}

// extractFromScripts recovers the playlist URL, token, expiry and FHD flag
// from the concatenated script bodies of the embed page.
func extractFromScripts(text string) (extraction, error) {
	var ex extraction

	if m := streamsRe.FindStringSubmatch(text); m != nil {
		var entries []streamEntry
		// The page emits single-quoted literals on some variants.
		normalized := strings.ReplaceAll(m[1], "'", `"`)
		if err := json.Unmarshal([]byte(normalized), &entries); err == nil && len(entries) > 0 {
			ex.PlaylistURL = entries[0].URL
			for _, e := range entries {
				if e.Active {
					ex.PlaylistURL = e.URL
					break
				}
			}
		}
	}
	if ex.PlaylistURL == "" {
		if m := urlRe.FindStringSubmatch(text); m != nil {
			ex.PlaylistURL = m[1]
		}
	}
	if ex.PlaylistURL == "" {
		return ex, fmt.Errorf("%w: no playlist url in embed page", provider.ErrPlaylistUnavailable)
	}

	if m := tokenRe.FindStringSubmatch(text); m != nil {
		ex.Token = m[1]
	}
	if m := expiresRe.FindStringSubmatch(text); m != nil {
		ex.Expires = m[1]
	}
	if m := fhdRe.FindStringSubmatch(text); m != nil {
		ex.FHD = m[1] == "true"
	}

	return ex, nil
}

// buildPlaylistURL merges the token, expiry and FHD flag into the playlist
// URL's query string. Parameters already present in the input are preserved;
// only missing ones are added, so the builder is idempotent.
func buildPlaylistURL(ex extraction) (string, error) {
	u, err := url.Parse(ex.PlaylistURL)
	if err != nil {
		return "", fmt.Errorf("%w: bad playlist url: %v", provider.ErrPlaylistUnavailable, err)
	}

	q := u.Query()
	if ex.Token != "" && !q.Has("token") {
		q.Set("token", ex.Token)
	}
	if ex.Expires != "" && !q.Has("expires") {
		q.Set("expires", ex.Expires)
	}
	if ex.FHD && !q.Has("h") {
		q.Set("h", "1")
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}
