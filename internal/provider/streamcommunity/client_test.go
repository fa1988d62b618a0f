package streamcommunity

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/downpour/downpour/internal/catalog"
	"github.com/downpour/downpour/internal/provider"
)

// newTestServer builds an upstream stub speaking both the HTML blob and the
// Inertia JSON exchange.
func newTestServer(t *testing.T, inertia map[string]*inertiaPage) *httptest.Server {
	t.Helper()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Inertia") != "true" {
			// Home page with the embedded version blob.
			blob, _ := json.Marshal(inertiaPage{Version: "v99"})
			fmt.Fprintf(w, `<html><body><div id="app" data-page="%s"></div></body></html>`,
				html.EscapeString(string(blob)))
			return
		}

		require.Equal(t, "v99", r.Header.Get("X-Inertia-Version"))

		page, ok := inertia[r.URL.RequestURI()]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(page)
	})

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestSearch(t *testing.T) {
	pages := map[string]*inertiaPage{}
	search := &inertiaPage{Version: "v99"}
	search.Props.Titles = []titleRecord{
		{ID: 1, Slug: "dune", Name: "Dune", Type: "movie", ReleaseDate: "2021-09-15"},
		{ID: 2, Slug: "dark", Name: "Dark", Type: "tv", ReleaseDate: "2017-12-01"},
	}
	pages["/search?q=d"] = search

	server := newTestServer(t, pages)
	client := New(Config{BaseURL: server.URL}, zerolog.Nop())

	hits, err := client.Search(context.Background(), "d")
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, catalog.KindFilm, hits[0].Kind)
	assert.Equal(t, "2021", hits[0].Year)
	assert.Equal(t, int64(1), hits[0].Ref.MediaID)
	assert.Equal(t, "dune", hits[0].Ref.Slug)
	assert.Equal(t, "it", hits[0].Ref.Language)

	assert.Equal(t, catalog.KindSeries, hits[1].Kind)
}

func TestResolveSeries(t *testing.T) {
	pages := map[string]*inertiaPage{}

	detail := &inertiaPage{}
	detail.Props.Title = &titleRecord{
		ID: 2, Slug: "dark", Name: "Dark", Type: "tv", SeasonsCount: 2,
		Seasons: []seasonStub{{ID: 10, Number: 1}, {ID: 11, Number: 2}},
	}
	pages["/titles/2-dark"] = detail

	s1 := &inertiaPage{}
	s1.Props.LoadedSeason = &seasonRecord{Number: 1, Episodes: []episodeRecord{
		{ID: 100, Number: 1, Duration: 48},
		{ID: 101, Number: 2, Duration: 45},
	}}
	pages["/titles/2-dark/season-1"] = s1

	s2 := &inertiaPage{}
	s2.Props.LoadedSeason = &seasonRecord{Number: 2, Episodes: []episodeRecord{
		{ID: 200, Number: 1, Duration: 50},
	}}
	pages["/titles/2-dark/season-2"] = s2

	server := newTestServer(t, pages)
	client := New(Config{BaseURL: server.URL}, zerolog.Nop())

	title := &catalog.Title{
		Kind: catalog.KindSeries,
		Name: "Dark",
		Ref:  catalog.ProviderRef{MediaID: 2, Slug: "dark", Language: "it"},
	}

	inv, err := client.Resolve(context.Background(), title)
	require.NoError(t, err)
	require.True(t, inv.Structured())
	require.Len(t, inv.Seasons, 2)

	assert.Equal(t, 3, inv.Units())
	assert.Equal(t, "100", inv.Seasons[0].Episodes[0].Ref)
	assert.Equal(t, 48*60, inv.Seasons[0].Episodes[0].Duration)
	assert.Equal(t, 2, inv.Seasons[1].Number)
}

func TestResolveFilm(t *testing.T) {
	client := New(Config{BaseURL: "http://unused.invalid"}, zerolog.Nop())

	inv, err := client.Resolve(context.Background(), &catalog.Title{Kind: catalog.KindFilm})
	require.NoError(t, err)
	assert.Equal(t, 1, inv.UnitCount)
	assert.False(t, inv.Structured())
}

func TestResolveMissingRef(t *testing.T) {
	client := New(Config{BaseURL: "http://unused.invalid"}, zerolog.Nop())
	_, err := client.Resolve(context.Background(), &catalog.Title{Kind: catalog.KindSeries})
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

func TestPlaylist(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("/iframe/2", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "100", r.URL.Query().Get("episode_id"))
		fmt.Fprintf(w, `<html><body><iframe src="%s/embed/9"></iframe></body></html>`, server.URL)
	})
	mux.HandleFunc("/embed/9", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><script>window.player = 1;</script></head><body><script>
window.masterPlaylist = { params: {'token': 'tok', 'expires': '42'}, url: 'https://vault.example/playlist/9' }
window.canPlayFHD = true
</script></body></html>`)
	})

	client := New(Config{BaseURL: server.URL}, zerolog.Nop())
	title := &catalog.Title{Kind: catalog.KindSeries, Ref: catalog.ProviderRef{MediaID: 2, Slug: "dark"}}

	got, err := client.Playlist(context.Background(), title, provider.UnitSelector{Season: 1, EpisodeRef: "100"})
	require.NoError(t, err)
	assert.Contains(t, got, "https://vault.example/playlist/9")
	assert.Contains(t, got, "token=tok")
	assert.Contains(t, got, "expires=42")
	assert.Contains(t, got, "h=1")
}

func TestPlaylistNoIframe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>nothing here</body></html>`)
	}))
	t.Cleanup(server.Close)

	client := New(Config{BaseURL: server.URL}, zerolog.Nop())
	title := &catalog.Title{Kind: catalog.KindFilm, Ref: catalog.ProviderRef{MediaID: 7}}

	_, err := client.Playlist(context.Background(), title, provider.UnitSelector{})
	assert.ErrorIs(t, err, provider.ErrPlaylistUnavailable)
}

func TestInertiaVersionRefreshOn409(t *testing.T) {
	conflicts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Inertia") != "true" {
			version := "old"
			if conflicts > 0 {
				version = "new"
			}
			blob, _ := json.Marshal(inertiaPage{Version: version})
			fmt.Fprintf(w, `<div id="app" data-page="%s"></div>`, html.EscapeString(string(blob)))
			return
		}
		if r.Header.Get("X-Inertia-Version") == "old" {
			conflicts++
			w.WriteHeader(http.StatusConflict)
			return
		}
		page := &inertiaPage{}
		page.Props.Titles = []titleRecord{{ID: 1, Slug: "x", Name: "X", Type: "movie"}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(page)
	}))
	t.Cleanup(server.Close)

	client := New(Config{BaseURL: server.URL}, zerolog.Nop())
	hits, err := client.Search(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	assert.Equal(t, 1, conflicts)
}

func TestID(t *testing.T) {
	client := New(Config{}, zerolog.Nop())
	assert.Equal(t, "streamcommunity", client.ID())
}
