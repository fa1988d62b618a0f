package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/downpour/downpour/internal/catalog"
	"github.com/downpour/downpour/internal/database"
	"github.com/downpour/downpour/internal/hls"
	"github.com/downpour/downpour/internal/library"
	"github.com/downpour/downpour/internal/provider"
	"github.com/downpour/downpour/internal/queue"
)

// fakeAdapter serves a canned inventory and synthetic playlist URLs.
type fakeAdapter struct {
	id string

	mu           sync.Mutex
	inv          provider.Inventory
	resolveErrs  []error // consumed one per Resolve call
	resolveCalls int
}

func (f *fakeAdapter) ID() string { return f.id }

func (f *fakeAdapter) Search(context.Context, string) ([]provider.SearchHit, error) {
	return nil, nil
}

func (f *fakeAdapter) Resolve(context.Context, *catalog.Title) (provider.Inventory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++
	if len(f.resolveErrs) > 0 {
		err := f.resolveErrs[0]
		f.resolveErrs = f.resolveErrs[1:]
		if err != nil {
			return provider.Inventory{}, err
		}
	}
	return f.inv, nil
}

func (f *fakeAdapter) Playlist(_ context.Context, _ *catalog.Title, unit provider.UnitSelector) (string, error) {
	if unit.Film() {
		return "http://playlists.test/film", nil
	}
	return "http://playlists.test/" + unit.EpisodeRef, nil
}

func (f *fakeAdapter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolveCalls
}

// fakeDownloader writes a small file where the real fetcher would.
type fakeDownloader struct {
	mu    sync.Mutex
	bases []string
}

func (f *fakeDownloader) Download(_ context.Context, _ string, dir, base string, opts hls.Options) (string, error) {
	f.mu.Lock()
	f.bases = append(f.bases, base)
	f.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, base+".mp4")
	if err := os.WriteFile(path, []byte("video"), 0o644); err != nil {
		return "", err
	}
	if opts.Progress != nil {
		opts.Progress(hls.Progress{Fraction: 1.0})
	}
	return path, nil
}

func (f *fakeDownloader) downloaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bases...)
}

type fixture struct {
	store      *catalog.Store
	layout     library.Layout
	downloader *fakeDownloader
	service    *Service
}

func newFixture(t *testing.T, adapters ...provider.Adapter) *fixture {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	store := catalog.NewStore(db.Conn(), zerolog.Nop())

	root := t.TempDir()
	layout := library.Layout{
		AnimeDir:  filepath.Join(root, "anime"),
		SeriesDir: filepath.Join(root, "series"),
		MoviesDir: filepath.Join(root, "movies"),
	}

	agg := queue.NewAggregator(queue.AggregatorConfig{EmitInterval: -1}, zerolog.Nop())
	sched := queue.NewScheduler(2, agg, zerolog.Nop())
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)

	downloader := &fakeDownloader{}
	service := NewService(store, layout, downloader, sched, zerolog.Nop(), adapters...)

	return &fixture{store: store, layout: layout, downloader: downloader, service: service}
}

func waitForDownloaded(t *testing.T, fx *fixture, kind catalog.Kind, name string, want int) *catalog.Title {
	t.Helper()
	var title *catalog.Title
	require.Eventually(t, func() bool {
		got, err := fx.store.Get(context.Background(), kind, name)
		if err != nil {
			return false
		}
		title = got
		return got.DownloadedUnits == want
	}, 5*time.Second, 20*time.Millisecond)
	return title
}

func flatInventory(numbers ...float64) provider.Inventory {
	inv := provider.Inventory{UnitCount: len(numbers)}
	for i, n := range numbers {
		inv.Episodes = append(inv.Episodes, provider.Episode{Number: n, Ref: fmt.Sprintf("ref-%d", i)})
	}
	return inv
}

func TestAnimeAddAndDownload(t *testing.T) {
	adapter := &fakeAdapter{id: "animeworld", inv: flatInventory(1, 2, 3)}
	fx := newFixture(t, adapter)
	ctx := context.Background()

	require.NoError(t, fx.store.Add(ctx, &catalog.Title{
		Kind:       catalog.KindAnime,
		Name:       "X",
		Ref:        catalog.ProviderRef{Link: "/play/x.1"},
		TotalUnits: 3,
	}))

	require.NoError(t, fx.service.SyncAll(ctx))

	title := waitForDownloaded(t, fx, catalog.KindAnime, "X", 3)
	assert.Equal(t, 3, title.TotalUnits)

	for episode := 1; episode <= 3; episode++ {
		info, err := os.Stat(fx.layout.EpisodePath("X", episode))
		require.NoError(t, err, "episode %d missing", episode)
		assert.Positive(t, info.Size())
	}
}

func TestResumeAfterPartialDownload(t *testing.T) {
	adapter := &fakeAdapter{id: "animeworld", inv: flatInventory(1, 2, 3)}
	fx := newFixture(t, adapter)
	ctx := context.Background()

	require.NoError(t, fx.store.Add(ctx, &catalog.Title{
		Kind:       catalog.KindAnime,
		Name:       "X",
		Ref:        catalog.ProviderRef{Link: "/play/x.1"},
		TotalUnits: 3,
	}))

	// Episode 1 is already on disk.
	existing := fx.layout.EpisodePath("X", 1)
	require.NoError(t, os.MkdirAll(filepath.Dir(existing), 0o755))
	require.NoError(t, os.WriteFile(existing, []byte("original"), 0o644))

	require.NoError(t, fx.service.SyncAll(ctx))
	waitForDownloaded(t, fx, catalog.KindAnime, "X", 3)

	assert.ElementsMatch(t, []string{"X - Episode 2", "X - Episode 3"}, fx.downloader.downloaded())

	// The preexisting file was not rewritten.
	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestResolveFailureIsRecoverable(t *testing.T) {
	adapter := &fakeAdapter{
		id:          "animeworld",
		inv:         flatInventory(1),
		resolveErrs: []error{provider.ErrUnavailable},
	}
	fx := newFixture(t, adapter)
	ctx := context.Background()

	require.NoError(t, fx.store.Add(ctx, &catalog.Title{
		Kind:       catalog.KindAnime,
		Name:       "X",
		Ref:        catalog.ProviderRef{Link: "/play/x.1"},
		TotalUnits: 1,
	}))

	// First tick: resolve fails, nothing is submitted, nothing changes.
	require.NoError(t, fx.service.SyncAll(ctx))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, fx.downloader.downloaded())

	title, err := fx.store.Get(ctx, catalog.KindAnime, "X")
	require.NoError(t, err)
	assert.Equal(t, 0, title.DownloadedUnits)
	assert.Nil(t, title.LastRefresh)

	// Second tick: the provider has recovered.
	require.NoError(t, fx.service.SyncAll(ctx))
	waitForDownloaded(t, fx, catalog.KindAnime, "X", 1)
}

func TestDecimalEpisodesAreFlooredOnce(t *testing.T) {
	inv := provider.Inventory{Seasons: []provider.Season{{
		Number: 1,
		Episodes: []provider.Episode{
			{Number: 9, Ref: "1009"},
			{Number: 9.5, Ref: "1010"},
			{Number: 10, Ref: "1011"},
		},
	}}}
	adapter := &fakeAdapter{id: "streamcommunity", inv: inv}
	fx := newFixture(t, adapter)
	ctx := context.Background()

	require.NoError(t, fx.store.Add(ctx, &catalog.Title{
		Kind:       catalog.KindSeries,
		Name:       "Show",
		Provider:   "streamcommunity",
		Ref:        catalog.ProviderRef{MediaID: 2, Slug: "show"},
		TotalUnits: 3,
	}))

	require.NoError(t, fx.service.SyncAll(ctx))
	title := waitForDownloaded(t, fx, catalog.KindSeries, "Show", 2)

	assert.ElementsMatch(t, []string{"Show - S01E09", "Show - S01E10"}, fx.downloader.downloaded())
	assert.True(t, title.Progress.Has(1, 9))
	assert.True(t, title.Progress.Has(1, 10))
	assert.False(t, title.Progress.Has(1, 11))
}

func TestSyncedLibraryIsANoOp(t *testing.T) {
	adapter := &fakeAdapter{id: "streamcommunity", inv: provider.Inventory{UnitCount: 1}}
	fx := newFixture(t, adapter)
	ctx := context.Background()

	require.NoError(t, fx.store.Add(ctx, &catalog.Title{
		Kind:     catalog.KindFilm,
		Name:     "Done Film",
		Provider: "streamcommunity",
		Ref:      catalog.ProviderRef{MediaID: 5, Slug: "done-film"},
	}))
	require.NoError(t, fx.store.UpdateProgress(ctx, catalog.KindFilm, "Done Film", 1))

	require.NoError(t, fx.service.SyncAll(ctx))
	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, adapter.calls(), "a synced film must not be probed")
	assert.Empty(t, fx.downloader.downloaded())
}

func TestProbeWindow(t *testing.T) {
	tests := []struct {
		name       string
		age        time.Duration
		wantProbed bool
	}{
		{"too recent", 6 * 24 * time.Hour, false},
		{"window opens", 8 * 24 * time.Hour, true},
		{"window closed", 22 * 24 * time.Hour, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := &fakeAdapter{id: "animeworld", inv: flatInventory(1, 2)}
			fx := newFixture(t, adapter)
			ctx := context.Background()

			require.NoError(t, fx.store.Add(ctx, &catalog.Title{
				Kind:       catalog.KindAnime,
				Name:       "Steady",
				Ref:        catalog.ProviderRef{Link: "/play/steady"},
				TotalUnits: 2,
			}))
			require.NoError(t, fx.store.UpdateProgress(ctx, catalog.KindAnime, "Steady", 2))
			require.NoError(t, fx.store.UpdateLastRefresh(ctx, catalog.KindAnime, "Steady", time.Now().Add(-tt.age)))

			// Keep the probe from proposing work; only the resolve matters.
			for episode := 1; episode <= 2; episode++ {
				path := fx.layout.EpisodePath("Steady", episode)
				require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
				require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
			}

			require.NoError(t, fx.service.SyncAll(ctx))
			time.Sleep(50 * time.Millisecond)

			if tt.wantProbed {
				assert.Equal(t, 1, adapter.calls())
			} else {
				assert.Zero(t, adapter.calls())
			}
		})
	}
}

func TestFilmDownload(t *testing.T) {
	adapter := &fakeAdapter{id: "streamcommunity", inv: provider.Inventory{UnitCount: 1}}
	fx := newFixture(t, adapter)
	ctx := context.Background()

	require.NoError(t, fx.store.Add(ctx, &catalog.Title{
		Kind:     catalog.KindFilm,
		Name:     "Dune",
		Provider: "streamcommunity",
		Ref:      catalog.ProviderRef{MediaID: 1, Slug: "dune"},
	}))

	require.NoError(t, fx.service.SyncAll(ctx))
	title := waitForDownloaded(t, fx, catalog.KindFilm, "Dune", 1)
	assert.NotNil(t, title.LastRefresh)

	info, err := os.Stat(fx.layout.MoviePath("Dune"))
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestSyncTitleRestrictsToSeason(t *testing.T) {
	inv := provider.Inventory{Seasons: []provider.Season{
		{Number: 1, Episodes: []provider.Episode{{Number: 1, Ref: "101"}}},
		{Number: 2, Episodes: []provider.Episode{{Number: 1, Ref: "201"}, {Number: 2, Ref: "202"}}},
	}}
	adapter := &fakeAdapter{id: "streamcommunity", inv: inv}
	fx := newFixture(t, adapter)
	ctx := context.Background()

	require.NoError(t, fx.store.Add(ctx, &catalog.Title{
		Kind:       catalog.KindSeries,
		Name:       "Dark",
		Provider:   "streamcommunity",
		Ref:        catalog.ProviderRef{MediaID: 2, Slug: "dark"},
		TotalUnits: 3,
	}))

	// Partial-name lookup plus season restriction.
	require.NoError(t, fx.service.SyncTitle(ctx, catalog.KindSeries, "dar", 2, true))
	waitForDownloaded(t, fx, catalog.KindSeries, "Dark", 2)

	assert.ElementsMatch(t, []string{"Dark - S02E01", "Dark - S02E02"}, fx.downloader.downloaded())
}

func TestUnknownProviderIsAnError(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.store.Add(ctx, &catalog.Title{
		Kind:       catalog.KindAnime,
		Name:       "Orphan",
		Ref:        catalog.ProviderRef{Link: "/play/orphan"},
		TotalUnits: 1,
	}))

	err := fx.service.SyncTitle(ctx, catalog.KindAnime, "Orphan", 0, true)
	assert.Error(t, err)
}
