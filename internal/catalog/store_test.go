package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/downpour/downpour/internal/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return NewStore(db.Conn(), zerolog.Nop())
}

func TestAddGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		title *Title
	}{
		{"anime", &Title{
			Kind:       KindAnime,
			Name:       "X",
			Provider:   "animeworld",
			Ref:        ProviderRef{Link: "/play/x.1"},
			TotalUnits: 3,
		}},
		{"series", &Title{
			Kind:       KindSeries,
			Name:       "Show",
			Provider:   "streamcommunity",
			Ref:        ProviderRef{MediaID: 42, Slug: "show", Language: "it"},
			Year:       "2021",
			TotalUnits: 10,
		}},
		{"film", &Title{
			Kind:     KindFilm,
			Name:     "Film",
			Provider: "streamcommunity",
			Ref:      ProviderRef{MediaID: 7, Slug: "film", Language: "it"},
			Year:     "1999",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, store.Add(ctx, tt.title))

			got, err := store.Get(ctx, tt.title.Kind, tt.title.Name)
			require.NoError(t, err)
			assert.Equal(t, tt.title.Name, got.Name)
			assert.Equal(t, tt.title.Provider, got.Provider)
			assert.Equal(t, tt.title.Ref.Link, got.Ref.Link)
			assert.Equal(t, tt.title.Ref.MediaID, got.Ref.MediaID)
			assert.Equal(t, tt.title.Ref.Slug, got.Ref.Slug)
			assert.Equal(t, tt.title.Year, got.Year)
			assert.False(t, got.CreatedAt.IsZero())
			if tt.title.Kind == KindFilm {
				assert.Equal(t, 1, got.TotalUnits)
				assert.Equal(t, 0, got.DownloadedUnits)
			} else {
				assert.Equal(t, tt.title.TotalUnits, got.TotalUnits)
			}
		})
	}
}

func TestAddDuplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	title := &Title{Kind: KindAnime, Name: "X", Ref: ProviderRef{Link: "/play/x"}}
	require.NoError(t, store.Add(ctx, title))
	assert.ErrorIs(t, store.Add(ctx, title), ErrDuplicate)
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), KindAnime, "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, &Title{Kind: KindAnime, Name: "One Piece", Ref: ProviderRef{Link: "/p/1"}}))
	require.NoError(t, store.Add(ctx, &Title{Kind: KindAnime, Name: "One Punch Man", Ref: ProviderRef{Link: "/p/2"}}))

	got, err := store.Search(ctx, KindAnime, "piece")
	require.NoError(t, err)
	assert.Equal(t, "One Piece", got.Name)

	// First match by name order.
	got, err = store.Search(ctx, KindAnime, "ONE")
	require.NoError(t, err)
	assert.Equal(t, "One Piece", got.Name)

	_, err = store.Search(ctx, KindAnime, "naruto")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSearchTreatsWildcardsLiterally(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// "KEON" sorts before "K_ON"; an unescaped underscore would match it.
	require.NoError(t, store.Add(ctx, &Title{Kind: KindAnime, Name: "KEON", Ref: ProviderRef{Link: "/p/1"}}))
	require.NoError(t, store.Add(ctx, &Title{Kind: KindAnime, Name: "K_ON", Ref: ProviderRef{Link: "/p/2"}}))
	require.NoError(t, store.Add(ctx, &Title{Kind: KindAnime, Name: "100% Pascal", Ref: ProviderRef{Link: "/p/3"}}))

	got, err := store.Search(ctx, KindAnime, "k_o")
	require.NoError(t, err)
	assert.Equal(t, "K_ON", got.Name)

	got, err = store.Search(ctx, KindAnime, "100%")
	require.NoError(t, err)
	assert.Equal(t, "100% Pascal", got.Name)

	// An unescaped underscore would have matched "Pascal" here.
	_, err = store.Search(ctx, KindAnime, "pas_al")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddSubstringOfExistingNameIsAccepted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, &Title{Kind: KindAnime, Name: "One Piece Film", Ref: ProviderRef{Link: "/p/1"}}))
	// Case-insensitive substring of an existing name, but no exact match.
	assert.NoError(t, store.Add(ctx, &Title{Kind: KindAnime, Name: "one piece", Ref: ProviderRef{Link: "/p/2"}}))
}

func TestListOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"Zeta", "Alpha", "Mid"} {
		require.NoError(t, store.Add(ctx, &Title{Kind: KindFilm, Name: name}))
	}

	titles, err := store.List(ctx, KindFilm)
	require.NoError(t, err)
	require.Len(t, titles, 3)
	assert.Equal(t, "Alpha", titles[0].Name)
	assert.Equal(t, "Mid", titles[1].Name)
	assert.Equal(t, "Zeta", titles[2].Name)
}

func TestProgressMapRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, &Title{
		Kind: KindSeries, Name: "Show", Provider: "streamcommunity",
		Ref: ProviderRef{MediaID: 1, Slug: "show", Language: "it"},
	}))

	progress := ProgressMap{
		1: {Total: 8, Downloaded: []int{1, 2, 3}},
		2: {Total: 10, Downloaded: []int{1}},
	}
	require.NoError(t, store.UpdateProgressMap(ctx, "Show", progress))

	got, err := store.Get(ctx, KindSeries, "Show")
	require.NoError(t, err)
	assert.Equal(t, progress, got.Progress)

	// Downloaded units always equal the sum over the map.
	assert.Equal(t, 4, got.DownloadedUnits)
	assert.Equal(t, progress.DownloadedCount(), got.DownloadedUnits)
}

func TestUpdateProgressAndTotal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, &Title{Kind: KindAnime, Name: "X", Ref: ProviderRef{Link: "/p"}, TotalUnits: 3}))

	require.NoError(t, store.UpdateProgress(ctx, KindAnime, "X", 2))
	require.NoError(t, store.UpdateTotal(ctx, KindAnime, "X", 5))

	got, err := store.Get(ctx, KindAnime, "X")
	require.NoError(t, err)
	assert.Equal(t, 2, got.DownloadedUnits)
	assert.Equal(t, 5, got.TotalUnits)

	assert.ErrorIs(t, store.UpdateProgress(ctx, KindAnime, "absent", 1), ErrNotFound)
}

func TestUpdateLastRefresh(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, &Title{Kind: KindAnime, Name: "X", Ref: ProviderRef{Link: "/p"}}))

	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateLastRefresh(ctx, KindAnime, "X", ts))

	got, err := store.Get(ctx, KindAnime, "X")
	require.NoError(t, err)
	require.NotNil(t, got.LastRefresh)
	assert.True(t, got.LastRefresh.Equal(ts))
}

func TestPendingFilms(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, &Title{Kind: KindFilm, Name: "Pending"}))
	require.NoError(t, store.Add(ctx, &Title{Kind: KindFilm, Name: "Done"}))
	require.NoError(t, store.UpdateProgress(ctx, KindFilm, "Done", 1))

	films, err := store.PendingFilms(ctx)
	require.NoError(t, err)
	require.Len(t, films, 1)
	assert.Equal(t, "Pending", films[0].Name)
}

func TestRemove(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, &Title{Kind: KindAnime, Name: "X", Ref: ProviderRef{Link: "/p"}}))

	removed, err := store.Remove(ctx, KindAnime, "X")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.Remove(ctx, KindAnime, "X")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, &Title{Kind: KindAnime, Name: "A", Ref: ProviderRef{Link: "/p"}}))
	require.NoError(t, store.Add(ctx, &Title{Kind: KindFilm, Name: "F"}))

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[KindAnime])
	assert.Equal(t, 0, counts[KindSeries])
	assert.Equal(t, 1, counts[KindFilm])
}

func TestProgressMapMark(t *testing.T) {
	m := ProgressMap{}
	m.Mark(1, 3, 8)
	m.Mark(1, 1, 8)
	m.Mark(1, 3, 8) // duplicate
	m.Mark(2, 2, 10)

	assert.Equal(t, []int{1, 3}, m[1].Downloaded)
	assert.Equal(t, 8, m[1].Total)
	assert.Equal(t, []int{2}, m[2].Downloaded)
	assert.Equal(t, 3, m.DownloadedCount())
	assert.True(t, m.Has(1, 3))
	assert.False(t, m.Has(1, 2))
}
