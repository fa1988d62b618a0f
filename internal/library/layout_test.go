package library

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/downpour/downpour/internal/catalog"
)

func testLayout(t *testing.T) Layout {
	t.Helper()
	root := t.TempDir()
	return Layout{
		AnimeDir:  filepath.Join(root, "anime"),
		SeriesDir: filepath.Join(root, "series"),
		MoviesDir: filepath.Join(root, "movies"),
	}
}

func TestPaths(t *testing.T) {
	l := testLayout(t)

	assert.Equal(t,
		filepath.Join(l.AnimeDir, "X", "X - Episode 3.mp4"),
		l.EpisodePath("X", 3))

	assert.Equal(t,
		filepath.Join(l.SeriesDir, "Show", "S02", "Show - S02E05.mp4"),
		l.SeriesEpisodePath("Show", 2, 5))

	assert.Equal(t,
		filepath.Join(l.MoviesDir, "Film", "Film.mp4"),
		l.MoviePath("Film"))
}

func TestPathsAreSanitized(t *testing.T) {
	l := testLayout(t)
	p := l.EpisodePath(`Re: Zero?`, 1)
	assert.Equal(t, filepath.Join(l.AnimeDir, "Re Zero", "Re Zero - Episode 1.mp4"), p)
}

func TestDownloadedEpisodes(t *testing.T) {
	l := testLayout(t)
	dir := l.TitleDir(catalog.KindAnime, "X")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	for _, name := range []string{
		"X - Episode 2.mp4",
		"X - Episode 1.mp4",
		"X - Episode 10.mp4",
		"folder.jpg",
		"notes.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	got, err := l.DownloadedEpisodes(catalog.KindAnime, "X")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 10}, got)
}

func TestDownloadedEpisodesMissingDir(t *testing.T) {
	l := testLayout(t)
	got, err := l.DownloadedEpisodes(catalog.KindAnime, "absent")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRemoveTitleDir(t *testing.T) {
	l := testLayout(t)
	dir := l.TitleDir(catalog.KindAnime, "X")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	require.NoError(t, l.RemoveTitleDir(catalog.KindAnime, "X"))
	assert.NoDirExists(t, dir)

	// Idempotent on a missing directory.
	require.NoError(t, l.RemoveTitleDir(catalog.KindAnime, "X"))
}
