// Package library maps catalog titles onto the on-disk directory layout and
// recovers downloaded-episode state from filenames after a crash.
package library

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/downpour/downpour/internal/catalog"
	"github.com/downpour/downpour/internal/pathutil"
)

// Layout knows the destination root for each media kind.
//
//	<anime root>/<name>/<name> - Episode <N>.mp4
//	<series root>/<name>/S<NN>/<name> - S<NN>E<NN>.mp4
//	<movies root>/<name>/<name>.mp4
type Layout struct {
	AnimeDir  string
	SeriesDir string
	MoviesDir string
}

// Root returns the destination root for a kind.
func (l Layout) Root(kind catalog.Kind) string {
	switch kind {
	case catalog.KindAnime:
		return l.AnimeDir
	case catalog.KindSeries:
		return l.SeriesDir
	default:
		return l.MoviesDir
	}
}

// TitleDir returns the directory owned by a title.
func (l Layout) TitleDir(kind catalog.Kind, name string) string {
	return filepath.Join(l.Root(kind), pathutil.SanitizeName(name))
}

// SeasonDir returns the zero-padded season directory of a series.
func (l Layout) SeasonDir(name string, season int) string {
	return filepath.Join(l.TitleDir(catalog.KindSeries, name), fmt.Sprintf("S%02d", season))
}

// EpisodeBase returns the output base name (without extension) for a flat
// anime episode.
func (l Layout) EpisodeBase(name string, episode int) string {
	return fmt.Sprintf("%s - Episode %d", pathutil.SanitizeName(name), episode)
}

// SeriesEpisodeBase returns the output base name for a series episode.
func (l Layout) SeriesEpisodeBase(name string, season, episode int) string {
	return fmt.Sprintf("%s - S%02dE%02d", pathutil.SanitizeName(name), season, episode)
}

// MovieBase returns the output base name for a film.
func (l Layout) MovieBase(name string) string {
	return pathutil.SanitizeName(name)
}

// EpisodePath returns the final path of a flat anime episode file.
func (l Layout) EpisodePath(name string, episode int) string {
	return filepath.Join(l.TitleDir(catalog.KindAnime, name), l.EpisodeBase(name, episode)+".mp4")
}

// SeriesEpisodePath returns the final path of a series episode file.
func (l Layout) SeriesEpisodePath(name string, season, episode int) string {
	return filepath.Join(l.SeasonDir(name, season), l.SeriesEpisodeBase(name, season, episode)+".mp4")
}

// MoviePath returns the final path of a film file.
func (l Layout) MoviePath(name string) string {
	return filepath.Join(l.TitleDir(catalog.KindFilm, name), l.MovieBase(name)+".mp4")
}

// RemoveTitleDir deletes a title's directory subtree. Best-effort and
// idempotent: a missing directory is not an error.
func (l Layout) RemoveTitleDir(kind catalog.Kind, name string) error {
	dir := l.TitleDir(kind, name)
	if dir == l.Root(kind) || dir == "" {
		return fmt.Errorf("refusing to remove library root %q", dir)
	}
	return os.RemoveAll(dir)
}

// DownloadedEpisodes scans a flat title directory and returns the episode
// numbers recovered from filenames, sorted ascending. A missing directory
// yields an empty set.
func (l Layout) DownloadedEpisodes(kind catalog.Kind, name string) ([]int, error) {
	entries, err := os.ReadDir(l.TitleDir(kind, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan title directory: %w", err)
	}

	var episodes []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := pathutil.EpisodeNumber(e.Name()); ok {
			episodes = append(episodes, n)
		}
	}
	sort.Ints(episodes)
	return episodes, nil
}
