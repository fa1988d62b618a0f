// Package catalog is the persistent record of tracked titles and their
// download progress. It is the single source of truth for "what do we have,
// what should we have".
package catalog

import (
	"sort"
	"time"
)

// Kind identifies what a title is and which table and on-disk layout it uses.
type Kind string

const (
	KindAnime  Kind = "anime"
	KindSeries Kind = "series"
	KindFilm   Kind = "film"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAnime, KindSeries, KindFilm:
		return true
	}
	return false
}

// Episodic reports whether titles of this kind consist of numbered episodes.
func (k Kind) Episodic() bool {
	return k == KindAnime || k == KindSeries
}

// ProviderRef is the adapter-specific locator for a title. The anime adapter
// uses Link; the structured adapter uses the (MediaID, Slug, Language)
// triple. Opaque outside the owning adapter.
type ProviderRef struct {
	Link     string `json:"link,omitempty"`
	MediaID  int64  `json:"mediaId,omitempty"`
	Slug     string `json:"slug,omitempty"`
	Language string `json:"language,omitempty"`
}

// SeasonProgress tracks one season of an episodic title.
type SeasonProgress struct {
	Total      int   `json:"total"`
	Downloaded []int `json:"downloaded"`
}

// ProgressMap maps season number to that season's progress. Flat-episodic
// titles (anime) do not use it; their progress is a plain counter.
type ProgressMap map[int]SeasonProgress

// DownloadedCount returns the total number of downloaded episodes across all
// seasons.
func (m ProgressMap) DownloadedCount() int {
	n := 0
	for _, s := range m {
		n += len(s.Downloaded)
	}
	return n
}

// Has reports whether the given episode is recorded as downloaded.
func (m ProgressMap) Has(season, episode int) bool {
	s, ok := m[season]
	if !ok {
		return false
	}
	for _, e := range s.Downloaded {
		if e == episode {
			return true
		}
	}
	return false
}

// Mark records an episode as downloaded, keeping the season's episode list
// sorted and duplicate-free, and updates the season's known total.
func (m ProgressMap) Mark(season, episode, total int) {
	s := m[season]
	if total > s.Total {
		s.Total = total
	}
	for _, e := range s.Downloaded {
		if e == episode {
			m[season] = s
			return
		}
	}
	s.Downloaded = append(s.Downloaded, episode)
	sort.Ints(s.Downloaded)
	m[season] = s
}

// Title is the unit tracked in the catalog.
type Title struct {
	ID              int64
	Kind            Kind
	Name            string
	Provider        string
	Ref             ProviderRef
	Year            string
	TotalUnits      int
	DownloadedUnits int
	Progress        ProgressMap
	LastRefresh     *time.Time
	CreatedAt       time.Time
}

// Synced reports whether the title has no known gap.
func (t *Title) Synced() bool {
	return t.TotalUnits > 0 && t.DownloadedUnits >= t.TotalUnits
}
