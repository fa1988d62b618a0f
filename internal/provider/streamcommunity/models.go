package streamcommunity

// inertiaPage is the envelope the upstream single-page app exchanges. The
// adapter depends only on the semantic payload, not the transport framing.
type inertiaPage struct {
	Component string `json:"component"`
	Version   string `json:"version"`
	Props     struct {
		Titles       []titleRecord `json:"titles"`
		Title        *titleRecord  `json:"title"`
		LoadedSeason *seasonRecord `json:"loadedSeason"`
	} `json:"props"`
}

type titleRecord struct {
	ID           int64        `json:"id"`
	Slug         string       `json:"slug"`
	Name         string       `json:"name"`
	Type         string       `json:"type"` // "movie" or "tv"
	ReleaseDate  string       `json:"release_date"`
	SeasonsCount int          `json:"seasons_count"`
	Seasons      []seasonStub `json:"seasons"`
}

type seasonStub struct {
	ID     int64 `json:"id"`
	Number int   `json:"number"`
}

type seasonRecord struct {
	ID       int64           `json:"id"`
	Number   int             `json:"number"`
	Episodes []episodeRecord `json:"episodes"`
}

type episodeRecord struct {
	ID       int64   `json:"id"`
	Number   float64 `json:"number"`
	Duration int     `json:"duration"` // minutes
}

// year extracts the release year from the record's date string.
func (t *titleRecord) year() string {
	if len(t.ReleaseDate) >= 4 {
		return t.ReleaseDate[:4]
	}
	return ""
}
