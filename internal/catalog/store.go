package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Store provides durable, concurrency-safe CRUD on titles. Three tables stay
// on disk for compatibility with existing installations; this layer presents
// one Title API above them.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore creates a new catalog store.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "catalog").Logger(),
	}
}

const timeLayout = time.RFC3339

// parseTime accepts both RFC3339 values written by this store and the
// "datetime('now')" format SQLite produces for column defaults.
func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Add inserts a new title. It fails with ErrDuplicate when a title with the
// same (kind, name) already exists.
func (s *Store) Add(ctx context.Context, t *Title) error {
	if !t.Kind.Valid() {
		return ErrInvalidKind
	}

	var err error
	switch t.Kind {
	case KindAnime:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO anime (name, link, numero_episodi, episodi_scaricati) VALUES (?, ?, ?, ?)`,
			t.Name, t.Ref.Link, t.TotalUnits, t.DownloadedUnits,
		)
	case KindSeries:
		progress := t.Progress
		if progress == nil {
			progress = ProgressMap{}
		}
		data, merr := json.Marshal(progress)
		if merr != nil {
			return fmt.Errorf("failed to encode progress map: %w", merr)
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO tv (name, provider, slug, media_id, provider_language, year, numero_episodi, episodi_scaricati, seasons_data)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.Name, t.Provider, t.Ref.Slug, t.Ref.MediaID, t.Ref.Language, t.Year,
			t.TotalUnits, progress.DownloadedCount(), string(data),
		)
	case KindFilm:
		downloaded := 0
		if t.DownloadedUnits > 0 {
			downloaded = 1
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO movies (name, provider, slug, media_id, provider_language, year, scaricato)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.Name, t.Provider, t.Ref.Slug, t.Ref.MediaID, t.Ref.Language, t.Year, downloaded,
		)
	}

	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert title: %w", err)
	}

	s.logger.Info().Str("kind", string(t.Kind)).Str("name", t.Name).Msg("Title added")
	return nil
}

// Get returns the title with the exact (kind, name), or ErrNotFound.
func (s *Store) Get(ctx context.Context, kind Kind, name string) (*Title, error) {
	titles, err := s.query(ctx, kind, "WHERE name = ?", name)
	if err != nil {
		return nil, err
	}
	if len(titles) == 0 {
		return nil, ErrNotFound
	}
	return titles[0], nil
}

// likeEscape neutralizes LIKE wildcards so user input matches literally.
func likeEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Search returns the first title of the kind whose name contains the given
// substring, case-insensitively. Used for user-facing partial-name lookups.
func (s *Store) Search(ctx context.Context, kind Kind, substring string) (*Title, error) {
	pattern := "%" + likeEscape(strings.ToLower(substring)) + "%"
	titles, err := s.query(ctx, kind, `WHERE LOWER(name) LIKE ? ESCAPE '\' ORDER BY name LIMIT 1`, pattern)
	if err != nil {
		return nil, err
	}
	if len(titles) == 0 {
		return nil, ErrNotFound
	}
	return titles[0], nil
}

// List returns all titles of the kind, ordered by name.
func (s *Store) List(ctx context.Context, kind Kind) ([]*Title, error) {
	return s.query(ctx, kind, "ORDER BY name")
}

// PendingFilms returns films that have not been downloaded yet.
func (s *Store) PendingFilms(ctx context.Context) ([]*Title, error) {
	return s.query(ctx, KindFilm, "WHERE scaricato = 0 ORDER BY name")
}

// UpdateProgress sets the downloaded unit count for a title.
func (s *Store) UpdateProgress(ctx context.Context, kind Kind, name string, downloaded int) error {
	var query string
	args := []any{downloaded, name}
	switch kind {
	case KindAnime:
		query = `UPDATE anime SET episodi_scaricati = ? WHERE name = ?`
	case KindSeries:
		query = `UPDATE tv SET episodi_scaricati = ? WHERE name = ?`
	case KindFilm:
		flag := 0
		if downloaded > 0 {
			flag = 1
		}
		query = `UPDATE movies SET scaricato = ? WHERE name = ?`
		args[0] = flag
	default:
		return ErrInvalidKind
	}
	return s.exec(ctx, query, args...)
}

// UpdateTotal sets the adapter-reported inventory size for a title.
func (s *Store) UpdateTotal(ctx context.Context, kind Kind, name string, total int) error {
	switch kind {
	case KindAnime:
		return s.exec(ctx, `UPDATE anime SET numero_episodi = ? WHERE name = ?`, total, name)
	case KindSeries:
		return s.exec(ctx, `UPDATE tv SET numero_episodi = ? WHERE name = ?`, total, name)
	case KindFilm:
		// Films always have exactly one unit.
		return nil
	default:
		return ErrInvalidKind
	}
}

// UpdateLastRefresh records the time of the last successful inventory fetch.
func (s *Store) UpdateLastRefresh(ctx context.Context, kind Kind, name string, ts time.Time) error {
	value := ts.UTC().Format(timeLayout)
	switch kind {
	case KindAnime:
		return s.exec(ctx, `UPDATE anime SET last_update = ? WHERE name = ?`, value, name)
	case KindSeries:
		return s.exec(ctx, `UPDATE tv SET last_update = ? WHERE name = ?`, value, name)
	case KindFilm:
		return s.exec(ctx, `UPDATE movies SET last_update = ? WHERE name = ?`, value, name)
	default:
		return ErrInvalidKind
	}
}

// UpdateProgressMap writes a series' per-season progress and recomputes the
// downloaded unit count from it, keeping the two in step.
func (s *Store) UpdateProgressMap(ctx context.Context, name string, progress ProgressMap) error {
	if progress == nil {
		progress = ProgressMap{}
	}
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to encode progress map: %w", err)
	}
	return s.exec(ctx,
		`UPDATE tv SET seasons_data = ?, episodi_scaricati = ? WHERE name = ?`,
		string(data), progress.DownloadedCount(), name,
	)
}

// Remove deletes a title. It returns false when no such title existed.
func (s *Store) Remove(ctx context.Context, kind Kind, name string) (bool, error) {
	var query string
	switch kind {
	case KindAnime:
		query = `DELETE FROM anime WHERE name = ?`
	case KindSeries:
		query = `DELETE FROM tv WHERE name = ?`
	case KindFilm:
		query = `DELETE FROM movies WHERE name = ?`
	default:
		return false, ErrInvalidKind
	}

	res, err := s.db.ExecContext(ctx, query, name)
	if err != nil {
		return false, fmt.Errorf("failed to remove title: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to remove title: %w", err)
	}
	if n > 0 {
		s.logger.Info().Str("kind", string(kind)).Str("name", name).Msg("Title removed")
	}
	return n > 0, nil
}

// Counts returns the number of tracked titles per kind.
func (s *Store) Counts(ctx context.Context) (map[Kind]int, error) {
	counts := make(map[Kind]int, 3)
	for kind, table := range map[Kind]string{KindAnime: "anime", KindSeries: "tv", KindFilm: "movies"} {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[kind] = n
	}
	return counts, nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update title: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update title: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// query runs a per-kind SELECT with the given tail clause and maps rows to
// titles.
func (s *Store) query(ctx context.Context, kind Kind, tail string, args ...any) ([]*Title, error) {
	var query string
	switch kind {
	case KindAnime:
		query = `SELECT id, name, link, numero_episodi, episodi_scaricati, last_update, created_at FROM anime ` + tail
	case KindSeries:
		query = `SELECT id, name, provider, slug, media_id, provider_language, year,
		                numero_episodi, episodi_scaricati, seasons_data, last_update, created_at
		         FROM tv ` + tail
	case KindFilm:
		query = `SELECT id, name, provider, slug, media_id, provider_language, year,
		                scaricato, last_update, created_at
		         FROM movies ` + tail
	default:
		return nil, ErrInvalidKind
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query titles: %w", err)
	}
	defer rows.Close()

	var titles []*Title
	for rows.Next() {
		t, err := scanTitle(kind, rows)
		if err != nil {
			return nil, err
		}
		titles = append(titles, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan titles: %w", err)
	}
	return titles, nil
}

func scanTitle(kind Kind, rows *sql.Rows) (*Title, error) {
	t := &Title{Kind: kind}
	var lastUpdate, createdAt sql.NullString

	switch kind {
	case KindAnime:
		if err := rows.Scan(&t.ID, &t.Name, &t.Ref.Link, &t.TotalUnits, &t.DownloadedUnits, &lastUpdate, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan anime row: %w", err)
		}
		t.Provider = "animeworld"
	case KindSeries:
		var seasonsData string
		if err := rows.Scan(&t.ID, &t.Name, &t.Provider, &t.Ref.Slug, &t.Ref.MediaID, &t.Ref.Language, &t.Year,
			&t.TotalUnits, &t.DownloadedUnits, &seasonsData, &lastUpdate, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan tv row: %w", err)
		}
		t.Progress = ProgressMap{}
		if seasonsData != "" {
			if err := json.Unmarshal([]byte(seasonsData), &t.Progress); err != nil {
				return nil, fmt.Errorf("failed to decode progress map for %q: %w", t.Name, err)
			}
		}
	case KindFilm:
		var downloaded int
		if err := rows.Scan(&t.ID, &t.Name, &t.Provider, &t.Ref.Slug, &t.Ref.MediaID, &t.Ref.Language, &t.Year,
			&downloaded, &lastUpdate, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan movie row: %w", err)
		}
		t.TotalUnits = 1
		t.DownloadedUnits = downloaded
	}

	if ts, ok := parseTime(lastUpdate.String); ok {
		t.LastRefresh = &ts
	}
	if ts, ok := parseTime(createdAt.String); ok {
		t.CreatedAt = ts
	}
	return t, nil
}
