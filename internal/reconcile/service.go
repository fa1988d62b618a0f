// Package reconcile closes the gap between the catalog and the providers:
// it resolves current inventories, diffs them against what is downloaded,
// and turns every missing unit into one scheduler job.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/downpour/downpour/internal/catalog"
	"github.com/downpour/downpour/internal/hls"
	"github.com/downpour/downpour/internal/library"
	"github.com/downpour/downpour/internal/provider"
	"github.com/downpour/downpour/internal/queue"
)

// Episodic titles without a known gap are still probed for new episodes
// while their last refresh falls inside this window. Older than the window
// the title is considered dormant until a gap reappears.
const (
	probeMin = 7 * 24 * time.Hour
	probeMax = 21 * 24 * time.Hour
)

// cancelPollInterval is how often a running job checks its cancel flag.
const cancelPollInterval = 250 * time.Millisecond

// Submitter enqueues download jobs.
type Submitter interface {
	Submit(queue.Request) (string, error)
}

// Downloader fetches one playlist into a local file.
type Downloader interface {
	Download(ctx context.Context, playlistURL, dir, base string, opts hls.Options) (string, error)
}

// Notifier receives completion notices. Optional.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Service drives periodic and on-demand synchronization.
type Service struct {
	store    *catalog.Store
	layout   library.Layout
	fetcher  Downloader
	queue    Submitter
	adapters map[string]provider.Adapter
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time

	// serializes read-modify-write cycles on a title's progress map
	progressMu sync.Mutex
}

// NewService creates the reconciliation service. Adapters are keyed by
// their ID, matching the provider column of catalog titles.
func NewService(store *catalog.Store, layout library.Layout, fetcher Downloader, q Submitter, logger zerolog.Logger, adapters ...provider.Adapter) *Service {
	byID := make(map[string]provider.Adapter, len(adapters))
	for _, a := range adapters {
		byID[a.ID()] = a
	}
	return &Service{
		store:    store,
		layout:   layout,
		fetcher:  fetcher,
		queue:    q,
		adapters: byID,
		logger:   logger.With().Str("component", "reconcile").Logger(),
		now:      time.Now,
	}
}

// SetNotifier attaches a completion-notice sink. Call before the first
// sync.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// SyncAll walks every tracked title once. A title whose resolve fails is
// logged and skipped; the walk always finishes.
func (s *Service) SyncAll(ctx context.Context) error {
	for _, kind := range []catalog.Kind{catalog.KindAnime, catalog.KindSeries, catalog.KindFilm} {
		titles, err := s.store.List(ctx, kind)
		if err != nil {
			return fmt.Errorf("failed to list %s titles: %w", kind, err)
		}
		for _, t := range titles {
			if err := s.syncTitle(ctx, t, 0, false); err != nil {
				s.logger.Warn().Err(err).Str("kind", string(kind)).Str("name", t.Name).Msg("Title sync skipped")
			}
		}
	}
	return nil
}

// SyncTitle synchronizes one title, located by case-insensitive partial
// name. season restricts a series sync to one season; 0 means all. force
// bypasses the refresh window.
func (s *Service) SyncTitle(ctx context.Context, kind catalog.Kind, name string, season int, force bool) error {
	t, err := s.store.Search(ctx, kind, name)
	if err != nil {
		return err
	}
	return s.syncTitle(ctx, t, season, force)
}

func (s *Service) syncTitle(ctx context.Context, t *catalog.Title, onlySeason int, force bool) error {
	if !s.shouldRefresh(t, force) {
		s.logger.Debug().Str("name", t.Name).Msg("Title outside refresh window")
		return nil
	}

	adapter, ok := s.adapters[t.Provider]
	if !ok {
		return fmt.Errorf("no adapter registered for provider %q", t.Provider)
	}

	inv, err := adapter.Resolve(ctx, t)
	if err != nil {
		return fmt.Errorf("failed to resolve %q: %w", t.Name, err)
	}

	submitted, err := s.submitMissing(ctx, t, adapter, inv, onlySeason)
	if err != nil {
		return err
	}

	if submitted == 0 {
		// Nothing to fetch; record the observed inventory right away.
		s.recordInventory(ctx, t, inv)
	}

	s.logger.Info().Str("name", t.Name).Int("missing", submitted).Int("inventory", inv.Units()).Msg("Title reconciled")
	return nil
}

// shouldRefresh implements the refresh rule: a known gap, a forced sync,
// or an episodic title inside the speculative probe window.
func (s *Service) shouldRefresh(t *catalog.Title, force bool) bool {
	if force {
		return true
	}
	if !t.Synced() {
		return true
	}
	if !t.Kind.Episodic() {
		return false
	}
	if t.LastRefresh == nil {
		return true
	}
	age := s.now().Sub(*t.LastRefresh)
	return age >= probeMin && age < probeMax
}

// submitMissing diffs the inventory against downloaded units and submits
// one job per missing unit. It returns the number of jobs submitted.
func (s *Service) submitMissing(ctx context.Context, t *catalog.Title, adapter provider.Adapter, inv provider.Inventory, onlySeason int) (int, error) {
	var requests []queue.Request
	var err error

	switch {
	case t.Kind == catalog.KindFilm:
		requests = s.missingFilm(t, adapter)
	case inv.Structured():
		requests = s.missingStructured(t, adapter, inv, onlySeason)
	default:
		requests, err = s.missingFlat(t, adapter, inv)
		if err != nil {
			return 0, err
		}
	}

	if len(requests) == 0 {
		return 0, nil
	}

	var wg sync.WaitGroup
	submitted := 0
	for _, req := range requests {
		req := req
		wg.Add(1)
		prev := req.OnDone
		req.OnDone = func(v queue.JobView) {
			if prev != nil {
				prev(v)
			}
			wg.Done()
		}
		if _, err := s.queue.Submit(req); err != nil {
			wg.Done()
			s.logger.Debug().Err(err).Str("job", req.Name).Msg("Submission rejected")
			continue
		}
		submitted++
	}

	if submitted > 0 {
		// Once the title's jobs settle, record the observed inventory.
		kind, name := t.Kind, t.Name
		go func() {
			wg.Wait()
			if fresh, err := s.store.Get(context.Background(), kind, name); err == nil {
				s.recordInventory(context.Background(), fresh, inv)
			}
		}()
	}
	return submitted, nil
}

func (s *Service) recordInventory(ctx context.Context, t *catalog.Title, inv provider.Inventory) {
	if err := s.store.UpdateTotal(ctx, t.Kind, t.Name, inv.Units()); err != nil {
		s.logger.Error().Err(err).Str("name", t.Name).Msg("Failed to record inventory size")
	}
	if err := s.store.UpdateLastRefresh(ctx, t.Kind, t.Name, s.now()); err != nil {
		s.logger.Error().Err(err).Str("name", t.Name).Msg("Failed to record refresh time")
	}
}

// missingFilm returns the single job for an undownloaded film.
func (s *Service) missingFilm(t *catalog.Title, adapter provider.Adapter) []queue.Request {
	if t.DownloadedUnits > 0 {
		return nil
	}

	kind, name := t.Kind, t.Name
	snapshot := *t
	return []queue.Request{{
		Name:     name,
		Kind:     kind,
		TitleKey: titleKey(t),
		UnitKey:  "film",
		Run: func(sink *queue.Sink) error {
			return s.runUnit(sink, &snapshot, adapter, provider.UnitSelector{},
				s.layout.TitleDir(kind, name), s.layout.MovieBase(name), 0,
				func(ctx context.Context) error {
					return s.store.UpdateProgress(ctx, kind, name, 1)
				})
		},
	}}
}

// missingStructured diffs a season-structured inventory against the
// progress map. Decimal episode numbers are floored; a floored duplicate
// is fetched once.
func (s *Service) missingStructured(t *catalog.Title, adapter provider.Adapter, inv provider.Inventory, onlySeason int) []queue.Request {
	var requests []queue.Request
	kind, name := t.Kind, t.Name
	snapshot := *t

	for _, season := range inv.Seasons {
		if onlySeason != 0 && season.Number != onlySeason {
			continue
		}
		seasonNum := season.Number
		seasonTotal := len(season.Episodes)

		seen := make(map[int]bool)
		for _, ep := range season.Episodes {
			n := int(ep.Number)
			if seen[n] || t.Progress.Has(seasonNum, n) {
				continue
			}
			seen[n] = true

			episode := n
			selector := provider.UnitSelector{Season: seasonNum, EpisodeRef: ep.Ref}
			duration := time.Duration(ep.Duration) * time.Second
			requests = append(requests, queue.Request{
				Name:     s.layout.SeriesEpisodeBase(name, seasonNum, episode),
				Kind:     kind,
				TitleKey: titleKey(t),
				UnitKey:  fmt.Sprintf("s%de%d", seasonNum, episode),
				Run: func(sink *queue.Sink) error {
					return s.runUnit(sink, &snapshot, adapter, selector,
						s.layout.SeasonDir(name, seasonNum),
						s.layout.SeriesEpisodeBase(name, seasonNum, episode),
						duration,
						func(ctx context.Context) error {
							return s.markEpisode(ctx, name, seasonNum, episode, seasonTotal)
						})
				},
			})
		}
	}
	return requests
}

// missingFlat diffs a flat inventory against the episode files on disk.
func (s *Service) missingFlat(t *catalog.Title, adapter provider.Adapter, inv provider.Inventory) ([]queue.Request, error) {
	kind, name := t.Kind, t.Name

	onDisk, err := s.layout.DownloadedEpisodes(kind, name)
	if err != nil {
		return nil, err
	}
	have := make(map[int]bool, len(onDisk))
	for _, n := range onDisk {
		have[n] = true
	}

	snapshot := *t
	var requests []queue.Request
	seen := make(map[int]bool)
	for _, ep := range inv.Episodes {
		n := int(ep.Number)
		if seen[n] || have[n] {
			continue
		}
		seen[n] = true

		episode := n
		selector := provider.UnitSelector{EpisodeRef: ep.Ref}
		requests = append(requests, queue.Request{
			Name:     s.layout.EpisodeBase(name, episode),
			Kind:     kind,
			TitleKey: titleKey(t),
			UnitKey:  fmt.Sprintf("e%d", episode),
			Run: func(sink *queue.Sink) error {
				return s.runUnit(sink, &snapshot, adapter, selector,
					s.layout.TitleDir(kind, name),
					s.layout.EpisodeBase(name, episode), 0,
					func(ctx context.Context) error {
						return s.recountFlat(ctx, kind, name)
					})
			},
		})
	}
	return requests, nil
}

// runUnit is the body of every download job: resolve the playlist, fetch
// it, then commit progress. Cancellation is cooperative through the sink.
func (s *Service) runUnit(sink *queue.Sink, t *catalog.Title, adapter provider.Adapter, selector provider.UnitSelector, dir, base string, duration time.Duration, commit func(context.Context) error) error {
	ctx, stop := watchCancel(sink)
	defer stop()

	playlistURL, err := adapter.Playlist(ctx, t, selector)
	if err != nil {
		if sink.CancelRequested() {
			return queue.ErrCancelled
		}
		return err
	}

	opts := hls.Options{
		DurationHint: duration,
		Progress: func(p hls.Progress) {
			sink.Set(p.Fraction, strings.TrimSpace(p.Size+" "+p.Speed))
		},
	}
	if _, err := s.fetcher.Download(ctx, playlistURL, dir, base, opts); err != nil {
		if sink.CancelRequested() {
			return queue.ErrCancelled
		}
		return err
	}

	if err := s.store.UpdateLastRefresh(ctx, t.Kind, t.Name, s.now()); err != nil {
		return fmt.Errorf("failed to record refresh time: %w", err)
	}
	if err := commit(ctx); err != nil {
		return fmt.Errorf("failed to record completion: %w", err)
	}

	if s.notifier != nil {
		if err := s.notifier.Send(ctx, "Download complete: "+base); err != nil {
			s.logger.Warn().Err(err).Str("unit", base).Msg("Completion notice failed")
		}
	}
	return nil
}

// markEpisode folds one completed episode into the series progress map.
func (s *Service) markEpisode(ctx context.Context, name string, season, episode, seasonTotal int) error {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()

	t, err := s.store.Get(ctx, catalog.KindSeries, name)
	if err != nil {
		return err
	}
	if t.Progress == nil {
		t.Progress = catalog.ProgressMap{}
	}
	t.Progress.Mark(season, episode, seasonTotal)
	return s.store.UpdateProgressMap(ctx, name, t.Progress)
}

// recountFlat derives the downloaded count of a flat title from disk.
func (s *Service) recountFlat(ctx context.Context, kind catalog.Kind, name string) error {
	episodes, err := s.layout.DownloadedEpisodes(kind, name)
	if err != nil {
		return err
	}
	return s.store.UpdateProgress(ctx, kind, name, len(episodes))
}

// watchCancel derives a context that is cancelled once the job's
// cooperative cancel flag is raised.
func watchCancel(sink *queue.Sink) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if sink.CancelRequested() {
					cancel()
					return
				}
			}
		}
	}()
	return ctx, func() {
		close(done)
		cancel()
	}
}

func titleKey(t *catalog.Title) string {
	return string(t.Kind) + "/" + t.Name
}
