package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/downpour/downpour/internal/catalog"
)

const (
	// defaultEmitInterval coalesces presenter emissions.
	defaultEmitInterval = 4 * time.Second
	// terminalRetention keeps finished jobs visible in the snapshot.
	terminalRetention = 30 * time.Second
	// recentCompletions caps the completions tail.
	recentCompletions = 3
	// barCells is the width of the ASCII progress bar.
	barCells = 10
)

// Presenter receives rendered queue snapshots. Implementations must not
// block for long; emissions are already coalesced upstream.
type Presenter interface {
	Present(text string)
}

// AggregatorConfig tunes emission coalescing, mainly for tests.
type AggregatorConfig struct {
	EmitInterval time.Duration
	Retention    time.Duration
}

// Aggregator folds per-job progress samples into one textual snapshot and
// pushes it to presenters, rate-limited and suppressed when unchanged.
type Aggregator struct {
	limiter    *rate.Limiter
	retention  time.Duration
	presenters []Presenter
	logger     zerolog.Logger
	now        func() time.Time

	mu       sync.Mutex
	entries  map[string]*aggEntry
	lastText string
}

type aggEntry struct {
	view   JobView
	doneAt time.Time
}

// NewAggregator creates an aggregator emitting to the given presenters.
func NewAggregator(cfg AggregatorConfig, logger zerolog.Logger, presenters ...Presenter) *Aggregator {
	interval := cfg.EmitInterval
	if interval == 0 {
		interval = defaultEmitInterval
	}
	retention := cfg.Retention
	if retention == 0 {
		retention = terminalRetention
	}

	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}

	return &Aggregator{
		limiter:    rate.NewLimiter(limit, 1),
		retention:  retention,
		presenters: presenters,
		logger:     logger.With().Str("component", "aggregator").Logger(),
		now:        time.Now,
		entries:    make(map[string]*aggEntry),
	}
}

// Start runs a periodic flush so suppressed updates and retention pruning
// surface even when no new samples arrive.
func (a *Aggregator) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.emit()
			}
		}
	}()
}

// Observe folds one job snapshot into the view.
func (a *Aggregator) Observe(view JobView) {
	a.mu.Lock()
	entry, ok := a.entries[view.ID]
	if !ok {
		entry = &aggEntry{}
		a.entries[view.ID] = entry
	}
	entry.view = view
	if view.Status.Terminal() && entry.doneAt.IsZero() {
		entry.doneAt = a.now()
	}
	a.mu.Unlock()

	a.emit()
}

// Snapshot returns the current rendered text without emitting.
func (a *Aggregator) Snapshot() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked()
	return a.renderLocked()
}

// emit renders and pushes to presenters unless rate-limited or unchanged.
func (a *Aggregator) emit() {
	a.mu.Lock()
	a.pruneLocked()
	text := a.renderLocked()
	if text == a.lastText {
		a.mu.Unlock()
		return
	}
	if !a.limiter.Allow() {
		a.mu.Unlock()
		return
	}
	a.lastText = text
	presenters := a.presenters
	a.mu.Unlock()

	for _, p := range presenters {
		p.Present(text)
	}
}

// pruneLocked drops terminal entries past the retention window.
func (a *Aggregator) pruneLocked() {
	cutoff := a.now().Add(-a.retention)
	for id, entry := range a.entries {
		if !entry.doneAt.IsZero() && entry.doneAt.Before(cutoff) {
			delete(a.entries, id)
		}
	}
}

var kindOrder = map[catalog.Kind]int{
	catalog.KindAnime:  0,
	catalog.KindSeries: 1,
	catalog.KindFilm:   2,
}

var kindHeading = map[catalog.Kind]string{
	catalog.KindAnime:  "Anime",
	catalog.KindSeries: "Series",
	catalog.KindFilm:   "Films",
}

// renderLocked builds the textual snapshot: active jobs grouped by kind,
// each with a progress bar, plus a short completions tail.
func (a *Aggregator) renderLocked() string {
	var active, done []*aggEntry
	for _, entry := range a.entries {
		if entry.view.Status.Terminal() {
			done = append(done, entry)
		} else {
			active = append(active, entry)
		}
	}

	sort.Slice(active, func(i, j int) bool {
		ki, kj := kindOrder[active[i].view.Kind], kindOrder[active[j].view.Kind]
		if ki != kj {
			return ki < kj
		}
		return active[i].view.ID < active[j].view.ID
	})
	sort.Slice(done, func(i, j int) bool {
		return done[i].doneAt.After(done[j].doneAt)
	})
	if len(done) > recentCompletions {
		done = done[:recentCompletions]
	}

	var sb strings.Builder
	var lastKind catalog.Kind
	for _, entry := range active {
		v := entry.view
		if v.Kind != lastKind || sb.Len() == 0 {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			heading := kindHeading[v.Kind]
			if heading == "" {
				heading = string(v.Kind)
			}
			sb.WriteString(heading + ":\n")
			lastKind = v.Kind
		}
		line := fmt.Sprintf("%s %s %3.0f%%", v.Name, renderBar(v.Progress), v.Progress*100)
		if v.Status == StatusPending {
			line = v.Name + " (queued)"
		} else if v.Detail != "" {
			line += " " + v.Detail
		}
		sb.WriteString(line + "\n")
	}

	if len(done) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("Recent:\n")
		for _, entry := range done {
			v := entry.view
			sb.WriteString(fmt.Sprintf("%s: %s\n", v.Name, v.Status))
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}

// renderBar draws the fixed-width ASCII progress bar.
func renderBar(fraction float64) string {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	filled := int(fraction * barCells)
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", barCells-filled) + "]"
}
