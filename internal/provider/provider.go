// Package provider defines the capability contract every upstream adapter
// implements. The core depends on exactly this interface and nothing more.
package provider

import (
	"context"
	"errors"

	"github.com/downpour/downpour/internal/catalog"
)

var (
	// ErrUnavailable means the upstream gave no usable answer (HTTP or
	// parse failure). Retries, if any, are the caller's policy.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrPlaylistUnavailable means no playlist URL could be extracted, or
	// its token window has closed.
	ErrPlaylistUnavailable = errors.New("playlist unavailable")

	// ErrNotFound means the adapter cannot resolve the given reference.
	ErrNotFound = errors.New("reference not found")
)

// SearchHit is one result of an adapter search.
type SearchHit struct {
	Ref   catalog.ProviderRef
	Name  string
	Year  string
	Kind  catalog.Kind
	Units int // episode count when the adapter reports it, else 0
}

// Episode is a transient value materialized from an adapter's inventory.
// Number may carry a decimal part (specials); comparisons floor it.
type Episode struct {
	Number   float64
	Ref      string // adapter-opaque episode locator
	Duration int    // seconds, 0 when unknown
}

// Season is one season of a structured inventory.
type Season struct {
	Number   int
	Episodes []Episode
}

// Inventory is an adapter's current view of what units a title contains.
// Flat adapters set UnitCount and Episodes; structured adapters fill
// Seasons.
type Inventory struct {
	UnitCount int
	Episodes  []Episode
	Seasons   []Season
}

// Structured reports whether the inventory carries a season dimension.
func (inv Inventory) Structured() bool {
	return len(inv.Seasons) > 0
}

// Units returns the total number of units in the inventory.
func (inv Inventory) Units() int {
	if !inv.Structured() {
		return inv.UnitCount
	}
	n := 0
	for _, s := range inv.Seasons {
		n += len(s.Episodes)
	}
	return n
}

// UnitSelector names what to fetch a playlist for: the whole film (zero
// value) or a specific episode.
type UnitSelector struct {
	Season     int
	EpisodeRef string
}

// Film reports whether the selector addresses a whole film.
func (u UnitSelector) Film() bool {
	return u.EpisodeRef == "" && u.Season == 0
}

// Adapter is the capability set required of every upstream provider. The
// playlist URL it returns has a short TTL and must not be persisted.
type Adapter interface {
	// ID returns the stable identifier stored in Title.Provider.
	ID() string

	// Search looks up titles by free-text query.
	Search(ctx context.Context, query string) ([]SearchHit, error)

	// Resolve returns the current inventory for a title's provider ref.
	Resolve(ctx context.Context, title *catalog.Title) (Inventory, error)

	// Playlist returns a fully-qualified HLS master playlist URL for one
	// unit, bearing any necessary query-string credentials.
	Playlist(ctx context.Context, title *catalog.Title, unit UnitSelector) (string, error)
}
