// Package provider defines the resource-usage provider boundary: enumeration
// of monitorable memory pools, on-demand usage snapshots, a single global
// threshold per pool per kind, and raw threshold-exceeded events.
//
// The provider has no notion of multiple requesters. Arbitrating concurrent
// threshold requests on top of this surface is the job of the threshold
// package.
package provider

import "fmt"

// Kind selects which per-pool threshold an operation targets.
type Kind int

const (
	// Usage thresholds fire when a pool's allocated bytes meet or exceed
	// the installed level.
	Usage Kind = iota
	// Collection thresholds fire when the bytes remaining immediately
	// after a reclamation cycle meet or exceed the installed level.
	Collection
)

// Kinds lists all threshold kinds, in Kind order.
var Kinds = [2]Kind{Usage, Collection}

func (k Kind) String() string {
	switch k {
	case Usage:
		return "usage"
	case Collection:
		return "collection"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MemoryUsage is a point-in-time usage snapshot for one pool.
// Max is -1 when the pool has no fixed maximum.
type MemoryUsage struct {
	Init      int64 `json:"init"`
	Used      int64 `json:"used"`
	Committed int64 `json:"committed"`
	Max       int64 `json:"max"`
}

// Event is a raw threshold-exceeded notification emitted by a provider.
// ExceedCount is the total number of crossings for the pool and kind since
// the provider started.
type Event struct {
	Pool        string
	Kind        Kind
	Usage       MemoryUsage
	ExceedCount uint64
}

// Provider is the single-threshold resource-usage collaborator. All methods
// must be safe for concurrent use. Implementations deliver events from their
// own goroutine; a panicking subscriber propagates on that goroutine.
type Provider interface {
	// ListPools returns the names of all monitorable pools. The set is
	// fixed for the lifetime of the provider.
	ListPools() []string

	// Usage returns the current usage snapshot for a pool.
	Usage(pool string) (MemoryUsage, error)

	SupportsUsageThreshold(pool string) bool
	SupportsCollectionThreshold(pool string) bool

	// Threshold returns the absolute value currently installed for a pool
	// and kind. Zero means disabled.
	Threshold(pool string, kind Kind) (int64, error)

	// SetThreshold installs an absolute threshold value for a pool and
	// kind, replacing any previous value. Zero disables.
	SetThreshold(pool string, kind Kind, value int64) error

	// Subscribe registers fn for raw threshold-exceeded events and
	// returns an id for Unsubscribe.
	Subscribe(fn func(Event)) uint64
	Unsubscribe(id uint64)

	// ProcessMaxMemory returns the absolute memory ceiling for the whole
	// process, used as the fallback when a pool's max is unknown.
	ProcessMaxMemory() int64
}
