package threshold

import (
	"sync/atomic"
	"weak"

	"github.com/memwatch/memwatch/internal/provider"
)

// Listener receives routed threshold notifications. Dispatch happens outside
// the coordinator lock, so a listener may re-enter the coordinator (including
// closing its own handle) from within HandleNotification.
type Listener interface {
	HandleNotification(n Notification, token any)
}

// Filter is an optional per-registration predicate applied after the managed
// threshold check. Implementations should be comparable (pointer receivers)
// so deregistration by (listener, filter, token) identity works.
type Filter interface {
	Match(n Notification) bool
}

// Registration states. Transitions are monotonic:
// pinned -> exposed (first threshold set) -> closed, with closed reachable
// directly from pinned via an explicit Close.
const (
	regPinned int32 = iota
	regExposed
	regClosed
)

func stateName(s int32) string {
	switch s {
	case regPinned:
		return "pinned"
	case regExposed:
		return "exposed"
	default:
		return "closed"
	}
}

// registration is one observer's subscription. requests and pinned are
// guarded by the coordinator mutex; state transitions go through the atomic
// so concurrent closers race on a single compare-and-swap.
type registration struct {
	id       string
	coord    *Coordinator
	listener Listener
	filter   Filter
	token    any

	state atomic.Int32

	// pinned keeps the handle strongly reachable until the first managed
	// threshold call; an unused registration is never reclaimed out from
	// under its owner. After that only the weak pointer remains and the
	// lifecycle scanner takes over.
	pinned *Handle
	weakH  weak.Pointer[Handle]

	// at most one active request per kind
	requests [len(provider.Kinds)]*request
}

// close transfers ownership of the registration's active state to exactly
// one caller. Explicit Close, deregistration, and the lifecycle scanner all
// funnel through here; only the winner of the state swap performs cleanup.
func (r *registration) close() {
	for {
		s := r.state.Load()
		if s == regClosed {
			return
		}
		if r.state.CompareAndSwap(s, regClosed) {
			break
		}
	}
	r.coord.retireRegistration(r)
}

// Handle is the externally held grip on a registration. Dropping every
// strong reference to a Handle (after a threshold has been set through it)
// makes the registration eligible for scanner-driven auto-close; calling
// Close is the guaranteed path.
type Handle struct {
	reg *registration
}

// SetUsageThreshold sets this registration's managed usage threshold as a
// percentage of each eligible pool's maximum. Negative values reset the
// request, zero disables, 1-100 arm it. Values above 100 are rejected.
func (h *Handle) SetUsageThreshold(percentage int) error {
	return h.reg.coord.setManagedThreshold(h.reg, usageOps, percentage)
}

// SetCollectionThreshold is SetUsageThreshold for collection thresholds.
func (h *Handle) SetCollectionThreshold(percentage int) error {
	return h.reg.coord.setManagedThreshold(h.reg, collectionOps, percentage)
}

// Close retracts the registration and re-arbitrates any thresholds it held.
// Safe to call concurrently and more than once.
func (h *Handle) Close() {
	h.reg.close()
}

// IsClosed reports whether the registration has been retracted, explicitly
// or by the lifecycle scanner.
func (h *Handle) IsClosed() bool {
	return h.reg.state.Load() == regClosed
}

// ID returns the registration's identifier, stable for its lifetime.
func (h *Handle) ID() string {
	return h.reg.id
}

// RegistrationInfo is a read-only view of one live registration, served by
// the HTTP API.
type RegistrationInfo struct {
	ID                string `json:"id"`
	State             string `json:"state"`
	UsagePercent      int    `json:"usagePercent"`      // -1 when no active request
	CollectionPercent int    `json:"collectionPercent"` // -1 when no active request
	HasFilter         bool   `json:"hasFilter"`
}
