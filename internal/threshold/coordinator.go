// Package threshold coordinates threshold-based monitoring of process memory
// pools. The underlying provider supports a single global threshold per pool
// per kind; the Coordinator arbitrates between concurrent requesters by
// installing the most sensitive active request, and filters the provider's
// raw notifications so every observer sees only events matching its own
// requested sensitivity.
package threshold

import (
	"errors"
	"fmt"
	"log"
	"reflect"
	"sync"
	"time"
	"weak"

	"github.com/google/uuid"

	"github.com/memwatch/memwatch/internal/provider"
)

var (
	// ErrPercentageRange rejects threshold percentages above 100.
	ErrPercentageRange = errors.New("threshold: percentage out of range")
	// ErrNotRegistered is returned when deregistering a listener, filter
	// and token combination that is not currently registered.
	ErrNotRegistered = errors.New("threshold: listener not registered")
	// ErrNilListener rejects a nil listener at registration.
	ErrNilListener = errors.New("threshold: nil listener")
	// ErrRegistrationClosed rejects threshold calls on a closed handle.
	ErrRegistrationClosed = errors.New("threshold: registration closed")
	// ErrCoordinatorClosed rejects registrations after Close.
	ErrCoordinatorClosed = errors.New("threshold: coordinator closed")
)

const (
	taskScan    = "lifecycle-scan"
	taskSummary = "usage-summary"

	defaultScanInterval = 10 * time.Second
	shutdownWait        = 5 * time.Second
)

// Options configures a Coordinator.
type Options struct {
	// ScanInterval is how often the lifecycle scanner sweeps for
	// abandoned handles. Defaults to 10 seconds. The interval bounds how
	// long an unreachable registration may stay nominally active; it is a
	// liveness knob, not a correctness one.
	ScanInterval time.Duration
}

// Coordinator owns the registration set and the per-kind request trees. One
// mutex guards all of it: request mutations, registration lifecycle and the
// decision to push a new absolute value to the provider. Notification
// dispatch never happens under the mutex.
type Coordinator struct {
	prov  provider.Provider
	cat   *catalog
	sched *scheduler
	subID uint64

	mu           sync.Mutex
	regs         map[*registration]struct{}
	requests     [len(provider.Kinds)]*requestTree
	unmanaged    [len(provider.Kinds)]int // -1 = no unmanaged percentage recorded
	scanInterval time.Duration
	scannerOn    bool
	closed       bool

	// alive reports whether a registration's external handle is still
	// reachable. Overridden in tests; the default resolves the weak
	// pointer.
	alive func(*registration) bool

	// sink, when set, observes every routed raw event with its delivery
	// count. Called outside the mutex.
	sink func(Notification, int)
}

// New builds a Coordinator over prov, enumerates its pools and subscribes to
// its raw events.
func New(prov provider.Provider, opts Options) *Coordinator {
	scan := opts.ScanInterval
	if scan <= 0 {
		scan = defaultScanInterval
	}
	c := &Coordinator{
		prov:         prov,
		cat:          newCatalog(prov),
		sched:        newScheduler(),
		regs:         make(map[*registration]struct{}),
		scanInterval: scan,
	}
	for _, k := range provider.Kinds {
		c.requests[k] = newRequestTree()
		c.unmanaged[k] = -1
	}
	c.alive = func(r *registration) bool { return r.weakH.Value() != nil }
	c.subID = prov.Subscribe(c.handleRawEvent)
	return c
}

// SetEventSink installs an observer for routed events. Intended for wiring
// the event log and websocket stream; pass nil to disable.
func (c *Coordinator) SetEventSink(fn func(Notification, int)) {
	c.mu.Lock()
	c.sink = fn
	c.mu.Unlock()
}

// RegisterListener creates a new registration and returns its Handle. The
// filter and token may be nil; a nil listener is rejected. Listener, filter
// and token should have comparable dynamic types, since DeregisterListener
// matches them by identity; non-comparable values can only be retracted
// through the handle. The registration stays pinned (never auto-closed)
// until the first managed threshold call through the handle.
func (c *Coordinator) RegisterListener(listener Listener, filter Filter, token any) (*Handle, error) {
	if listener == nil {
		return nil, ErrNilListener
	}
	r := &registration{
		id:       uuid.NewString(),
		coord:    c,
		listener: listener,
		filter:   filter,
		token:    token,
	}
	h := &Handle{reg: r}
	r.pinned = h
	r.weakH = weak.Make(h)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCoordinatorClosed
	}
	c.regs[r] = struct{}{}
	n := len(c.regs)
	c.mu.Unlock()

	log.Printf("registration %s added (listeners=%d)", r.id, n)
	return h, nil
}

// DeregisterListener closes every registration whose listener, filter and
// token are all identical to the given values. Returns ErrNotRegistered when
// nothing matches.
func (c *Coordinator) DeregisterListener(listener Listener, filter Filter, token any) error {
	c.mu.Lock()
	var matched []*registration
	for r := range c.regs {
		if identical(r.listener, listener) && identical(r.filter, filter) && identical(r.token, token) {
			matched = append(matched, r)
		}
	}
	c.mu.Unlock()

	if len(matched) == 0 {
		return ErrNotRegistered
	}
	for _, r := range matched {
		r.close()
	}
	return nil
}

// identical compares caller-supplied identity values without panicking on
// non-comparable dynamic types; those never match anything. nil matches only
// nil.
func identical(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return false
	}
	return a == b
}

// setManagedThreshold applies one registration's request per the arbitration
// rules: remove the owner's previous request for the kind, then reset
// (pct < 0), disable (pct == 0) or arm (0 < pct <= 100), pushing a new
// absolute value to the provider only when the winning percentage changed.
func (c *Coordinator) setManagedThreshold(r *registration, ops *kindOps, pct int) error {
	if pct > 100 {
		return fmt.Errorf("%w: %d", ErrPercentageRange, pct)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if r.state.Load() == regClosed {
		return ErrRegistrationClosed
	}

	// First threshold call unpins the handle: from here on only the weak
	// reference holds it and the lifecycle scanner may reclaim it.
	if r.state.CompareAndSwap(regPinned, regExposed) {
		r.pinned = nil
	}

	k := ops.kind
	tree := c.requests[k]
	prevMin, hadMin := tree.min()
	if old := r.requests[k]; old != nil {
		tree.remove(old)
		r.requests[k] = nil
	}

	switch {
	case pct < 0: // reset
		c.rearbitrateLocked(ops)

	case pct == 0: // disable
		if lowest, ok := tree.min(); ok {
			c.installPercentLocked(ops, lowest)
		} else {
			c.installPercentLocked(ops, 0)
		}

	default:
		req := &request{pct: pct, kind: k, owner: r}
		tree.add(req)
		r.requests[k] = req
		// The minimum moves when a lower request arrives or when the
		// holder of the old minimum raises its own; either way the
		// installed value must follow it.
		if newMin, _ := tree.min(); !hadMin || newMin != prevMin {
			c.installPercentLocked(ops, newMin)
		}
	}

	c.ensureScannerLocked()
	return nil
}

// SetUsageThreshold records an unmanaged usage threshold, one with no
// owning handle. Unmanaged thresholds are always subordinate: they take
// effect only while no managed usage request is active.
func (c *Coordinator) SetUsageThreshold(percentage int) error {
	return c.setUnmanaged(usageOps, percentage)
}

// SetCollectionThreshold is the unmanaged counterpart for collection
// thresholds.
func (c *Coordinator) SetCollectionThreshold(percentage int) error {
	return c.setUnmanaged(collectionOps, percentage)
}

func (c *Coordinator) setUnmanaged(ops *kindOps, pct int) error {
	if pct > 100 {
		return fmt.Errorf("%w: %d", ErrPercentageRange, pct)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := ops.kind
	if pct < 0 {
		c.unmanaged[k] = -1
		if c.requests[k].empty() {
			c.restoreInitialLocked(ops)
		}
		return nil
	}
	c.unmanaged[k] = pct
	if c.requests[k].empty() {
		c.installPercentLocked(ops, pct)
	}
	return nil
}

// retireRegistration is the cleanup half of registration close. The caller
// already won the state swap; this removes the registration's requests,
// re-arbitrates the affected kinds and drops it from the registry. Cleanup is
// best-effort: provider failures are logged by the install path and never
// propagate.
func (c *Coordinator) retireRegistration(r *registration) {
	c.mu.Lock()
	if _, ok := c.regs[r]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.regs, r)
	r.pinned = nil
	for _, k := range provider.Kinds {
		if req := r.requests[k]; req != nil {
			c.requests[k].remove(req)
			r.requests[k] = nil
			c.rearbitrateLocked(opsFor(k))
		}
	}
	if len(c.regs) == 0 && c.scannerOn {
		c.scannerOn = false
		c.sched.remove(taskScan)
	}
	remaining := len(c.regs)
	c.mu.Unlock()

	log.Printf("registration %s closed (listeners=%d)", r.id, remaining)
}

// Pools returns the catalog with live usage and currently installed
// thresholds, for the HTTP API.
func (c *Coordinator) Pools() []PoolStatus {
	out := make([]PoolStatus, 0, len(c.cat.pools))
	for _, p := range c.cat.pools {
		st := PoolStatus{Pool: *p, UsageThreshold: -1, CollectionThreshold: -1}
		if usage, err := c.prov.Usage(p.Name); err == nil {
			st.Usage = usage
		}
		if p.SupportsUsage {
			if v, err := c.prov.Threshold(p.Name, provider.Usage); err == nil {
				st.UsageThreshold = v
			}
		}
		if p.SupportsCollection {
			if v, err := c.prov.Threshold(p.Name, provider.Collection); err == nil {
				st.CollectionThreshold = v
			}
		}
		out = append(out, st)
	}
	return out
}

// PoolStatus is one catalog entry with its live state.
type PoolStatus struct {
	Pool
	Usage               provider.MemoryUsage `json:"usage"`
	UsageThreshold      int64                `json:"usageThreshold"`      // -1 unsupported/unreadable
	CollectionThreshold int64                `json:"collectionThreshold"` // -1 unsupported/unreadable
}

// Registrations returns a snapshot of all live registrations.
func (c *Coordinator) Registrations() []RegistrationInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RegistrationInfo, 0, len(c.regs))
	for r := range c.regs {
		info := RegistrationInfo{
			ID:                r.id,
			State:             stateName(r.state.Load()),
			UsagePercent:      -1,
			CollectionPercent: -1,
			HasFilter:         r.filter != nil,
		}
		if req := r.requests[provider.Usage]; req != nil {
			info.UsagePercent = req.pct
		}
		if req := r.requests[provider.Collection]; req != nil {
			info.CollectionPercent = req.pct
		}
		out = append(out, info)
	}
	return out
}

// SetScanInterval adjusts the lifecycle scanner interval, rescheduling the
// running task if the scanner is active.
func (c *Coordinator) SetScanInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.scanInterval = d
	on := c.scannerOn
	c.mu.Unlock()
	if on {
		c.sched.reschedule(taskScan, d)
	}
}

// Close unsubscribes from the provider, closes every registration
// (re-arbitrating thresholds back toward initial values) and stops the
// shared worker with a bounded wait. Subsequent registrations fail.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	open := make([]*registration, 0, len(c.regs))
	for r := range c.regs {
		open = append(open, r)
	}
	c.mu.Unlock()

	c.prov.Unsubscribe(c.subID)
	for _, r := range open {
		r.close()
	}
	c.sched.shutdown(shutdownWait)
	log.Println("threshold coordinator closed")
}
