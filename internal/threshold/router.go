package threshold

import (
	"log"
	"time"

	"github.com/docker/go-units"

	"github.com/memwatch/memwatch/internal/provider"
)

// Notification is a routed threshold event as delivered to listeners.
type Notification struct {
	Pool        string               `json:"pool"`
	Kind        provider.Kind        `json:"-"`
	KindName    string               `json:"kind"`
	Usage       provider.MemoryUsage `json:"usage"`
	ExceedCount uint64               `json:"exceedCount"`
	Time        time.Time            `json:"time"`
}

// delivery is one pending dispatch, captured under the mutex and executed
// outside it.
type delivery struct {
	listener Listener
	filter   Filter
	token    any
}

// handleRawEvent is the provider subscription entry point. The raw event is
// logged unconditionally; the forwarding decision for every registration is
// taken under the mutex, and listener dispatch runs after it is released so
// a delegate can re-enter the coordinator (including closing its own handle)
// without deadlocking. A panicking delegate propagates to the provider's
// delivery goroutine, never corrupting coordinator state.
func (c *Coordinator) handleRawEvent(ev provider.Event) {
	log.Printf("[%s] %s threshold exceeded (count=%d, used=%s, committed=%s, max=%s)",
		ev.Pool, ev.Kind, ev.ExceedCount,
		units.BytesSize(float64(ev.Usage.Used)),
		units.BytesSize(float64(ev.Usage.Committed)),
		maxLabel(ev.Usage.Max))

	n := Notification{
		Pool:        ev.Pool,
		Kind:        ev.Kind,
		KindName:    ev.Kind.String(),
		Usage:       ev.Usage,
		ExceedCount: ev.ExceedCount,
		Time:        time.Now(),
	}

	c.mu.Lock()
	deliveries := make([]delivery, 0, len(c.regs))
	suppressed := 0
	for r := range c.regs {
		if r.state.Load() == regClosed {
			continue
		}
		if !c.shouldForwardLocked(r, ev) {
			suppressed++
			continue
		}
		deliveries = append(deliveries, delivery{
			listener: r.listener,
			filter:   r.filter,
			token:    r.token,
		})
	}
	sink := c.sink
	c.mu.Unlock()

	if suppressed > 0 {
		log.Printf("[%s] %s event suppressed for %d registration(s) below their requested sensitivity", ev.Pool, ev.Kind, suppressed)
	}

	delivered := 0
	for _, d := range deliveries {
		if d.filter != nil && !d.filter.Match(n) {
			continue
		}
		d.listener.HandleNotification(n, d.token)
		delivered++
	}
	if sink != nil {
		sink(n, delivered)
	}
}

// shouldForwardLocked decides whether a raw event is relevant to one
// registration. A registration with no active managed request of either kind
// runs in fallback mode and receives everything unfiltered. Otherwise the
// registration's own percentage (for the event's kind when present, else
// for the other kind) is recomputed against the event's usage snapshot and
// the event forwards only when used/max has reached it.
func (c *Coordinator) shouldForwardLocked(r *registration, ev provider.Event) bool {
	req := r.requests[ev.Kind]
	if req == nil {
		for _, k := range provider.Kinds {
			if r.requests[k] != nil {
				req = r.requests[k]
				break
			}
		}
	}
	if req == nil {
		return true
	}

	max := ev.Usage.Max
	if max <= 0 {
		max = c.prov.ProcessMaxMemory()
	}
	if max <= 0 {
		// No usable ceiling to compare against; err on delivery.
		return true
	}
	return ev.Usage.Used*100 >= int64(req.pct)*max
}

func maxLabel(max int64) string {
	if max <= 0 {
		return "unknown"
	}
	return units.BytesSize(float64(max))
}
