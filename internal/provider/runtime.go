package provider

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// Pool names exposed by the runtime provider.
const (
	PoolHeap        = "heap"
	PoolStack       = "stack"
	PoolRuntimeMeta = "runtime-meta"
)

const defaultPollInterval = time.Second

// runtimePool carries per-pool threshold state. All fields are guarded by
// Runtime.mu.
type runtimePool struct {
	name                string
	usageSupported      bool
	collectionSupported bool

	usageThreshold      int64
	collectionThreshold int64
	usageExceeds        uint64
	collectionExceeds   uint64

	// usageArmed is true while usage sits below the threshold; a crossing
	// fires once and re-arms only after usage drops back under.
	usageArmed bool
}

// RuntimeOptions configures a Runtime provider.
type RuntimeOptions struct {
	// PollInterval is how often runtime memory statistics are sampled.
	// Defaults to one second.
	PollInterval time.Duration

	// HeapLimit is the configured maximum heap size in bytes. When zero
	// or negative the heap pool reports no fixed maximum and
	// ProcessMaxMemory falls back to total system memory.
	HeapLimit int64
}

// Runtime is a Provider backed by the Go runtime's own memory statistics.
// It exposes three pools: heap (usage and collection thresholds), stack and
// runtime-meta (usage thresholds only).
type Runtime struct {
	mu        sync.Mutex
	pools     map[string]*runtimePool
	order     []string
	subs      map[uint64]func(Event)
	nextSub   uint64
	pollEvery time.Duration
	heapLimit int64
	lastNumGC uint32

	sysOnce  sync.Once
	sysTotal int64
}

// NewRuntime constructs a runtime provider. Call Start to begin sampling.
func NewRuntime(opts RuntimeOptions) *Runtime {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	limit := opts.HeapLimit
	if limit < 0 {
		limit = 0
	}
	r := &Runtime{
		pools:     make(map[string]*runtimePool),
		subs:      make(map[uint64]func(Event)),
		pollEvery: interval,
		heapLimit: limit,
	}
	for _, p := range []*runtimePool{
		{name: PoolHeap, usageSupported: true, collectionSupported: true, usageArmed: true},
		{name: PoolStack, usageSupported: true, usageArmed: true},
		{name: PoolRuntimeMeta, usageSupported: true, usageArmed: true},
	} {
		r.pools[p.name] = p
		r.order = append(r.order, p.name)
	}
	return r
}

// Start runs the sampling loop until ctx is cancelled. Events are delivered
// to subscribers from this goroutine.
func (r *Runtime) Start(ctx context.Context) {
	log.Printf("runtime provider started (poll=%s)", r.interval())

	r.poll()

	timer := time.NewTimer(r.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("runtime provider stopped")
			return
		case <-timer.C:
			r.poll()
			timer.Reset(r.interval())
		}
	}
}

// SetPollInterval changes the sampling interval. Takes effect on the next
// tick.
func (r *Runtime) SetPollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.pollEvery = d
	r.mu.Unlock()
}

func (r *Runtime) interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pollEvery
}

func (r *Runtime) poll() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snapshots := map[string]MemoryUsage{
		PoolHeap:        r.heapUsage(&ms),
		PoolStack:       stackUsage(&ms),
		PoolRuntimeMeta: metaUsage(&ms),
	}

	events, subs := r.evaluate(snapshots, ms.NumGC)
	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// evaluate applies crossing detection against the given snapshots and
// returns the events to deliver plus the subscriber list to deliver them to.
// numGC drives collection-threshold checks: they are evaluated only when it
// has advanced since the previous call.
func (r *Runtime) evaluate(snapshots map[string]MemoryUsage, numGC uint32) ([]Event, []func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	gcAdvanced := numGC != r.lastNumGC
	r.lastNumGC = numGC

	var events []Event
	for _, name := range r.order {
		p := r.pools[name]
		usage, ok := snapshots[name]
		if !ok {
			continue
		}

		if p.usageThreshold > 0 {
			if usage.Used >= p.usageThreshold {
				if p.usageArmed {
					p.usageArmed = false
					p.usageExceeds++
					events = append(events, Event{
						Pool:        name,
						Kind:        Usage,
						Usage:       usage,
						ExceedCount: p.usageExceeds,
					})
				}
			} else {
				p.usageArmed = true
			}
		}

		// Collection thresholds compare post-reclamation occupancy; the
		// snapshot taken right after a completed cycle approximates it.
		if gcAdvanced && p.collectionThreshold > 0 && usage.Used >= p.collectionThreshold {
			p.collectionExceeds++
			events = append(events, Event{
				Pool:        name,
				Kind:        Collection,
				Usage:       usage,
				ExceedCount: p.collectionExceeds,
			})
		}
	}

	subs := make([]func(Event), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	return events, subs
}

func (r *Runtime) heapUsage(ms *runtime.MemStats) MemoryUsage {
	maxBytes := int64(-1)
	if r.heapLimit > 0 {
		maxBytes = r.heapLimit
	}
	return MemoryUsage{
		Used:      int64(ms.HeapAlloc),
		Committed: int64(ms.HeapSys),
		Max:       maxBytes,
	}
}

func stackUsage(ms *runtime.MemStats) MemoryUsage {
	return MemoryUsage{
		Used:      int64(ms.StackInuse),
		Committed: int64(ms.StackSys),
		Max:       -1,
	}
}

func metaUsage(ms *runtime.MemStats) MemoryUsage {
	return MemoryUsage{
		Used:      int64(ms.MSpanInuse + ms.MCacheInuse),
		Committed: int64(ms.MSpanSys + ms.MCacheSys + ms.GCSys + ms.BuckHashSys),
		Max:       -1,
	}
}

func (r *Runtime) ListPools() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Runtime) Usage(pool string) (MemoryUsage, error) {
	r.mu.Lock()
	_, ok := r.pools[pool]
	limit := r.heapLimit
	r.mu.Unlock()
	if !ok {
		return MemoryUsage{}, fmt.Errorf("unknown pool %q", pool)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	switch pool {
	case PoolStack:
		return stackUsage(&ms), nil
	case PoolRuntimeMeta:
		return metaUsage(&ms), nil
	default:
		maxBytes := int64(-1)
		if limit > 0 {
			maxBytes = limit
		}
		return MemoryUsage{
			Used:      int64(ms.HeapAlloc),
			Committed: int64(ms.HeapSys),
			Max:       maxBytes,
		}, nil
	}
}

func (r *Runtime) SupportsUsageThreshold(pool string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[pool]
	return ok && p.usageSupported
}

func (r *Runtime) SupportsCollectionThreshold(pool string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[pool]
	return ok && p.collectionSupported
}

func (r *Runtime) Threshold(pool string, kind Kind) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[pool]
	if !ok {
		return 0, fmt.Errorf("unknown pool %q", pool)
	}
	switch kind {
	case Usage:
		if !p.usageSupported {
			return 0, fmt.Errorf("pool %q does not support usage thresholds", pool)
		}
		return p.usageThreshold, nil
	case Collection:
		if !p.collectionSupported {
			return 0, fmt.Errorf("pool %q does not support collection thresholds", pool)
		}
		return p.collectionThreshold, nil
	default:
		return 0, fmt.Errorf("unknown threshold kind %v", kind)
	}
}

func (r *Runtime) SetThreshold(pool string, kind Kind, value int64) error {
	if value < 0 {
		return fmt.Errorf("negative threshold %d", value)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[pool]
	if !ok {
		return fmt.Errorf("unknown pool %q", pool)
	}
	switch kind {
	case Usage:
		if !p.usageSupported {
			return fmt.Errorf("pool %q does not support usage thresholds", pool)
		}
		p.usageThreshold = value
		// A replaced threshold gets a fresh crossing edge.
		p.usageArmed = true
	case Collection:
		if !p.collectionSupported {
			return fmt.Errorf("pool %q does not support collection thresholds", pool)
		}
		p.collectionThreshold = value
	default:
		return fmt.Errorf("unknown threshold kind %v", kind)
	}
	return nil
}

func (r *Runtime) Subscribe(fn func(Event)) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSub++
	r.subs[r.nextSub] = fn
	return r.nextSub
}

func (r *Runtime) Unsubscribe(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

// ProcessMaxMemory returns the configured heap limit when set, else the total
// physical memory of the machine.
func (r *Runtime) ProcessMaxMemory() int64 {
	r.mu.Lock()
	limit := r.heapLimit
	r.mu.Unlock()
	if limit > 0 {
		return limit
	}
	r.sysOnce.Do(func() {
		vm, err := mem.VirtualMemory()
		if err != nil {
			log.Printf("system memory lookup failed: %v", err)
			return
		}
		r.sysTotal = int64(vm.Total)
	})
	return r.sysTotal
}
