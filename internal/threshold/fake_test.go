package threshold

import (
	"fmt"
	"sync"

	"github.com/memwatch/memwatch/internal/provider"
)

// fakePool is one pool of the in-memory test provider.
type fakePool struct {
	usage         provider.MemoryUsage
	supportsUsage bool
	supportsColl  bool
	thresholds    map[provider.Kind]int64
	exceeds       map[provider.Kind]uint64
}

// fakeProvider implements provider.Provider for tests: fixed pools,
// recordable thresholds and synchronous event injection via trigger.
type fakeProvider struct {
	mu      sync.Mutex
	pools   map[string]*fakePool
	order   []string
	subs    map[uint64]func(provider.Event)
	nextSub uint64
	procMax int64
	setErr  map[string]error // pool -> forced SetThreshold error
}

func newFakeProvider(procMax int64) *fakeProvider {
	return &fakeProvider{
		pools:   make(map[string]*fakePool),
		subs:    make(map[uint64]func(provider.Event)),
		procMax: procMax,
		setErr:  make(map[string]error),
	}
}

func (f *fakeProvider) addPool(name string, usage provider.MemoryUsage, supportsUsage, supportsColl bool, initialUsage, initialColl int64) {
	f.pools[name] = &fakePool{
		usage:         usage,
		supportsUsage: supportsUsage,
		supportsColl:  supportsColl,
		thresholds: map[provider.Kind]int64{
			provider.Usage:      initialUsage,
			provider.Collection: initialColl,
		},
		exceeds: make(map[provider.Kind]uint64),
	}
	f.order = append(f.order, name)
}

func (f *fakeProvider) ListPools() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

func (f *fakeProvider) Usage(pool string) (provider.MemoryUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pools[pool]
	if !ok {
		return provider.MemoryUsage{}, fmt.Errorf("unknown pool %q", pool)
	}
	return p.usage, nil
}

func (f *fakeProvider) setUsage(pool string, usage provider.MemoryUsage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pools[pool].usage = usage
}

func (f *fakeProvider) SupportsUsageThreshold(pool string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pools[pool]
	return ok && p.supportsUsage
}

func (f *fakeProvider) SupportsCollectionThreshold(pool string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pools[pool]
	return ok && p.supportsColl
}

func (f *fakeProvider) Threshold(pool string, kind provider.Kind) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pools[pool]
	if !ok {
		return 0, fmt.Errorf("unknown pool %q", pool)
	}
	return p.thresholds[kind], nil
}

func (f *fakeProvider) SetThreshold(pool string, kind provider.Kind, value int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.setErr[pool]; err != nil {
		return err
	}
	p, ok := f.pools[pool]
	if !ok {
		return fmt.Errorf("unknown pool %q", pool)
	}
	p.thresholds[kind] = value
	return nil
}

func (f *fakeProvider) Subscribe(fn func(provider.Event)) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSub++
	f.subs[f.nextSub] = fn
	return f.nextSub
}

func (f *fakeProvider) Unsubscribe(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
}

func (f *fakeProvider) ProcessMaxMemory() int64 { return f.procMax }

// trigger delivers a raw event synchronously to all subscribers, the way a
// real provider fires from its sampling goroutine.
func (f *fakeProvider) trigger(pool string, kind provider.Kind, usage provider.MemoryUsage) {
	f.mu.Lock()
	p := f.pools[pool]
	p.exceeds[kind]++
	count := p.exceeds[kind]
	subs := make([]func(provider.Event), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	ev := provider.Event{Pool: pool, Kind: kind, Usage: usage, ExceedCount: count}
	for _, fn := range subs {
		fn(ev)
	}
}

// installedUsage is a test shorthand for the currently installed usage
// threshold on a pool.
func (f *fakeProvider) installedUsage(pool string) int64 {
	v, _ := f.Threshold(pool, provider.Usage)
	return v
}
