package threshold

import (
	"fmt"
	"log"

	"github.com/google/btree"

	"github.com/memwatch/memwatch/internal/provider"
)

// request is one registration's active threshold request for one kind.
type request struct {
	pct   int
	kind  provider.Kind
	owner *registration
}

// bucket groups all requests of equal percentage. Buckets live in a B-tree
// ordered by percentage so the most sensitive (lowest) active request is a
// Min() away.
type bucket struct {
	pct    int
	owners map[*registration]*request
}

type requestTree struct {
	tree *btree.BTreeG[*bucket]
}

func newRequestTree() *requestTree {
	return &requestTree{
		tree: btree.NewG(8, func(a, b *bucket) bool { return a.pct < b.pct }),
	}
}

func (t *requestTree) add(req *request) {
	b, ok := t.tree.Get(&bucket{pct: req.pct})
	if !ok {
		b = &bucket{pct: req.pct, owners: make(map[*registration]*request)}
		t.tree.ReplaceOrInsert(b)
	}
	b.owners[req.owner] = req
}

func (t *requestTree) remove(req *request) {
	b, ok := t.tree.Get(&bucket{pct: req.pct})
	if !ok {
		return
	}
	delete(b.owners, req.owner)
	if len(b.owners) == 0 {
		t.tree.Delete(b)
	}
}

// min returns the lowest active percentage, or false when no request is
// active.
func (t *requestTree) min() (int, bool) {
	b, ok := t.tree.Min()
	if !ok {
		return 0, false
	}
	return b.pct, true
}

func (t *requestTree) empty() bool {
	return t.tree.Len() == 0
}

// absoluteFor converts a percentage into the absolute threshold for a pool:
// ceil(effectiveMax * pct / 100), where effectiveMax falls back to the
// process memory ceiling when the pool reports no fixed maximum.
func (c *Coordinator) absoluteFor(p *Pool, pct int) (int64, error) {
	usage, err := c.prov.Usage(p.Name)
	if err != nil {
		return 0, fmt.Errorf("usage snapshot: %w", err)
	}
	effMax := usage.Max
	if effMax <= 0 {
		effMax = c.prov.ProcessMaxMemory()
	}
	if effMax <= 0 {
		return 0, fmt.Errorf("no usable maximum for pool %q", p.Name)
	}
	return (effMax*int64(pct) + 99) / 100, nil
}

// installPercentLocked pushes the absolute equivalent of pct to every
// eligible pool. pct zero turns the threshold off. A failure on one pool is
// logged and the remaining pools are still applied; partial application is
// accepted, not rolled back.
func (c *Coordinator) installPercentLocked(ops *kindOps, pct int) {
	for _, p := range c.cat.eligible(ops) {
		var value int64
		if pct > 0 {
			v, err := c.absoluteFor(p, pct)
			if err != nil {
				log.Printf("[%s] %s threshold for %d%% skipped: %v", p.Name, ops.kind, pct, err)
				continue
			}
			value = v
		}
		c.pushValueLocked(ops, p, value)
	}
}

// restoreInitialLocked reverts every eligible pool to the threshold value
// recorded at catalog construction.
func (c *Coordinator) restoreInitialLocked(ops *kindOps) {
	for _, p := range c.cat.eligible(ops) {
		initial := ops.initial(p)
		if initial < 0 {
			continue
		}
		c.pushValueLocked(ops, p, initial)
	}
}

// pushValueLocked installs value on one pool, skipping the provider call when
// the value is already current.
func (c *Coordinator) pushValueLocked(ops *kindOps, p *Pool, value int64) {
	current, err := c.prov.Threshold(p.Name, ops.kind)
	if err == nil && current == value {
		return
	}
	if err := c.prov.SetThreshold(p.Name, ops.kind, value); err != nil {
		log.Printf("[%s] %s threshold install failed (value=%d): %v", p.Name, ops.kind, value, err)
		return
	}
	log.Printf("[%s] %s threshold installed: %d", p.Name, ops.kind, value)
}

// rearbitrateLocked recomputes the installed threshold for a kind after the
// active request set changed: lowest remaining managed request wins, then the
// recorded unmanaged percentage, then each pool's initial value.
func (c *Coordinator) rearbitrateLocked(ops *kindOps) {
	if pct, ok := c.requests[ops.kind].min(); ok {
		c.installPercentLocked(ops, pct)
		return
	}
	if u := c.unmanaged[ops.kind]; u >= 0 {
		c.installPercentLocked(ops, u)
		return
	}
	c.restoreInitialLocked(ops)
}
