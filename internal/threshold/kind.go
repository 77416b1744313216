package threshold

import "github.com/memwatch/memwatch/internal/provider"

// kindOps bundles the per-kind capability and initial-value accessors, so
// call sites select a strategy once instead of switching on the kind at every
// step.
type kindOps struct {
	kind      provider.Kind
	supported func(*Pool) bool
	initial   func(*Pool) int64
}

var usageOps = &kindOps{
	kind:      provider.Usage,
	supported: func(p *Pool) bool { return p.SupportsUsage },
	initial:   func(p *Pool) int64 { return p.InitialUsage },
}

var collectionOps = &kindOps{
	kind:      provider.Collection,
	supported: func(p *Pool) bool { return p.SupportsCollection },
	initial:   func(p *Pool) int64 { return p.InitialCollection },
}

func opsFor(kind provider.Kind) *kindOps {
	if kind == provider.Collection {
		return collectionOps
	}
	return usageOps
}
