package threshold

import (
	"log"

	"github.com/memwatch/memwatch/internal/provider"
)

// Pool describes one monitorable pool: immutable identity and capabilities,
// plus the provider threshold values recorded at catalog construction. Those
// initial values are what arbitration restores when the last request of a
// kind goes away.
type Pool struct {
	Name               string `json:"name"`
	SupportsUsage      bool   `json:"supportsUsage"`
	SupportsCollection bool   `json:"supportsCollection"`

	// Initial thresholds as reported by the provider at startup; -1 when
	// the kind is unsupported or the initial read failed.
	InitialUsage      int64 `json:"initialUsage"`
	InitialCollection int64 `json:"initialCollection"`
}

// catalog is the fixed pool set, built once from the provider's enumeration.
type catalog struct {
	pools []*Pool
}

func newCatalog(prov provider.Provider) *catalog {
	names := prov.ListPools()
	cat := &catalog{pools: make([]*Pool, 0, len(names))}
	for _, name := range names {
		p := &Pool{
			Name:               name,
			SupportsUsage:      prov.SupportsUsageThreshold(name),
			SupportsCollection: prov.SupportsCollectionThreshold(name),
			InitialUsage:       -1,
			InitialCollection:  -1,
		}
		if p.SupportsUsage {
			if v, err := prov.Threshold(name, provider.Usage); err == nil {
				p.InitialUsage = v
			} else {
				log.Printf("[%s] initial usage threshold read failed: %v", name, err)
			}
		}
		if p.SupportsCollection {
			if v, err := prov.Threshold(name, provider.Collection); err == nil {
				p.InitialCollection = v
			} else {
				log.Printf("[%s] initial collection threshold read failed: %v", name, err)
			}
		}
		cat.pools = append(cat.pools, p)
	}
	return cat
}

// eligible returns the pools supporting the given kind.
func (c *catalog) eligible(ops *kindOps) []*Pool {
	var out []*Pool
	for _, p := range c.pools {
		if ops.supported(p) {
			out = append(out, p)
		}
	}
	return out
}
