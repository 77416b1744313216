package threshold

import (
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/v3/process"
)

var (
	selfOnce sync.Once
	selfProc *process.Process
)

// EnableUsageSummary starts periodic usage logging on the shared worker. The
// worker is created on demand and shared with the lifecycle scanner.
func (c *Coordinator) EnableUsageSummary(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.sched.add(taskSummary, interval, c.logUsageSummary)
	log.Printf("usage summary enabled (interval=%s)", interval)
}

// DisableUsageSummary stops the periodic usage log. When the lifecycle
// scanner is also inactive the shared worker tears itself down.
func (c *Coordinator) DisableUsageSummary() {
	c.sched.remove(taskSummary)
}

func (c *Coordinator) logUsageSummary() {
	var parts []string
	for _, p := range c.cat.pools {
		usage, err := c.prov.Usage(p.Name)
		if err != nil {
			log.Printf("[%s] usage read failed: %v", p.Name, err)
			continue
		}
		parts = append(parts, p.Name+"="+units.BytesSize(float64(usage.Used))+"/"+maxLabel(usage.Max))
	}
	if rss, ok := processRSS(); ok {
		parts = append(parts, "rss="+units.BytesSize(float64(rss)))
	}
	log.Printf("memory summary: %s", strings.Join(parts, " "))
}

// processRSS reports the daemon's own resident set size.
func processRSS() (uint64, bool) {
	selfOnce.Do(func() {
		p, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			log.Printf("self process lookup failed: %v", err)
			return
		}
		selfProc = p
	})
	if selfProc == nil {
		return 0, false
	}
	info, err := selfProc.MemoryInfo()
	if err != nil {
		return 0, false
	}
	return info.RSS, true
}
