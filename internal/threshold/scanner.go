package threshold

import "log"

// ensureScannerLocked arms the lifecycle scanner on the shared worker. Called
// from every managed-threshold path; the scanner only ever needs to run once
// a registration has been exposed, which cannot happen before a threshold is
// set.
func (c *Coordinator) ensureScannerLocked() {
	if c.scannerOn || len(c.regs) == 0 {
		return
	}
	c.scannerOn = true
	c.sched.add(taskScan, c.scanInterval, c.sweepRegistrations)
	log.Printf("lifecycle scanner enabled (interval=%s)", c.scanInterval)
}

// sweepRegistrations closes every exposed registration whose external handle
// is no longer reachable. Pinned registrations (no threshold ever set) are
// never reclaimed, and a registration the sweep races with an explicit Close
// loses harmlessly: close is idempotent and one CAS decides the winner.
func (c *Coordinator) sweepRegistrations() {
	c.mu.Lock()
	var abandoned []*registration
	for r := range c.regs {
		if r.state.Load() != regExposed {
			continue
		}
		if !c.alive(r) {
			abandoned = append(abandoned, r)
		}
	}
	c.mu.Unlock()

	for _, r := range abandoned {
		log.Printf("registration %s abandoned by its owner, auto-closing", r.id)
		r.close()
	}
}
