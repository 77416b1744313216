package threshold

import (
	"log"
	"sync"
	"time"
)

// schedTask is one periodic job on the shared worker.
type schedTask struct {
	name     string
	interval time.Duration
	run      func()
	next     time.Time
}

// scheduler is a single lazily created background worker shared by the
// lifecycle scanner and the optional usage-summary logger. The worker starts
// on the first add and exits on its own once every task has been removed, so
// an idle coordinator holds no background goroutine.
type scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*schedTask
	running bool
	wake    chan struct{}
	done    chan struct{}
}

func newScheduler() *scheduler {
	return &scheduler{tasks: make(map[string]*schedTask)}
}

// add registers (or replaces) a periodic task and starts the worker if it is
// not running. The task first fires one interval from now.
func (s *scheduler) add(name string, interval time.Duration, run func()) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[name] = &schedTask{
		name:     name,
		interval: interval,
		run:      run,
		next:     time.Now().Add(interval),
	}
	if !s.running {
		s.running = true
		s.wake = make(chan struct{}, 1)
		s.done = make(chan struct{})
		go s.loop(s.wake, s.done)
		return
	}
	s.signalLocked()
}

// remove drops a task. When the last task goes, the worker tears itself
// down.
func (s *scheduler) remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; !ok {
		return
	}
	delete(s.tasks, name)
	s.signalLocked()
}

// reschedule changes a task's interval in place, keeping the worker alive.
func (s *scheduler) reschedule(name string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return
	}
	t.interval = interval
	t.next = time.Now().Add(interval)
	s.signalLocked()
}

func (s *scheduler) signalLocked() {
	if !s.running {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// shutdown removes all tasks and waits up to timeout for the worker to exit.
func (s *scheduler) shutdown(timeout time.Duration) {
	s.mu.Lock()
	for name := range s.tasks {
		delete(s.tasks, name)
	}
	running := s.running
	done := s.done
	s.signalLocked()
	s.mu.Unlock()

	if !running {
		return
	}
	select {
	case <-done:
	case <-time.After(timeout):
		log.Printf("scheduler worker did not stop within %s", timeout)
	}
}

func (s *scheduler) loop(wake chan struct{}, done chan struct{}) {
	defer close(done)
	for {
		now := time.Now()

		s.mu.Lock()
		if len(s.tasks) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		var due []*schedTask
		var earliest time.Time
		for _, t := range s.tasks {
			if !t.next.After(now) {
				due = append(due, t)
				t.next = now.Add(t.interval)
			}
			if earliest.IsZero() || t.next.Before(earliest) {
				earliest = t.next
			}
		}
		s.mu.Unlock()

		for _, t := range due {
			t.run()
		}

		wait := time.Until(earliest)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-wake:
			timer.Stop()
		}
	}
}
