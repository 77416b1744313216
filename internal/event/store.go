// Package event keeps a bounded in-memory log of routed threshold
// notifications for the HTTP API and websocket snapshots.
package event

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memwatch/memwatch/internal/threshold"
)

// Record is one routed notification as retained by the store.
type Record struct {
	ID          string    `json:"id"`
	Pool        string    `json:"pool"`
	Kind        string    `json:"kind"`
	Used        int64     `json:"used"`
	Committed   int64     `json:"committed"`
	Max         int64     `json:"max"`
	ExceedCount uint64    `json:"exceedCount"`
	Delivered   int       `json:"delivered"`
	Timestamp   time.Time `json:"timestamp"`
}

// Store is a fixed-capacity ring of Records. Oldest entries are evicted
// first.
type Store struct {
	mu      sync.RWMutex
	records []Record
	start   int
	count   int
	total   uint64
}

const DefaultCapacity = 256

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{records: make([]Record, capacity)}
}

// Add converts a routed notification into a Record, appends it and returns
// it.
func (s *Store) Add(n threshold.Notification, delivered int) Record {
	rec := Record{
		ID:          uuid.NewString(),
		Pool:        n.Pool,
		Kind:        n.Kind.String(),
		Used:        n.Usage.Used,
		Committed:   n.Usage.Committed,
		Max:         n.Usage.Max,
		ExceedCount: n.ExceedCount,
		Delivered:   delivered,
		Timestamp:   n.Time,
	}

	s.mu.Lock()
	idx := (s.start + s.count) % len(s.records)
	s.records[idx] = rec
	if s.count < len(s.records) {
		s.count++
	} else {
		s.start = (s.start + 1) % len(s.records)
	}
	s.total++
	s.mu.Unlock()

	return rec
}

// Recent returns all retained records, oldest first.
func (s *Store) Recent() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, s.count)
	for i := 0; i < s.count; i++ {
		out = append(out, s.records[(s.start+i)%len(s.records)])
	}
	return out
}

// Total is the number of records ever added, including evicted ones.
func (s *Store) Total() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}
