package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Stats aggregates every run under one name. Per-event goroutines share a
// name, so Active is the number in flight.
type Stats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Restarts     uint64        `json:"restarts"`
	Failures     uint64        `json:"failures"`
	Panics       uint64        `json:"panics"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastErrAt    time.Time     `json:"last_err_at"`
	LastPanic    string        `json:"last_panic,omitempty"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

type Snapshot struct {
	Active     int64   `json:"active"`
	Started    uint64  `json:"started"`
	FirstError string  `json:"first_error,omitempty"`
	Goroutines []Stats `json:"goroutines"`
}

type runRecord struct {
	st        *Stats
	startedAt time.Time
}

type table struct {
	mu     sync.Mutex
	byName map[string]*Stats
}

func newTable() *table { return &table{byName: map[string]*Stats{}} }

func (t *table) start(name string, restart bool) *runRecord {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.byName[name]
	if st == nil {
		st = &Stats{Name: name}
		t.byName[name] = st
	}
	st.Active++
	st.Started++
	if restart {
		st.Restarts++
	}
	st.LastStartAt = now
	return &runRecord{st: st, startedAt: now}
}

func (t *table) stop(r *runRecord, err error) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	r.st.Active--
	r.st.TotalRuntime += now.Sub(r.startedAt)
	if err != nil {
		r.st.Failures++
		r.st.LastErr = err.Error()
		r.st.LastErrAt = now
	}
}

func (t *table) panicked(r *runRecord, v any) {
	t.mu.Lock()
	r.st.Panics++
	r.st.LastPanic = fmt.Sprint(v)
	t.mu.Unlock()
}

// Snapshot copies the current statistics, busiest names first.
func (s *Supervisor) Snapshot() Snapshot {
	snap := Snapshot{}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.stats.mu.Lock()
	for _, st := range s.stats.byName {
		snap.Goroutines = append(snap.Goroutines, *st)
		snap.Active += st.Active
		snap.Started += st.Started
	}
	s.stats.mu.Unlock()

	sort.Slice(snap.Goroutines, func(i, j int) bool {
		a, b := snap.Goroutines[i], snap.Goroutines[j]
		if a.Active != b.Active {
			return a.Active > b.Active
		}
		return a.Name < b.Name
	})
	return snap
}

// Stat returns the statistics for one name.
func (s *Supervisor) Stat(name string) (Stats, bool) {
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()
	st, ok := s.stats.byName[name]
	if !ok {
		return Stats{}, false
	}
	return *st, true
}
