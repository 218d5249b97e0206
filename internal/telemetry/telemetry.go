// Package telemetry keeps in-process sync counters and timings.
//
// Nothing leaves the process. Counters are always kept so the status
// surfaces can show them; Report only writes a summary to the local log,
// and only after the user has opted in.
package telemetry

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/schoolsync/internal/logging"
)

// =====================================================
// Registry
// =====================================================

// TimingStats aggregates durations recorded under one key.
type TimingStats struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
}

// Mean returns the average duration, or zero when nothing was recorded.
func (s TimingStats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Snapshot is a point-in-time copy of a Registry.
type Snapshot struct {
	Counters map[string]int64       `json:"counters"`
	Timings  map[string]TimingStats `json:"timings"`
	TakenAt  time.Time              `json:"taken_at"`
}

// Counter returns the value of a counter key, zero if absent.
func (s Snapshot) Counter(key string) int64 {
	return s.Counters[key]
}

// Registry is a concurrency-safe set of counters and timings.
// It satisfies the sync engine's Metrics interface.
type Registry struct {
	mu       sync.Mutex
	counters map[string]int64
	timings  map[string]*TimingStats

	optIn atomic.Bool
}

// NewRegistry creates an empty Registry with reporting disabled.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]int64),
		timings:  make(map[string]*TimingStats),
	}
}

// RecordCount adds delta to the counter identified by name and tags.
func (r *Registry) RecordCount(name string, delta int, tags map[string]string) {
	key := Key(name, tags)

	r.mu.Lock()
	r.counters[key] += int64(delta)
	r.mu.Unlock()
}

// RecordTiming adds one duration sample.
func (r *Registry) RecordTiming(name string, d time.Duration, tags map[string]string) {
	key := Key(name, tags)

	r.mu.Lock()
	defer r.mu.Unlock()

	stats, ok := r.timings[key]
	if !ok {
		r.timings[key] = &TimingStats{Count: 1, Total: d, Min: d, Max: d}
		return
	}
	stats.Count++
	stats.Total += d
	if d < stats.Min {
		stats.Min = d
	}
	if d > stats.Max {
		stats.Max = d
	}
}

// Snapshot copies the current values.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Counters: make(map[string]int64, len(r.counters)),
		Timings:  make(map[string]TimingStats, len(r.timings)),
		TakenAt:  time.Now().UTC(),
	}
	for k, v := range r.counters {
		snap.Counters[k] = v
	}
	for k, v := range r.timings {
		snap.Timings[k] = *v
	}
	return snap
}

// Reset clears every counter and timing.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.counters = make(map[string]int64)
	r.timings = make(map[string]*TimingStats)
	r.mu.Unlock()
}

// Key builds the storage key for a metric: name followed by its tags in
// sorted order, e.g. "sync.entries{operation=create,outcome=failed}".
func Key(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	b.WriteByte('}')
	return b.String()
}

// =====================================================
// Opt-in reporting
// =====================================================

// EnableReporting records the user's consent to periodic log summaries.
func (r *Registry) EnableReporting() {
	r.optIn.Store(true)
}

// DisableReporting withdraws consent.
func (r *Registry) DisableReporting() {
	r.optIn.Store(false)
}

// ReportingEnabled reports whether the user opted in.
func (r *Registry) ReportingEnabled() bool {
	return r.optIn.Load()
}

// OptInStatus returns "enabled" or "disabled".
func (r *Registry) OptInStatus() string {
	if r.ReportingEnabled() {
		return "enabled"
	}
	return "disabled"
}

// Report writes a summary of the registry to the local log.
// It returns false without logging when reporting is disabled.
func (r *Registry) Report() bool {
	if !r.ReportingEnabled() {
		return false
	}

	snap := r.Snapshot()
	fields := make(map[string]interface{}, len(snap.Counters)+len(snap.Timings))
	for k, v := range snap.Counters {
		fields[k] = v
	}
	for k, v := range snap.Timings {
		fields[k+".mean"] = v.Mean().String()
		fields[k+".max"] = v.Max.String()
	}
	logging.Info("Sync metrics summary", fields)
	return true
}
