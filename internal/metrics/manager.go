// Package metrics keeps in-process counters for dispatch, quota and HTTP
// activity. Series are addressed by topic/function paths such as
// "dispatch/text" or "tier/openrouter".
package metrics

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

type key struct {
	path string
	kind Kind
}

// Manager holds every series recorded since start.
type Manager struct {
	mu      sync.Mutex
	series  map[key]series
	started time.Time
}

var (
	instance *Manager
	once     sync.Once
)

// NewManager returns an empty manager. Most callers use GetInstance.
func NewManager() *Manager {
	return &Manager{series: make(map[key]series), started: time.Now()}
}

// GetInstance returns the process-wide manager.
func GetInstance() *Manager {
	once.Do(func() { instance = NewManager() })
	return instance
}

func buildPath(topic, function string) string {
	if function == "" {
		return topic
	}
	return topic + "/" + function
}

// lookup returns the series at path, creating it with mk on first use.
func lookup[T series](m *Manager, topic, function string, kind Kind, mk func() T) T {
	k := key{buildPath(topic, function), kind}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.series[k]; ok {
		return s.(T)
	}
	s := mk()
	m.series[k] = s
	return s
}

// RecordDuration adds a timing sample.
func (m *Manager) RecordDuration(topic, function string, d time.Duration) {
	lookup(m, topic, function, KindTiming, func() *timing { return &timing{} }).record(d)
}

// AddCounter adds delta to a counter.
func (m *Manager) AddCounter(topic, function string, delta int64) {
	lookup(m, topic, function, KindCounter, func() *counter { return &counter{} }).add(delta)
}

func (m *Manager) RecordSuccess(topic, function string) {
	lookup(m, topic, function, KindSuccessFail, func() *successFail { return &successFail{} }).record(true, "")
}

func (m *Manager) RecordFailure(topic, function, reason string) {
	lookup(m, topic, function, KindSuccessFail, func() *successFail { return &successFail{} }).record(false, reason)
}

// RecordOutcome counts one occurrence of a named outcome, e.g. the provider
// that won a dispatch.
func (m *Manager) RecordOutcome(topic, function, name string) {
	lookup(m, topic, function, KindOutcome, func() *outcome { return &outcome{} }).record(name)
}

// Uptime returns how long the manager has been collecting.
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.started)
}

// Snapshot returns every series ordered by path, then kind.
func (m *Manager) Snapshot() []Snapshot {
	m.mu.Lock()
	keys := make([]key, 0, len(m.series))
	all := make(map[key]series, len(m.series))
	for k, s := range m.series {
		keys = append(keys, k)
		all[k] = s
	}
	m.mu.Unlock()

	slices.SortFunc(keys, func(a, b key) int {
		return cmp.Or(cmp.Compare(a.path, b.path), cmp.Compare(a.kind, b.kind))
	})
	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, Snapshot{Path: k.path, Kind: k.kind, Data: all[k].snapshot()})
	}
	return out
}

// Find returns the snapshot for path and kind, or false.
func (m *Manager) Find(path string, kind Kind) (Snapshot, bool) {
	m.mu.Lock()
	s, ok := m.series[key{path, kind}]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{Path: path, Kind: kind, Data: s.snapshot()}, true
}
