package metrics

import (
	"maps"
	"slices"
	"sync"
	"time"
)

const (
	maxSamples = 1000 // timing samples kept for p95
	recentOps  = 100
)

// series is one named metric. Each implementation guards its own state.
type series interface {
	snapshot() any
}

type timing struct {
	mu      sync.Mutex
	count   int64
	total   time.Duration
	min     time.Duration
	max     time.Duration
	last    time.Duration
	samples []time.Duration
	next    int
}

func (t *timing) record(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 || d < t.min {
		t.min = d
	}
	if d > t.max {
		t.max = d
	}
	t.count++
	t.total += d
	t.last = d
	if len(t.samples) < maxSamples {
		t.samples = append(t.samples, d)
		return
	}
	t.samples[t.next] = d
	t.next = (t.next + 1) % maxSamples
}

func (t *timing) snapshot() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := TimingData{Count: t.count, MinMs: ms(t.min), MaxMs: ms(t.max), LastMs: ms(t.last), P95Ms: percentile(t.samples, 95)}
	if t.count > 0 {
		out.AvgMs = ms(t.total) / float64(t.count)
	}
	return out
}

type counter struct {
	mu    sync.Mutex
	value int64
}

func (c *counter) add(delta int64) {
	c.mu.Lock()
	c.value += delta
	c.mu.Unlock()
}

func (c *counter) snapshot() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CounterData{Value: c.value}
}

type successFail struct {
	mu       sync.Mutex
	success  int64
	failures int64
	reasons  map[string]int64
	recent   [recentOps]bool
	idx      int
	filled   int
}

func (s *successFail) record(ok bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.success++
	} else {
		s.failures++
		if reason != "" {
			if s.reasons == nil {
				s.reasons = make(map[string]int64)
			}
			s.reasons[reason]++
		}
	}
	s.recent[s.idx] = ok
	s.idx = (s.idx + 1) % recentOps
	if s.filled < recentOps {
		s.filled++
	}
}

func (s *successFail) snapshot() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := SuccessFailData{Success: s.success, Failures: s.failures, FailureReasons: maps.Clone(s.reasons)}
	if total := s.success + s.failures; total > 0 {
		out.SuccessRate = float64(s.success) / float64(total) * 100
	}
	if s.filled > 0 {
		ok := 0
		for _, v := range s.recent[:s.filled] {
			if v {
				ok++
			}
		}
		out.RecentRate = float64(ok) / float64(s.filled) * 100
	}
	return out
}

type outcome struct {
	mu       sync.Mutex
	outcomes map[string]int64
	total    int64
	last     string
}

func (o *outcome) record(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string]int64)
	}
	o.outcomes[name]++
	o.total++
	o.last = name
}

func (o *outcome) snapshot() any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return OutcomeData{Outcomes: maps.Clone(o.outcomes), Total: o.total, LastOutcome: o.last}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func percentile(samples []time.Duration, p int) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	idx := min(len(sorted)*p/100, len(sorted)-1)
	return ms(sorted[idx])
}
