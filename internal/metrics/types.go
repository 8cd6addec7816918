package metrics

// Kind is how a series aggregates its samples.
type Kind string

const (
	KindTiming      Kind = "timing"
	KindCounter     Kind = "counter"
	KindSuccessFail Kind = "success_fail"
	KindOutcome     Kind = "outcome"
)

// Snapshot is a point-in-time view of one series. A path may carry more
// than one kind, e.g. dispatch/text has both a timing and a success_fail.
type Snapshot struct {
	Path string `json:"path"`
	Kind Kind   `json:"type"`
	Data any    `json:"data"`
}

type TimingData struct {
	Count  int64   `json:"count"`
	AvgMs  float64 `json:"avg_ms"`
	MinMs  float64 `json:"min_ms"`
	MaxMs  float64 `json:"max_ms"`
	LastMs float64 `json:"last_ms"`
	P95Ms  float64 `json:"p95_ms,omitempty"`
}

type CounterData struct {
	Value int64 `json:"value"`
}

type SuccessFailData struct {
	Success        int64            `json:"success"`
	Failures       int64            `json:"failures"`
	SuccessRate    float64          `json:"success_rate"`
	RecentRate     float64          `json:"recent_rate"` // last recentOps operations
	FailureReasons map[string]int64 `json:"failure_reasons,omitempty"`
}

type OutcomeData struct {
	Outcomes    map[string]int64 `json:"outcomes"`
	Total       int64            `json:"total"`
	LastOutcome string           `json:"last_outcome,omitempty"`
}
