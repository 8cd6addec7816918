package metrics

import "time"

// Package-level helpers for dot-import use, recording on GetInstance().

func MetricDuration(topic, function string, d time.Duration) {
	GetInstance().RecordDuration(topic, function, d)
}

// MetricInc increments a counter by 1.
func MetricInc(topic, function string) {
	GetInstance().AddCounter(topic, function, 1)
}

func MetricSuccess(topic, operation string) {
	GetInstance().RecordSuccess(topic, operation)
}

// MetricFailWithReason records a failure; reason feeds failure_reasons.
func MetricFailWithReason(topic, operation, reason string) {
	GetInstance().RecordFailure(topic, operation, reason)
}

func MetricOutcome(topic, operation, outcome string) {
	GetInstance().RecordOutcome(topic, operation, outcome)
}
