package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// FailureKind decides whether to rotate credentials, skip the tier, or give up on it.
type FailureKind int

const (
	// Transient failures (timeouts, rate limits, 5xx) move to the next credential.
	Transient FailureKind = iota + 1
	// Malformed replies are attributed to the provider itself and skip the tier.
	Malformed
	// Fatal means the tier is unusable for this dispatch.
	Fatal
)

func (k FailureKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Malformed:
		return "malformed"
	case Fatal:
		return "fatal"
	default:
		return "none"
	}
}

// Reason categorizes a failure for logs and metrics.
type Reason string

const (
	ReasonUnknown         Reason = "unknown"
	ReasonRateLimit       Reason = "rate_limit"
	ReasonOverloaded      Reason = "overloaded"
	ReasonAuth            Reason = "auth"
	ReasonBilling         Reason = "billing"
	ReasonTimeout         Reason = "timeout"
	ReasonServer          Reason = "server"
	ReasonNetwork         Reason = "network"
	ReasonFormat          Reason = "format"
	ReasonContextOverflow Reason = "context_overflow"
	ReasonEmpty           Reason = "empty_reply"
	ReasonErrorBanner     Reason = "error_banner"
	ReasonNoMedia         Reason = "no_media_url"
	ReasonExhausted       Reason = "credentials_exhausted"
	ReasonDeadline        Reason = "deadline"
	ReasonNoCredentials   Reason = "no_credentials"
)

// Failure is a classified provider failure.
type Failure struct {
	Kind   FailureKind
	Reason Reason
	Detail string
	Err    error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("%s (%s)", f.Kind, f.Reason)
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// NewTransient returns a Transient failure.
func NewTransient(reason Reason, err error) *Failure {
	return &Failure{Kind: Transient, Reason: reason, Err: err}
}

// NewMalformed returns a Malformed failure.
func NewMalformed(reason Reason, detail string) *Failure {
	return &Failure{Kind: Malformed, Reason: reason, Detail: detail}
}

// NewFatal returns a Fatal failure.
func NewFatal(reason Reason, detail string, err error) *Failure {
	return &Failure{Kind: Fatal, Reason: reason, Detail: detail, Err: err}
}

// StatusCoder is implemented by adapter errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// FromStatus classifies a non-2xx HTTP status.
// Auth and billing errors are Transient: another credential may be valid.
func FromStatus(code int, err error) *Failure {
	switch {
	case code == 429:
		return NewTransient(ReasonRateLimit, err)
	case code == 401 || code == 403:
		return NewTransient(ReasonAuth, err)
	case code == 402:
		return NewTransient(ReasonBilling, err)
	case code == 408 || code == 504:
		return NewTransient(ReasonTimeout, err)
	case code == 503 || code == 529:
		return NewTransient(ReasonOverloaded, err)
	case code >= 500:
		return NewTransient(ReasonServer, err)
	case code == 413:
		return &Failure{Kind: Malformed, Reason: ReasonContextOverflow, Err: err}
	case code >= 400:
		return &Failure{Kind: Malformed, Reason: ReasonFormat, Err: err}
	}
	return NewTransient(ReasonUnknown, err)
}

// Classify maps an arbitrary adapter error onto the failure taxonomy.
// Unrecognised errors are Transient so the next credential gets a chance.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewTransient(ReasonTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewTransient(ReasonTimeout, err)
		}
		return NewTransient(ReasonNetwork, err)
	}

	var sc StatusCoder
	if errors.As(err, &sc) && sc.StatusCode() >= 400 {
		return FromStatus(sc.StatusCode(), err)
	}

	msg := err.Error()
	switch {
	case IsContextOverflowMessage(msg):
		return &Failure{Kind: Malformed, Reason: ReasonContextOverflow, Err: err}
	case IsRateLimitMessage(msg):
		return NewTransient(ReasonRateLimit, err)
	case IsOverloadedMessage(msg):
		return NewTransient(ReasonOverloaded, err)
	case IsBillingMessage(msg):
		return NewTransient(ReasonBilling, err)
	case IsAuthMessage(msg):
		return NewTransient(ReasonAuth, err)
	case IsTimeoutMessage(msg):
		return NewTransient(ReasonTimeout, err)
	case IsFormatMessage(msg):
		return &Failure{Kind: Malformed, Reason: ReasonFormat, Err: err}
	}
	return NewTransient(ReasonUnknown, err)
}

func containsAny(lower string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// IsContextOverflowMessage checks if an error message indicates the prompt is too large.
func IsContextOverflowMessage(msg string) bool {
	lower := strings.ToLower(msg)
	if containsAny(lower,
		"context_length_exceeded",
		"context length exceeded",
		"maximum context length",
		"prompt is too long",
		"request_too_large",
		"exceeds model context window") {
		return true
	}
	return strings.Contains(lower, "413") && strings.Contains(lower, "too large")
}

// IsRateLimitMessage checks if a message indicates rate limiting.
func IsRateLimitMessage(msg string) bool {
	return containsAny(strings.ToLower(msg),
		"429",
		"rate_limit",
		"rate limit",
		"too many requests",
		"exceeded your current quota",
		"quota exceeded",
		"resource_exhausted",
		"resource has been exhausted",
		"requests per minute",
		"requests per day")
}

// IsOverloadedMessage checks if a message indicates the service is overloaded.
func IsOverloadedMessage(msg string) bool {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "503") && containsAny(lower, "service", "unavailable") {
		return true
	}
	return containsAny(lower,
		"overloaded",
		"server is busy",
		"temporarily unavailable",
		"bad gateway",
		"502")
}

// IsAuthMessage checks if a message indicates authentication failure.
func IsAuthMessage(msg string) bool {
	return containsAny(strings.ToLower(msg),
		"401",
		"403",
		"invalid api key",
		"invalid_api_key",
		"incorrect api key",
		"unauthorized",
		"forbidden",
		"access denied",
		"token has expired",
		"authentication",
		"invalid credentials")
}

// IsBillingMessage checks if a message indicates billing/payment issues.
func IsBillingMessage(msg string) bool {
	return containsAny(strings.ToLower(msg),
		"402",
		"payment required",
		"insufficient credits",
		"credit balance",
		"billing",
		"insufficient_quota",
		"account balance")
}

// IsTimeoutMessage checks if a message indicates a timeout.
func IsTimeoutMessage(msg string) bool {
	return containsAny(strings.ToLower(msg),
		"408",
		"504",
		"timeout",
		"timed out",
		"deadline exceeded",
		"connection reset",
		"connection refused",
		"eof")
}

// IsFormatMessage checks if a message indicates the provider rejected or garbled the exchange.
func IsFormatMessage(msg string) bool {
	return containsAny(strings.ToLower(msg),
		"invalid request format",
		"invalid_request_error",
		"model_not_found",
		"does not exist",
		"malformed",
		"schema validation",
		"unexpected end of json input",
		"invalid character")
}
