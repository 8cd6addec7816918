package dispatch

import (
	"context"
	"strings"
	"time"

	. "github.com/roelfdiedericks/fallgate/internal/logging"
	. "github.com/roelfdiedericks/fallgate/internal/metrics"
	"github.com/roelfdiedericks/fallgate/internal/types"
)

// State is the dispatch state machine position.
type State int

const (
	Pending State = iota
	Trying
	Succeeded
	Exhausted
)

func (s State) String() string {
	switch s {
	case Trying:
		return "trying"
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	default:
		return "pending"
	}
}

// Normalizer converts a raw provider reply into the canonical envelope.
type Normalizer interface {
	Normalize(raw []byte, c types.Capability) types.Envelope
}

// DefaultErrorSignatures are provider error banners that sometimes arrive with a 200 status.
var DefaultErrorSignatures = []string{
	"API Error",
	"I'm having trouble connecting",
	"I couldn't get a response",
	"Internal Server Error",
	"rate limit exceeded",
	"Error code:",
	"upstream error",
}

const (
	DefaultTimeout  = 90 * time.Second
	DefaultMinSlice = 500 * time.Millisecond

	bannerWindow = 48
)

// Attempt records the outcome of one tier.
type Attempt struct {
	Provider    string              `json:"provider"`
	Tier        int                 `json:"tier"`
	Kind        FailureKind         `json:"kind,omitempty"`
	Reason      Reason              `json:"reason,omitempty"`
	Detail      string              `json:"detail,omitempty"`
	Skipped     bool                `json:"skipped,omitempty"`
	Credentials []CredentialAttempt `json:"credentials,omitempty"`
	Elapsed     time.Duration       `json:"elapsed"`
}

// Result is the outcome of a dispatch. Envelope is always populated.
type Result struct {
	Envelope types.Envelope
	State    State
	Provider string
	Tier     int
	Attempts []Attempt
	Elapsed  time.Duration
}

// FailedOver reports whether any tier failed before the answer.
func (r *Result) FailedOver() bool {
	return r.State == Succeeded && len(r.Attempts) > 1
}

// Dispatcher walks provider tiers in order and returns the first usable reply.
type Dispatcher struct {
	registry       *Registry
	rotator        Rotator
	normalizer     Normalizer
	signatures     []string
	defaultTimeout time.Duration
	minSlice       time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithErrorSignatures replaces the error-banner list. Matching is case-insensitive.
func WithErrorSignatures(sigs []string) Option {
	return func(d *Dispatcher) {
		d.signatures = lowerAll(sigs)
	}
}

// WithDefaultTimeout sets the overall budget applied when ctx has no deadline.
func WithDefaultTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.defaultTimeout = t
		}
	}
}

// WithCallTimeout caps each call to a provider that has no Timeout of its own.
func WithCallTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.rotator.CallTimeout = t
		}
	}
}

// WithMinSlice sets the smallest remaining budget worth starting a tier with.
func WithMinSlice(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t >= 0 {
			d.minSlice = t
		}
	}
}

// NewDispatcher creates a dispatcher over reg.
func NewDispatcher(reg *Registry, norm Normalizer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:       reg,
		normalizer:     norm,
		signatures:     lowerAll(DefaultErrorSignatures),
		defaultTimeout: DefaultTimeout,
		minSlice:       DefaultMinSlice,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the provider registry the dispatcher reads.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch tries the capability's tiers strictly in order, one at a time.
// It never returns an error: exhaustion yields the capability's apology envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, req *types.Request) *Result {
	start := time.Now()
	res := &Result{State: Pending}
	c := req.Capability

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.defaultTimeout)
		defer cancel()
	}
	deadline, _ := ctx.Deadline()

	tiers := d.registry.ListFor(c, req.Modes)
	if len(tiers) == 0 {
		L_warn("dispatch: no providers registered", "capability", c, "request", req.ID)
		return d.exhaust(res, c, start)
	}

	for i, p := range tiers {
		remaining := time.Until(deadline)
		if ctx.Err() != nil || remaining < d.minSlice {
			L_warn("dispatch: budget spent, skipping remaining tiers", "capability", c, "skipped", len(tiers)-i, "remaining", remaining.Round(time.Millisecond))
			for _, rest := range tiers[i:] {
				res.Attempts = append(res.Attempts, Attempt{Provider: rest.Name, Tier: rest.Tier, Kind: Fatal, Reason: ReasonDeadline, Skipped: true})
			}
			break
		}

		res.State = Trying
		L_debug("dispatch: trying tier", "capability", c, "position", i+1, "of", len(tiers), "provider", p.Name, "tier", p.Tier, "remaining", remaining.Round(time.Millisecond))

		tierStart := time.Now()
		raw, creds, fail := d.rotator.Attempt(ctx, p, req)
		att := Attempt{Provider: p.Name, Tier: p.Tier, Credentials: creds}

		if fail == nil {
			env := d.normalizer.Normalize(raw, c)
			fail = d.validate(env, c)
			if fail == nil {
				att.Elapsed = time.Since(tierStart)
				res.Attempts = append(res.Attempts, att)
				res.Envelope = env
				res.State = Succeeded
				res.Provider = p.Name
				res.Tier = p.Tier
				res.Elapsed = time.Since(start)

				MetricSuccess("dispatch", c.String())
				MetricSuccess("tier", p.Name)
				MetricOutcome("dispatch", c.String()+"_winner", p.Name)
				MetricDuration("dispatch", c.String(), res.Elapsed)
				if res.FailedOver() {
					L_info("dispatch: failover succeeded", "capability", c, "provider", p.Name, "tier", p.Tier, "failed", len(res.Attempts)-1, "elapsed", res.Elapsed.Round(time.Millisecond))
				} else {
					L_info("dispatch: succeeded", "capability", c, "provider", p.Name, "tier", p.Tier, "elapsed", res.Elapsed.Round(time.Millisecond))
				}
				return res
			}
		}

		att.Kind, att.Reason, att.Detail = fail.Kind, fail.Reason, fail.Detail
		att.Elapsed = time.Since(tierStart)
		res.Attempts = append(res.Attempts, att)
		MetricFailWithReason("tier", p.Name, string(fail.Reason))
		L_warn("dispatch: tier failed, trying next", "capability", c, "provider", p.Name, "tier", p.Tier, "kind", fail.Kind, "reason", fail.Reason)
	}

	return d.exhaust(res, c, start)
}

// validate rejects normalized replies that are errors in disguise.
func (d *Dispatcher) validate(env types.Envelope, c types.Capability) *Failure {
	if !env.Succeeded {
		if c.IsMedia() {
			return NewMalformed(ReasonNoMedia, "no usable media URL in reply")
		}
		return NewMalformed(ReasonFormat, "reply could not be normalized")
	}
	if sig := d.matchSignature(env.Text); sig != "" {
		return NewMalformed(ReasonErrorBanner, "reply matches error signature "+sig)
	}
	return nil
}

// matchSignature only looks at the head of the reply, where vendor banners appear.
func (d *Dispatcher) matchSignature(text string) string {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, sig := range d.signatures {
		if idx := strings.Index(lower, sig); idx >= 0 && idx < bannerWindow {
			return sig
		}
	}
	return ""
}

func (d *Dispatcher) exhaust(res *Result, c types.Capability, start time.Time) *Result {
	res.State = Exhausted
	res.Envelope = types.Apology(c)
	res.Elapsed = time.Since(start)
	MetricFailWithReason("dispatch", c.String(), "exhausted")
	L_error("dispatch: all tiers exhausted", "capability", c, "attempts", len(res.Attempts), "elapsed", res.Elapsed.Round(time.Millisecond))
	return res
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.ToLower(s))
		}
	}
	return out
}
