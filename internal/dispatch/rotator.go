package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"time"

	. "github.com/roelfdiedericks/fallgate/internal/logging"
	"github.com/roelfdiedericks/fallgate/internal/types"
)

// CredentialAttempt records one invocation made by the Rotator.
type CredentialAttempt struct {
	Index      int           `json:"index"`
	Credential string        `json:"credential"` // redacted
	Kind       FailureKind   `json:"kind,omitempty"`
	Reason     Reason        `json:"reason,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// DefaultCallTimeout caps one provider call when the provider sets no timeout.
const DefaultCallTimeout = 30 * time.Second

// Rotator tries a provider's credentials in fixed order.
// It keeps no state between calls: every attempt starts again at the first credential.
type Rotator struct {
	// CallTimeout caps calls to providers without their own Timeout.
	// Zero means DefaultCallTimeout.
	CallTimeout time.Duration
}

// callLimit is the per-call cap for p.
func (r *Rotator) callLimit(p *Provider) time.Duration {
	switch {
	case p.Timeout > 0:
		return p.Timeout
	case r.CallTimeout > 0:
		return r.CallTimeout
	}
	return DefaultCallTimeout
}

// Attempt invokes p with each credential until one succeeds or fails non-transiently.
// A Malformed reply stops rotation at once. If every credential fails transiently
// the provider is reported as Fatal for this dispatch.
func (r *Rotator) Attempt(ctx context.Context, p *Provider, req *types.Request) ([]byte, []CredentialAttempt, *Failure) {
	if len(p.Credentials) == 0 {
		return nil, nil, NewFatal(ReasonNoCredentials, p.Name, ErrNoCredentials)
	}

	attempts := make([]CredentialAttempt, 0, len(p.Credentials))
	var last *Failure

	for i, cred := range p.Credentials {
		if err := ctx.Err(); err != nil {
			return nil, attempts, NewFatal(ReasonDeadline, fmt.Sprintf("%s: budget spent after %d credentials", p.Name, i), err)
		}

		callCtx, cancel := callContext(ctx, r.callLimit(p))
		start := time.Now()
		raw, err := p.Invoker.Invoke(callCtx, req, cred)
		cancel()

		rec := CredentialAttempt{Index: i, Credential: cred.String(), Elapsed: time.Since(start)}

		if err == nil && len(bytes.TrimSpace(raw)) == 0 {
			err = NewMalformed(ReasonEmpty, "provider returned an empty body")
		}
		if err == nil {
			attempts = append(attempts, rec)
			L_debug("rotator: credential succeeded", "provider", p.Name, "credential", cred, "elapsed", rec.Elapsed)
			return raw, attempts, nil
		}

		f := Classify(err)
		rec.Kind, rec.Reason = f.Kind, f.Reason
		attempts = append(attempts, rec)

		if f.Kind != Transient {
			L_warn("rotator: provider reply unusable", "provider", p.Name, "credential", cred, "reason", f.Reason, "error", f)
			return nil, attempts, f
		}

		L_warn("rotator: credential failed, rotating", "provider", p.Name, "credential", cred, "index", i+1, "of", len(p.Credentials), "reason", f.Reason)
		last = f
	}

	return nil, attempts, NewFatal(ReasonExhausted, fmt.Sprintf("%s: all %d credentials failed", p.Name, len(p.Credentials)), last)
}

// callContext derives the per-call deadline: the call cap, shrunk to the remaining budget.
func callContext(ctx context.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < limit {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, limit)
}
