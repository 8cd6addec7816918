// Package gateway is the request boundary: it validates a request, applies
// the quota gate for media, runs the dispatcher under the request deadline and
// settles the quota reservation from the outcome.
package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/fallgate/internal/dispatch"
	. "github.com/roelfdiedericks/fallgate/internal/logging"
	. "github.com/roelfdiedericks/fallgate/internal/metrics"
	"github.com/roelfdiedericks/fallgate/internal/quota"
	"github.com/roelfdiedericks/fallgate/internal/types"
	"github.com/roelfdiedericks/fallgate/internal/user"
)

// AnonymousUser is the user key for callers that do not identify themselves.
const AnonymousUser = "anonymous"

// ErrEmptyPrompt is returned for a request without prompt text.
var ErrEmptyPrompt = errors.New("prompt is required")

// Reply is the boundary envelope plus diagnostics.
type Reply struct {
	types.Envelope
	ElapsedSeconds float64            `json:"elapsedSeconds"`
	RequestID      string             `json:"requestId,omitempty"`
	Provider       string             `json:"provider,omitempty"`
	Attempts       []dispatch.Attempt `json:"attempts,omitempty"`
	QuotaExceeded  bool               `json:"quotaExceeded,omitempty"`
}

// Gateway routes requests through quota and dispatch.
type Gateway struct {
	dispatcher *dispatch.Dispatcher
	gate       *quota.Gate
	store      quota.Store
	users      *user.Registry
	timeout    time.Duration
	startTime  time.Time
}

// New creates a gateway. timeout <= 0 uses dispatch.DefaultTimeout.
func New(d *dispatch.Dispatcher, gate *quota.Gate, store quota.Store, users *user.Registry, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = dispatch.DefaultTimeout
	}
	if users == nil {
		users = user.NewRegistry(nil)
	}
	return &Gateway{
		dispatcher: d,
		gate:       gate,
		store:      store,
		users:      users,
		timeout:    timeout,
		startTime:  time.Now(),
	}
}

// Handle serves one request. The only error is ErrEmptyPrompt; every other
// outcome, including exhaustion and quota denial, is a Reply.
func (g *Gateway) Handle(ctx context.Context, req *types.Request) (*Reply, error) {
	start := time.Now()
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.UserKey = user.NormalizeID(req.UserKey)
	if req.UserKey == "" {
		req.UserKey = AnonymousUser
	}

	c := req.Capability
	reply := &Reply{RequestID: req.ID}

	var res *quota.Reservation
	if kind, metered := c.Resource(); metered && g.gate != nil {
		privileged := g.users.IsPrivileged(req.UserKey)
		r, err := g.gate.CheckAndReserve(ctx, req.UserKey, kind, privileged)
		switch {
		case errors.Is(err, quota.ErrQuotaExceeded):
			reply.Envelope = types.Envelope{Text: types.QuotaExceeded, Mood: types.MoodNeutral, Succeeded: false}
			reply.QuotaExceeded = true
			return g.finish(reply, c, start), nil
		case err != nil:
			// fail closed: no generation without a working counter
			L_error("gateway: quota store unavailable", "request", req.ID, "kind", kind, "error", err)
			reply.Envelope = types.Apology(c)
			return g.finish(reply, c, start), nil
		}
		res = r
	}

	dctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	L_debug("gateway: dispatching", "request", req.ID, "capability", c, "user", req.UserKey, "modes", req.Modes)
	result := g.dispatcher.Dispatch(dctx, req)

	if res != nil {
		// settle even if the caller went away
		sctx := context.WithoutCancel(ctx)
		var err error
		if result.State == dispatch.Succeeded {
			err = res.Commit(sctx)
		} else {
			err = res.Release(sctx)
		}
		if err != nil {
			L_error("gateway: failed to settle quota", "request", req.ID, "key", res.Key(), "error", err)
		}
	}

	reply.Envelope = result.Envelope
	reply.Provider = result.Provider
	reply.Attempts = result.Attempts
	return g.finish(reply, c, start), nil
}

func (g *Gateway) finish(reply *Reply, c types.Capability, start time.Time) *Reply {
	elapsed := time.Since(start)
	reply.ElapsedSeconds = float64(elapsed.Milliseconds()) / 1000
	MetricDuration("gateway", c.String(), elapsed)
	if reply.Succeeded {
		MetricSuccess("gateway", c.String())
	} else if reply.QuotaExceeded {
		MetricFailWithReason("gateway", c.String(), "quota")
	} else {
		MetricFailWithReason("gateway", c.String(), "apology")
	}
	return reply
}

// Usage reports today's quota counter for userKey.
func (g *Gateway) Usage(ctx context.Context, userKey string, kind types.ResourceKind) (quota.Usage, error) {
	if g.gate == nil {
		return quota.Usage{}, errors.New("quota gate not configured")
	}
	id := user.NormalizeID(userKey)
	return g.gate.Usage(ctx, id, kind, g.users.IsPrivileged(id))
}

// Providers returns the tier order for c, using the fast view when fast is set.
func (g *Gateway) Providers(c types.Capability, fast bool) []*dispatch.Provider {
	var modes []types.Mode
	if fast {
		modes = []types.Mode{types.ModeFast}
	}
	return g.dispatcher.Registry().ListFor(c, modes)
}

// Uptime returns how long the gateway has been running.
func (g *Gateway) Uptime() time.Duration {
	return time.Since(g.startTime)
}

// Close releases the quota store.
func (g *Gateway) Close() error {
	if g.store == nil {
		return nil
	}
	return g.store.Close()
}
