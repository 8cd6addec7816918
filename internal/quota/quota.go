// Package quota gates metered capabilities with per-user, per-kind, per-day counters.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/roelfdiedericks/fallgate/internal/logging"
	. "github.com/roelfdiedericks/fallgate/internal/metrics"
	"github.com/roelfdiedericks/fallgate/internal/types"
)

// ErrQuotaExceeded is returned when a non-privileged user has used today's allowance.
var ErrQuotaExceeded = errors.New("daily quota exceeded")

// DateLayout formats the counter date.
const DateLayout = "2006-01-02"

// Key identifies one counter. A new date starts a new counter at zero.
type Key struct {
	User string
	Kind types.ResourceKind
	Date string
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", k.User, k.Kind, k.Date)
}

// Store persists usage counters. Reserve and Release must each be atomic per key.
type Store interface {
	// Count returns the current value, zero when the counter does not exist.
	Count(ctx context.Context, k Key) (int, error)
	// Increment adds one unconditionally and returns the new value.
	Increment(ctx context.Context, k Key) (int, error)
	// Reserve adds one only if the value is below limit, reporting whether it did.
	Reserve(ctx context.Context, k Key, limit int) (bool, error)
	// Release subtracts one, never going below zero.
	Release(ctx context.Context, k Key) error
	Close() error
}

// Policy is the read-only quota configuration.
type Policy struct {
	FreeLimit              int                        `json:"freeLimit"`
	Limits                 map[types.ResourceKind]int `json:"limits,omitempty"`
	UnlimitedForPrivileged bool                       `json:"unlimitedForPrivileged"`
}

// LimitFor returns the free allowance for kind.
func (p Policy) LimitFor(kind types.ResourceKind) int {
	if l, ok := p.Limits[kind]; ok {
		return l
	}
	return p.FreeLimit
}

// Gate checks and reserves quota before a metered dispatch.
type Gate struct {
	store  Store
	policy Policy
	now    func() time.Time
	loc    *time.Location
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithClock overrides the time source.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// WithLocation sets the timezone used for the day boundary (UTC by default).
func WithLocation(loc *time.Location) GateOption {
	return func(g *Gate) {
		if loc != nil {
			g.loc = loc
		}
	}
}

// NewGate creates a gate over store.
func NewGate(store Store, policy Policy, opts ...GateOption) *Gate {
	g := &Gate{store: store, policy: policy, now: time.Now, loc: time.UTC}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Policy returns the gate's policy.
func (g *Gate) Policy() Policy {
	return g.policy
}

// Today returns the current counter date.
func (g *Gate) Today() string {
	return g.now().In(g.loc).Format(DateLayout)
}

func (g *Gate) key(user string, kind types.ResourceKind) Key {
	return Key{User: user, Kind: kind, Date: g.Today()}
}

// CheckAndReserve admits one generation for user. Non-privileged users take a
// slot atomically; the caller must Commit on success or Release on failure so
// failed attempts never consume quota.
func (g *Gate) CheckAndReserve(ctx context.Context, user string, kind types.ResourceKind, privileged bool) (*Reservation, error) {
	k := g.key(user, kind)

	if privileged && g.policy.UnlimitedForPrivileged {
		MetricOutcome("quota", string(kind), "privileged")
		return &Reservation{store: g.store, key: k}, nil
	}

	limit := g.policy.LimitFor(kind)
	ok, err := g.store.Reserve(ctx, k, limit)
	if err != nil {
		MetricFailWithReason("quota", string(kind), "store_error")
		return nil, fmt.Errorf("reserve %s: %w", k, err)
	}
	if !ok {
		MetricOutcome("quota", string(kind), "denied")
		L_info("quota: denied", "user", user, "kind", kind, "limit", limit)
		return nil, ErrQuotaExceeded
	}

	MetricOutcome("quota", string(kind), "reserved")
	L_debug("quota: reserved", "user", user, "kind", kind, "limit", limit)
	return &Reservation{store: g.store, key: k, reserved: true}, nil
}

// Usage describes a user's counter for today.
type Usage struct {
	User      string             `json:"user"`
	Kind      types.ResourceKind `json:"kind"`
	Date      string             `json:"date"`
	Count     int                `json:"count"`
	Limit     int                `json:"limit"`
	Unlimited bool               `json:"unlimited"`
}

// Usage reports today's count and limit for user.
func (g *Gate) Usage(ctx context.Context, user string, kind types.ResourceKind, privileged bool) (Usage, error) {
	k := g.key(user, kind)
	n, err := g.store.Count(ctx, k)
	if err != nil {
		return Usage{}, fmt.Errorf("count %s: %w", k, err)
	}
	return Usage{
		User:      user,
		Kind:      kind,
		Date:      k.Date,
		Count:     n,
		Limit:     g.policy.LimitFor(kind),
		Unlimited: privileged && g.policy.UnlimitedForPrivileged,
	}, nil
}

// Reservation is one admitted generation. Exactly one of Commit or Release takes effect.
type Reservation struct {
	mu       sync.Mutex
	store    Store
	key      Key
	reserved bool // slot already counted by Reserve
	done     bool
}

// Key returns the counter the reservation belongs to.
func (r *Reservation) Key() Key {
	return r.key
}

// Commit records a successful generation.
func (r *Reservation) Commit(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	r.done = true
	if r.reserved {
		return nil
	}
	if _, err := r.store.Increment(ctx, r.key); err != nil {
		return fmt.Errorf("increment %s: %w", r.key, err)
	}
	return nil
}

// Release returns an unused slot.
func (r *Reservation) Release(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	r.done = true
	if !r.reserved {
		return nil
	}
	if err := r.store.Release(ctx, r.key); err != nil {
		return fmt.Errorf("release %s: %w", r.key, err)
	}
	return nil
}
