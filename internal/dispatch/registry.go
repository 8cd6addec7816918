package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	. "github.com/roelfdiedericks/fallgate/internal/logging"
	"github.com/roelfdiedericks/fallgate/internal/types"
)

var (
	ErrNoCredentials = errors.New("provider has no credentials")
	ErrNoInvoker     = errors.New("provider has no invoker")
)

// DefaultFastTag is the tag promoted by types.ModeFast.
const DefaultFastTag = "fast"

// Registry holds the ordered provider tiers per capability.
// It is built once at startup; ListFor returns derived views and never mutates the stored order.
type Registry struct {
	mu         sync.RWMutex
	byCap      map[types.Capability][]*Provider
	promotions []promotion
}

type promotion struct {
	mode types.Mode
	tag  string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithPromotion moves providers tagged tag to the front when mode is requested.
func WithPromotion(mode types.Mode, tag string) RegistryOption {
	return func(r *Registry) {
		for i := range r.promotions {
			if r.promotions[i].mode == mode {
				r.promotions[i].tag = tag
				return
			}
		}
		r.promotions = append(r.promotions, promotion{mode: mode, tag: tag})
	}
}

// NewRegistry creates an empty registry. Fast mode promotes DefaultFastTag unless overridden.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byCap:      make(map[types.Capability][]*Provider),
		promotions: []promotion{{mode: types.ModeFast, tag: DefaultFastTag}},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a provider to its capability list, keeping the list sorted by tier.
// Equal tiers keep registration order. A tier of zero or less is assigned after the current last tier.
func (r *Registry) Register(p *Provider) error {
	if p == nil {
		return errors.New("nil provider")
	}
	if len(p.Credentials) == 0 {
		return fmt.Errorf("register %s: %w", p.Name, ErrNoCredentials)
	}
	if p.Invoker == nil {
		return fmt.Errorf("register %s: %w", p.Name, ErrNoInvoker)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.byCap[p.Capability]
	if p.Tier <= 0 {
		p.Tier = 1
		if n := len(list); n > 0 {
			p.Tier = list[n-1].Tier + 1
		}
	}
	list = append(list, p)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Tier < list[j].Tier })
	r.byCap[p.Capability] = list

	L_debug("registry: provider registered", "capability", p.Capability, "name", p.Name, "tier", p.Tier, "credentials", len(p.Credentials))
	return nil
}

// ListFor returns the attempt order for a capability under the requested modes.
// Providers matching a promoted tag move to the front in their existing relative order.
func (r *Registry) ListFor(c types.Capability, modes []types.Mode) []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.byCap[c]
	view := make([]*Provider, len(stored))
	copy(view, stored)

	var tags []string
	for _, p := range r.promotions {
		if types.HasMode(modes, p.mode) {
			tags = append(tags, p.tag)
		}
	}
	if len(tags) == 0 {
		return view
	}

	front := make([]*Provider, 0, len(view))
	rest := make([]*Provider, 0, len(view))
	for _, p := range view {
		if matchesAny(p, tags) {
			front = append(front, p)
		} else {
			rest = append(rest, p)
		}
	}
	return append(front, rest...)
}

func matchesAny(p *Provider, tags []string) bool {
	for _, t := range tags {
		if p.HasTag(t) {
			return true
		}
	}
	return false
}

// Count returns the number of registered providers for a capability.
func (r *Registry) Count(c types.Capability) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCap[c])
}
