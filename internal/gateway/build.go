package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/roelfdiedericks/fallgate/internal/config"
	"github.com/roelfdiedericks/fallgate/internal/dispatch"
	. "github.com/roelfdiedericks/fallgate/internal/logging"
	"github.com/roelfdiedericks/fallgate/internal/normalize"
	"github.com/roelfdiedericks/fallgate/internal/providers"
	"github.com/roelfdiedericks/fallgate/internal/quota"
	"github.com/roelfdiedericks/fallgate/internal/types"
	"github.com/roelfdiedericks/fallgate/internal/user"
)

// Build wires a gateway from configuration: users, quota store and gate,
// provider registry, normalizer and dispatcher.
func Build(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	users := user.NewRegistry(cfg.Users)

	store, err := quota.Open(ctx, cfg.Quota.Store, cfg.Quota.SQLitePath, cfg.Quota.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("open quota store: %w", err)
	}

	gate, err := NewGate(store, cfg.Quota)
	if err != nil {
		store.Close()
		return nil, err
	}

	d, err := NewDispatcher(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	timeout := time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second
	g := New(d, gate, store, users, timeout)

	L_info("gateway: ready",
		"text", d.Registry().Count(types.TextCompletion),
		"image", d.Registry().Count(types.ImageGeneration),
		"video", d.Registry().Count(types.VideoGeneration),
		"users", users.Count(),
		"timeout", g.timeout)
	return g, nil
}

// NewGate builds the quota gate from the quota section.
func NewGate(store quota.Store, qc config.QuotaConfig) (*quota.Gate, error) {
	var opts []quota.GateOption
	if qc.Timezone != "" {
		loc, err := time.LoadLocation(qc.Timezone)
		if err != nil {
			return nil, fmt.Errorf("quota timezone: %w", err)
		}
		opts = append(opts, quota.WithLocation(loc))
	}
	policy := quota.Policy{
		Limits: map[types.ResourceKind]int{
			types.ResourceImage: qc.ImageLimit(),
			types.ResourceVideo: qc.VideoLimit(),
		},
		UnlimitedForPrivileged: qc.Unlimited(),
	}
	return quota.NewGate(store, policy, opts...), nil
}

// NewDispatcher builds the registry, normalizer and dispatcher.
func NewDispatcher(cfg *config.Config) (*dispatch.Dispatcher, error) {
	reg := dispatch.NewRegistry(dispatch.WithPromotion(types.ModeFast, cfg.Dispatch.FastTag))
	if err := providers.Register(reg, cfg); err != nil {
		return nil, err
	}

	var nopts []normalize.Option
	if len(cfg.Dispatch.FragmentPatterns) > 0 {
		extra, err := normalize.ParseFragments(cfg.Dispatch.FragmentPatterns)
		if err != nil {
			return nil, fmt.Errorf("dispatch.fragmentPatterns: %w", err)
		}
		frags := append(append([]normalize.Fragment{}, normalize.DefaultFragments...), extra...)
		nopts = append(nopts, normalize.WithFragments(frags))
	}
	if cfg.Dispatch.GenericMessage != "" {
		nopts = append(nopts, normalize.WithGenericMessage(cfg.Dispatch.GenericMessage))
	}

	dopts := []dispatch.Option{
		dispatch.WithDefaultTimeout(time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second),
		dispatch.WithMinSlice(time.Duration(cfg.Server.MinTierSliceMs) * time.Millisecond),
		dispatch.WithCallTimeout(time.Duration(cfg.Server.CallTimeoutSeconds) * time.Second),
	}
	if len(cfg.Dispatch.ErrorSignatures) > 0 {
		dopts = append(dopts, dispatch.WithErrorSignatures(cfg.Dispatch.ErrorSignatures))
	}

	return dispatch.NewDispatcher(reg, normalize.New(nopts...), dopts...), nil
}
