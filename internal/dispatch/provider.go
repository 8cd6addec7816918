// Package dispatch routes a request through an ordered list of provider tiers,
// rotating credentials within a tier and stopping at the first usable reply.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roelfdiedericks/fallgate/internal/logging"
	"github.com/roelfdiedericks/fallgate/internal/types"
)

// Credential is an opaque secret plus an optional model hint.
type Credential struct {
	Secret string
	Model  string
}

// String renders the credential with the secret redacted.
func (c Credential) String() string {
	if c.Model == "" {
		return logging.Redact(c.Secret)
	}
	return fmt.Sprintf("%s [%s]", logging.Redact(c.Secret), c.Model)
}

// Invoker performs one blocking provider call with a single credential.
// The per-call deadline is carried by ctx.
type Invoker interface {
	Invoke(ctx context.Context, req *types.Request, cred Credential) ([]byte, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req *types.Request, cred Credential) ([]byte, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, req *types.Request, cred Credential) ([]byte, error) {
	return f(ctx, req, cred)
}

// Provider is one capability-tagged backend tier.
type Provider struct {
	Name        string
	Capability  types.Capability
	Tier        int // lower is tried first
	Tags        []string
	Credentials []Credential
	Timeout     time.Duration // per-call cap; zero means the remaining dispatch budget
	Invoker     Invoker
}

// HasTag reports whether the provider carries tag (case-insensitive).
func (p *Provider) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

func (p *Provider) String() string {
	return fmt.Sprintf("%s(tier %d)", p.Name, p.Tier)
}
