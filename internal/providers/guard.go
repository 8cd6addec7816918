package providers

import (
	"context"
	"fmt"

	"github.com/roelfdiedericks/fallgate/internal/dispatch"
	. "github.com/roelfdiedericks/fallgate/internal/logging"
	"github.com/roelfdiedericks/fallgate/internal/tokens"
	"github.com/roelfdiedericks/fallgate/internal/types"
)

// ContextGuard refuses prompts too large for the wrapped provider's context
// window without spending a call. The refusal is Malformed so the dispatcher
// moves straight to the next tier instead of rotating credentials.
type ContextGuard struct {
	Name     string
	Window   int                   // context window in tokens
	Reserve  int                   // tokens kept free for the reply
	Estimate func(text string) int // defaults to tokens.Estimate
	Next     dispatch.Invoker
}

// Invoke implements dispatch.Invoker.
func (g *ContextGuard) Invoke(ctx context.Context, req *types.Request, cred dispatch.Credential) ([]byte, error) {
	estimate := g.Estimate
	if estimate == nil {
		estimate = tokens.Estimate
	}
	n := estimate(req.PromptWithText())
	if !tokens.Fits(n, g.Window, g.Reserve) {
		L_debug("providers: prompt exceeds context window", "provider", g.Name, "tokens", n, "window", g.Window)
		return nil, dispatch.NewMalformed(dispatch.ReasonContextOverflow,
			fmt.Sprintf("%s: prompt ~%d tokens exceeds %d token window", g.Name, n, g.Window))
	}
	return g.Next.Invoke(ctx, req, cred)
}
