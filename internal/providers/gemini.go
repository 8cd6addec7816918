package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/roelfdiedericks/fallgate/internal/dispatch"
	. "github.com/roelfdiedericks/fallgate/internal/logging"
	"github.com/roelfdiedericks/fallgate/internal/types"
)

// GeminiChat calls the Gemini API through google.golang.org/genai.
type GeminiChat struct {
	Name         string
	BaseURL      string
	Model        string
	SystemPrompt string
	HTTPClient   *http.Client
}

// Invoke generates content in JSON mode and returns the first candidate's text.
func (g *GeminiChat) Invoke(ctx context.Context, req *types.Request, cred dispatch.Credential) ([]byte, error) {
	if cred.Secret == "" {
		return nil, dispatch.NewTransient(dispatch.ReasonAuth, fmt.Errorf("%s: API key not configured", g.Name))
	}

	cc := &genai.ClientConfig{
		APIKey:     cred.Secret,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: g.HTTPClient,
	}
	if g.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: g.BaseURL}
	}
	cli, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("%s: create client: %w", g.Name, err)
	}

	parts := []*genai.Part{{Text: userText(req)}}
	if img := imageAttachment(req); img != nil {
		parts = append([]*genai.Part{{InlineData: &genai.Blob{MIMEType: img.MimeType, Data: img.Data}}}, parts...)
	}

	gcfg := &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}
	if g.SystemPrompt != "" {
		gcfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: g.SystemPrompt}}}
	}

	model := modelFor(cred, g.Model)
	resp, err := cli.Models.GenerateContent(ctx, model, []*genai.Content{{Role: "user", Parts: parts}}, gcfg)
	if err != nil {
		// genai errors read "Error 429, Message: ..., Status: RESOURCE_EXHAUSTED"; Classify matches on that text
		return nil, fmt.Errorf("%s: %w", g.Name, err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, dispatch.NewMalformed(dispatch.ReasonEmpty, g.Name+": no candidates in reply")
	}

	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil {
			sb.WriteString(p.Text)
		}
	}
	L_trace("gemini: reply", "provider", g.Name, "model", model, "chars", sb.Len())
	return []byte(sb.String()), nil
}
