package providers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/roelfdiedericks/fallgate/internal/dispatch"
	. "github.com/roelfdiedericks/fallgate/internal/logging"
	"github.com/roelfdiedericks/fallgate/internal/types"
)

// AnthropicChat calls the Anthropic Messages API.
type AnthropicChat struct {
	Name         string
	BaseURL      string
	Model        string
	SystemPrompt string
	MaxTokens    int
	HTTPClient   *http.Client
}

// Invoke sends one message and returns the concatenated text blocks.
func (a *AnthropicChat) Invoke(ctx context.Context, req *types.Request, cred dispatch.Credential) ([]byte, error) {
	if cred.Secret == "" {
		return nil, dispatch.NewTransient(dispatch.ReasonAuth, fmt.Errorf("%s: API key not configured", a.Name))
	}

	hc := a.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cred.Secret),
		option.WithHTTPClient(hc),
		option.WithMaxRetries(0), // the rotator owns retries
	}
	if a.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(a.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	maxTokens := a.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2048
	}

	var blocks []anthropic.ContentBlockParamUnion
	if img := imageAttachment(req); img != nil {
		blocks = append(blocks, anthropic.NewImageBlockBase64(img.MimeType, base64.StdEncoding.EncodeToString(img.Data)))
	}
	blocks = append(blocks, anthropic.NewTextBlock(userText(req)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelFor(cred, a.Model)),
		MaxTokens: int64(maxTokens),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	}
	if a.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: a.SystemPrompt}}
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
			L_debug("anthropic: api error", "provider", a.Name, "status", apiErr.StatusCode)
			return nil, dispatch.FromStatus(apiErr.StatusCode, fmt.Errorf("%s: %w", a.Name, err))
		}
		return nil, fmt.Errorf("%s: %w", a.Name, err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	L_trace("anthropic: reply", "provider", a.Name, "stopReason", msg.StopReason, "chars", sb.Len())
	return []byte(sb.String()), nil
}
