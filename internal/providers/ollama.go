package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/roelfdiedericks/fallgate/internal/dispatch"
	. "github.com/roelfdiedericks/fallgate/internal/logging"
	"github.com/roelfdiedericks/fallgate/internal/types"
)

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Format   string              `json:"format,omitempty"`
}

type ollamaChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"` // base64, no data: prefix
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error,omitempty"`
}

// OllamaChat calls an Ollama server (local or ollama.com) via POST /api/chat.
// The credential secret is an optional bearer token.
type OllamaChat struct {
	Name         string
	BaseURL      string
	Model        string
	SystemPrompt string
	JSONMode     bool
	HTTPClient   *http.Client
}

// Invoke sends a non-streaming chat request and returns the message content.
func (o *OllamaChat) Invoke(ctx context.Context, req *types.Request, cred dispatch.Credential) ([]byte, error) {
	user := ollamaChatMessage{Role: "user", Content: userText(req)}
	if img := imageAttachment(req); img != nil {
		user.Images = []string{base64.StdEncoding.EncodeToString(img.Data)}
	}

	body := ollamaChatRequest{
		Model:    modelFor(cred, o.Model),
		Messages: []ollamaChatMessage{{Role: "system", Content: o.SystemPrompt}, user},
		Stream:   false,
	}
	if o.JSONMode {
		body.Format = "json"
	}

	url := strings.TrimSuffix(o.BaseURL, "/") + "/api/chat"
	raw, err := doJSON(ctx, o.HTTPClient, o.Name, http.MethodPost, url, map[string]string{"Authorization": bearer(cred.Secret)}, body)
	if err != nil {
		return nil, err
	}

	var result ollamaChatResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, dispatch.NewMalformed(dispatch.ReasonFormat, fmt.Sprintf("%s: decode response: %v", o.Name, err))
	}
	if result.Error != "" {
		return nil, fmt.Errorf("%s: %s", o.Name, result.Error)
	}

	L_trace("ollama: reply", "provider", o.Name, "model", body.Model, "chars", len(result.Message.Content))
	return []byte(result.Message.Content), nil
}
