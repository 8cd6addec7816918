package providers

import (
	"context"
	"net/http"

	"github.com/roelfdiedericks/fallgate/internal/dispatch"
	"github.com/roelfdiedericks/fallgate/internal/types"
)

type webhookRequest struct {
	Prompt     string `json:"prompt"`
	Model      string `json:"model,omitempty"`
	Capability string `json:"capability"`
	RequestID  string `json:"requestId,omitempty"`
	ImageURL   string `json:"imageUrl,omitempty"`
}

// Webhook POSTs the prompt as JSON to a generic endpoint and returns whatever
// it answers. It fronts services without an SDK (video gateways, in-house
// image services); the normalizer digs the text or media URL out of the reply.
type Webhook struct {
	Name       string
	URL        string
	Model      string
	Headers    map[string]string
	HTTPClient *http.Client
}

// Invoke sends one request. The credential secret, when set, is a bearer token.
func (w *Webhook) Invoke(ctx context.Context, req *types.Request, cred dispatch.Credential) ([]byte, error) {
	headers := map[string]string{"Authorization": bearer(cred.Secret)}
	for k, v := range w.Headers {
		headers[k] = v
	}

	body := webhookRequest{
		Prompt:     req.PromptWithText(),
		Model:      modelFor(cred, w.Model),
		Capability: req.Capability.String(),
		RequestID:  req.ID,
	}
	if img := imageAttachment(req); img != nil {
		body.ImageURL = dataURL(img)
	}

	return doJSON(ctx, w.HTTPClient, w.Name, http.MethodPost, w.URL, headers, body)
}
