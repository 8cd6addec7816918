package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roelfdiedericks/xai-go"

	"github.com/roelfdiedericks/fallgate/internal/dispatch"
	. "github.com/roelfdiedericks/fallgate/internal/logging"
	"github.com/roelfdiedericks/fallgate/internal/types"
)

type xaiImageReply struct {
	Images []xaiImage `json:"images"`
}

type xaiImage struct {
	URL string `json:"url"`
}

// XAIImage generates images with xAI's image models through xai-go.
// Clients are created lazily, one per credential, and reused.
type XAIImage struct {
	Name    string
	Model   string
	Timeout time.Duration

	mu      sync.Mutex
	clients map[string]*xai.Client
}

func (x *XAIImage) client(secret string) (*xai.Client, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if c, ok := x.clients[secret]; ok {
		return c, nil
	}
	cfg := xai.Config{APIKey: xai.NewSecureString(secret)}
	if x.Timeout > 0 {
		cfg.Timeout = x.Timeout
	}
	c, err := xai.New(cfg)
	if err != nil {
		return nil, err
	}
	if x.clients == nil {
		x.clients = make(map[string]*xai.Client)
	}
	x.clients[secret] = c
	L_debug("xai client: initialized", "name", x.Name)
	return c, nil
}

// Invoke requests a single image and returns {"images":[{"url":...}]}.
func (x *XAIImage) Invoke(ctx context.Context, req *types.Request, cred dispatch.Credential) ([]byte, error) {
	if cred.Secret == "" {
		return nil, dispatch.NewTransient(dispatch.ReasonAuth, fmt.Errorf("%s: API key not configured", x.Name))
	}

	client, err := x.client(cred.Secret)
	if err != nil {
		return nil, fmt.Errorf("%s: create client: %w", x.Name, err)
	}

	model := modelFor(cred, x.Model)
	ireq := xai.NewImageRequest(req.Prompt).WithModel(model)
	ireq.WithCount(1)

	resp, err := client.GenerateImage(ctx, ireq)
	if err != nil {
		var xaiErr *xai.Error
		if errors.As(err, &xaiErr) && xaiErr.Code == xai.ErrNotFound {
			return nil, dispatch.NewMalformed(dispatch.ReasonFormat, fmt.Sprintf("%s: model %s not found", x.Name, model))
		}
		return nil, fmt.Errorf("%s: image generation failed: %w", x.Name, err)
	}

	var out xaiImageReply
	for _, img := range resp.Images {
		if img.URL != "" {
			out.Images = append(out.Images, xaiImage{URL: img.URL})
		}
	}
	if len(out.Images) == 0 {
		return nil, dispatch.NewMalformed(dispatch.ReasonNoMedia, x.Name+": no images generated")
	}

	L_debug("xai: image generated", "provider", x.Name, "model", model, "count", len(out.Images))
	return json.Marshal(out)
}
