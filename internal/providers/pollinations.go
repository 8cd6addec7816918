package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/roelfdiedericks/fallgate/internal/dispatch"
	. "github.com/roelfdiedericks/fallgate/internal/logging"
	"github.com/roelfdiedericks/fallgate/internal/types"
)

// Pollinations builds a deterministic image URL from the prompt and probes
// it with a GET before handing it back. The image is rendered on first fetch,
// so a successful probe means the URL is servable.
type Pollinations struct {
	Name    string
	BaseURL string // e.g. https://image.pollinations.ai/prompt/
	Model   string
	Width   int
	Height  int
	// PromptTemplate rewrites the prompt; {prompt} is replaced with the caller's text.
	PromptTemplate string
	HTTPClient     *http.Client
}

// URLFor returns the image URL for prompt.
func (p *Pollinations) URLFor(prompt, model string) string {
	if p.PromptTemplate != "" {
		prompt = strings.ReplaceAll(p.PromptTemplate, "{prompt}", prompt)
	}
	w, h := p.Width, p.Height
	if w == 0 {
		w = 1024
	}
	if h == 0 {
		h = 1024
	}

	q := url.Values{}
	q.Set("nologo", "true")
	q.Set("width", fmt.Sprint(w))
	q.Set("height", fmt.Sprint(h))
	if model != "" {
		q.Set("model", model)
	}

	base := p.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + url.PathEscape(strings.TrimSpace(prompt)) + "?" + q.Encode()
}

// Invoke constructs the URL, probes it and returns it as the reply body.
func (p *Pollinations) Invoke(ctx context.Context, req *types.Request, cred dispatch.Credential) ([]byte, error) {
	imageURL := p.URLFor(req.Prompt, modelFor(cred, p.Model))

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.Name, err)
	}
	if cred.Secret != "" {
		hreq.Header.Set("Authorization", bearer(cred.Secret))
	}

	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("%s: probe: %w", p.Name, err)
	}
	defer resp.Body.Close()
	// drain a little so the connection can be reused; the image itself is not needed
	_, _ = io.CopyN(io.Discard, resp.Body, 512)

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Provider: p.Name, Code: resp.StatusCode, Body: resp.Status}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
		return nil, dispatch.NewMalformed(dispatch.ReasonNoMedia, fmt.Sprintf("%s: probe returned %s", p.Name, ct))
	}

	L_debug("pollinations: probe ok", "provider", p.Name, "status", resp.StatusCode)
	return []byte(imageURL), nil
}
