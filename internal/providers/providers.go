// Package providers adapts vendor APIs to dispatch.Invoker.
//
// Adapters do one blocking call per Invoke and return the vendor's reply
// bytes unchanged; cleaning them up is the normalizer's job. Errors that
// carry an HTTP status are returned so dispatch.Classify can tell a dead key
// from a malformed request.
package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/roelfdiedericks/fallgate/internal/dispatch"
	. "github.com/roelfdiedericks/fallgate/internal/logging"
	"github.com/roelfdiedericks/fallgate/internal/types"
)

// DefaultSystemPrompt asks chat models for the structured reply the normalizer prefers.
const DefaultSystemPrompt = "You are a helpful, friendly assistant. " +
	"Always reply with a single JSON object of the form " +
	`{"response": "<your answer>", "emotion": "<one of Happy, Sad, Excited, Angry, Surprised, Confused, Curious, Neutral>"}` +
	" and nothing else. Use markdown inside the response string when it helps."

// maxErrorBody bounds how much of an error body is kept in StatusError.
const maxErrorBody = 2048

// StatusError is a non-2xx reply from a plain HTTP provider.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.Code, e.Body)
}

// StatusCode implements dispatch.StatusCoder.
func (e *StatusError) StatusCode() int { return e.Code }

// modelFor prefers the credential's model hint over the descriptor default.
func modelFor(cred dispatch.Credential, def string) string {
	if cred.Model != "" {
		return cred.Model
	}
	return def
}

// imageAttachment returns the attachment when it is an image with data.
func imageAttachment(req *types.Request) *types.Attachment {
	if req.Attachment != nil && req.Attachment.IsImage() && len(req.Attachment.Data) > 0 {
		return req.Attachment
	}
	return nil
}

// describeAttachment names a binary non-image attachment, which no chat
// backend receives.
func describeAttachment(req *types.Request) string {
	a := req.Attachment
	if a == nil || a.IsText() || a.IsImage() || len(a.Data) == 0 {
		return ""
	}
	return fmt.Sprintf("\n\n[Attached file: %s (%s), not shown]", a.Name, a.MimeType)
}

// userText is the user turn: prompt, text attachment and a note for
// attachments that cannot be forwarded.
func userText(req *types.Request) string {
	return req.PromptWithText() + describeAttachment(req)
}

func dataURL(a *types.Attachment) string {
	return "data:" + a.MimeType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}

// doJSON sends body as JSON and returns the raw reply. Non-2xx replies
// become *StatusError.
func doJSON(ctx context.Context, client *http.Client, name, method, url string, headers map[string]string, body interface{}) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", name, err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", name, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	if client == nil {
		client = http.DefaultClient
	}
	L_trace("providers: request prepared", "provider", name, "method", method, "url", url)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: send request: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := strings.TrimSpace(string(data))
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &StatusError{Provider: name, Code: resp.StatusCode, Body: snippet}
	}
	return data, nil
}

func bearer(secret string) string {
	if secret == "" {
		return ""
	}
	return "Bearer " + secret
}
