package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/roelfdiedericks/fallgate/internal/dispatch"
	. "github.com/roelfdiedericks/fallgate/internal/logging"
	"github.com/roelfdiedericks/fallgate/internal/types"
)

// openRouterTransport adds attribution headers to OpenRouter requests.
type openRouterTransport struct {
	base http.RoundTripper
}

func (t *openRouterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("HTTP-Referer", "https://github.com/roelfdiedericks/fallgate")
	req.Header.Set("X-Title", "Fallgate")
	if t.base == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.base.RoundTrip(req)
}

// openaiClient builds a go-openai client for one credential.
func openaiClient(secret, baseURL string, hc *http.Client) *openai.Client {
	if secret == "" {
		secret = "not-needed"
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg := openai.DefaultConfig(secret)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	if strings.Contains(strings.ToLower(baseURL), "openrouter") {
		base := hc.Transport
		hc = &http.Client{Transport: &openRouterTransport{base: base}, Timeout: hc.Timeout}
	}
	cfg.HTTPClient = hc
	return openai.NewClientWithConfig(cfg)
}

// openaiError maps go-openai errors to dispatch failures by HTTP status.
func openaiError(name string, err error) error {
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0:
		L_debug("openai: api error", "provider", name, "status", apiErr.HTTPStatusCode, "code", apiErr.Code, "type", apiErr.Type)
		return dispatch.FromStatus(apiErr.HTTPStatusCode, fmt.Errorf("%s: %w", name, err))
	case errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0:
		L_debug("openai: request error", "provider", name, "status", reqErr.HTTPStatusCode)
		return dispatch.FromStatus(reqErr.HTTPStatusCode, fmt.Errorf("%s: %w", name, err))
	}
	return fmt.Errorf("%s: %w", name, err)
}

// OpenAIChat talks to any OpenAI-compatible chat completions endpoint
// (OpenAI, OpenRouter, Groq, GitHub Models, Chutes, Bytez, LM Studio).
type OpenAIChat struct {
	Name         string
	BaseURL      string
	Model        string
	SystemPrompt string
	JSONMode     bool
	MaxTokens    int
	HTTPClient   *http.Client
}

// Invoke sends one chat completion and returns the first choice's content.
func (o *OpenAIChat) Invoke(ctx context.Context, req *types.Request, cred dispatch.Credential) ([]byte, error) {
	client := openaiClient(cred.Secret, o.BaseURL, o.HTTPClient)
	model := modelFor(cred, o.Model)

	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userText(req)}
	if img := imageAttachment(req); img != nil {
		user = openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: dataURL(img), Detail: openai.ImageURLDetailAuto},
				},
				{Type: openai.ChatMessagePartTypeText, Text: userText(req)},
			},
		}
	}

	creq := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.SystemPrompt},
			user,
		},
		MaxTokens: o.MaxTokens,
	}
	if o.JSONMode {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	L_trace("openai: chat request", "provider", o.Name, "model", model, "promptChars", len(req.Prompt))

	resp, err := client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, openaiError(o.Name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, dispatch.NewMalformed(dispatch.ReasonEmpty, o.Name+": no choices in reply")
	}
	return []byte(resp.Choices[0].Message.Content), nil
}

// OpenAIImage generates images through the OpenAI images endpoint.
type OpenAIImage struct {
	Name       string
	BaseURL    string
	Model      string
	Size       string
	HTTPClient *http.Client
}

// Invoke requests one image and returns the vendor's JSON reply.
func (o *OpenAIImage) Invoke(ctx context.Context, req *types.Request, cred dispatch.Credential) ([]byte, error) {
	client := openaiClient(cred.Secret, o.BaseURL, o.HTTPClient)

	size := o.Size
	if size == "" {
		size = openai.CreateImageSize1024x1024
	}

	resp, err := client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          modelFor(cred, o.Model),
		N:              1,
		Size:           size,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return nil, openaiError(o.Name, err)
	}
	if len(resp.Data) == 0 {
		return nil, dispatch.NewMalformed(dispatch.ReasonNoMedia, o.Name+": no images in reply")
	}
	return json.Marshal(resp)
}
