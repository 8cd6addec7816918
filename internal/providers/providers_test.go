package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roelfdiedericks/fallgate/internal/config"
	"github.com/roelfdiedericks/fallgate/internal/dispatch"
	"github.com/roelfdiedericks/fallgate/internal/types"
)

func chatRequest(prompt string) *types.Request {
	return &types.Request{ID: "req-1", Capability: types.TextCompletion, Prompt: prompt}
}

func TestOpenAIChat(t *testing.T) {
	var gotAuth, gotModel, gotSystem, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model
		if len(body.Messages) == 2 {
			gotSystem, gotUser = body.Messages[0].Content, body.Messages[1].Content
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"response\":\"Hi\",\"emotion\":\"Happy\"}"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	o := &OpenAIChat{Name: "groq", BaseURL: srv.URL, Model: "default-model", SystemPrompt: "be json", HTTPClient: srv.Client()}
	req := chatRequest("hello")
	req.Attachment = &types.Attachment{Name: "notes.txt", Text: "file body"}

	raw, err := o.Invoke(context.Background(), req, dispatch.Credential{Secret: "gsk_secret", Model: "key-model"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(raw) != `{"response":"Hi","emotion":"Happy"}` {
		t.Errorf("raw = %s", raw)
	}
	if gotAuth != "Bearer gsk_secret" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotModel != "key-model" {
		t.Errorf("model = %q, want the credential's model", gotModel)
	}
	if gotSystem != "be json" {
		t.Errorf("system = %q", gotSystem)
	}
	if gotUser != "hello\n\n[Attached File Content]:\nfile body" {
		t.Errorf("user = %q", gotUser)
	}
}

func TestOpenAIChatErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   dispatch.FailureKind
		reason dispatch.Reason
	}{
		{"rate limited", 429, `{"error":{"message":"Rate limit reached","type":"requests"}}`, dispatch.Transient, dispatch.ReasonRateLimit},
		{"bad key", 401, `{"error":{"message":"Invalid API key","type":"invalid_request_error"}}`, dispatch.Transient, dispatch.ReasonAuth},
		{"bad request", 400, `{"error":{"message":"model not found","type":"invalid_request_error"}}`, dispatch.Malformed, dispatch.ReasonFormat},
		{"no choices", 200, `{"id":"c1","choices":[]}`, dispatch.Malformed, dispatch.ReasonEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			o := &OpenAIChat{Name: "x", BaseURL: srv.URL, Model: "m", HTTPClient: srv.Client()}
			_, err := o.Invoke(context.Background(), chatRequest("hi"), dispatch.Credential{Secret: "k"})
			if err == nil {
				t.Fatal("expected error")
			}
			f := dispatch.Classify(err)
			if f.Kind != tt.kind || f.Reason != tt.reason {
				t.Errorf("classified as %s/%s, want %s/%s (%v)", f.Kind, f.Reason, tt.kind, tt.reason, err)
			}
		})
	}
}

func TestOpenRouterHeaders(t *testing.T) {
	var referer, title string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		referer, title = r.Header.Get("HTTP-Referer"), r.Header.Get("X-Title")
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer srv.Close()

	// the transport keys off the base URL, so route "openrouter" to the test server
	o := &OpenAIChat{Name: "openrouter", BaseURL: srv.URL + "/openrouter", Model: "m", HTTPClient: srv.Client()}
	if _, err := o.Invoke(context.Background(), chatRequest("hi"), dispatch.Credential{Secret: "k"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if referer == "" || title != "Fallgate" {
		t.Errorf("headers = %q / %q", referer, title)
	}
}

func TestOpenAIImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/generations" {
			t.Errorf("path = %s", r.URL.Path)
		}
		io.WriteString(w, `{"created":1,"data":[{"url":"https://img.example.com/a.png"}]}`)
	}))
	defer srv.Close()

	o := &OpenAIImage{Name: "dalle", BaseURL: srv.URL, Model: "dall-e-3", HTTPClient: srv.Client()}
	raw, err := o.Invoke(context.Background(), &types.Request{Capability: types.ImageGeneration, Prompt: "a cat"}, dispatch.Credential{Secret: "k"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(string(raw), "https://img.example.com/a.png") {
		t.Errorf("raw = %s", raw)
	}
}

func TestAnthropicChat(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-haiku-latest",
			"content":[{"type":"text","text":"{\"response\":\"Bonjour\"}"}],
			"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":4}}`)
	}))
	defer srv.Close()

	a := &AnthropicChat{Name: "anthropic", BaseURL: srv.URL, Model: "claude-3-5-haiku-latest", SystemPrompt: "json", HTTPClient: srv.Client()}
	raw, err := a.Invoke(context.Background(), chatRequest("hello"), dispatch.Credential{Secret: "sk-ant-test"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(raw) != `{"response":"Bonjour"}` {
		t.Errorf("raw = %s", raw)
	}
	if gotKey != "sk-ant-test" {
		t.Errorf("api key header = %q", gotKey)
	}
}

func TestAnthropicOverloaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(529)
		io.WriteString(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	}))
	defer srv.Close()

	a := &AnthropicChat{Name: "anthropic", BaseURL: srv.URL, Model: "m", HTTPClient: srv.Client()}
	_, err := a.Invoke(context.Background(), chatRequest("hi"), dispatch.Credential{Secret: "k"})
	f := dispatch.Classify(err)
	if f == nil || f.Kind != dispatch.Transient || f.Reason != dispatch.ReasonOverloaded {
		t.Errorf("classified as %+v", f)
	}
}

func TestOllamaChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body ollamaChatRequest
		json.NewDecoder(r.Body).Decode(&body)
		if body.Stream {
			t.Error("stream must be false")
		}
		if len(body.Messages) != 2 || len(body.Messages[1].Images) != 1 {
			t.Errorf("messages = %+v", body.Messages)
		}
		io.WriteString(w, `{"model":"llama3","message":{"role":"assistant","content":"Hello!"},"done":true}`)
	}))
	defer srv.Close()

	o := &OllamaChat{Name: "ollama", BaseURL: srv.URL + "/", Model: "llama3", HTTPClient: srv.Client()}
	req := chatRequest("what is this?")
	req.Attachment = &types.Attachment{Name: "a.png", MimeType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}
	raw, err := o.Invoke(context.Background(), req, dispatch.Credential{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(raw) != "Hello!" {
		t.Errorf("raw = %s", raw)
	}
}

func TestOllamaStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	o := &OllamaChat{Name: "ollama", BaseURL: srv.URL, Model: "m", HTTPClient: srv.Client()}
	_, err := o.Invoke(context.Background(), chatRequest("hi"), dispatch.Credential{})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 503 {
		t.Fatalf("err = %v", err)
	}
	if f := dispatch.Classify(err); f.Reason != dispatch.ReasonOverloaded {
		t.Errorf("reason = %s", f.Reason)
	}
}

func TestPollinations(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte{0xff, 0xd8, 0xff})
	}))
	defer srv.Close()

	p := &Pollinations{Name: "pollinations", BaseURL: srv.URL + "/prompt", Model: "flux", PromptTemplate: "logo for {prompt}", HTTPClient: srv.Client()}
	raw, err := p.Invoke(context.Background(), &types.Request{Capability: types.ImageGeneration, Prompt: "coffee shop"}, dispatch.Credential{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	got := string(raw)
	if !strings.HasPrefix(got, srv.URL+"/prompt/logo%20for%20coffee%20shop?") {
		t.Errorf("url = %s", got)
	}
	if !strings.Contains(got, "model=flux") || !strings.Contains(got, "width=1024") {
		t.Errorf("url missing params: %s", got)
	}
	if gotPath != "/prompt/logo%20for%20coffee%20shop" {
		t.Errorf("probed path = %s", gotPath)
	}
}

func TestPollinationsProbeRejectsNonImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html>error</html>")
	}))
	defer srv.Close()

	p := &Pollinations{Name: "pollinations", BaseURL: srv.URL, HTTPClient: srv.Client()}
	_, err := p.Invoke(context.Background(), &types.Request{Capability: types.ImageGeneration, Prompt: "x"}, dispatch.Credential{})
	if f := dispatch.Classify(err); f == nil || f.Kind != dispatch.Malformed {
		t.Errorf("classified as %+v", f)
	}
}

func TestReplicatePolls(t *testing.T) {
	var polls int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/models/minimax/video-01/predictions":
			if r.Header.Get("Authorization") != "Bearer r8_token" {
				t.Errorf("auth = %q", r.Header.Get("Authorization"))
			}
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"id":"p1","status":"starting","urls":{"get":"`+srv.URL+`/predictions/p1"}}`)
		case r.Method == http.MethodGet && r.URL.Path == "/predictions/p1":
			if atomic.AddInt32(&polls, 1) < 2 {
				io.WriteString(w, `{"id":"p1","status":"processing","urls":{"get":"`+srv.URL+`/predictions/p1"}}`)
				return
			}
			io.WriteString(w, `{"id":"p1","status":"succeeded","output":"https://replicate.delivery/v.mp4"}`)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	r := &Replicate{Name: "replicate", BaseURL: srv.URL, Model: "minimax/video-01", PollInterval: time.Millisecond, HTTPClient: srv.Client()}
	raw, err := r.Invoke(context.Background(), &types.Request{Capability: types.VideoGeneration, Prompt: "waves"}, dispatch.Credential{Secret: "r8_token"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(string(raw), "https://replicate.delivery/v.mp4") {
		t.Errorf("raw = %s", raw)
	}
	if polls != 2 {
		t.Errorf("polls = %d", polls)
	}
}

func TestReplicateFailedPrediction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"p1","status":"failed","error":"NSFW content detected"}`)
	}))
	defer srv.Close()

	r := &Replicate{Name: "replicate", BaseURL: srv.URL, Model: "o/m", HTTPClient: srv.Client()}
	_, err := r.Invoke(context.Background(), &types.Request{Capability: types.VideoGeneration, Prompt: "x"}, dispatch.Credential{Secret: "k"})
	if f := dispatch.Classify(err); f == nil || f.Kind != dispatch.Malformed {
		t.Errorf("classified as %+v", f)
	}
}

func TestReplicateHonoursDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"p1","status":"processing","urls":{"get":"http://`+r.Host+`/p1"}}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r := &Replicate{Name: "replicate", BaseURL: srv.URL, Model: "o/m", PollInterval: 10 * time.Millisecond, HTTPClient: srv.Client()}
	start := time.Now()
	_, err := r.Invoke(ctx, &types.Request{Capability: types.VideoGeneration, Prompt: "x"}, dispatch.Credential{Secret: "k"})
	if err == nil {
		t.Fatal("expected deadline error")
	}
	if time.Since(start) > time.Second {
		t.Errorf("polling ignored the deadline: %v", time.Since(start))
	}
	if f := dispatch.Classify(err); f.Reason != dispatch.ReasonTimeout {
		t.Errorf("reason = %s", f.Reason)
	}
}

func TestWebhook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Team") != "media" || r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("headers = %v", r.Header)
		}
		var body webhookRequest
		json.NewDecoder(r.Body).Decode(&body)
		if body.Prompt != "sunset" || body.Capability != "video" || body.Model != "kling-v1" {
			t.Errorf("body = %+v", body)
		}
		io.WriteString(w, `{"success":true,"video_url":"https://cdn.example.com/v.mp4"}`)
	}))
	defer srv.Close()

	wh := &Webhook{Name: "kling", URL: srv.URL, Model: "kling-v1", Headers: map[string]string{"X-Team": "media"}, HTTPClient: srv.Client()}
	raw, err := wh.Invoke(context.Background(), &types.Request{Capability: types.VideoGeneration, Prompt: "sunset"}, dispatch.Credential{Secret: "tok"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(string(raw), "v.mp4") {
		t.Errorf("raw = %s", raw)
	}
}

func TestBuild(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers = config.ProvidersConfig{
		Text: []config.ProviderEntry{
			{Name: "groq", Driver: "openai", Tier: 2, Tags: []string{"fast"}, TimeoutSeconds: 15,
				Credentials: []config.CredentialEntry{{Secret: "a"}, {Secret: "b", Model: "m2"}}},
			{Name: "keyless", Driver: "anthropic"},
		},
		Image: []config.ProviderEntry{
			{Name: "pollinations", Driver: "pollinations", BaseURL: "https://image.pollinations.ai/prompt/", Credentials: []config.CredentialEntry{{}}},
		},
		Video: []config.ProviderEntry{
			{Name: "hook", Driver: "webhook", BaseURL: "https://video.example.com/gen", Options: map[string]string{"header.X-Team": "media"},
				Credentials: []config.CredentialEntry{{Secret: "t"}}},
		},
	}

	provs, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(provs) != 3 {
		t.Fatalf("built %d providers, want 3 (keyless skipped)", len(provs))
	}

	groq := provs[0]
	if groq.Capability != types.TextCompletion || groq.Tier != 2 || !groq.HasTag("fast") || groq.Timeout != 15*time.Second {
		t.Errorf("groq = %+v", groq)
	}
	if len(groq.Credentials) != 2 || groq.Credentials[1].Model != "m2" {
		t.Errorf("groq credentials = %+v", groq.Credentials)
	}
	if oc, ok := groq.Invoker.(*OpenAIChat); !ok || oc.SystemPrompt != DefaultSystemPrompt {
		t.Errorf("groq invoker = %#v", groq.Invoker)
	}
	if _, ok := provs[1].Invoker.(*Pollinations); !ok || provs[1].Capability != types.ImageGeneration {
		t.Errorf("image provider = %+v", provs[1])
	}
	if wh, ok := provs[2].Invoker.(*Webhook); !ok || wh.Headers["X-Team"] != "media" {
		t.Errorf("video provider = %#v", provs[2].Invoker)
	}

	reg := dispatch.NewRegistry()
	if err := Register(reg, cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.Count(types.TextCompletion) != 1 || reg.Count(types.VideoGeneration) != 1 {
		t.Errorf("registry counts text=%d video=%d", reg.Count(types.TextCompletion), reg.Count(types.VideoGeneration))
	}
}

func TestBuildRejectsBadDrivers(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers.Text = []config.ProviderEntry{{Name: "x", Driver: "smoke-signals", Credentials: []config.CredentialEntry{{Secret: "k"}}}}
	if _, err := Build(cfg); !errors.Is(err, config.ErrUnknownDriver) {
		t.Errorf("expected ErrUnknownDriver, got %v", err)
	}

	cfg.Providers.Text = []config.ProviderEntry{{Name: "x", Driver: "pollinations", Credentials: []config.CredentialEntry{{}}}}
	if _, err := Build(cfg); err == nil {
		t.Error("expected error for an image driver in the text list")
	}
}

func TestContextGuard(t *testing.T) {
	var calls int32
	next := dispatch.InvokerFunc(func(ctx context.Context, req *types.Request, cred dispatch.Credential) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("ok"), nil
	})
	g := &ContextGuard{Name: "small", Window: 100, Reserve: 20, Estimate: func(s string) int { return len(s) / 4 }, Next: next}

	if _, err := g.Invoke(context.Background(), chatRequest("short prompt"), dispatch.Credential{}); err != nil {
		t.Fatalf("short prompt: %v", err)
	}

	_, err := g.Invoke(context.Background(), chatRequest(strings.Repeat("word ", 100)), dispatch.Credential{})
	f := dispatch.Classify(err)
	if f == nil || f.Kind != dispatch.Malformed || f.Reason != dispatch.ReasonContextOverflow {
		t.Errorf("oversized prompt = %v", err)
	}
	if calls != 1 {
		t.Errorf("next called %d times, want 1", calls)
	}
}

func TestNewInvokerContextWindowOption(t *testing.T) {
	e := config.ProviderEntry{Name: "tiny", Driver: "openai", Options: map[string]string{"contextWindow": "4096", "maxTokens": "512"}}
	inv, err := NewInvoker(types.TextCompletion, e, DefaultSystemPrompt, nil)
	if err != nil {
		t.Fatalf("NewInvoker: %v", err)
	}
	g, ok := inv.(*ContextGuard)
	if !ok || g.Window != 4096 || g.Reserve != 512 {
		t.Fatalf("invoker = %#v", inv)
	}
	if _, ok := g.Next.(*OpenAIChat); !ok {
		t.Errorf("guarded invoker = %#v", g.Next)
	}
}

func TestUserTextNotesUnsupportedAttachment(t *testing.T) {
	req := chatRequest("read this")
	req.Attachment = &types.Attachment{Name: "report.pdf", MimeType: "application/pdf", Data: []byte("%PDF-1.7")}
	if got := userText(req); !strings.Contains(got, "report.pdf (application/pdf)") {
		t.Errorf("userText = %q", got)
	}

	req.Attachment = &types.Attachment{Name: "a.png", MimeType: "image/png", Data: []byte{0x89}}
	if got := userText(req); got != "read this" {
		t.Errorf("image attachment should travel inline, got %q", got)
	}
}
