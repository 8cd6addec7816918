package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roelfdiedericks/fallgate/internal/config"
	"github.com/roelfdiedericks/fallgate/internal/dispatch"
	"github.com/roelfdiedericks/fallgate/internal/gateway"
	"github.com/roelfdiedericks/fallgate/internal/normalize"
	"github.com/roelfdiedericks/fallgate/internal/quota"
	"github.com/roelfdiedericks/fallgate/internal/types"
	"github.com/roelfdiedericks/fallgate/internal/user"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type recorder struct {
	mu   sync.Mutex
	last *types.Request
}

func (r *recorder) invoker(body string, err error) dispatch.Invoker {
	return dispatch.InvokerFunc(func(ctx context.Context, req *types.Request, cred dispatch.Credential) ([]byte, error) {
		r.mu.Lock()
		r.last = req
		r.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return []byte(body), nil
	})
}

func (r *recorder) request() *types.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

type testServer struct {
	handler http.Handler
	srv     *Server
	rec     *recorder
}

func newTestServer(t *testing.T, cfg ServerConfig) testServer {
	t.Helper()
	rec := &recorder{}
	reg := dispatch.NewRegistry()
	provs := []*dispatch.Provider{
		{Name: "slowchat", Capability: types.TextCompletion, Tier: 1, Invoker: rec.invoker(`{"response": "Hello there", "emotion": "happy"}`, nil)},
		{Name: "fastchat", Capability: types.TextCompletion, Tier: 2, Tags: []string{"fast"}, Invoker: rec.invoker(`{"response": "Quick", "emotion": "Excited"}`, nil)},
		{Name: "painter", Capability: types.ImageGeneration, Tier: 1, Invoker: rec.invoker(`{"data": [{"url": "https://cdn.example.com/a.png"}]}`, nil)},
		{Name: "director", Capability: types.VideoGeneration, Tier: 1, Invoker: rec.invoker("", errors.New("503 service unavailable"))},
	}
	for _, p := range provs {
		p.Credentials = []dispatch.Credential{{Secret: "k"}}
		if err := reg.Register(p); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	store := quota.NewMemoryStore()
	gate := quota.NewGate(store, quota.Policy{FreeLimit: 1, UnlimitedForPrivileged: true})
	users := user.NewRegistry([]config.UserEntry{{ID: "owner@example.com", Role: "owner"}})
	gw := gateway.New(dispatch.NewDispatcher(reg, normalize.New(), dispatch.WithMinSlice(0)), gate, store, users, 2*time.Second)

	s, err := NewServer(&cfg, gw)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return testServer{handler: s.Handler(), srv: s, rec: rec}
}

func (ts testServer) do(method, target, body string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestChat(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})

	w := ts.do(http.MethodPost, "/chat", `{"prompt": "hi", "email": "a@b.c"}`, "X-Request-ID", "req-42")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body)
	}
	if got := w.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q", got)
	}
	out := decode(t, w)
	if out["text"] != "Hello there" || out["response"] != "Hello there" {
		t.Errorf("text = %v response = %v", out["text"], out["response"])
	}
	if out["mood"] != "Happy" || out["emotion"] != "Happy" || out["succeeded"] != true {
		t.Errorf("out = %v", out)
	}
	if _, ok := out["time_taken"]; !ok {
		t.Error("missing time_taken")
	}
	if out["requestId"] != "req-42" {
		t.Errorf("requestId = %v", out["requestId"])
	}
	if _, ok := out["attempts"]; ok {
		t.Error("attempt diagnostics must not reach the caller")
	}
}

func TestChatFastMode(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})
	for _, body := range []string{`{"message": "hi", "fast": true}`, `{"prompt": "hi", "mode": "FAST"}`} {
		out := decode(t, ts.do(http.MethodPost, "/chat", body))
		if out["text"] != "Quick" || out["provider"] != "fastchat" {
			t.Errorf("%s: out = %v", body, out)
		}
	}
}

func TestChatAttachment(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})

	w := ts.do(http.MethodPost, "/chat", `{"prompt": "summarise", "file_data": {"name": "notes.txt", "data": "line one", "isText": true}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	att := ts.rec.request().Attachment
	if !att.IsText() || att.Text != "line one" || att.Name != "notes.txt" {
		t.Errorf("text attachment = %+v", att)
	}

	b64 := base64.StdEncoding.EncodeToString(pngHeader)
	ts.do(http.MethodPost, "/chat", `{"prompt": "describe", "file_data": {"name": "x", "data": "`+b64+`"}}`)
	if att := ts.rec.request().Attachment; !att.IsImage() || att.MimeType != "image/png" {
		t.Errorf("sniffed attachment = %+v", att)
	}

	ts.do(http.MethodPost, "/chat", `{"prompt": "describe", "file_data": {"data": "data:image/jpeg;base64,`+b64+`"}}`)
	if att := ts.rec.request().Attachment; att.MimeType != "image/jpeg" {
		t.Errorf("data URL type = %q", att.MimeType)
	}

	if w := ts.do(http.MethodPost, "/chat", `{"prompt": "x", "file_data": {"data": "!!!not base64"}}`); w.Code != http.StatusBadRequest {
		t.Errorf("bad attachment status = %d", w.Code)
	}
}

func TestChatBadRequests(t *testing.T) {
	ts := newTestServer(t, ServerConfig{MaxBodyBytes: 64})

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"invalid json", http.MethodPost, "{", http.StatusBadRequest},
		{"empty prompt", http.MethodPost, `{"prompt": "   "}`, http.StatusBadRequest},
		{"too large", http.MethodPost, `{"prompt": "` + strings.Repeat("x", 200) + `"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(tt.method, "/chat", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body)
			}
		})
	}
}

func TestGenerateImageQuota(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})

	w := ts.do(http.MethodPost, "/generate_image", `{"prompt": "fox", "email": "free@example.com"}`)
	out := decode(t, w)
	if w.Code != http.StatusOK || out["url"] != "https://cdn.example.com/a.png" || out["image_url"] != out["url"] || out["success"] != true {
		t.Fatalf("first = %d %v", w.Code, out)
	}

	w = ts.do(http.MethodPost, "/generate_image", `{"prompt": "fox", "email": "free@example.com"}`)
	out = decode(t, w)
	if w.Code != http.StatusTooManyRequests || out["quotaExceeded"] != true || out["text"] != types.QuotaExceeded {
		t.Errorf("second = %d %v", w.Code, out)
	}

	for i := 0; i < 2; i++ {
		if w := ts.do(http.MethodPost, "/generate_image", `{"prompt": "fox", "email": "owner@example.com"}`); w.Code != http.StatusOK {
			t.Errorf("owner request %d status = %d", i+1, w.Code)
		}
	}

	w = ts.do(http.MethodGet, "/api/quota?user=FREE@example.com&kind=image", "")
	out = decode(t, w)
	if out["count"] != float64(1) || out["limit"] != float64(1) {
		t.Errorf("quota = %v", out)
	}
}

func TestGenerateVideoExhausted(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})

	w := ts.do(http.MethodPost, "/generate_video", `{"prompt": "waves", "email": "v@example.com"}`)
	out := decode(t, w)
	if w.Code != http.StatusOK || out["success"] != false || out["succeeded"] != false {
		t.Fatalf("reply = %d %v", w.Code, out)
	}
	if out["error"] != types.VideoApology || out["text"] != types.VideoApology {
		t.Errorf("apology = %v", out)
	}
	if _, ok := out["url"]; ok {
		t.Error("failed generation must not carry a url")
	}

	// the failed attempt did not consume the single free slot
	out = decode(t, ts.do(http.MethodGet, "/api/quota?user=v@example.com&kind=video", ""))
	if out["count"] != float64(0) {
		t.Errorf("count = %v", out["count"])
	}
}

func TestInfoEndpoints(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})

	out := decode(t, ts.do(http.MethodGet, "/health", ""))
	providers := out["providers"].(map[string]interface{})
	if out["status"] != "up" || providers["text"] != float64(2) || providers["video"] != float64(1) {
		t.Errorf("health = %v", out)
	}

	var views map[string]struct {
		Normal []providerInfo `json:"normal"`
		Fast   []providerInfo `json:"fast"`
	}
	w := ts.do(http.MethodGet, "/api/providers", "")
	if err := json.Unmarshal(w.Body.Bytes(), &views); err != nil {
		t.Fatalf("providers: %v", err)
	}
	text := views["text"]
	if text.Normal[0].Name != "slowchat" || text.Fast[0].Name != "fastchat" || len(text.Fast) != 2 {
		t.Errorf("text views = %+v", text)
	}

	if w := ts.do(http.MethodGet, "/api/quota?kind=image", ""); w.Code != http.StatusBadRequest {
		t.Errorf("quota without user = %d", w.Code)
	}
	if w := ts.do(http.MethodGet, "/api/quota?user=x&kind=text", ""); w.Code != http.StatusBadRequest {
		t.Errorf("quota for text = %d", w.Code)
	}

	ts.do(http.MethodPost, "/chat", `{"prompt": "hi"}`)
	out = decode(t, ts.do(http.MethodGet, "/api/metrics", ""))
	if list, ok := out["metrics"].([]interface{}); !ok || len(list) == 0 {
		t.Errorf("metrics = %v", out)
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, ServerConfig{RateLimitPerMinute: 1})

	if w := ts.do(http.MethodPost, "/chat", `{"prompt": "hi"}`, "X-Forwarded-For", "203.0.113.9, 10.0.0.1"); w.Code != http.StatusOK {
		t.Fatalf("first = %d", w.Code)
	}
	if w := ts.do(http.MethodPost, "/chat", `{"prompt": "hi"}`, "X-Forwarded-For", "203.0.113.9"); w.Code != http.StatusTooManyRequests {
		t.Errorf("second = %d", w.Code)
	}
	if w := ts.do(http.MethodPost, "/chat", `{"prompt": "hi"}`, "X-Forwarded-For", "198.51.100.7"); w.Code != http.StatusOK {
		t.Errorf("other client = %d", w.Code)
	}
	if w := ts.do(http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("health must not be limited: %d", w.Code)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") || rl.Allow("a") {
		t.Fatal("expected two allowed then denied")
	}
	now = now.Add(time.Minute)
	if !rl.Allow("a") {
		t.Error("window should reset")
	}
	if !NewRateLimiter(0, time.Minute).Allow("a") {
		t.Error("zero limit disables limiting")
	}
}

func TestDownloadMediaRejects(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})

	tests := []struct {
		target string
		want   int
	}{
		{"/download_media", http.StatusBadRequest},
		{"/download_media?url=ftp://example.com/a.png", http.StatusBadRequest},
		{"/download_media?url=http://127.0.0.1:9/a.png", http.StatusForbidden},
		{"/download_media?url=http://localhost/a.png", http.StatusForbidden},
		{"/download_media?url=http://10.1.2.3/a.png", http.StatusForbidden},
	}
	for _, tt := range tests {
		if w := ts.do(http.MethodGet, tt.target, ""); w.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.target, w.Code, tt.want)
		}
	}
}

// hitCounter is an upstream that must never be reached.
func hitCounter(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("internal secret"))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

// allowOnly lets the download proxy reach one test upstream and nothing else internal.
func allowOnly(srv *httptest.Server) fetchGuard {
	allowed := netip.MustParseAddrPort(strings.TrimPrefix(srv.URL, "http://"))
	return func(addr netip.AddrPort) error {
		if addr == allowed {
			return nil
		}
		return refuseInternal(addr)
	}
}

func TestDownloadMediaServesFile(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(pngHeader)
	}))
	defer origin.Close()

	ts := newTestServer(t, ServerConfig{})
	ts.srv.guard = allowOnly(origin)

	w := ts.do(http.MethodGet, "/download_media?url="+url.QueryEscape(origin.URL+"/images/cat.png"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename="cat.png"`) {
		t.Errorf("content disposition = %q", cd)
	}
}

func TestDownloadMediaRefusesRedirectToInternal(t *testing.T) {
	target, hits := hitCounter(t)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL+"/latest/meta-data", http.StatusFound)
	}))
	defer origin.Close()

	ts := newTestServer(t, ServerConfig{})
	ts.srv.guard = allowOnly(origin)

	w := ts.do(http.MethodGet, "/download_media?url="+url.QueryEscape(origin.URL+"/a.png"), "")
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("internal target fetched %d times", n)
	}
	if strings.Contains(w.Body.String(), "internal secret") {
		t.Error("internal response leaked to the client")
	}
}

func TestDownloadMediaRefusesNameResolvingToLoopback(t *testing.T) {
	target, hits := hitCounter(t)
	port := netip.MustParseAddrPort(strings.TrimPrefix(target.URL, "http://")).Port()

	ts := newTestServer(t, ServerConfig{})
	w := ts.do(http.MethodGet, fmt.Sprintf("/download_media?url=http://localhost:%d/a.png", port), "")
	if n := hits.Load(); n != 0 {
		t.Fatalf("loopback target fetched %d times", n)
	}
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestGuardDial(t *testing.T) {
	control := guardDial(refuseInternal)
	tests := []struct {
		addr    string
		refused bool
	}{
		{"127.0.0.1:80", true},
		{"[::1]:443", true},
		{"10.0.0.5:80", true},
		{"192.168.1.1:8080", true},
		{"169.254.169.254:80", true},
		{"[::ffff:127.0.0.1]:80", true},
		{"0.0.0.0:80", true},
		{"93.184.216.34:443", false},
		{"[2606:4700::1111]:443", false},
	}
	for _, tt := range tests {
		err := control("tcp", tt.addr, nil)
		if refused := errors.Is(err, errInternalTarget); refused != tt.refused {
			t.Errorf("%s: err = %v, want refused=%v", tt.addr, err, tt.refused)
		}
	}
	if err := control("tcp", "not-an-address", nil); err == nil {
		t.Error("expected error for unparsable dial address")
	}
}

func TestNewServerRequiresGateway(t *testing.T) {
	if _, err := NewServer(&ServerConfig{}, nil); err == nil {
		t.Error("expected error without gateway")
	}
}
