package http

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/roelfdiedericks/fallgate/internal/dispatch"
	"github.com/roelfdiedericks/fallgate/internal/gateway"
	. "github.com/roelfdiedericks/fallgate/internal/logging"
	"github.com/roelfdiedericks/fallgate/internal/metrics"
	"github.com/roelfdiedericks/fallgate/internal/types"
)

// envelopeResponse is the boundary envelope as sent on the wire.
type envelopeResponse struct {
	Text           string  `json:"text"`
	Mood           string  `json:"mood"`
	Succeeded      bool    `json:"succeeded"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
	RequestID      string  `json:"requestId,omitempty"`
	Provider       string  `json:"provider,omitempty"`
	QuotaExceeded  bool    `json:"quotaExceeded,omitempty"`
}

func newEnvelopeResponse(r *gateway.Reply) envelopeResponse {
	return envelopeResponse{
		Text:           r.Text,
		Mood:           r.Mood,
		Succeeded:      r.Succeeded,
		ElapsedSeconds: r.ElapsedSeconds,
		RequestID:      r.RequestID,
		Provider:       r.Provider,
		QuotaExceeded:  r.QuotaExceeded,
	}
}

// chatResponse adds the response/emotion/time_taken aliases.
type chatResponse struct {
	envelopeResponse
	Response  string  `json:"response"`
	Emotion   string  `json:"emotion"`
	TimeTaken float64 `json:"time_taken"`
}

// mediaResponse adds url plus the success/image_url/video_url aliases.
type mediaResponse struct {
	envelopeResponse
	URL      string `json:"url,omitempty"`
	Success  bool   `json:"success"`
	ImageURL string `json:"image_url,omitempty"`
	VideoURL string `json:"video_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L_debug("http: failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// serve decodes the body, runs the gateway and returns the reply.
// It writes the error response itself and returns nil on failure.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, c types.Capability) *gateway.Reply {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return nil
	}

	body, err := decodeRequest(r)
	if err != nil {
		L_warn("http: bad request", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return nil
	}
	req, err := body.toRequest(c, getRequestID(r))
	if err != nil {
		L_warn("http: bad attachment", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return nil
	}

	reply, err := s.gw.Handle(r.Context(), req)
	if errors.Is(err, gateway.ErrEmptyPrompt) {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return nil
	}
	if err != nil {
		// Handle only fails on validation; keep the body caller-safe anyway
		L_error("http: gateway error", "path", r.URL.Path, "error", err)
		reply = &gateway.Reply{Envelope: types.Apology(c), RequestID: req.ID}
	}
	return reply
}

func statusFor(reply *gateway.Reply) int {
	if reply.QuotaExceeded {
		return http.StatusTooManyRequests
	}
	return http.StatusOK
}

// handleChat handles POST /chat
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	reply := s.serve(w, r, types.TextCompletion)
	if reply == nil {
		return
	}
	resp := chatResponse{
		envelopeResponse: newEnvelopeResponse(reply),
		Response:         reply.Text,
		Emotion:          reply.Mood,
		TimeTaken:        reply.ElapsedSeconds,
	}
	writeJSON(w, statusFor(reply), resp)
}

// handleGenerate handles POST /generate_image and /generate_video
func (s *Server) handleGenerate(c types.Capability) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply := s.serve(w, r, c)
		if reply == nil {
			return
		}
		resp := mediaResponse{envelopeResponse: newEnvelopeResponse(reply), Success: reply.Succeeded}
		if reply.Succeeded {
			resp.URL = reply.Text
			if c == types.VideoGeneration {
				resp.VideoURL = reply.Text
			} else {
				resp.ImageURL = reply.Text
			}
		} else {
			resp.Error = reply.Text
		}
		writeJSON(w, statusFor(reply), resp)
	}
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]int, len(types.Capabilities))
	for _, c := range types.Capabilities {
		counts[c.String()] = len(s.gw.Providers(c, false))
	}
	writeJSON(w, http.StatusOK, struct {
		Status    string         `json:"status"`
		Uptime    string         `json:"uptime"`
		Providers map[string]int `json:"providers"`
		Timestamp time.Time      `json:"timestamp"`
	}{
		Status:    "up",
		Uptime:    s.gw.Uptime().Round(time.Second).String(),
		Providers: counts,
		Timestamp: time.Now(),
	})
}

type providerInfo struct {
	Name   string                   `json:"name"`
	Tier   int                      `json:"tier"`
	Tags   []string                 `json:"tags,omitempty"`
	Creds  int                      `json:"credentials"`
	Health *metrics.SuccessFailData `json:"health,omitempty"`
}

func providerInfos(list []*dispatch.Provider) []providerInfo {
	m := metrics.GetInstance()
	out := make([]providerInfo, 0, len(list))
	for _, p := range list {
		info := providerInfo{Name: p.Name, Tier: p.Tier, Tags: p.Tags, Creds: len(p.Credentials)}
		if snap, ok := m.Find("tier/"+p.Name, metrics.KindSuccessFail); ok {
			if h, ok := snap.Data.(metrics.SuccessFailData); ok {
				info.Health = &h
			}
		}
		out = append(out, info)
	}
	return out
}

// handleProviders handles GET /api/providers - tier order per capability
func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	type views struct {
		Normal []providerInfo `json:"normal"`
		Fast   []providerInfo `json:"fast"`
	}
	out := make(map[string]views, len(types.Capabilities))
	for _, c := range types.Capabilities {
		out[c.String()] = views{
			Normal: providerInfos(s.gw.Providers(c, false)),
			Fast:   providerInfos(s.gw.Providers(c, true)),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleQuota handles GET /api/quota?user=&kind=
func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userKey := q.Get("user")
	if userKey == "" {
		userKey = q.Get("email")
	}
	if strings.TrimSpace(userKey) == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}

	kind := types.ResourceImage
	if k := q.Get("kind"); k != "" {
		c, err := types.ParseCapability(k)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		rk, metered := c.Resource()
		if !metered {
			writeError(w, http.StatusBadRequest, "kind must be image or video")
			return
		}
		kind = rk
	}

	usage, err := s.gw.Usage(r.Context(), userKey, kind)
	if err != nil {
		L_error("http: quota lookup failed", "user", userKey, "kind", kind, "error", err)
		writeError(w, http.StatusServiceUnavailable, "quota store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// handleMetricsAPI handles GET /api/metrics
func (s *Server) handleMetricsAPI(w http.ResponseWriter, r *http.Request) {
	m := metrics.GetInstance()
	writeJSON(w, http.StatusOK, struct {
		Uptime  string             `json:"uptime"`
		Metrics []metrics.Snapshot `json:"metrics"`
	}{
		Uptime:  m.Uptime().Round(time.Second).String(),
		Metrics: m.Snapshot(),
	})
}

const sniffLen = 3072

// handleDownload handles GET /download_media?url= - fetches a generated
// file and returns it as an attachment, redirecting when the fetch fails.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "url must be http or https")
		return
	}
	if addr, ok := literalTarget(u.Hostname(), u.Port(), u.Scheme); ok && s.guard(addr) != nil {
		L_warn("http: download refused for internal host", "host", u.Hostname())
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u.String(), nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.fetch.Do(req)
	if errors.Is(err, errInternalTarget) {
		L_warn("http: download refused after resolving", "url", u.Redacted(), "error", err)
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}
	if err != nil || resp.StatusCode != http.StatusOK {
		if resp != nil {
			resp.Body.Close()
		}
		L_warn("http: download fetch failed, redirecting", "url", u.Redacted(), "error", err)
		http.Redirect(w, r, u.String(), http.StatusFound)
		return
	}
	defer resp.Body.Close()

	br := bufio.NewReaderSize(resp.Body, sniffLen)
	head, _ := br.Peek(sniffLen)
	mt := mimetype.Detect(head)

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = mt.String()
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "fallgate-download" + mt.Extension()
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+strings.ReplaceAll(name, `"`, "")+`"`)
	if n, err := io.Copy(w, br); err != nil {
		L_debug("http: download copy interrupted", "bytes", n, "error", err)
	}
}
