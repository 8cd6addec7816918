package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/roelfdiedericks/fallgate/internal/types"
)

// generateRequest is the body accepted by /chat and the generation routes.
// prompt/message and email/userKey are aliases kept for older clients.
type generateRequest struct {
	Prompt   string    `json:"prompt"`
	Message  string    `json:"message"`
	Email    string    `json:"email"`
	UserKey  string    `json:"userKey"`
	Mode     string    `json:"mode"`
	Fast     bool      `json:"fast"`
	FileData *fileData `json:"file_data"`
}

type fileData struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Data   string `json:"data"`
	IsText bool   `json:"isText"`
}

var errBadAttachment = errors.New("file_data could not be decoded")

func decodeRequest(r *http.Request) (*generateRequest, error) {
	var req generateRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return &req, nil
}

// toRequest converts the wire body into a dispatch request.
func (g *generateRequest) toRequest(c types.Capability, id string) (*types.Request, error) {
	prompt := g.Prompt
	if prompt == "" {
		prompt = g.Message
	}
	userKey := g.Email
	if userKey == "" {
		userKey = g.UserKey
	}

	req := &types.Request{
		ID:         id,
		Capability: c,
		Prompt:     strings.TrimSpace(prompt),
		UserKey:    userKey,
	}
	if g.Fast || strings.EqualFold(strings.TrimSpace(g.Mode), string(types.ModeFast)) {
		req.Modes = []types.Mode{types.ModeFast}
	}

	if g.FileData != nil && g.FileData.Data != "" {
		att, err := g.FileData.attachment()
		if err != nil {
			return nil, err
		}
		req.Attachment = att
	}
	return req, nil
}

// attachment decodes file_data. Text files arrive verbatim; everything else
// is base64, optionally as a data: URL. A missing type is sniffed.
func (f *fileData) attachment() (*types.Attachment, error) {
	att := &types.Attachment{Name: f.Name, MimeType: f.Type}
	if f.IsText {
		att.Text = f.Data
		if att.MimeType == "" {
			att.MimeType = "text/plain"
		}
		return att, nil
	}

	payload := f.Data
	if strings.HasPrefix(payload, "data:") {
		header, rest, ok := strings.Cut(payload, ",")
		if !ok || !strings.HasSuffix(header, ";base64") {
			return nil, errBadAttachment
		}
		if att.MimeType == "" {
			att.MimeType = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		}
		payload = rest
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(payload); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadAttachment, err)
		}
	}
	att.Data = data

	if att.MimeType == "" || att.MimeType == "application/octet-stream" {
		att.MimeType = mimetype.Detect(data).String()
	}
	// sniffed types can carry parameters, e.g. "text/plain; charset=utf-8"
	if base, _, ok := strings.Cut(att.MimeType, ";"); ok {
		att.MimeType = strings.TrimSpace(base)
	}
	return att, nil
}
