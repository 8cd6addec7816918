package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/roelfdiedericks/fallgate/internal/dispatch"
	. "github.com/roelfdiedericks/fallgate/internal/logging"
	"github.com/roelfdiedericks/fallgate/internal/types"
)

const (
	defaultReplicateURL  = "https://api.replicate.com/v1"
	defaultReplicatePoll = 2 * time.Second
)

type replicatePrediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  interface{}     `json:"error"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

// Replicate runs a model prediction and polls until it settles.
// Used for both image and video models.
type Replicate struct {
	Name         string
	BaseURL      string
	Model        string // owner/name
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// Invoke creates a prediction and returns its final JSON (output holds the media URL).
func (r *Replicate) Invoke(ctx context.Context, req *types.Request, cred dispatch.Credential) ([]byte, error) {
	base := r.BaseURL
	if base == "" {
		base = defaultReplicateURL
	}
	base = strings.TrimSuffix(base, "/")
	headers := map[string]string{
		"Authorization": bearer(cred.Secret),
		"Prefer":        "wait=30",
	}

	input := map[string]interface{}{"prompt": req.Prompt}
	if img := imageAttachment(req); img != nil {
		input["first_frame_image"] = dataURL(img)
	}

	model := modelFor(cred, r.Model)
	raw, err := doJSON(ctx, r.HTTPClient, r.Name, http.MethodPost, base+"/models/"+model+"/predictions", headers, map[string]interface{}{"input": input})
	if err != nil {
		return nil, err
	}

	interval := r.PollInterval
	if interval <= 0 {
		interval = defaultReplicatePoll
	}
	delete(headers, "Prefer")

	for {
		var pred replicatePrediction
		if err := json.Unmarshal(raw, &pred); err != nil {
			return nil, dispatch.NewMalformed(dispatch.ReasonFormat, fmt.Sprintf("%s: decode prediction: %v", r.Name, err))
		}

		switch pred.Status {
		case "succeeded":
			L_debug("replicate: prediction succeeded", "provider", r.Name, "id", pred.ID)
			return raw, nil
		case "failed", "canceled":
			return nil, dispatch.NewMalformed(dispatch.ReasonNoMedia, fmt.Sprintf("%s: prediction %s %s: %v", r.Name, pred.ID, pred.Status, pred.Error))
		}
		if pred.URLs.Get == "" {
			return nil, dispatch.NewMalformed(dispatch.ReasonFormat, r.Name+": prediction has no poll URL")
		}

		L_trace("replicate: waiting", "provider", r.Name, "id", pred.ID, "status", pred.Status)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: prediction %s still %s: %w", r.Name, pred.ID, pred.Status, ctx.Err())
		case <-time.After(interval):
		}

		raw, err = doJSON(ctx, r.HTTPClient, r.Name, http.MethodGet, pred.URLs.Get, headers, nil)
		if err != nil {
			return nil, err
		}
	}
}
