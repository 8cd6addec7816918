package providers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/roelfdiedericks/fallgate/internal/config"
	"github.com/roelfdiedericks/fallgate/internal/dispatch"
	. "github.com/roelfdiedericks/fallgate/internal/logging"
	"github.com/roelfdiedericks/fallgate/internal/types"
)

// Build converts every configured descriptor into a dispatch.Provider.
// Descriptors without credentials are skipped with a warning.
func Build(cfg *config.Config) ([]*dispatch.Provider, error) {
	system := cfg.Dispatch.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}
	hc := &http.Client{} // per-call deadlines come from ctx

	var out []*dispatch.Provider
	for _, c := range types.Capabilities {
		for _, e := range cfg.Providers.Entries(c.String()) {
			if len(e.Credentials) == 0 {
				L_warn("providers: no credentials, skipping", "provider", e.Name, "capability", c)
				continue
			}
			inv, err := NewInvoker(c, e, system, hc)
			if err != nil {
				return nil, err
			}
			p := &dispatch.Provider{
				Name:        e.Name,
				Capability:  c,
				Tier:        e.Tier,
				Tags:        e.Tags,
				Credentials: credentials(e.Credentials),
				Timeout:     time.Duration(e.TimeoutSeconds) * time.Second,
				Invoker:     inv,
			}
			out = append(out, p)
			L_debug("providers: built", "provider", p.Name, "driver", e.Driver, "capability", c, "tier", p.Tier, "keys", len(p.Credentials))
		}
	}
	return out, nil
}

// Register builds the configured providers and adds them to reg.
func Register(reg *dispatch.Registry, cfg *config.Config) error {
	provs, err := Build(cfg)
	if err != nil {
		return err
	}
	for _, p := range provs {
		if err := reg.Register(p); err != nil {
			return fmt.Errorf("register %s: %w", p.Name, err)
		}
	}
	return nil
}

// NewInvoker returns the adapter for one descriptor. Text providers with a
// contextWindow option are wrapped in a ContextGuard.
func NewInvoker(c types.Capability, e config.ProviderEntry, system string, hc *http.Client) (dispatch.Invoker, error) {
	inv, err := newAdapter(c, e, system, hc)
	if err != nil {
		return nil, err
	}
	if window := optInt(e, "contextWindow"); window > 0 && c == types.TextCompletion {
		reserve := optInt(e, "replyReserve")
		if reserve <= 0 {
			reserve = optInt(e, "maxTokens")
		}
		return &ContextGuard{Name: e.Name, Window: window, Reserve: reserve, Next: inv}, nil
	}
	return inv, nil
}

func newAdapter(c types.Capability, e config.ProviderEntry, system string, hc *http.Client) (dispatch.Invoker, error) {
	if !driverServes(e.Driver, c) {
		return nil, fmt.Errorf("provider %q: driver %q cannot serve %s requests", e.Name, e.Driver, c)
	}

	switch e.Driver {
	case "openai":
		return &OpenAIChat{
			Name: e.Name, BaseURL: e.BaseURL, Model: e.Model, SystemPrompt: system,
			JSONMode: optBool(e, "jsonMode"), MaxTokens: optInt(e, "maxTokens"), HTTPClient: hc,
		}, nil
	case "anthropic":
		return &AnthropicChat{
			Name: e.Name, BaseURL: e.BaseURL, Model: e.Model, SystemPrompt: system,
			MaxTokens: optInt(e, "maxTokens"), HTTPClient: hc,
		}, nil
	case "gemini":
		return &GeminiChat{Name: e.Name, BaseURL: e.BaseURL, Model: e.Model, SystemPrompt: system, HTTPClient: hc}, nil
	case "ollama":
		return &OllamaChat{
			Name: e.Name, BaseURL: e.BaseURL, Model: e.Model, SystemPrompt: system,
			JSONMode: optBool(e, "jsonMode"), HTTPClient: hc,
		}, nil
	case "openai-image":
		return &OpenAIImage{Name: e.Name, BaseURL: e.BaseURL, Model: e.Model, Size: e.Options["size"], HTTPClient: hc}, nil
	case "xai-image":
		return &XAIImage{Name: e.Name, Model: e.Model, Timeout: time.Duration(e.TimeoutSeconds) * time.Second}, nil
	case "pollinations":
		return &Pollinations{
			Name: e.Name, BaseURL: e.BaseURL, Model: e.Model,
			Width: optInt(e, "width"), Height: optInt(e, "height"),
			PromptTemplate: e.Options["promptTemplate"], HTTPClient: hc,
		}, nil
	case "replicate":
		return &Replicate{
			Name: e.Name, BaseURL: e.BaseURL, Model: e.Model,
			PollInterval: time.Duration(optInt(e, "pollIntervalMs")) * time.Millisecond, HTTPClient: hc,
		}, nil
	case "webhook":
		if e.BaseURL == "" {
			return nil, fmt.Errorf("provider %q: webhook needs baseUrl", e.Name)
		}
		return &Webhook{Name: e.Name, URL: e.BaseURL, Model: e.Model, Headers: headerOptions(e), HTTPClient: hc}, nil
	}
	return nil, fmt.Errorf("provider %q: %w: %q", e.Name, config.ErrUnknownDriver, e.Driver)
}

// driverServes reports whether driver can handle capability c.
// Unknown drivers pass so NewInvoker reports ErrUnknownDriver.
func driverServes(driver string, c types.Capability) bool {
	switch driver {
	case "openai", "anthropic", "gemini", "ollama":
		return c == types.TextCompletion
	case "openai-image", "xai-image", "pollinations":
		return c == types.ImageGeneration
	case "replicate":
		return c.IsMedia()
	}
	return true
}

func credentials(entries []config.CredentialEntry) []dispatch.Credential {
	out := make([]dispatch.Credential, 0, len(entries))
	for _, e := range entries {
		out = append(out, dispatch.Credential{Secret: e.Secret, Model: e.Model})
	}
	return out
}

func optBool(e config.ProviderEntry, key string) bool {
	v, _ := strconv.ParseBool(e.Options[key])
	return v
}

func optInt(e config.ProviderEntry, key string) int {
	v, _ := strconv.Atoi(e.Options[key])
	return v
}

// headerOptions collects options named header.<Name> as request headers.
func headerOptions(e config.ProviderEntry) map[string]string {
	h := map[string]string{}
	for k, v := range e.Options {
		if name, ok := strings.CutPrefix(k, "header."); ok && name != "" {
			h[name] = v
		}
	}
	return h
}
