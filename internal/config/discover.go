package config

import (
	"strings"

	"github.com/roelfdiedericks/fallgate/internal/logging"
)

// envProvider is a provider that can be assembled from environment keys alone.
type envProvider struct {
	entry    ProviderEntry
	keyEnv   string // key family, see EnvFamily
	modelEnv string
	urlEnv   string // optional base URL override
	enable   string // keyless providers are added only when this is "true"
}

// Discovery tables, in failover order. Free and fast OpenAI-compatible hosts
// come first, then vendor SDKs, then self-hosted endpoints.
var (
	textDiscovery = []envProvider{
		{entry: ProviderEntry{Name: "openrouter", Driver: "openai", BaseURL: "https://openrouter.ai/api/v1", Model: "meta-llama/llama-3.3-70b-instruct:free"}, keyEnv: "OPENROUTER_API_KEY", modelEnv: "OPENROUTER_MODEL"},
		{entry: ProviderEntry{Name: "gemini", Driver: "gemini", Model: "gemini-2.0-flash", Tags: []string{"fast"}}, keyEnv: "GEMINI_API_KEY", modelEnv: "GEMINI_MODEL"},
		{entry: ProviderEntry{Name: "groq", Driver: "openai", BaseURL: "https://api.groq.com/openai/v1", Model: "llama-3.3-70b-versatile", Tags: []string{"fast"}}, keyEnv: "GROQ_API_KEY", modelEnv: "GROQ_MODEL"},
		{entry: ProviderEntry{Name: "github-models", Driver: "openai", BaseURL: "https://models.inference.ai.azure.com", Model: "gpt-4o-mini"}, keyEnv: "GITHUB_ACCESS_TOKEN", modelEnv: "GITHUB_MODEL"},
		{entry: ProviderEntry{Name: "anthropic", Driver: "anthropic", Model: "claude-3-5-haiku-latest"}, keyEnv: "ANTHROPIC_API_KEY", modelEnv: "ANTHROPIC_MODEL"},
		{entry: ProviderEntry{Name: "chutes", Driver: "openai", BaseURL: "https://llm.chutes.ai/v1", Model: "deepseek-ai/DeepSeek-V3"}, keyEnv: "CHUTES_API_KEY", modelEnv: "CHUTES_MODEL", urlEnv: "CHUTES_BASE_URL"},
		{entry: ProviderEntry{Name: "bytez", Driver: "openai", BaseURL: "https://api.bytez.com/models/v2/openai/v1", Model: "deepseek-ai/DeepSeek-V3"}, keyEnv: "BYTEZ_API_KEY", modelEnv: "BYTEZ_MODEL"},
		{entry: ProviderEntry{Name: "ollama", Driver: "ollama", BaseURL: "https://ollama.com", Model: "deepseek-v3.1:671b"}, keyEnv: "OLLAMA_API_KEY", modelEnv: "OLLAMA_MODEL", urlEnv: "OLLAMA_BASE_URL", enable: "OLLAMA_ENABLED"},
	}

	imageDiscovery = []envProvider{
		{entry: ProviderEntry{Name: "openai-image", Driver: "openai-image", Model: "dall-e-3"}, keyEnv: "OPENAI_API_KEY", modelEnv: "OPENAI_IMAGE_MODEL"},
		{entry: ProviderEntry{Name: "xai-image", Driver: "xai-image", Model: "grok-2-image"}, keyEnv: "XAI_API_KEY", modelEnv: "XAI_IMAGE_MODEL"},
		{entry: ProviderEntry{Name: "replicate-image", Driver: "replicate", Model: "black-forest-labs/flux-schnell"}, keyEnv: "REPLICATE_API_TOKEN", modelEnv: "REPLICATE_IMAGE_MODEL"},
		{entry: ProviderEntry{Name: "pollinations", Driver: "pollinations", BaseURL: "https://image.pollinations.ai/prompt/", Model: "flux", Tags: []string{"fast"}}, keyEnv: "POLLINATIONS_API_KEY", enable: "POLLINATIONS_ENABLED"},
	}

	videoDiscovery = []envProvider{
		{entry: ProviderEntry{Name: "replicate-video", Driver: "replicate", Model: "minimax/video-01", TimeoutSeconds: 300}, keyEnv: "REPLICATE_API_TOKEN", modelEnv: "REPLICATE_MODEL"},
		{entry: ProviderEntry{Name: "video-webhook", Driver: "webhook", TimeoutSeconds: 300}, keyEnv: "VIDEO_WEBHOOK_TOKEN", urlEnv: "VIDEO_WEBHOOK_URL"},
	}
)

// discover fills every empty capability from the environment.
func (p *ProvidersConfig) discover(lookup func(string) (string, bool)) {
	if len(p.Text) == 0 {
		p.Text = discoverFrom(textDiscovery, lookup)
	}
	if len(p.Image) == 0 {
		p.Image = discoverFrom(imageDiscovery, lookup)
	}
	if len(p.Video) == 0 {
		p.Video = discoverFrom(videoDiscovery, lookup)
	}
}

func discoverFrom(table []envProvider, lookup func(string) (string, bool)) []ProviderEntry {
	var out []ProviderEntry
	for _, ep := range table {
		e := ep.entry
		e.Tags = append([]string(nil), ep.entry.Tags...)

		if ep.urlEnv != "" {
			if u, ok := lookup(ep.urlEnv); ok && strings.TrimSpace(u) != "" {
				e.BaseURL = strings.TrimSpace(u)
			} else if e.BaseURL == "" {
				continue
			}
		}

		e.Credentials = EnvFamily(ep.keyEnv, ep.modelEnv, lookup)
		if len(e.Credentials) == 0 && ep.enable != "" {
			if v, ok := lookup(ep.enable); ok && strings.EqualFold(strings.TrimSpace(v), "true") {
				e.Credentials = []CredentialEntry{{}}
			}
		}
		if len(e.Credentials) == 0 {
			continue
		}

		e.Tier = len(out) + 1
		out = append(out, e)
		logging.L_debug("config: discovered provider", "name", e.Name, "driver", e.Driver, "tier", e.Tier, "keys", len(e.Credentials))
	}
	return out
}
