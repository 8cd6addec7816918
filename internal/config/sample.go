package config

// Sample returns a starter config written by `fallgate init`. Secrets are
// ${VAR} references so the file itself holds no keys.
func Sample() *Config {
	five, two, yes := DefaultFreeImagePerDay, DefaultFreeVideoPerDay, true

	cfg := DefaultConfig()
	cfg.Quota = QuotaConfig{
		FreeImagePerDay:     &five,
		FreeVideoPerDay:     &two,
		PrivilegedUnlimited: &yes,
		Store:               "sqlite",
		SQLitePath:          "~/.fallgate/quota.db",
	}
	cfg.Users = []UserEntry{
		{ID: "owner@example.com", Name: "Owner", Role: "owner"},
	}
	cfg.Providers = ProvidersConfig{
		Text: []ProviderEntry{
			{
				Name: "openrouter", Driver: "openai", Tier: 1,
				BaseURL: "https://openrouter.ai/api/v1",
				Model:   "meta-llama/llama-3.3-70b-instruct:free",
				Credentials: []CredentialEntry{
					{Env: "OPENROUTER_API_KEY", ModelEnv: "OPENROUTER_MODEL"},
				},
			},
			{
				Name: "groq", Driver: "openai", Tier: 2, Tags: []string{"fast"},
				BaseURL:        "https://api.groq.com/openai/v1",
				Model:          "llama-3.3-70b-versatile",
				TimeoutSeconds: 20,
				Credentials:    []CredentialEntry{{Secret: "${GROQ_API_KEY}"}},
			},
			{
				Name: "anthropic", Driver: "anthropic", Tier: 3,
				Model:       "claude-3-5-haiku-latest",
				Credentials: []CredentialEntry{{Secret: "${ANTHROPIC_API_KEY}"}},
			},
		},
		Image: []ProviderEntry{
			{
				Name: "openai-image", Driver: "openai-image", Tier: 1,
				Model:       "dall-e-3",
				Credentials: []CredentialEntry{{Secret: "${OPENAI_API_KEY}"}},
			},
			{
				Name: "pollinations", Driver: "pollinations", Tier: 2,
				BaseURL:     "https://image.pollinations.ai/prompt/",
				Model:       "flux",
				Credentials: []CredentialEntry{{}},
			},
		},
		Video: []ProviderEntry{
			{
				Name: "replicate-video", Driver: "replicate", Tier: 1,
				Model:          "minimax/video-01",
				TimeoutSeconds: 300,
				Credentials:    []CredentialEntry{{Env: "REPLICATE_API_TOKEN"}},
			},
		},
	}
	return cfg
}
