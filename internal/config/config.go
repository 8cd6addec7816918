package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roelfdiedericks/fallgate/internal/logging"
	"github.com/roelfdiedericks/fallgate/internal/paths"
)

// ErrUnknownDriver is returned for a provider descriptor naming a driver that does not exist.
var ErrUnknownDriver = errors.New("unknown provider driver")

// Drivers lists the provider drivers understood by internal/providers.
var Drivers = []string{
	"openai", "anthropic", "gemini", "ollama",
	"openai-image", "xai-image", "pollinations",
	"replicate", "webhook",
}

// Config is the complete fallgate configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server" toml:"server"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging" toml:"logging"`
	Quota     QuotaConfig     `json:"quota" yaml:"quota" toml:"quota"`
	Users     []UserEntry     `json:"users,omitempty" yaml:"users,omitempty" toml:"users,omitempty"`
	Dispatch  DispatchConfig  `json:"dispatch" yaml:"dispatch" toml:"dispatch"`
	Providers ProvidersConfig `json:"providers" yaml:"providers" toml:"providers"`
}

type ServerConfig struct {
	Listen                string `json:"listen" yaml:"listen" toml:"listen"`
	RequestTimeoutSeconds int    `json:"requestTimeoutSeconds" yaml:"requestTimeoutSeconds" toml:"requestTimeoutSeconds"`
	MinTierSliceMs        int    `json:"minTierSliceMs" yaml:"minTierSliceMs" toml:"minTierSliceMs"`
	CallTimeoutSeconds    int    `json:"callTimeoutSeconds" yaml:"callTimeoutSeconds" toml:"callTimeoutSeconds"` // per provider call when the descriptor sets no timeoutSeconds
	MaxBodyBytes          int64  `json:"maxBodyBytes" yaml:"maxBodyBytes" toml:"maxBodyBytes"`
	RateLimitPerMinute    int    `json:"rateLimitPerMinute" yaml:"rateLimitPerMinute" toml:"rateLimitPerMinute"` // per client IP on generation routes; 0 disables
}

type LoggingConfig struct {
	Level string `json:"level" yaml:"level" toml:"level"`
	JSON  bool   `json:"json" yaml:"json" toml:"json"`
}

// QuotaConfig controls daily free-tier limits. Pointer fields distinguish an
// explicit zero from "not set" when merging over defaults.
type QuotaConfig struct {
	FreeImagePerDay     *int   `json:"freeImagePerDay,omitempty" yaml:"freeImagePerDay,omitempty" toml:"freeImagePerDay,omitempty"`
	FreeVideoPerDay     *int   `json:"freeVideoPerDay,omitempty" yaml:"freeVideoPerDay,omitempty" toml:"freeVideoPerDay,omitempty"`
	PrivilegedUnlimited *bool  `json:"privilegedUnlimited,omitempty" yaml:"privilegedUnlimited,omitempty" toml:"privilegedUnlimited,omitempty"`
	Store               string `json:"store" yaml:"store" toml:"store"` // memory, sqlite, redis
	SQLitePath          string `json:"sqlitePath,omitempty" yaml:"sqlitePath,omitempty" toml:"sqlitePath,omitempty"`
	RedisURL            string `json:"redisUrl,omitempty" yaml:"redisUrl,omitempty" toml:"redisUrl,omitempty"`
	Timezone            string `json:"timezone,omitempty" yaml:"timezone,omitempty" toml:"timezone,omitempty"`
}

// ImageLimit returns the daily free image allowance.
func (q QuotaConfig) ImageLimit() int {
	if q.FreeImagePerDay == nil {
		return DefaultFreeImagePerDay
	}
	return *q.FreeImagePerDay
}

// VideoLimit returns the daily free video allowance.
func (q QuotaConfig) VideoLimit() int {
	if q.FreeVideoPerDay == nil {
		return DefaultFreeVideoPerDay
	}
	return *q.FreeVideoPerDay
}

// Unlimited reports whether owner/pro users bypass the limits.
func (q QuotaConfig) Unlimited() bool {
	return q.PrivilegedUnlimited == nil || *q.PrivilegedUnlimited
}

// UserEntry is a configured user. Role is owner, pro or user.
type UserEntry struct {
	ID   string `json:"id" yaml:"id" toml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Role string `json:"role,omitempty" yaml:"role,omitempty" toml:"role,omitempty"`
}

type DispatchConfig struct {
	FastTag          string   `json:"fastTag" yaml:"fastTag" toml:"fastTag"`
	ErrorSignatures  []string `json:"errorSignatures,omitempty" yaml:"errorSignatures,omitempty" toml:"errorSignatures,omitempty"`
	FragmentPatterns []string `json:"fragmentPatterns,omitempty" yaml:"fragmentPatterns,omitempty" toml:"fragmentPatterns,omitempty"`
	GenericMessage   string   `json:"genericMessage,omitempty" yaml:"genericMessage,omitempty" toml:"genericMessage,omitempty"`
	SystemPrompt     string   `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty" toml:"systemPrompt,omitempty"`
}

// ProvidersConfig holds provider descriptors per capability. A capability
// with no descriptors is filled from the environment unless Discover is false.
type ProvidersConfig struct {
	Discover *bool           `json:"discover,omitempty" yaml:"discover,omitempty" toml:"discover,omitempty"`
	Text     []ProviderEntry `json:"text,omitempty" yaml:"text,omitempty" toml:"text,omitempty"`
	Image    []ProviderEntry `json:"image,omitempty" yaml:"image,omitempty" toml:"image,omitempty"`
	Video    []ProviderEntry `json:"video,omitempty" yaml:"video,omitempty" toml:"video,omitempty"`
}

// ProviderEntry describes one provider tier.
type ProviderEntry struct {
	Name           string            `json:"name" yaml:"name" toml:"name"`
	Driver         string            `json:"driver" yaml:"driver" toml:"driver"`
	Tier           int               `json:"tier,omitempty" yaml:"tier,omitempty" toml:"tier,omitempty"`
	Tags           []string          `json:"tags,omitempty" yaml:"tags,omitempty" toml:"tags,omitempty"`
	BaseURL        string            `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty" toml:"baseUrl,omitempty"`
	Model          string            `json:"model,omitempty" yaml:"model,omitempty" toml:"model,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty" toml:"timeoutSeconds,omitempty"`
	Credentials    []CredentialEntry `json:"credentials,omitempty" yaml:"credentials,omitempty" toml:"credentials,omitempty"`
	Options        map[string]string `json:"options,omitempty" yaml:"options,omitempty" toml:"options,omitempty"`
}

// CredentialEntry is one key for a provider. Env names an environment key
// family (NAME, NAME_2, NAME_3, ...) that expands into one credential per set key.
type CredentialEntry struct {
	Secret   string `json:"secret,omitempty" yaml:"secret,omitempty" toml:"secret,omitempty"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty" toml:"model,omitempty"`
	Env      string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
	ModelEnv string `json:"modelEnv,omitempty" yaml:"modelEnv,omitempty" toml:"modelEnv,omitempty"`
}

const (
	DefaultListen          = ":8080"
	DefaultRequestTimeout  = 90
	DefaultMinTierSliceMs  = 500
	DefaultCallTimeout     = 30
	DefaultMaxBodyBytes    = 10 << 20
	DefaultFreeImagePerDay = 5
	DefaultFreeVideoPerDay = 2
)

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:                DefaultListen,
			RequestTimeoutSeconds: DefaultRequestTimeout,
			MinTierSliceMs:        DefaultMinTierSliceMs,
			CallTimeoutSeconds:    DefaultCallTimeout,
			MaxBodyBytes:          DefaultMaxBodyBytes,
		},
		Logging: LoggingConfig{Level: "info"},
		Quota:   QuotaConfig{Store: "sqlite"},
		Dispatch: DispatchConfig{
			FastTag: "fast",
		},
	}
}

// Load reads .env, then the config file at path (or the discovered config
// when path is empty), merges it over the defaults, expands ${VAR}
// references and fills empty capabilities from the environment.
func Load(path string) (*Config, error) {
	loadDotEnv(path)

	cfg := DefaultConfig()

	if path == "" {
		found, err := paths.ConfigPath()
		if err != nil {
			return nil, err
		}
		path = found
	}

	if path != "" {
		expanded, err := paths.ExpandTilde(path)
		if err != nil {
			return nil, err
		}
		file, err := readFile(expanded)
		if err != nil {
			return nil, err
		}
		if err := mergo.Merge(cfg, *file, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
		logging.L_debug("config: loaded", "path", path)
	} else {
		logging.L_debug("config: no config file, using defaults and environment")
	}

	cfg.expand(os.LookupEnv)

	if cfg.Providers.Discover == nil || *cfg.Providers.Discover {
		cfg.Providers.discover(os.LookupEnv)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks provider drivers and quota store names.
func (c *Config) Validate() error {
	for _, group := range [][]ProviderEntry{c.Providers.Text, c.Providers.Image, c.Providers.Video} {
		for _, p := range group {
			if !KnownDriver(p.Driver) {
				return fmt.Errorf("provider %q: %w: %q", p.Name, ErrUnknownDriver, p.Driver)
			}
		}
	}
	switch c.Quota.Store {
	case "", "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("quota: unknown store %q", c.Quota.Store)
	}
	if c.Quota.Store == "redis" && c.Quota.RedisURL == "" {
		return fmt.Errorf("quota: redis store needs redisUrl")
	}
	return nil
}

// KnownDriver reports whether name is a supported driver.
func KnownDriver(name string) bool {
	for _, d := range Drivers {
		if d == name {
			return true
		}
	}
	return false
}

func loadDotEnv(configPath string) {
	candidates := []string{".env"}
	if configPath != "" {
		if expanded, err := paths.ExpandTilde(configPath); err == nil {
			candidates = append(candidates, filepath.Join(filepath.Dir(expanded), ".env"))
		}
	}
	seen := map[string]bool{}
	for _, f := range candidates {
		abs, err := filepath.Abs(f)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		// godotenv.Load never overrides variables that are already set
		if err := godotenv.Load(abs); err != nil {
			logging.L_warn("config: failed to load env file", "path", abs, "error", err)
			continue
		}
		logging.L_debug("config: loaded env file", "path", abs)
	}
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	file := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, file)
	case ".toml":
		err = toml.Unmarshal(data, file)
	default:
		err = json.Unmarshal(data, file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return file, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandRefs replaces ${VAR} references. Unset variables expand to "".
func expandRefs(s string, lookup func(string) (string, bool)) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		v, _ := lookup(envRef.FindStringSubmatch(m)[1])
		return v
	})
}

func (c *Config) expand(lookup func(string) (string, bool)) {
	c.Quota.RedisURL = expandRefs(c.Quota.RedisURL, lookup)
	c.Quota.SQLitePath = expandRefs(c.Quota.SQLitePath, lookup)
	for _, group := range []*[]ProviderEntry{&c.Providers.Text, &c.Providers.Image, &c.Providers.Video} {
		for i := range *group {
			(*group)[i].expand(lookup)
		}
	}
}

func (p *ProviderEntry) expand(lookup func(string) (string, bool)) {
	p.BaseURL = expandRefs(p.BaseURL, lookup)
	p.Model = expandRefs(p.Model, lookup)

	var creds []CredentialEntry
	for _, c := range p.Credentials {
		if c.Env != "" {
			creds = append(creds, EnvFamily(c.Env, c.ModelEnv, lookup)...)
			continue
		}
		ref := strings.Contains(c.Secret, "${")
		c.Secret = expandRefs(c.Secret, lookup)
		c.Model = expandRefs(c.Model, lookup)
		if ref && c.Secret == "" {
			logging.L_debug("config: credential reference is unset, skipping", "provider", p.Name)
			continue
		}
		creds = append(creds, c)
	}
	p.Credentials = creds
}

// EnvFamily collects the set members of NAME, NAME_2 ... NAME_20 in order.
// modelEnv, when set, supplies the per-key model from the matching member of
// its own family.
func EnvFamily(name, modelEnv string, lookup func(string) (string, bool)) []CredentialEntry {
	var out []CredentialEntry
	for i := 1; i <= maxFamily; i++ {
		key, ok := lookup(familyKey(name, i))
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		cred := CredentialEntry{Secret: key}
		if modelEnv != "" {
			if m, ok := lookup(familyKey(modelEnv, i)); ok {
				cred.Model = strings.TrimSpace(m)
			}
		}
		out = append(out, cred)
	}
	return out
}

const maxFamily = 20

func familyKey(name string, i int) string {
	if i == 1 {
		return name
	}
	return fmt.Sprintf("%s_%d", name, i)
}

// Entries returns descriptors for a capability name (text, image, video).
func (p *ProvidersConfig) Entries(capability string) []ProviderEntry {
	switch capability {
	case "text":
		return p.Text
	case "image":
		return p.Image
	case "video":
		return p.Video
	}
	return nil
}
