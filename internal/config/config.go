// Package config handles Gestella configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/gestella/config.yaml, /etc/gestella/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "gestella", "config.yaml"))
	}

	paths = append(paths, "/etc/gestella/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Gestella configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
	Logging       LoggingConfig       `yaml:"logging"`
	Persona       PersonaConfig       `yaml:"persona"`
	Models        ModelsConfig        `yaml:"models"`
	Anthropic     AnthropicConfig     `yaml:"anthropic"`
	OpenAI        OpenAIConfig        `yaml:"openai"`
	Embeddings    EmbeddingsConfig    `yaml:"embeddings"`
	Memory        MemoryConfig        `yaml:"memory"`
	Store         StoreConfig         `yaml:"store"`
	Agent         AgentConfig         `yaml:"agent"`
	Checkpoint    CheckpointConfig    `yaml:"checkpoint"`
	Calendar      CalendarConfig      `yaml:"calendar"`
	Auth          AuthConfig          `yaml:"auth"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Transcription TranscriptionConfig `yaml:"transcription"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// LoggingConfig controls log output beyond the level.
type LoggingConfig struct {
	// Format is "text" (default) or "json" for the stdout handler.
	Format string `yaml:"format"`
	// File, when set, receives a JSON copy of every log record.
	File string `yaml:"file"`
}

// PersonaConfig describes the assistant's identity and the principal it
// serves. Rendered into the system directive on every turn.
type PersonaConfig struct {
	AssistantName string   `yaml:"assistant_name"`
	PrincipalName string   `yaml:"principal_name"`
	Location      string   `yaml:"location"`
	Timezone      string   `yaml:"timezone"` // IANA name, e.g. Asia/Singapore
	Personality   string   `yaml:"personality"`
	Language      string   `yaml:"language"`
	ExtraRules    []string `yaml:"extra_rules"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`

	// RequestsPerMinute caps outbound model calls across all
	// conversations. Zero disables limiting.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic, openai
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an API key is present.
func (c AnthropicConfig) Configured() bool { return c.APIKey != "" }

// OpenAIConfig defines settings for the OpenAI API (chat, embeddings,
// and Whisper transcription). BaseURL allows compatible gateways.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether an API key is present.
func (c OpenAIConfig) Configured() bool { return c.APIKey != "" }

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"` // ollama (default) or openai
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"baseurl"` // Ollama URL (defaults to models.ollama_url)
}

// MemoryConfig tunes the long-term memory tools.
type MemoryConfig struct {
	MatchThreshold float64 `yaml:"match_threshold"`
	MatchCount     int     `yaml:"match_count"`
}

// StoreConfig selects the conversation store backend.
type StoreConfig struct {
	// Backend is "sqlite" (default) or "memory". The memory backend
	// loses history on restart unless a checkpoint is restored.
	Backend string `yaml:"backend"`
}

// AgentConfig bounds the orchestration loop.
type AgentConfig struct {
	MaxSteps       int `yaml:"max_steps"`
	ToolTimeoutSec int `yaml:"tool_timeout_sec"`
	// ModelRetries is nil when unset; an explicit 0 disables retries.
	ModelRetries   *int `yaml:"model_retries"`
	RetryBackoffMs int  `yaml:"retry_backoff_ms"`

	// MeetingPrefixChars is the transcript length above which a voice
	// message is routed to meeting analysis.
	MeetingPrefixChars int `yaml:"meeting_prefix_chars"`
}

// ToolTimeout returns the per-tool timeout as a duration.
func (c AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSec) * time.Second
}

// Retries returns how often an unavailable model is retried per step,
// defaulting to 1.
func (c AgentConfig) Retries() int {
	if c.ModelRetries == nil {
		return 1
	}
	return *c.ModelRetries
}

// RetryBackoff returns the initial model retry backoff as a duration.
func (c AgentConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// CheckpointConfig controls conversation snapshots.
type CheckpointConfig struct {
	EveryTurns     int  `yaml:"every_turns"` // 0 disables periodic checkpoints
	Keep           int  `yaml:"keep"`
	RestoreOnStart bool `yaml:"restore_on_start"`
}

// CalendarConfig points at a CalDAV server. Username/Password are used
// when the auth gate is disabled; otherwise each conversation's OAuth
// token authorizes requests.
type CalendarConfig struct {
	URL          string `yaml:"url"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	CalendarPath string `yaml:"calendar_path"` // optional; discovered when empty
}

// Configured reports whether a CalDAV endpoint is set.
func (c CalendarConfig) Configured() bool { return c.URL != "" }

// AuthConfig defines the OAuth authorization-code flow used to obtain
// calendar credentials per conversation.
type AuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
}

// MQTTConfig defines the broker that receives turn events.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`

	// AcceptAsk subscribes to <prefix>/ask so other devices can start
	// turns over MQTT. Replies go to <prefix>/reply/<conversation>.
	AcceptAsk bool `yaml:"accept_ask"`
	// AskRateLimit caps inbound ask messages per minute (default 30).
	AskRateLimit int `yaml:"ask_rate_limit"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// TranscriptionConfig controls speech-to-text for voice messages.
type TranscriptionConfig struct {
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

// Load reads configuration from a YAML file, expands ${VAR} references,
// applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, suitable
// for tests and the ask command when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Persona.AssistantName == "" {
		c.Persona.AssistantName = "Gestella"
	}
	if c.Persona.PrincipalName == "" {
		c.Persona.PrincipalName = "Sir"
	}
	if c.Persona.Location == "" {
		c.Persona.Location = "Singapore (GMT+8)"
	}
	if c.Persona.Timezone == "" {
		c.Persona.Timezone = "Asia/Singapore"
	}

	defaultProvider := "ollama"
	if c.OpenAI.Configured() {
		defaultProvider = "openai"
	}
	if c.Models.Default == "" {
		c.Models.Default = "qwen3:4b"
		if defaultProvider == "openai" {
			c.Models.Default = "gpt-4o"
		}
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	listed := false
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = defaultProvider
		}
		if c.Models.Available[i].Name == c.Models.Default {
			listed = true
		}
	}
	if !listed {
		c.Models.Available = append(c.Models.Available, ModelConfig{Name: c.Models.Default, Provider: defaultProvider})
	}

	if c.Embeddings.Provider == "" {
		c.Embeddings.Provider = "ollama"
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = c.Models.OllamaURL
	}

	if c.Memory.MatchThreshold == 0 {
		c.Memory.MatchThreshold = 0.1
	}
	if c.Memory.MatchCount == 0 {
		c.Memory.MatchCount = 5
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}

	if c.Agent.MaxSteps == 0 {
		c.Agent.MaxSteps = 8
	}
	if c.Agent.ToolTimeoutSec == 0 {
		c.Agent.ToolTimeoutSec = 60
	}
	if c.Agent.RetryBackoffMs == 0 {
		c.Agent.RetryBackoffMs = 500
	}
	if c.Agent.MeetingPrefixChars == 0 {
		c.Agent.MeetingPrefixChars = 500
	}

	if c.Checkpoint.Keep == 0 {
		c.Checkpoint.Keep = 10
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "gestella"
	}
	if c.MQTT.AskRateLimit == 0 {
		c.MQTT.AskRateLimit = 30
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "gestella"
	}

	if c.Transcription.Model == "" {
		c.Transcription.Model = "whisper-1"
	}
	if c.Transcription.Language == "" {
		c.Transcription.Language = "en"
	}
}

// Validate checks option combinations that cannot work together.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	if c.Store.Backend != "sqlite" && c.Store.Backend != "memory" {
		return fmt.Errorf("store.backend must be sqlite or memory, got %q", c.Store.Backend)
	}
	if c.Agent.MaxSteps < 1 {
		return fmt.Errorf("agent.max_steps must be at least 1, got %d", c.Agent.MaxSteps)
	}
	if c.Agent.Retries() < 0 {
		return fmt.Errorf("agent.model_retries must not be negative")
	}
	if _, err := time.LoadLocation(c.Persona.Timezone); err != nil {
		return fmt.Errorf("persona.timezone %q: %w", c.Persona.Timezone, err)
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "ollama":
		case "anthropic":
			if !c.Anthropic.Configured() {
				return fmt.Errorf("model %s uses anthropic but anthropic.api_key is not set", m.Name)
			}
		case "openai":
			if !c.OpenAI.Configured() {
				return fmt.Errorf("model %s uses openai but openai.api_key is not set", m.Name)
			}
		default:
			return fmt.Errorf("model %s: unknown provider %q", m.Name, m.Provider)
		}
	}
	if c.Embeddings.Enabled && c.Embeddings.Provider == "openai" && !c.OpenAI.Configured() {
		return fmt.Errorf("embeddings.provider is openai but openai.api_key is not set")
	}
	if c.Auth.Enabled {
		if c.Auth.ClientID == "" || c.Auth.AuthURL == "" || c.Auth.TokenURL == "" {
			return fmt.Errorf("auth.enabled requires client_id, auth_url and token_url")
		}
	}
	return nil
}

// Location returns the persona timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Persona.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ProviderFor returns the provider configured for a model name, or
// "ollama" when the model is not listed.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	return "ollama"
}
