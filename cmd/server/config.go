package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/MegaGrindStone/chatai-web/internal/models"
	"github.com/MegaGrindStone/chatai-web/internal/services"
	"github.com/MegaGrindStone/chatai-web/internal/session"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	completer(systemPrompt string, logger *slog.Logger) (session.Completer, error)
	settings() models.Settings
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	// Model is used with the key a user enters.
	Model string `yaml:"model"`
	// FallbackModel is used with the server key while the user has not entered one. Defaults to Model.
	FallbackModel string                 `yaml:"fallbackModel"`
	Parameters    services.LLMParameters `yaml:"parameters"`
}

type config struct {
	Port           string
	LogLevel       slog.Level
	SystemPrompt   string
	RevealInterval time.Duration
	// StorePath enables saving entered API keys across restarts. Keys stay in memory when it is empty.
	StorePath string
	// KeyTTL is how long a saved API key is kept.
	KeyTTL time.Duration
	// SessionIdleTimeout is how long a session without a connected page is kept.
	SessionIdleTimeout time.Duration
	LLM                llmConfig
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseUrl"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseUrl"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseUrl"`
	MaxTokens     int    `yaml:"maxTokens"`
}

const (
	defaultPort       = "8080"
	defaultOllamaHost = "http://localhost:11434"
	defaultKeyTTL     = 30 * 24 * time.Hour
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port               string         `yaml:"port"`
		LogLevel           string         `yaml:"logLevel"`
		SystemPrompt       string         `yaml:"systemPrompt"`
		RevealInterval     string         `yaml:"revealInterval"`
		StorePath          string         `yaml:"storePath"`
		KeyTTL             string         `yaml:"keyTTL"`
		SessionIdleTimeout string         `yaml:"sessionIdleTimeout"`
		LLM                map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	if c.Port == "" {
		c.Port = defaultPort
	}
	c.SystemPrompt = rawConfig.SystemPrompt
	c.StorePath = rawConfig.StorePath

	if rawConfig.LogLevel != "" {
		if err := c.LogLevel.UnmarshalText([]byte(rawConfig.LogLevel)); err != nil {
			return fmt.Errorf("invalid logLevel: %w", err)
		}
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"revealInterval", rawConfig.RevealInterval, &c.RevealInterval},
		{"keyTTL", rawConfig.KeyTTL, &c.KeyTTL},
		{"sessionIdleTimeout", rawConfig.SessionIdleTimeout, &c.SessionIdleTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, v)
		}
		*d.dst = v
	}
	if c.KeyTTL == 0 {
		c.KeyTTL = defaultKeyTTL
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "openrouter":
		llm = &openRouterConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

func (b BaseLLMConfig) baseSettings(fallbackKey string) models.Settings {
	return models.Settings{
		FallbackAPIKey: fallbackKey,
		Model:          b.Model,
		FallbackModel:  b.FallbackModel,
	}
}

func (b BaseLLMConfig) validate() error {
	if b.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}

func envOr(value, key string) string {
	if value != "" {
		return value
	}
	return strings.TrimSpace(os.Getenv(key))
}

func (o openRouterConfig) completer(systemPrompt string, logger *slog.Logger) (session.Completer, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	return services.NewOpenRouter(o.BaseURL, systemPrompt, o.Parameters, logger), nil
}

func (o openRouterConfig) settings() models.Settings {
	return o.baseSettings(envOr(o.APIKey, "OPENROUTER_API_KEY"))
}

func (o openAIConfig) completer(systemPrompt string, logger *slog.Logger) (session.Completer, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	return services.NewOpenAI(o.BaseURL, systemPrompt, o.Parameters, logger), nil
}

func (o openAIConfig) settings() models.Settings {
	return o.baseSettings(envOr(o.APIKey, "OPENAI_API_KEY"))
}

func (o ollamaConfig) completer(systemPrompt string, logger *slog.Logger) (session.Completer, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	host := envOr(o.Host, "OLLAMA_HOST")
	if host == "" {
		host = defaultOllamaHost
	}
	return services.NewOllama(host, systemPrompt, o.Parameters, logger)
}

// Ollama has no credentials; the entered key is only used to select the model.
func (o ollamaConfig) settings() models.Settings {
	return o.baseSettings("")
}

func (a anthropicConfig) completer(systemPrompt string, logger *slog.Logger) (session.Completer, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}
	if a.MaxTokens == 0 && a.Parameters.MaxTokens == nil {
		return nil, fmt.Errorf("maxTokens is required")
	}
	return services.NewAnthropic(a.BaseURL, systemPrompt, a.MaxTokens, a.Parameters, logger), nil
}

func (a anthropicConfig) settings() models.Settings {
	return a.baseSettings(envOr(a.APIKey, "ANTHROPIC_API_KEY"))
}
