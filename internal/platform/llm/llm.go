package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/envutil"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

// Client is the external language capability used by the alignment and
// generation stages.
type Client interface {
	GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error)
}

type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
	ProviderOffline   Provider = "offline"
)

type Config struct {
	Provider    Provider
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int
}

func ConfigFromEnv() Config {
	return Config{
		Provider:    Provider(strings.ToLower(envutil.String("LLM_PROVIDER", string(ProviderOffline)))),
		Model:       envutil.String("LLM_MODEL", ""),
		APIKey:      envutil.String("LLM_API_KEY", ""),
		BaseURL:     envutil.String("LLM_BASE_URL", ""),
		Temperature: envutil.Float("LLM_TEMPERATURE", 0.2),
		MaxTokens:   envutil.Int("LLM_MAX_TOKENS", 4096),
	}
}

// ErrMalformedResponse marks a reply that was not a JSON object.
var ErrMalformedResponse = errors.New("malformed capability response")

// New builds the client for cfg.Provider.
func New(cfg Config, log *logger.Logger) (Client, error) {
	clog := log.With("service", "llm", "provider", cfg.Provider, "model", cfg.Model)
	var (
		model llms.Model
		err   error
	)
	switch cfg.Provider {
	case ProviderOffline:
		clog.Warn("using offline capability; drafts are returned unchanged")
		return Offline{}, nil
	case ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model), ollama.WithFormat("json")}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err = ollama.New(opts...)
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("LLM_API_KEY required for openai")
		}
		opts := []openai.Option{openai.WithToken(cfg.APIKey), openai.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("LLM_API_KEY required for anthropic")
		}
		opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey), anthropic.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		model, err = anthropic.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s model: %w", cfg.Provider, err)
	}
	clog.Info("capability client ready")
	return &langchainClient{llm: model, cfg: cfg, log: clog}, nil
}

type langchainClient struct {
	llm llms.Model
	cfg Config
	log *logger.Logger
}

func (c *langchainClient) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema %s: %w", schemaName, err)
	}
	sys := fmt.Sprintf("%s\n\nReply with one JSON object named %q that validates against this JSON schema. No prose, no code fences.\n%s",
		strings.TrimSpace(system), schemaName, schemaJSON)

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, sys),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}
	opts := []llms.CallOption{llms.WithTemperature(c.cfg.Temperature), llms.WithJSONMode()}
	if c.cfg.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(c.cfg.MaxTokens))
	}
	resp, err := c.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", schemaName, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("generate %s: %w: no choices", schemaName, ErrMalformedResponse)
	}
	return ParseObject(resp.Choices[0].Content)
}

// ParseObject decodes the first JSON object in text, tolerating code fences and
// surrounding prose.
func ParseObject(text string) (map[string]any, error) {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no object found", ErrMalformedResponse)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return out, nil
}

// Decode converts a generic response map into dst through JSON.
func Decode(m map[string]any, dst any) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
