package config

import (
	"encoding/json"
	"os"

	"github.com/tidwall/jsonc"

	mylog "codeloom/internal/log"
)

type Provider string

const (
	ProviderGemini Provider = "gemini"
	ProviderOpenAI Provider = "openai"
)

type Strategy string

const (
	// StrategyFull has the model return complete file bodies.
	StrategyFull Strategy = "full"
	// StrategyBlock has the model return block bodies keyed by block path.
	StrategyBlock Strategy = "block"
)

type PromptPaths struct {
	Full  string `json:"full"`
	Block string `json:"block"`
}

type ModelParams struct {
	Model       string      `json:"model"`
	Temperature *float64    `json:"temperature"`
	TopP        *float64    `json:"topP"`
	TopK        *float64    `json:"topK"`
	Prompts     PromptPaths `json:"prompts"`
}

type OpenAIParams struct {
	BaseURL     string      `json:"baseURL"`
	Model       string      `json:"model"`
	Temperature *float64    `json:"temperature"`
	TopP        *float64    `json:"topP"`
	Prompts     PromptPaths `json:"prompts"`
}

type TokenDisplay struct {
	Enabled      bool     `json:"enabled"`
	DisplayTypes []string `json:"displayTypes"`
}

// Config is the per-process option set. It is loaded once from a single
// JSON-with-comments document; API keys come from the environment only.
type Config struct {
	APIProvider             Provider     `json:"apiProvider"`
	CodeChangeStrategy      Strategy     `json:"codeChangeStrategy"`
	OptimizeCodeContext     bool         `json:"optimizeCodeContext"`
	MaxContextHistoryTurns  int          `json:"maxContextHistoryTurns"`
	EnableStreaming         bool         `json:"enableStreaming"`
	DisplayTokenConsumption TokenDisplay `json:"displayTokenConsumption"`
	ModelParameters         ModelParams  `json:"modelParameters"`
	OpenAIParameters        OpenAIParams `json:"openaiParameters"`
}

// FileName is the config document looked up in the workspace root when no
// explicit --config path is given.
const FileName = "codeloom.jsonc"

func Default() Config {
	return Config{
		APIProvider:            ProviderGemini,
		CodeChangeStrategy:     StrategyFull,
		OptimizeCodeContext:    true,
		MaxContextHistoryTurns: -1,
		EnableStreaming:        true,
		DisplayTokenConsumption: TokenDisplay{
			Enabled:      false,
			DisplayTypes: []string{"total"},
		},
		ModelParameters: ModelParams{
			Model: "gemini-2.5-pro",
		},
		OpenAIParameters: OpenAIParams{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o",
		},
	}
}

// Load reads the JSONC document at path and overlays it on the defaults.
// A missing or unreadable file, or an invalid field, falls back to the
// documented defaults with a single logged notice.
func Load(path string, lg *mylog.Logger) Config {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		lg.Info("config.defaults", "path", path, "reason", err.Error())
		return cfg
	}
	if err := json.Unmarshal(jsonc.ToJSON(b), &cfg); err != nil {
		lg.Warn("config.invalid", "path", path, "error", err.Error())
		return Default()
	}
	return sanitize(cfg, lg)
}

func sanitize(cfg Config, lg *mylog.Logger) Config {
	def := Default()
	if cfg.APIProvider != ProviderGemini && cfg.APIProvider != ProviderOpenAI {
		lg.Warn("config.fallback", "field", "apiProvider", "got", string(cfg.APIProvider))
		cfg.APIProvider = def.APIProvider
	}
	if cfg.CodeChangeStrategy != StrategyFull && cfg.CodeChangeStrategy != StrategyBlock {
		lg.Warn("config.fallback", "field", "codeChangeStrategy", "got", string(cfg.CodeChangeStrategy))
		cfg.CodeChangeStrategy = def.CodeChangeStrategy
	}
	if cfg.MaxContextHistoryTurns < -1 {
		lg.Warn("config.fallback", "field", "maxContextHistoryTurns", "got", cfg.MaxContextHistoryTurns)
		cfg.MaxContextHistoryTurns = def.MaxContextHistoryTurns
	}
	if cfg.ModelParameters.Model == "" {
		cfg.ModelParameters.Model = def.ModelParameters.Model
	}
	if cfg.OpenAIParameters.Model == "" {
		cfg.OpenAIParameters.Model = def.OpenAIParameters.Model
	}
	if cfg.OpenAIParameters.BaseURL == "" {
		cfg.OpenAIParameters.BaseURL = def.OpenAIParameters.BaseURL
	}
	return cfg
}

// SystemPromptPath selects the prompt file for the active provider and
// strategy. Empty when the config names none.
func (c Config) SystemPromptPath() string {
	var p PromptPaths
	switch c.APIProvider {
	case ProviderOpenAI:
		p = c.OpenAIParameters.Prompts
	default:
		p = c.ModelParameters.Prompts
	}
	if c.CodeChangeStrategy == StrategyBlock {
		return p.Block
	}
	return p.Full
}
