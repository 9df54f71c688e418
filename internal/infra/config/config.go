package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"researchd/internal/domain"
)

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// ModelRef names the provider/model an agent type bills against.
type ModelRef struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// PriceEntry is one row of the per-provider/per-model unit price table.
// Prices are dollars per million tokens.
type PriceEntry struct {
	Provider       string  `yaml:"provider"`
	Model          string  `yaml:"model"`
	InputPerMTok   float64 `yaml:"input_per_mtok"`
	OutputPerMTok  float64 `yaml:"output_per_mtok"`
}

// CostConfig holds estimation and admission settings.
type CostConfig struct {
	Thresholds  domain.CostThresholds `yaml:"thresholds"`
	Prices      []PriceEntry          `yaml:"prices"`
	AgentModels map[string]ModelRef   `yaml:"agent_models"`
	// AutoDowngrade lets the admission controller downgrade full-mode
	// requests to reduced mode instead of merely recommending it.
	AutoDowngrade bool `yaml:"auto_downgrade"`
}

// DispatcherConfig holds agent-call settings.
type DispatcherConfig struct {
	CallTimeout   time.Duration            `yaml:"call_timeout"`
	AgentTimeouts map[string]time.Duration `yaml:"agent_timeouts,omitempty"`
	// RateLimit caps outbound actions per second; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// EngineConfig holds pipeline and scheduling settings.
type EngineConfig struct {
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	MaxRetries         int           `yaml:"max_retries"`
	TaskTimeout        time.Duration `yaml:"task_timeout"`
	RetryBaseDelay     time.Duration `yaml:"retry_base_delay"`
}

// AgentEndpoint configures the transport for one agent type.
type AgentEndpoint struct {
	// URL is the WebSocket endpoint of the worker agent. Empty means the
	// agent is wired in-process (tests, embedding).
	URL string `yaml:"url"`
}

// Config is the top-level daemon configuration.
type Config struct {
	Logger     LoggerConfig             `yaml:"logger"`
	Tracer     TracerConfig             `yaml:"tracer"`
	Cost       CostConfig               `yaml:"cost"`
	Dispatcher DispatcherConfig         `yaml:"dispatcher"`
	Engine     EngineConfig             `yaml:"engine"`
	Agents     map[string]AgentEndpoint `yaml:"agents"`
	LedgerPath string                   `yaml:"ledger_path"`
	TaskDir    string                   `yaml:"task_dir"`
}

// Default returns a Config with working defaults for every knob.
func Default() Config {
	return Config{
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer: TracerConfig{Enabled: false},
		Cost: CostConfig{
			Thresholds: domain.CostThresholds{
				SessionWarning: 1.00,
				SessionLimit:   5.00,
				DailyWarning:   10.00,
				DailyLimit:     25.00,
				EmergencyStop:  100.00,
			},
			Prices: []PriceEntry{
				{Provider: "anthropic", Model: "claude-sonnet-4-5", InputPerMTok: 3.00, OutputPerMTok: 15.00},
				{Provider: "anthropic", Model: "claude-haiku-4-5", InputPerMTok: 1.00, OutputPerMTok: 5.00},
				{Provider: "openai", Model: "gpt-4o", InputPerMTok: 2.50, OutputPerMTok: 10.00},
				{Provider: "openai", Model: "gpt-4o-mini", InputPerMTok: 0.15, OutputPerMTok: 0.60},
			},
			AgentModels: map[string]ModelRef{
				string(domain.AgentPlanner):     {Provider: "anthropic", Model: "claude-sonnet-4-5"},
				string(domain.AgentRetriever):   {Provider: "openai", Model: "gpt-4o-mini"},
				string(domain.AgentReasoner):    {Provider: "anthropic", Model: "claude-sonnet-4-5"},
				string(domain.AgentExecutor):    {Provider: "openai", Model: "gpt-4o"},
				string(domain.AgentSynthesizer): {Provider: "anthropic", Model: "claude-sonnet-4-5"},
			},
		},
		Dispatcher: DispatcherConfig{
			CallTimeout: 60 * time.Second,
			RateLimit:   10,
			Burst:       20,
		},
		Engine: EngineConfig{
			MaxConcurrentTasks: 16,
			MaxRetries:         3,
			TaskTimeout:        600 * time.Second,
			RetryBaseDelay:     time.Second,
		},
		LedgerPath: "researchd-ledger.db",
		TaskDir:    "./data/tasks",
	}
}

// Load reads a YAML config file, expands ${ENV_VAR} references, and
// overlays it on the defaults. A missing path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	t := c.Cost.Thresholds
	if t.SessionWarning > t.SessionLimit && t.SessionLimit > 0 {
		return fmt.Errorf("config: session_warning %.2f exceeds session_limit %.2f", t.SessionWarning, t.SessionLimit)
	}
	if t.DailyWarning > t.DailyLimit && t.DailyLimit > 0 {
		return fmt.Errorf("config: daily_warning %.2f exceeds daily_limit %.2f", t.DailyWarning, t.DailyLimit)
	}
	if c.Engine.MaxConcurrentTasks < 0 {
		return fmt.Errorf("config: max_concurrent_tasks must be >= 0")
	}
	for name := range c.Cost.AgentModels {
		if !domain.AgentType(name).Valid() {
			return fmt.Errorf("config: unknown agent type %q in agent_models", name)
		}
	}
	for name := range c.Agents {
		if !domain.AgentType(name).Valid() {
			return fmt.Errorf("config: unknown agent type %q in agents", name)
		}
	}
	return nil
}
