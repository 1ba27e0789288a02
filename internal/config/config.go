// Package config provides configuration types and defaults for autopress.
// The Config is built once at startup from a YAML file plus environment
// overrides and injected; nothing reads configuration at import time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// TransportConfig names the single proxy host/port pair shared by the
// bridge and the orchestrator's local worker.
type TransportConfig struct {
	ProxyHost string `mapstructure:"proxy_host"`
	ProxyPort int    `mapstructure:"proxy_port"`
}

// ProxyURL returns the WebSocket URL of the proxy hub.
func (t TransportConfig) ProxyURL() string {
	return fmt.Sprintf("ws://%s:%d/ws", t.ProxyHost, t.ProxyPort)
}

// ReadyURL returns the proxy readiness endpoint.
func (t TransportConfig) ReadyURL() string {
	return fmt.Sprintf("http://%s:%d/ready", t.ProxyHost, t.ProxyPort)
}

// BridgeConfig configures the HTTP-facing bridge process.
type BridgeConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	// MaxBodyBytes caps POST /api/jobs request bodies. Default 50 MiB.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
	// PresetFallback is returned by /api/presets when the executor query
	// fails. Must contain at least one entry.
	PresetFallback []string `mapstructure:"preset_fallback"`
	// PresetCacheTTL bounds how long a preset list (fetched or fallback)
	// is served without re-querying the executor.
	PresetCacheTTL time.Duration `mapstructure:"preset_cache_ttl"`
}

// ProxyConfig configures the WebSocket hub process.
type ProxyConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	// LockWait bounds how long a command waits on a document lock.
	LockWait time.Duration `mapstructure:"lock_wait"`
	// IdempotencyTTL is the replay window for duplicate request ids.
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
	// IdempotencyCap is the LRU size cap of the replay cache.
	IdempotencyCap int `mapstructure:"idempotency_cap"`
	// PingInterval drives the keepalive sweep of executor connections.
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// PathsConfig declares every filesystem root the process may touch.
// Ticket output paths must resolve inside AllowedRoots.
type PathsConfig struct {
	AllowedRoots  []string `mapstructure:"allowed_roots"`
	HistoryRoot   string   `mapstructure:"history_root"`
	ScorecardRoot string   `mapstructure:"scorecard_root"`
	LedgerPath    string   `mapstructure:"ledger_path"`
	DBPath        string   `mapstructure:"db_path"`
	LogPath       string   `mapstructure:"log_path"`
}

// BudgetConfig caps external service spend.
type BudgetConfig struct {
	DailyCapUSD   float64 `mapstructure:"daily_cap_usd"`
	MonthlyCapUSD float64 `mapstructure:"monthly_cap_usd"`
	// AlertThresholds are fractions of the daily cap (e.g. 0.5, 0.75,
	// 0.9) at which an alert is emitted once per day.
	AlertThresholds []float64 `mapstructure:"alert_thresholds"`
}

// BreakerConfig parameterizes per-service circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenDuration     time.Duration `mapstructure:"open_duration"`
	HalfOpenProbes   uint32        `mapstructure:"half_open_probes"`
}

// QAConfig configures the quality gate pipeline.
type QAConfig struct {
	// DefaultThreshold is the aggregate pass bar for standard jobs.
	DefaultThreshold float64 `mapstructure:"default_threshold"`
	// WorldClassFloor is the hard floor applied when worldClass=true.
	WorldClassFloor float64 `mapstructure:"world_class_floor"`
	// RubricFloor is the ordinal world-class floor for the content
	// rubric layer (scored 0-150).
	RubricFloor int `mapstructure:"rubric_floor"`
	// RubricScale maps the ordinal rubric score into the [0,1] aggregate.
	RubricScale int `mapstructure:"rubric_scale"`
	// LayerThresholds overrides the min score per layer id.
	LayerThresholds map[string]float64 `mapstructure:"layer_thresholds"`
	// BaselineDir holds named visual regression baselines.
	BaselineDir string `mapstructure:"baseline_dir"`
	// Validators maps layer id to the external validator command invoked
	// by the subprocess runner. Empty means the layer runs in-process or
	// is disabled.
	Validators map[string]string `mapstructure:"validators"`
	// MaxDiffPercent is the visual regression pass bar (percent pixels
	// different per page).
	MaxDiffPercent float64 `mapstructure:"max_diff_percent"`
}

// ServerlessConfig points at the remote batch PDF service.
type ServerlessConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	// Concurrency caps parallel serverless jobs.
	Concurrency int `mapstructure:"concurrency"`
	// CostPerJobUSD is the estimate charged against the budget ledger.
	CostPerJobUSD float64 `mapstructure:"cost_per_job_usd"`
}

// ToolServerConfig names one external tool server for multi-server
// orchestration workflows.
type ToolServerConfig struct {
	Name     string `mapstructure:"name"`
	Endpoint string `mapstructure:"endpoint"`
}

// WorkersConfig configures the three worker kinds.
type WorkersConfig struct {
	// Application is the target application tag for local interactive
	// work (e.g. "indesign").
	Application string `mapstructure:"application"`
	// BridgeURL is the bridge's HTTP base URL used by the local worker.
	BridgeURL  string             `mapstructure:"bridge_url"`
	Serverless ServerlessConfig   `mapstructure:"serverless"`
	// ToolServers are the registered multi-server workflow endpoints.
	ToolServers []ToolServerConfig `mapstructure:"tool_servers"`
	// Workflows maps workflow name to the ordered tool server names it
	// fans out across.
	Workflows map[string][]string `mapstructure:"workflows"`
}

// TracingConfig configures the OpenTelemetry provider.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"` // "stdout" or "otlp"
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	ServiceName  string  `mapstructure:"service_name"`
}

// OrchestratorConfig configures the job loop.
type OrchestratorConfig struct {
	// QueueSize bounds the pending job queue.
	QueueSize int `mapstructure:"queue_size"`
	// JobGraceFactor multiplies the sum of stage budgets to produce the
	// whole-job timeout.
	JobGraceFactor float64 `mapstructure:"job_grace_factor"`
}

// Config holds all configuration for autopress. Immutable after Load.
type Config struct {
	Transport    TransportConfig    `mapstructure:"transport"`
	Bridge       BridgeConfig       `mapstructure:"bridge"`
	Proxy        ProxyConfig        `mapstructure:"proxy"`
	Paths        PathsConfig        `mapstructure:"paths"`
	Budget       BudgetConfig       `mapstructure:"budget"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	QA           QAConfig           `mapstructure:"qa"`
	Workers      WorkersConfig      `mapstructure:"workers"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	// TimeoutsMS overrides per-command-class timeouts, keyed by class
	// name, in milliseconds.
	TimeoutsMS map[string]int64 `mapstructure:"timeouts_ms"`
	// Flags toggles pre-release gate layers by id.
	Flags map[string]bool `mapstructure:"flags"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Transport: TransportConfig{ProxyHost: "localhost", ProxyPort: 18900},
		Bridge: BridgeConfig{
			ListenAddr:     "localhost:18901",
			MaxBodyBytes:   50 << 20,
			PresetFallback: []string{"High Quality Print"},
			PresetCacheTTL: 10 * time.Minute,
		},
		Proxy: ProxyConfig{
			ListenAddr:     "localhost:18900",
			LockWait:       30 * time.Second,
			IdempotencyTTL: 5 * time.Minute,
			IdempotencyCap: 1000,
			PingInterval:   30 * time.Second,
		},
		Paths: PathsConfig{
			AllowedRoots:  []string{"out"},
			HistoryRoot:   "state/history",
			ScorecardRoot: "state/scorecards",
			LedgerPath:    "state/ledger.jsonl",
			DBPath:        "state/autopress.db",
			LogPath:       "state/autopress.log",
		},
		Budget: BudgetConfig{
			DailyCapUSD:     50,
			MonthlyCapUSD:   500,
			AlertThresholds: []float64{0.5, 0.75, 0.9},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenDuration:     5 * time.Minute,
			HalfOpenProbes:   1,
		},
		QA: QAConfig{
			DefaultThreshold: 0.90,
			WorldClassFloor:  0.95,
			RubricFloor:      140,
			RubricScale:      150,
			MaxDiffPercent:   5.0,
		},
		Workers: WorkersConfig{
			Application: "indesign",
			BridgeURL:   "http://localhost:18901",
			Serverless:  ServerlessConfig{Concurrency: 4, CostPerJobUSD: 0.25},
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "stdout",
			SampleRate:  1.0,
			ServiceName: "autopress",
		},
		Orchestrator: OrchestratorConfig{QueueSize: 32, JobGraceFactor: 1.25},
	}
}

// Load reads configuration from path (optional) plus AUTOPRESS_*
// environment overrides, layered over Defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("AUTOPRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Defaults())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "autopress"))
		}
		v.AddConfigPath(".autopress")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("transport.proxy_host", d.Transport.ProxyHost)
	v.SetDefault("transport.proxy_port", d.Transport.ProxyPort)
	v.SetDefault("bridge.listen_addr", d.Bridge.ListenAddr)
	v.SetDefault("bridge.max_body_bytes", d.Bridge.MaxBodyBytes)
	v.SetDefault("bridge.preset_fallback", d.Bridge.PresetFallback)
	v.SetDefault("bridge.preset_cache_ttl", d.Bridge.PresetCacheTTL)
	v.SetDefault("proxy.listen_addr", d.Proxy.ListenAddr)
	v.SetDefault("proxy.lock_wait", d.Proxy.LockWait)
	v.SetDefault("proxy.idempotency_ttl", d.Proxy.IdempotencyTTL)
	v.SetDefault("proxy.idempotency_cap", d.Proxy.IdempotencyCap)
	v.SetDefault("proxy.ping_interval", d.Proxy.PingInterval)
	v.SetDefault("paths.allowed_roots", d.Paths.AllowedRoots)
	v.SetDefault("paths.history_root", d.Paths.HistoryRoot)
	v.SetDefault("paths.scorecard_root", d.Paths.ScorecardRoot)
	v.SetDefault("paths.ledger_path", d.Paths.LedgerPath)
	v.SetDefault("paths.db_path", d.Paths.DBPath)
	v.SetDefault("paths.log_path", d.Paths.LogPath)
	v.SetDefault("budget.daily_cap_usd", d.Budget.DailyCapUSD)
	v.SetDefault("budget.monthly_cap_usd", d.Budget.MonthlyCapUSD)
	v.SetDefault("budget.alert_thresholds", d.Budget.AlertThresholds)
	v.SetDefault("breaker.failure_threshold", d.Breaker.FailureThreshold)
	v.SetDefault("breaker.open_duration", d.Breaker.OpenDuration)
	v.SetDefault("breaker.half_open_probes", d.Breaker.HalfOpenProbes)
	v.SetDefault("qa.default_threshold", d.QA.DefaultThreshold)
	v.SetDefault("qa.world_class_floor", d.QA.WorldClassFloor)
	v.SetDefault("qa.rubric_floor", d.QA.RubricFloor)
	v.SetDefault("qa.rubric_scale", d.QA.RubricScale)
	v.SetDefault("qa.max_diff_percent", d.QA.MaxDiffPercent)
	v.SetDefault("workers.application", d.Workers.Application)
	v.SetDefault("workers.bridge_url", d.Workers.BridgeURL)
	v.SetDefault("workers.serverless.concurrency", d.Workers.Serverless.Concurrency)
	v.SetDefault("workers.serverless.cost_per_job_usd", d.Workers.Serverless.CostPerJobUSD)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("orchestrator.queue_size", d.Orchestrator.QueueSize)
	v.SetDefault("orchestrator.job_grace_factor", d.Orchestrator.JobGraceFactor)
}

// Validate rejects configurations that cannot run.
func Validate(cfg Config) error {
	if len(cfg.Bridge.PresetFallback) == 0 {
		return fmt.Errorf("bridge.preset_fallback must contain at least one preset")
	}
	if cfg.QA.DefaultThreshold < 0 || cfg.QA.DefaultThreshold > 1 {
		return fmt.Errorf("qa.default_threshold %v outside [0,1]", cfg.QA.DefaultThreshold)
	}
	if cfg.QA.WorldClassFloor < 0 || cfg.QA.WorldClassFloor > 1 {
		return fmt.Errorf("qa.world_class_floor %v outside [0,1]", cfg.QA.WorldClassFloor)
	}
	if cfg.QA.RubricScale <= 0 {
		return fmt.Errorf("qa.rubric_scale must be positive")
	}
	if len(cfg.Paths.AllowedRoots) == 0 {
		return fmt.Errorf("paths.allowed_roots must declare at least one root")
	}
	if cfg.Proxy.IdempotencyCap <= 0 {
		return fmt.Errorf("proxy.idempotency_cap must be positive")
	}
	if cfg.Orchestrator.JobGraceFactor < 1 {
		return fmt.Errorf("orchestrator.job_grace_factor must be >= 1")
	}
	for name, servers := range cfg.Workers.Workflows {
		if len(servers) == 0 {
			return fmt.Errorf("workflow %q lists no tool servers", name)
		}
	}
	return nil
}
