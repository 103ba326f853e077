package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// APIKeyEntry is a named API key accepted by the gateway in addition to the
// daemon auth token.
type APIKeyEntry struct {
	Name   string   `yaml:"name"`
	Key    string   `yaml:"key"`
	Scopes []string `yaml:"scopes"`
}

type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	APIKeys []APIKeyEntry `yaml:"api_keys"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// InboxConfig covers the message ingress endpoints.
type InboxConfig struct {
	// WebhookSecret is compared against the x-inbox-secret header. Empty
	// disables the webhook (503).
	WebhookSecret string `yaml:"webhook_secret"`

	// EnforceDirectiveProjectBinding rejects directives without project_id
	// with 428 agent_upgrade_required.
	EnforceDirectiveProjectBinding bool `yaml:"enforce_directive_project_binding"`

	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type DirectivesConfig struct {
	PlanningDepartmentID string `yaml:"planning_department_id"`
	DelegateDelayMinMs   int    `yaml:"delegate_delay_min_ms"`
	DelegateDelayMaxMs   int    `yaml:"delegate_delay_max_ms"`
}

type DelegationConfig struct {
	HandoffDelayMinMs      int `yaml:"handoff_delay_min_ms"`
	HandoffDelayMaxMs      int `yaml:"handoff_delay_max_ms"`
	ContinueDelayMinMs     int `yaml:"continue_delay_min_ms"`
	ContinueDelayMaxMs     int `yaml:"continue_delay_max_ms"`
	FailureContinueDelayMs int `yaml:"failure_continue_delay_ms"`
	FinalizeRetryDelayMs   int `yaml:"finalize_retry_delay_ms"`
}

type ReviewConfig struct {
	MaxRounds                 int `yaml:"max_rounds"`
	MemoMaxPerDepartment      int `yaml:"memo_max_per_department"`
	MemoMaxPerRound           int `yaml:"memo_max_per_round"`
	GateNotifyIntervalSeconds int `yaml:"gate_notify_interval_seconds"`
	NextRoundDelayMinMs       int `yaml:"next_round_delay_min_ms"`
	NextRoundDelayMaxMs       int `yaml:"next_round_delay_max_ms"`
	OpinionTimeoutSeconds     int `yaml:"opinion_timeout_seconds"`
}

type ExecutionConfig struct {
	IdleTimeoutSeconds int    `yaml:"idle_timeout_seconds"`
	HardTimeoutSeconds int    `yaml:"hard_timeout_seconds"`
	BranchPrefix       string `yaml:"branch_prefix"`
	WorktreeDir        string `yaml:"worktree_dir"`
	ResultTailChars    int    `yaml:"result_tail_chars"`
	ReportTailChars    int    `yaml:"report_tail_chars"`
}

type AuditConfig struct {
	ChainSeed string `yaml:"chain_seed"`
	ChainKey  string `yaml:"chain_key"`
}

// ProviderConfig describes how to reach one coding-agent provider.
type ProviderConfig struct {
	Name    string            `yaml:"name"`
	Kind    string            `yaml:"kind"` // "cli" or "http"
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`
	// APIKeyEnv names the env var holding the bearer token for http providers.
	APIKeyEnv string `yaml:"api_key_env"`
}

type DepartmentConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
	Prompt   string `yaml:"prompt"`
}

type AgentConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	DepartmentID string `yaml:"department_id"`
	Role         string `yaml:"role"` // team_leader, senior, junior, intern
	Provider     string `yaml:"provider"`
	Personality  string `yaml:"personality"`
}

type ProjectConfig struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Path       string `yaml:"path"`
	GitHubRepo string `yaml:"github_repo"` // owner/name
	BaseBranch string `yaml:"base_branch"`
}

type HostingConfig struct {
	GitHubTokenEnv string `yaml:"github_token_env"`
	GitHubBaseURL  string `yaml:"github_base_url"`
	Remote         string `yaml:"remote"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type RelayConfig struct {
	RedisURL     string `yaml:"redis_url"`
	RedisChannel string `yaml:"redis_channel"`
	NATSURL      string `yaml:"nats_url"`
	NATSSubject  string `yaml:"nats_subject"`
}

type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "otlp" or "stdout"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

type MaintenanceConfig struct {
	RecoverySweep    string `yaml:"recovery_sweep"`
	ReviewRetrySweep string `yaml:"review_retry_sweep"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr            string   `yaml:"bind_addr"`
	LogLevel            string   `yaml:"log_level"`
	AllowOrigins        []string `yaml:"allow_origins"`
	DrainTimeoutSeconds int      `yaml:"drain_timeout_seconds"`

	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`

	Inbox       InboxConfig       `yaml:"inbox"`
	Directives  DirectivesConfig  `yaml:"directives"`
	Delegation  DelegationConfig  `yaml:"delegation"`
	Review      ReviewConfig      `yaml:"review"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Audit       AuditConfig       `yaml:"audit"`
	Hosting     HostingConfig     `yaml:"hosting"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Relay       RelayConfig       `yaml:"relay"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`

	Providers   []ProviderConfig   `yaml:"providers"`
	Departments []DepartmentConfig `yaml:"departments"`
	Agents      []AgentConfig      `yaml:"agents"`
	Projects    []ProjectConfig    `yaml:"projects"`

	NeedsBootstrap bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that shape engine behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|rounds=%d|idle=%d|hard=%d|binding=%t|depts=%d|agents=%d|origins=%v",
		c.BindAddr, c.LogLevel, c.Review.MaxRounds, c.Execution.IdleTimeoutSeconds, c.Execution.HardTimeoutSeconds,
		c.Inbox.EnforceDirectiveProjectBinding, len(c.Departments), len(c.Agents), c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Provider looks up a provider by name.
func (c Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Project looks up a project by id.
func (c Config) Project(id string) (ProjectConfig, bool) {
	for _, p := range c.Projects {
		if p.ID == id {
			return p, true
		}
	}
	return ProjectConfig{}, false
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			BurstSize:         20,
		},
		Inbox: InboxConfig{
			EnforceDirectiveProjectBinding: true,
			MaxBodyBytes:                   1 << 20,
		},
		Directives: DirectivesConfig{
			PlanningDepartmentID: "planning",
			DelegateDelayMinMs:   3000,
			DelegateDelayMaxMs:   5000,
		},
		Delegation: DelegationConfig{
			HandoffDelayMinMs:      900,
			HandoffDelayMaxMs:      1600,
			ContinueDelayMinMs:     800,
			ContinueDelayMaxMs:     1400,
			FailureContinueDelayMs: 3000,
			FinalizeRetryDelayMs:   1200,
		},
		Review: ReviewConfig{
			MaxRounds:                 3,
			MemoMaxPerDepartment:      3,
			MemoMaxPerRound:           8,
			GateNotifyIntervalSeconds: 30,
			NextRoundDelayMinMs:       1200,
			NextRoundDelayMaxMs:       1900,
			OpinionTimeoutSeconds:     180,
		},
		Execution: ExecutionConfig{
			IdleTimeoutSeconds: 600,
			HardTimeoutSeconds: 3600,
			BranchPrefix:       "gocompany",
			WorktreeDir:        ".gocompany-worktrees",
			ResultTailChars:    2000,
			ReportTailChars:    300,
		},
		Hosting: HostingConfig{
			GitHubTokenEnv: "GITHUB_TOKEN",
			Remote:         "origin",
		},
		Relay: RelayConfig{
			RedisChannel: "gocompany.events",
			NATSSubject:  "gocompany.events",
		},
		Telemetry: TelemetryConfig{
			Exporter:    "otlp",
			ServiceName: "gocompany",
			SampleRate:  1.0,
		},
		Maintenance: MaintenanceConfig{
			RecoverySweep:    "@every 1m",
			ReviewRetrySweep: "@every 2m",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("GOCOMPANY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gocompany")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gocompany home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsBootstrap = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Review.MaxRounds <= 0 {
		cfg.Review.MaxRounds = 3
	}
	if cfg.Review.MemoMaxPerDepartment <= 0 {
		cfg.Review.MemoMaxPerDepartment = 3
	}
	if cfg.Review.MemoMaxPerRound <= 0 {
		cfg.Review.MemoMaxPerRound = 8
	}
	if cfg.Execution.ResultTailChars <= 0 {
		cfg.Execution.ResultTailChars = 2000
	}
	if cfg.Execution.ReportTailChars <= 0 {
		cfg.Execution.ReportTailChars = 300
	}
	if strings.TrimSpace(cfg.Execution.BranchPrefix) == "" {
		cfg.Execution.BranchPrefix = "gocompany"
	}
	if strings.TrimSpace(cfg.Execution.WorktreeDir) == "" {
		cfg.Execution.WorktreeDir = ".gocompany-worktrees"
	}
	if strings.TrimSpace(cfg.Directives.PlanningDepartmentID) == "" {
		cfg.Directives.PlanningDepartmentID = "planning"
	}
	if cfg.Directives.DelegateDelayMaxMs < cfg.Directives.DelegateDelayMinMs {
		cfg.Directives.DelegateDelayMaxMs = cfg.Directives.DelegateDelayMinMs
	}
	if cfg.Delegation.HandoffDelayMaxMs < cfg.Delegation.HandoffDelayMinMs {
		cfg.Delegation.HandoffDelayMaxMs = cfg.Delegation.HandoffDelayMinMs
	}
	if cfg.Delegation.ContinueDelayMaxMs < cfg.Delegation.ContinueDelayMinMs {
		cfg.Delegation.ContinueDelayMaxMs = cfg.Delegation.ContinueDelayMinMs
	}
	if cfg.Review.NextRoundDelayMaxMs < cfg.Review.NextRoundDelayMinMs {
		cfg.Review.NextRoundDelayMaxMs = cfg.Review.NextRoundDelayMinMs
	}
	for i := range cfg.Providers {
		cfg.Providers[i].Kind = strings.ToLower(strings.TrimSpace(cfg.Providers[i].Kind))
		if cfg.Providers[i].Kind == "" {
			cfg.Providers[i].Kind = "cli"
		}
	}
	for i := range cfg.Agents {
		if cfg.Agents[i].Role == "" {
			cfg.Agents[i].Role = "senior"
		}
	}
	for i := range cfg.Projects {
		if cfg.Projects[i].BaseBranch == "" {
			cfg.Projects[i].BaseBranch = "main"
		}
	}
}

// validate rejects rosters the engine cannot route: unknown departments or
// providers and duplicate ids.
func validate(cfg *Config) error {
	depts := make(map[string]bool, len(cfg.Departments))
	for _, d := range cfg.Departments {
		if strings.TrimSpace(d.ID) == "" {
			return fmt.Errorf("department with empty id")
		}
		if depts[d.ID] {
			return fmt.Errorf("duplicate department id %q", d.ID)
		}
		depts[d.ID] = true
	}
	providers := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.Kind != "cli" && p.Kind != "http" {
			return fmt.Errorf("provider %q: unknown kind %q", p.Name, p.Kind)
		}
		if p.Kind == "cli" && strings.TrimSpace(p.Command) == "" {
			return fmt.Errorf("provider %q: command is required", p.Name)
		}
		if p.Kind == "http" && strings.TrimSpace(p.URL) == "" {
			return fmt.Errorf("provider %q: url is required", p.Name)
		}
		providers[p.Name] = true
	}
	seen := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("agent with empty id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
		if a.DepartmentID != "" && len(depts) > 0 && !depts[a.DepartmentID] {
			return fmt.Errorf("agent %q: unknown department %q", a.ID, a.DepartmentID)
		}
		if a.Provider != "" && len(providers) > 0 && !providers[a.Provider] {
			return fmt.Errorf("agent %q: unknown provider %q", a.ID, a.Provider)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOCOMPANY_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("GOCOMPANY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOCOMPANY_INBOX_SECRET"); raw != "" {
		cfg.Inbox.WebhookSecret = raw
	}
	if raw := os.Getenv("GOCOMPANY_ENFORCE_DIRECTIVE_PROJECT_BINDING"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Inbox.EnforceDirectiveProjectBinding = v
		}
	}
	if raw := os.Getenv("GOCOMPANY_AUDIT_CHAIN_SEED"); raw != "" {
		cfg.Audit.ChainSeed = raw
	}
	if raw, ok := os.LookupEnv("GOCOMPANY_AUDIT_CHAIN_KEY"); ok {
		cfg.Audit.ChainKey = raw
	}
	if raw := os.Getenv("GOCOMPANY_IDLE_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Execution.IdleTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("GOCOMPANY_HARD_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Execution.HardTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("GOCOMPANY_REVIEW_MAX_ROUNDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Review.MaxRounds = v
		}
	}
	if raw := os.Getenv("GOCOMPANY_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("GOCOMPANY_REDIS_URL"); raw != "" {
		cfg.Relay.RedisURL = raw
	}
	if raw := os.Getenv("GOCOMPANY_NATS_URL"); raw != "" {
		cfg.Relay.NATSURL = raw
	}
}
