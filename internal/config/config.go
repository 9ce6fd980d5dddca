// Package config loads and validates jobsweep configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/jobsweep/internal/logging"
	"github.com/JakeFAU/jobsweep/internal/site/extract"
)

// EnvPrefix prefixes every environment override, e.g. JOBSWEEP_RUN_SEARCH.
const EnvPrefix = "JOBSWEEP"

// Site engines.
const (
	EngineColly    = "colly"
	EngineHeadless = "headless"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging      logging.Config        `mapstructure:"logging"`
	Run          RunConfig             `mapstructure:"run"`
	Orchestrator OrchestratorConfig    `mapstructure:"orchestrator"`
	Retry        RetryConfig           `mapstructure:"retry"`
	Breaker      BreakerConfig         `mapstructure:"breaker"`
	Politeness   PolitenessConfig      `mapstructure:"politeness"`
	HTTP         HTTPConfig            `mapstructure:"http"`
	Headless     HeadlessConfig        `mapstructure:"headless"`
	Server       ServerConfig          `mapstructure:"server"`
	Schedule     ScheduleConfig        `mapstructure:"schedule"`
	PubSub       PubSubConfig          `mapstructure:"pubsub"`
	Telemetry    TelemetryConfig       `mapstructure:"telemetry"`
	Sites        map[string]SiteConfig `mapstructure:"sites"`
}

// RunConfig holds the parameters of a single run.
type RunConfig struct {
	Search   string   `mapstructure:"search"`
	Location string   `mapstructure:"location"`
	Sites    []string `mapstructure:"sites"`
	MaxItems int      `mapstructure:"max_items"`
	JSON     bool     `mapstructure:"json"`
}

// OrchestratorConfig bounds a run.
type OrchestratorConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	GlobalTimeout  time.Duration `mapstructure:"global_timeout"`
}

// RetryConfig controls per-site retries.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	DelayCap   time.Duration `mapstructure:"delay_cap"`
	PageSize   int           `mapstructure:"page_size"`
}

// BreakerConfig controls the per-site circuit breakers.
type BreakerConfig struct {
	Threshold    int           `mapstructure:"threshold"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
}

// PolitenessConfig paces page requests per site.
type PolitenessConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// HTTPConfig configures the static-HTML workers.
type HTTPConfig struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// HeadlessConfig configures the browser workers.
type HeadlessConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	NavTimeout time.Duration `mapstructure:"nav_timeout"`
	ExecPath   string        `mapstructure:"exec_path"`
	UserAgent  string        `mapstructure:"user_agent"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// ScheduleConfig triggers recurring runs in serve mode.
type ScheduleConfig struct {
	Enabled bool      `mapstructure:"enabled"`
	Cron    string    `mapstructure:"cron"`
	Run     RunConfig `mapstructure:"run"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether Pub/Sub publishing is configured.
func (c PubSubConfig) Enabled() bool {
	return c.ProjectID != "" && c.TopicName != ""
}

// TelemetryConfig names the service in traces.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// SiteConfig declares one site.
type SiteConfig struct {
	Engine        string            `mapstructure:"engine"`
	SearchURL     string            `mapstructure:"search_url"`
	PageSize      int               `mapstructure:"page_size"`
	Selectors     extract.Selectors `mapstructure:"selectors"`
	WaitSelector  string            `mapstructure:"wait_selector"`
	Headers       map[string]string `mapstructure:"headers"`
	RespectRobots bool              `mapstructure:"respect_robots"`
	Disabled      bool              `mapstructure:"disabled"`
}

// flagKeys maps CLI flag names to configuration keys.
var flagKeys = map[string]string{
	"search":      "run.search",
	"location":    "run.location",
	"sites":       "run.sites",
	"max":         "run.max_items",
	"json":        "run.json",
	"concurrency": "orchestrator.max_concurrency",
	"timeout":     "orchestrator.global_timeout",
	"port":        "server.port",
	"log-level":   "logging.level",
}

// Load builds a Config from defaults, an optional file, the environment,
// and any flags in flags that map to configuration keys.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	if flags != nil {
		for name, key := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("run.search", "software engineer")
	v.SetDefault("run.location", "")
	v.SetDefault("run.sites", []string{})
	v.SetDefault("run.max_items", 50)
	v.SetDefault("run.json", false)
	v.SetDefault("orchestrator.max_concurrency", 3)
	v.SetDefault("orchestrator.global_timeout", 5*time.Minute)
	v.SetDefault("retry.max_retries", 2)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.delay_cap", 30*time.Second)
	v.SetDefault("retry.page_size", 25)
	v.SetDefault("breaker.threshold", 3)
	v.SetDefault("breaker.reset_timeout", 60*time.Second)
	v.SetDefault("politeness.rps", 1.0)
	v.SetDefault("politeness.burst", 1)
	v.SetDefault("http.user_agent", "jobsweep/0.1")
	v.SetDefault("http.timeout", 15*time.Second)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.nav_timeout", 45*time.Second)
	v.SetDefault("server.port", 8080)
	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.run.search", "software engineer")
	v.SetDefault("schedule.run.max_items", 50)
	v.SetDefault("schedule.cron", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("telemetry.service_name", "jobsweep")
}

// normalize trims list values that arrive comma-joined from flags or env.
func (c *Config) normalize() {
	c.Run.Sites = splitSites(c.Run.Sites)
	c.Schedule.Run.Sites = splitSites(c.Schedule.Run.Sites)
	for name, s := range c.Sites {
		if s.Engine == "" {
			s.Engine = EngineColly
		}
		s.Engine = strings.ToLower(s.Engine)
		c.Sites[name] = s
	}
}

func splitSites(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, name := range strings.Split(entry, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Orchestrator.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("orchestrator.max_concurrency must be > 0"))
	}
	if c.Orchestrator.GlobalTimeout <= 0 {
		errs = append(errs, errors.New("orchestrator.global_timeout must be > 0"))
	}
	if c.Run.MaxItems < 0 {
		errs = append(errs, errors.New("run.max_items must be >= 0"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must be >= 0"))
	}
	if c.Retry.BaseDelay <= 0 {
		errs = append(errs, errors.New("retry.base_delay must be > 0"))
	}
	if c.Retry.DelayCap < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry.delay_cap must be >= retry.base_delay"))
	}
	if c.Retry.PageSize <= 0 {
		errs = append(errs, errors.New("retry.page_size must be > 0"))
	}
	if c.Breaker.Threshold <= 0 {
		errs = append(errs, errors.New("breaker.threshold must be > 0"))
	}
	if c.Breaker.ResetTimeout <= 0 {
		errs = append(errs, errors.New("breaker.reset_timeout must be > 0"))
	}
	if c.Politeness.RPS < 0 {
		errs = append(errs, errors.New("politeness.rps must be >= 0"))
	}
	if c.Schedule.Enabled && strings.TrimSpace(c.Schedule.Cron) == "" {
		errs = append(errs, errors.New("schedule.cron must be set when schedule is enabled"))
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		errs = append(errs, errors.New("pubsub.project_id and pubsub.topic_name must be set together"))
	}
	for _, name := range c.SiteNames() {
		if err := c.Sites[name].validate(); err != nil {
			errs = append(errs, fmt.Errorf("sites.%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (s SiteConfig) validate() error {
	var errs []error
	switch s.Engine {
	case EngineColly, EngineHeadless:
	default:
		errs = append(errs, fmt.Errorf("engine must be %q or %q, got %q", EngineColly, EngineHeadless, s.Engine))
	}
	if strings.TrimSpace(s.SearchURL) == "" {
		errs = append(errs, errors.New("search_url is required"))
	}
	if s.PageSize < 0 {
		errs = append(errs, errors.New("page_size must be >= 0"))
	}
	if err := s.Selectors.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SiteNames returns the configured site names in lexical order.
func (c Config) SiteNames() []string {
	names := make([]string, 0, len(c.Sites))
	for name := range c.Sites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
