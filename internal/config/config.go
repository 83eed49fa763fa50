package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Staging   StagingConfig   `yaml:"staging" mapstructure:"staging"`
	Upstream  UpstreamConfig  `yaml:"upstream" mapstructure:"upstream"`
	Proxy     ProxyConfig     `yaml:"proxy" mapstructure:"proxy"`
	Stages    StagesConfig    `yaml:"stages" mapstructure:"stages"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Warehouse WarehouseConfig `yaml:"warehouse" mapstructure:"warehouse"`
	Validation ValidateConfig `yaml:"validate" mapstructure:"validate"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Monitor   MonitorConfig   `yaml:"monitor" mapstructure:"monitor"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StagingConfig configures the per-job staging store location.
type StagingConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// UpstreamConfig configures the scraped site.
type UpstreamConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ProxyConfig selects and configures egress providers. Provider priority
// is fixed: VPN mode, then ProxyScrape, then Oxylabs.
type ProxyConfig struct {
	VPNEnabled  bool           `yaml:"vpn_enabled" mapstructure:"vpn_enabled"`
	ProxyScrape ProviderConfig `yaml:"proxyscrape" mapstructure:"proxyscrape"`
	Oxylabs     ProviderConfig `yaml:"oxylabs" mapstructure:"oxylabs"`
}

// ProviderConfig holds one proxy provider's credentials and targeting.
type ProviderConfig struct {
	Enabled           bool   `yaml:"enabled" mapstructure:"enabled"`
	Username          string `yaml:"username" mapstructure:"username"`
	Password          string `yaml:"password" mapstructure:"password"`
	Host              string `yaml:"host" mapstructure:"host"`
	ProxyType         string `yaml:"proxy_type" mapstructure:"proxy_type"`       // residential | isp | datacenter
	Country           string `yaml:"country" mapstructure:"country"`             // ISO 3166-1 alpha-2
	SessionType       string `yaml:"session_type" mapstructure:"session_type"`   // rotate | sticky
	Port              int    `yaml:"port" mapstructure:"port"`
	Ports             string `yaml:"ports" mapstructure:"ports"`                 // comma-separated list
	CountryInUsername bool   `yaml:"country_in_username" mapstructure:"country_in_username"`
}

// StagesConfig holds the per-stage rate limiter settings.
type StagesConfig struct {
	Stage1 StageConfig `yaml:"stage1" mapstructure:"stage1"`
	Stage2 StageConfig `yaml:"stage2" mapstructure:"stage2"`
	Stage3 StageConfig `yaml:"stage3" mapstructure:"stage3"`
}

// StageConfig configures one stage's limiter.
type StageConfig struct {
	Concurrent        int         `yaml:"concurrent" mapstructure:"concurrent"`
	DelayMs           int         `yaml:"delay_ms" mapstructure:"delay_ms"`
	MaxRetries        int         `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffMultiplier float64     `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	MaxDelayMs        int         `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	Night             NightConfig `yaml:"night" mapstructure:"night"`
}

// NightConfig raises throughput inside a local-hour window. Disabled when
// FromHour == ToHour.
type NightConfig struct {
	FromHour   int `yaml:"from_hour" mapstructure:"from_hour"`
	ToHour     int `yaml:"to_hour" mapstructure:"to_hour"`
	Concurrent int `yaml:"concurrent" mapstructure:"concurrent"`
	DelayMs    int `yaml:"delay_ms" mapstructure:"delay_ms"`
}

// PipelineConfig configures stage orchestration.
type PipelineConfig struct {
	BatchSize        int `yaml:"batch_size" mapstructure:"batch_size"`
	ChunkConcurrency int `yaml:"chunk_concurrency" mapstructure:"chunk_concurrency"`
	MaxPages         int `yaml:"max_pages" mapstructure:"max_pages"`
	MaxEmptyPages    int `yaml:"max_empty_pages" mapstructure:"max_empty_pages"`
	CheckpointEvery  int `yaml:"checkpoint_every" mapstructure:"checkpoint_every"`
}

// WarehouseConfig configures the production store the migrator writes to.
type WarehouseConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ValidateConfig configures the financial record validator.
type ValidateConfig struct {
	RulesPath string `yaml:"rules_path" mapstructure:"rules_path"`
}

// ServerConfig configures the control surface server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitorConfig configures the background health checker that serve runs.
type MonitorConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from allabolag.yaml and the environment. The
// proxy environment variable names are part of the operator contract and
// bind explicitly rather than through a prefix.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("allabolag")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment: exact names, no prefix.
	bindProviderEnv(v, "proxy.oxylabs", "OXYLABS")
	bindProviderEnv(v, "proxy.proxyscrape", "PROXYSCRAPE")
	mustBindEnv(v, "proxy.vpn_enabled", "VPN_ENABLED")
	mustBindEnv(v, "warehouse.database_url", "WAREHOUSE_DATABASE_URL")

	// Defaults
	v.SetDefault("staging.dir", "staging")
	v.SetDefault("upstream.base_url", "https://www.allabolag.se")
	v.SetDefault("upstream.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("upstream.timeout_secs", 30)
	v.SetDefault("proxy.oxylabs.host", "pr.oxylabs.io")
	v.SetDefault("proxy.oxylabs.proxy_type", "residential")
	v.SetDefault("proxy.oxylabs.session_type", "rotate")
	v.SetDefault("proxy.proxyscrape.host", "rp.proxyscrape.com")
	v.SetDefault("proxy.proxyscrape.proxy_type", "datacenter")
	v.SetDefault("proxy.proxyscrape.session_type", "rotate")
	v.SetDefault("stages.stage1.concurrent", 5)
	v.SetDefault("stages.stage1.delay_ms", 100)
	v.SetDefault("stages.stage2.concurrent", 5)
	v.SetDefault("stages.stage2.delay_ms", 100)
	v.SetDefault("stages.stage3.concurrent", 10)
	v.SetDefault("stages.stage3.delay_ms", 100)
	v.SetDefault("stages.stage3.night.from_hour", 22)
	v.SetDefault("stages.stage3.night.to_hour", 6)
	v.SetDefault("stages.stage3.night.concurrent", 15)
	v.SetDefault("stages.stage3.night.delay_ms", 100)
	for _, stage := range []string{"stage1", "stage2", "stage3"} {
		v.SetDefault("stages."+stage+".max_retries", 3)
		v.SetDefault("stages."+stage+".backoff_multiplier", 2.0)
		v.SetDefault("stages."+stage+".max_delay_ms", 30000)
	}
	v.SetDefault("pipeline.batch_size", 20)
	v.SetDefault("pipeline.chunk_concurrency", 15)
	v.SetDefault("pipeline.max_pages", 3000)
	v.SetDefault("pipeline.max_empty_pages", 3)
	v.SetDefault("pipeline.checkpoint_every", 10)
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitor.failure_rate_threshold", 0.25)
	v.SetDefault("monitor.check_interval_secs", 300)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func bindProviderEnv(v *viper.Viper, key, prefix string) {
	mustBindEnv(v, key+".enabled", prefix+"_ENABLED")
	mustBindEnv(v, key+".username", prefix+"_USERNAME")
	mustBindEnv(v, key+".password", prefix+"_PASSWORD")
	mustBindEnv(v, key+".host", prefix+"_HOST")
	mustBindEnv(v, key+".proxy_type", prefix+"_PROXY_TYPE")
	mustBindEnv(v, key+".country", prefix+"_COUNTRY")
	mustBindEnv(v, key+".session_type", prefix+"_SESSION_TYPE")
	mustBindEnv(v, key+".port", prefix+"_PORT")
	mustBindEnv(v, key+".ports", prefix+"_PORTS")
	mustBindEnv(v, key+".country_in_username", prefix+"_COUNTRY_IN_USERNAME")
}

func mustBindEnv(v *viper.Viper, key, env string) {
	// BindEnv only errors on an empty key, which cannot happen here.
	_ = v.BindEnv(key, env)
}

// Validate checks the fields the given mode needs. Modes: "run" (scrape
// jobs; requires an egress provider), "preview" (direct fetch allowed),
// "migrate" (requires the warehouse), "serve".
func (c *Config) Validate(mode string) error {
	var problems []string

	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	switch mode {
	case "run":
		hasProvider := c.Proxy.VPNEnabled || c.Proxy.ProxyScrape.Enabled || c.Proxy.Oxylabs.Enabled
		check(hasProvider, "no egress configured: enable a proxy provider or set VPN_ENABLED=true")
		if c.Proxy.Oxylabs.Enabled {
			check(c.Proxy.Oxylabs.Username != "", "proxy.oxylabs.username is required")
			check(c.Proxy.Oxylabs.Password != "", "proxy.oxylabs.password is required")
		}
		if c.Proxy.ProxyScrape.Enabled {
			check(c.Proxy.ProxyScrape.Username != "", "proxy.proxyscrape.username is required")
			check(c.Proxy.ProxyScrape.Password != "", "proxy.proxyscrape.password is required")
		}
		for name, st := range map[string]StageConfig{
			"stage1": c.Stages.Stage1, "stage2": c.Stages.Stage2, "stage3": c.Stages.Stage3,
		} {
			check(st.Concurrent >= 1, "stages."+name+".concurrent must be >= 1")
			check(st.DelayMs >= 0, "stages."+name+".delay_ms must be >= 0")
			check(st.MaxRetries >= 1, "stages."+name+".max_retries must be >= 1")
			check(st.BackoffMultiplier >= 1, "stages."+name+".backoff_multiplier must be >= 1")
		}
	case "preview":
		// Preview may fall back to direct fetch; nothing mandatory.
	case "migrate":
		check(c.Warehouse.DatabaseURL != "", "warehouse.database_url is required")
	case "serve":
		check(c.Server.Port > 0, "server.port must be > 0")
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
