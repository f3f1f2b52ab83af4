// Package config defines the service configuration, its defaults, and the
// viper wiring that loads it from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Humanoid HumanoidConfig `mapstructure:"humanoid" yaml:"humanoid"`
	Platform PlatformConfig `mapstructure:"platform" yaml:"platform"`
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
}

// LoggerConfig controls the zap logger construction.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ServerConfig tunes the operator-facing HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// StartRateLimit caps how many login sessions a single client may start
	// per minute. Browser processes are expensive.
	StartRateLimit int `mapstructure:"start_rate_limit" yaml:"start_rate_limit"`
}

// BrowserConfig holds settings for the per-session browser instances.
type BrowserConfig struct {
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	ExecPath        string   `mapstructure:"exec_path" yaml:"exec_path"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args            []string `mapstructure:"args" yaml:"args"`
	// MaxSessions caps concurrently running browser processes.
	MaxSessions   int64         `mapstructure:"max_sessions" yaml:"max_sessions"`
	LaunchTimeout time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	NavTimeout    time.Duration `mapstructure:"nav_timeout" yaml:"nav_timeout"`
	// SessionRetention is how long a finished session stays pollable
	// before its registry entry is evicted.
	SessionRetention time.Duration `mapstructure:"session_retention" yaml:"session_retention"`
}

// HumanoidConfig tunes the humanized input driver.
type HumanoidConfig struct {
	KeyDelayMinMs int `mapstructure:"key_delay_min_ms" yaml:"key_delay_min_ms"`
	KeyDelayMaxMs int `mapstructure:"key_delay_max_ms" yaml:"key_delay_max_ms"`
	// Shifted characters and punctuation take longer to reach.
	ShiftPenaltyMs int     `mapstructure:"shift_penalty_ms" yaml:"shift_penalty_ms"`
	MoveStepsMin   int     `mapstructure:"move_steps_min" yaml:"move_steps_min"`
	MoveStepsMax   int     `mapstructure:"move_steps_max" yaml:"move_steps_max"`
	TremorStrength float64 `mapstructure:"tremor_strength" yaml:"tremor_strength"`
	ClickHoldMinMs int     `mapstructure:"click_hold_min_ms" yaml:"click_hold_min_ms"`
	ClickHoldMaxMs int     `mapstructure:"click_hold_max_ms" yaml:"click_hold_max_ms"`
}

// PlatformConfig describes the target advertising platform. Every
// platform-specific constant lives here so the profile can be swapped
// without touching the flow driver.
type PlatformConfig struct {
	LoginURL string `mapstructure:"login_url" yaml:"login_url"`
	// Domain filters which responses the token scanner inspects.
	Domain string `mapstructure:"domain" yaml:"domain"`
	// AuthCookie is the cookie whose presence marks an authenticated session.
	AuthCookie string `mapstructure:"auth_cookie" yaml:"auth_cookie"`
	// TokenPrefix and the length bounds shape the token-matching pattern.
	TokenPrefix string `mapstructure:"token_prefix" yaml:"token_prefix"`
	TokenMinLen int    `mapstructure:"token_min_len" yaml:"token_min_len"`
	TokenMaxLen int    `mapstructure:"token_max_len" yaml:"token_max_len"`
	// IdentityURL answers basic profile fields for a bearer token.
	IdentityURL string `mapstructure:"identity_url" yaml:"identity_url"`

	EmailSelector    string `mapstructure:"email_selector" yaml:"email_selector"`
	PasswordSelector string `mapstructure:"password_selector" yaml:"password_selector"`
	SubmitSelector   string `mapstructure:"submit_selector" yaml:"submit_selector"`
	// CodeSelectors is the ordered fallback list for the 2FA code input.
	CodeSelectors       []string `mapstructure:"code_selectors" yaml:"code_selectors"`
	CodeSubmitSelectors []string `mapstructure:"code_submit_selectors" yaml:"code_submit_selectors"`
	// ChallengeURLHints and ChallengeTextHints feed the heuristic 2FA
	// challenge detector.
	ChallengeURLHints  []string `mapstructure:"challenge_url_hints" yaml:"challenge_url_hints"`
	ChallengeTextHints []string `mapstructure:"challenge_text_hints" yaml:"challenge_text_hints"`
}

// CaptureStrategy is one token-rich destination page.
type CaptureStrategy struct {
	Name string `mapstructure:"name" yaml:"name"`
	URL  string `mapstructure:"url" yaml:"url"`
}

// CaptureConfig drives the capture strategy orchestrator.
type CaptureConfig struct {
	Strategies []CaptureStrategy `mapstructure:"strategies" yaml:"strategies"`
	// SettleTimeout bounds the wait for async requests after each navigation.
	SettleTimeout time.Duration `mapstructure:"settle_timeout" yaml:"settle_timeout"`
	SettlePoll    time.Duration `mapstructure:"settle_poll" yaml:"settle_poll"`
}

// DatabaseConfig holds the credential store connection details. An empty URL
// selects the in-memory store.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// SetDefaults registers all default values on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "tokenbridge")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	v.SetDefault("server.addr", ":8700")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.start_rate_limit", 10)

	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.max_sessions", 3)
	v.SetDefault("browser.launch_timeout", 30*time.Second)
	v.SetDefault("browser.nav_timeout", 45*time.Second)
	v.SetDefault("browser.session_retention", 5*time.Minute)

	v.SetDefault("humanoid.key_delay_min_ms", 40)
	v.SetDefault("humanoid.key_delay_max_ms", 160)
	v.SetDefault("humanoid.shift_penalty_ms", 90)
	v.SetDefault("humanoid.move_steps_min", 12)
	v.SetDefault("humanoid.move_steps_max", 28)
	v.SetDefault("humanoid.tremor_strength", 0.6)
	v.SetDefault("humanoid.click_hold_min_ms", 50)
	v.SetDefault("humanoid.click_hold_max_ms", 150)

	v.SetDefault("platform.login_url", "https://www.facebook.com/login")
	v.SetDefault("platform.domain", "facebook.com")
	v.SetDefault("platform.auth_cookie", "c_user")
	v.SetDefault("platform.token_prefix", "EAA")
	v.SetDefault("platform.token_min_len", 40)
	v.SetDefault("platform.token_max_len", 400)
	v.SetDefault("platform.identity_url", "https://graph.facebook.com/v19.0/me")
	v.SetDefault("platform.email_selector", `input[name="email"]`)
	v.SetDefault("platform.password_selector", `input[name="pass"]`)
	v.SetDefault("platform.submit_selector", `button[name="login"]`)
	v.SetDefault("platform.code_selectors", []string{
		`input[name="approvals_code"]`,
		`input[autocomplete="one-time-code"]`,
		`input[type="text"][inputmode="numeric"]`,
	})
	v.SetDefault("platform.code_submit_selectors", []string{
		`button[type="submit"]`,
		`#checkpointSubmitButton`,
	})
	v.SetDefault("platform.challenge_url_hints", []string{
		"/checkpoint/", "/two_step_verification/", "/login/approvals",
	})
	v.SetDefault("platform.challenge_text_hints", []string{
		"two-factor", "login code", "approvals_code", "authentication app",
	})

	v.SetDefault("capture.strategies", []map[string]string{
		{"name": "ads_manager", "url": "https://adsmanager.facebook.com/adsmanager/manage/campaigns"},
		{"name": "business_settings", "url": "https://business.facebook.com/settings"},
	})
	v.SetDefault("capture.settle_timeout", 12*time.Second)
	v.SetDefault("capture.settle_poll", 500*time.Millisecond)
}

// Load reads configuration from the given viper instance into a Config and
// validates it.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Platform.LoginURL == "" {
		return fmt.Errorf("config: platform.login_url is required")
	}
	if c.Platform.AuthCookie == "" {
		return fmt.Errorf("config: platform.auth_cookie is required")
	}
	if c.Platform.IdentityURL == "" {
		return fmt.Errorf("config: platform.identity_url is required")
	}
	if c.Platform.TokenMinLen <= 0 || c.Platform.TokenMaxLen < c.Platform.TokenMinLen {
		return fmt.Errorf("config: invalid token length bounds [%d, %d]",
			c.Platform.TokenMinLen, c.Platform.TokenMaxLen)
	}
	if len(c.Capture.Strategies) == 0 {
		return fmt.Errorf("config: at least one capture strategy is required")
	}
	if c.Browser.MaxSessions <= 0 {
		return fmt.Errorf("config: browser.max_sessions must be positive")
	}
	if c.Humanoid.KeyDelayMaxMs < c.Humanoid.KeyDelayMinMs {
		return fmt.Errorf("config: humanoid key delay bounds inverted")
	}
	return nil
}

// NewViper constructs a viper instance wired for the application's config
// file search path and environment variable scheme.
func NewViper(cfgFile string) *viper.Viper {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("TOKENBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}
