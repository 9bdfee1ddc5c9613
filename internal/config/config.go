// Package config loads the typed application configuration.
//
// Values are resolved in three layers: built-in defaults (envDefault tags),
// environment variables (optionally seeded from .env files) and, last, an
// optional YAML settings file holding the user-editable subset.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// DefaultTimezone is used when TIMEZONE is unset or cannot be loaded.
const DefaultTimezone = "America/New_York"

// Config holds every setting the engine reads. Each field has a default.
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	Env      string `env:"APP_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	SentryDSN            string `env:"SENTRY_DSN"`
	ObservabilityEnabled bool   `env:"OBSERVABILITY_ENABLED" envDefault:"true"`
	MetricsAddr          string `env:"METRICS_ADDR" envDefault:":9464"`
	OTLPEndpoint         string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPHeaders          string `env:"OTEL_EXPORTER_OTLP_HEADERS"`
	OTLPInsecure         bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"false"`

	DataDir      string `env:"DATA_DIR" envDefault:"data"`
	SettingsFile string `env:"SETTINGS_FILE"`
	Timezone     string `env:"TIMEZONE" envDefault:"America/New_York"`
	RedisURL     string `env:"REDIS_URL"`

	RefreshInterval   time.Duration `env:"REFRESH_INTERVAL" envDefault:"24h"`
	RetryInterval     time.Duration `env:"RETRY_INTERVAL" envDefault:"1h"`
	AnalyticsInterval time.Duration `env:"ANALYTICS_INTERVAL" envDefault:"24h"`

	Scraper           string        `env:"SCRAPER" envDefault:"html"`
	ScraperAPIKey     string        `env:"SCRAPER_API_KEY"`
	ScrapeConcurrency int           `env:"SCRAPE_CONCURRENCY" envDefault:"1"`
	ScrapeDelay       time.Duration `env:"SCRAPE_DELAY" envDefault:"0s"`
	ScrapeTimeout     time.Duration `env:"SCRAPE_TIMEOUT" envDefault:"30s"`

	SearchConsole SearchConsoleConfig `envPrefix:"SEARCH_CONSOLE_"`
	Ads           AdsConfig           `envPrefix:"ADS_"`

	SlackWebhookURL string `env:"SLACK_WEBHOOK_URL"`
}

// SearchConsoleConfig configures the search analytics provider.
type SearchConsoleConfig struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	RefreshToken string `env:"REFRESH_TOKEN"`
	// Property is "domain" (sc-domain:example.com) or "url" (https://example.com/).
	Property string `env:"PROPERTY" envDefault:"domain"`
	LagDays  int    `env:"LAG_DAYS" envDefault:"3"`
	Windows  []int  `env:"WINDOWS" envDefault:"3,7,30" envSeparator:","`
	RowLimit int    `env:"ROW_LIMIT" envDefault:"25000"`
}

// AdsConfig configures the keyword volume / ideas provider.
type AdsConfig struct {
	ClientID        string        `env:"CLIENT_ID"`
	ClientSecret    string        `env:"CLIENT_SECRET"`
	RefreshToken    string        `env:"REFRESH_TOKEN"`
	DeveloperToken  string        `env:"DEVELOPER_TOKEN"`
	CustomerID      string        `env:"CUSTOMER_ID"`
	LoginCustomerID string        `env:"LOGIN_CUSTOMER_ID"`
	Language        string        `env:"LANGUAGE" envDefault:"1000"`
	RequestDelay    time.Duration `env:"REQUEST_DELAY" envDefault:"7s"`
}

// settingsFile is the user-editable subset persisted by the settings screen.
// Pointer fields distinguish "absent" from zero values.
type settingsFile struct {
	Scraper           *string        `yaml:"scraper"`
	ScraperAPIKey     *string        `yaml:"scraper_api_key"`
	ScrapeConcurrency *int           `yaml:"scrape_concurrency"`
	ScrapeDelay       *time.Duration `yaml:"scrape_delay"`
	SlackWebhookURL   *string        `yaml:"slack_webhook_url"`
	SearchConsole     *struct {
		ClientID     *string `yaml:"client_id"`
		ClientSecret *string `yaml:"client_secret"`
		RefreshToken *string `yaml:"refresh_token"`
		Property     *string `yaml:"property"`
		LagDays      *int    `yaml:"lag_days"`
	} `yaml:"search_console"`
	Ads *struct {
		ClientID        *string `yaml:"client_id"`
		ClientSecret    *string `yaml:"client_secret"`
		RefreshToken    *string `yaml:"refresh_token"`
		DeveloperToken  *string `yaml:"developer_token"`
		CustomerID      *string `yaml:"customer_id"`
		LoginCustomerID *string `yaml:"login_customer_id"`
		Language        *string `yaml:"language"`
	} `yaml:"ads"`
}

// Load reads .env files, the environment and the optional settings file.
func Load() (*Config, error) {
	// .env.local takes priority for development
	_ = godotenv.Load(".env.local", ".env")

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.SettingsFile != "" {
		if err := cfg.applySettingsFile(cfg.SettingsFile); err != nil {
			return nil, err
		}
	}

	cfg.normalise()
	return cfg, nil
}

func (c *Config) applySettingsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("path", path).Msg("Settings file not found, using environment only")
			return nil
		}
		return fmt.Errorf("read settings file: %w", err)
	}
	return c.applySettings(data)
}

func (c *Config) applySettings(data []byte) error {
	var s settingsFile
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parse settings file: %w", err)
	}

	setString(&c.Scraper, s.Scraper)
	setString(&c.ScraperAPIKey, s.ScraperAPIKey)
	setString(&c.SlackWebhookURL, s.SlackWebhookURL)
	if s.ScrapeConcurrency != nil {
		c.ScrapeConcurrency = *s.ScrapeConcurrency
	}
	if s.ScrapeDelay != nil {
		c.ScrapeDelay = *s.ScrapeDelay
	}

	if sc := s.SearchConsole; sc != nil {
		setString(&c.SearchConsole.ClientID, sc.ClientID)
		setString(&c.SearchConsole.ClientSecret, sc.ClientSecret)
		setString(&c.SearchConsole.RefreshToken, sc.RefreshToken)
		setString(&c.SearchConsole.Property, sc.Property)
		if sc.LagDays != nil {
			c.SearchConsole.LagDays = *sc.LagDays
		}
	}

	if ads := s.Ads; ads != nil {
		setString(&c.Ads.ClientID, ads.ClientID)
		setString(&c.Ads.ClientSecret, ads.ClientSecret)
		setString(&c.Ads.RefreshToken, ads.RefreshToken)
		setString(&c.Ads.DeveloperToken, ads.DeveloperToken)
		setString(&c.Ads.CustomerID, ads.CustomerID)
		setString(&c.Ads.LoginCustomerID, ads.LoginCustomerID)
		setString(&c.Ads.Language, ads.Language)
	}

	return nil
}

func setString(dst *string, v *string) {
	if v != nil && strings.TrimSpace(*v) != "" {
		*dst = strings.TrimSpace(*v)
	}
}

// normalise clamps values that would otherwise break business logic.
func (c *Config) normalise() {
	if c.ScrapeConcurrency < 1 {
		c.ScrapeConcurrency = 1
	} else if c.ScrapeConcurrency > 20 {
		c.ScrapeConcurrency = 20
	}
	if c.ScrapeDelay < 0 {
		c.ScrapeDelay = 0
	}
	if c.ScrapeTimeout <= 0 {
		c.ScrapeTimeout = 30 * time.Second
	}
	if c.SearchConsole.Property != "url" {
		c.SearchConsole.Property = "domain"
	}
	if c.SearchConsole.LagDays < 0 {
		c.SearchConsole.LagDays = 0
	}
	if len(c.SearchConsole.Windows) == 0 {
		c.SearchConsole.Windows = []int{3, 7, 30}
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
}

// Location resolves the configured timezone, falling back to DefaultTimezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err == nil {
		return loc
	}

	log.Warn().
		Err(err).
		Str("timezone", c.Timezone).
		Str("fallback", DefaultTimezone).
		Msg("Invalid timezone, using default")

	loc, err = time.LoadLocation(DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseOTLPHeaders splits "k=v,k2=v2" into a header map.
func (c *Config) ParseOTLPHeaders() map[string]string {
	headers := make(map[string]string)
	raw := strings.TrimSpace(c.OTLPHeaders)
	if raw == "" {
		return headers
	}

	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(parts[1])
	}

	return headers
}
