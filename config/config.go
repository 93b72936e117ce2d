// ABOUTME: Configuration loading from flags, environment, .env files and a yaml config file
// ABOUTME: Uses viper with XDG default paths and binds the legacy provider env variable names
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	cerrors "github.com/harperreed/contactsync/errors"
	"github.com/harperreed/contactsync/models"
)

// AppName names the XDG subdirectories and the env prefix.
const AppName = "contactsync"

// Config is the full runtime configuration.
type Config struct {
	ConfigFile string
	DBPath     string
	LogLevel   string
	LogFormat  string

	Sync    SyncConfig
	Google  GoogleConfig
	Square  SquareConfig
	WebForm WebFormConfig
	Webhook WebhookConfig
	Form    FormConfig
}

// SyncConfig controls the reconciliation engine.
type SyncConfig struct {
	Interval         time.Duration
	CycleBudget      time.Duration
	Priority         []models.Source
	RateLimitBackoff time.Duration
	MaxAttempts      int
	PushConcurrency  int
}

// GoogleConfig configures the directory connector.
type GoogleConfig struct {
	Enabled      bool
	ClientID     string
	ClientSecret string
	TokenFile    string
	Endpoint     string
	RedirectAddr string
}

// SquareConfig configures the point-of-sale connector and its webhook.
type SquareConfig struct {
	Enabled      bool
	AccessToken  string
	BaseURL      string
	Version      string
	SignatureKey string
	WebhookURL   string
}

// WebFormConfig configures the local form source.
type WebFormConfig struct {
	Enabled        bool
	DefaultState   string
	DefaultCountry string
}

// Defaults returns the form address defaults.
func (w WebFormConfig) Defaults() models.FormDefaults {
	return models.FormDefaults{State: w.DefaultState, Country: w.DefaultCountry}
}

// WebhookConfig configures the change-event listener.
type WebhookConfig struct {
	Addr         string
	DedupeWindow time.Duration
	DedupeStore  string
	BadgerDir    string
	QueueSize    int
	Workers      int
	AckTimeout   time.Duration
}

// FormConfig configures the submission intake server.
type FormConfig struct {
	Addr string
}

// legacyEnv maps config keys to env names used by earlier deployments.
var legacyEnv = map[string][]string{
	"google.enabled":       {"ENABLE_GOOGLE"},
	"google.client_id":     {"GOOGLE_CLIENT_ID"},
	"google.client_secret": {"GOOGLE_CLIENT_SECRET"},
	"square.enabled":       {"ENABLE_SQUARE"},
	"square.access_token":  {"SQUARE_ACCESS_TOKEN"},
	"square.signature_key": {"SQUARE_SIGNATURE_KEY", "SQUARE_WEBHOOK_SIGNATURE_KEY"},
	"square.webhook_url":   {"SQUARE_WEBHOOK_URL"},
	"webform.enabled":      {"ENABLE_WEBFORM"},
	"db_path":              {"DB_PATH"},
	"log_level":            {"LOG_LEVEL"},
	"log_format":           {"LOG_FORMAT"},
}

// DataDir is the XDG data directory for the app.
func DataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("db_path", filepath.Join(DataDir(), AppName+".db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "")

	v.SetDefault("sync.interval", 15*time.Minute)
	v.SetDefault("sync.cycle_budget", 5*time.Minute)
	v.SetDefault("sync.source_priority", []string{string(models.SourcePOS), string(models.SourceDirectory), string(models.SourceForm)})
	v.SetDefault("sync.rate_limit_backoff", time.Minute)
	v.SetDefault("sync.max_attempts", 4)
	v.SetDefault("sync.push_concurrency", 4)

	v.SetDefault("google.enabled", false)
	v.SetDefault("google.token_file", filepath.Join(DataDir(), "google-token.json"))
	v.SetDefault("google.endpoint", "")
	v.SetDefault("google.redirect_addr", "localhost:8080")

	v.SetDefault("square.enabled", false)
	v.SetDefault("square.base_url", "https://connect.squareup.com")
	v.SetDefault("square.version", "2024-07-17")

	v.SetDefault("webform.enabled", true)
	v.SetDefault("webform.default_state", "Victoria")
	v.SetDefault("webform.default_country", "AU")

	v.SetDefault("webhook.addr", ":7173")
	v.SetDefault("webhook.dedupe_window", 24*time.Hour)
	v.SetDefault("webhook.dedupe_store", "memory")
	v.SetDefault("webhook.badger_dir", filepath.Join(DataDir(), "webhook-dedupe"))
	v.SetDefault("webhook.queue_size", 256)
	v.SetDefault("webhook.workers", 4)
	v.SetDefault("webhook.ack_timeout", 2*time.Second)

	v.SetDefault("form.addr", ":5000")
}

// LoadEnvFiles loads .env then .env.local into the process environment.
func LoadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// Load reads configuration into a Config. Flags must already be bound to v.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		prefixed := strings.ToUpper(AppName) + "_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, AppName))
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		// a missing config file is only an error when one was named explicitly
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !cerrors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: failed to read config file: %v", cerrors.ErrInvalidInput, err)
		}
	}

	priority, err := parsePriority(v.GetStringSlice("sync.source_priority"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ConfigFile: v.ConfigFileUsed(),
		DBPath:     v.GetString("db_path"),
		LogLevel:   v.GetString("log_level"),
		LogFormat:  v.GetString("log_format"),
		Sync: SyncConfig{
			Interval:         v.GetDuration("sync.interval"),
			CycleBudget:      v.GetDuration("sync.cycle_budget"),
			Priority:         priority,
			RateLimitBackoff: v.GetDuration("sync.rate_limit_backoff"),
			MaxAttempts:      v.GetInt("sync.max_attempts"),
			PushConcurrency:  v.GetInt("sync.push_concurrency"),
		},
		Google: GoogleConfig{
			Enabled:      v.GetBool("google.enabled"),
			ClientID:     v.GetString("google.client_id"),
			ClientSecret: v.GetString("google.client_secret"),
			TokenFile:    v.GetString("google.token_file"),
			Endpoint:     v.GetString("google.endpoint"),
			RedirectAddr: v.GetString("google.redirect_addr"),
		},
		Square: SquareConfig{
			Enabled:      v.GetBool("square.enabled"),
			AccessToken:  v.GetString("square.access_token"),
			BaseURL:      strings.TrimRight(v.GetString("square.base_url"), "/"),
			Version:      v.GetString("square.version"),
			SignatureKey: v.GetString("square.signature_key"),
			WebhookURL:   v.GetString("square.webhook_url"),
		},
		WebForm: WebFormConfig{
			Enabled:        v.GetBool("webform.enabled"),
			DefaultState:   v.GetString("webform.default_state"),
			DefaultCountry: v.GetString("webform.default_country"),
		},
		Webhook: WebhookConfig{
			Addr:         v.GetString("webhook.addr"),
			DedupeWindow: v.GetDuration("webhook.dedupe_window"),
			DedupeStore:  strings.ToLower(v.GetString("webhook.dedupe_store")),
			BadgerDir:    v.GetString("webhook.badger_dir"),
			QueueSize:    v.GetInt("webhook.queue_size"),
			Workers:      v.GetInt("webhook.workers"),
			AckTimeout:   v.GetDuration("webhook.ack_timeout"),
		},
		Form: FormConfig{
			Addr: v.GetString("form.addr"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var problems []string
	if c.DBPath == "" {
		problems = append(problems, "db_path is empty")
	}
	if c.Sync.Interval <= 0 {
		problems = append(problems, "sync.interval must be positive")
	}
	if c.Sync.CycleBudget <= 0 {
		problems = append(problems, "sync.cycle_budget must be positive")
	}
	if c.Sync.MaxAttempts < 1 {
		problems = append(problems, "sync.max_attempts must be at least 1")
	}
	if c.Sync.PushConcurrency < 1 {
		problems = append(problems, "sync.push_concurrency must be at least 1")
	}
	if c.Webhook.DedupeStore != "memory" && c.Webhook.DedupeStore != "badger" {
		problems = append(problems, fmt.Sprintf("webhook.dedupe_store must be memory or badger, got %q", c.Webhook.DedupeStore))
	}
	if c.Webhook.DedupeWindow <= 0 {
		problems = append(problems, "webhook.dedupe_window must be positive")
	}
	if c.Webhook.QueueSize < 1 || c.Webhook.Workers < 1 {
		problems = append(problems, "webhook.queue_size and webhook.workers must be at least 1")
	}
	if c.Square.Enabled && c.Square.AccessToken == "" {
		problems = append(problems, "square.enabled requires square.access_token")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", cerrors.ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

func parsePriority(values []string) ([]models.Source, error) {
	var out []models.Source
	seen := map[models.Source]bool{}
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			src, err := models.ParseSource(part)
			if err != nil {
				return nil, fmt.Errorf("%w: sync.source_priority: %v", cerrors.ErrInvalidInput, err)
			}
			if !seen[src] {
				seen[src] = true
				out = append(out, src)
			}
		}
	}
	if len(out) == 0 {
		return models.DefaultPriority, nil
	}
	return out, nil
}
