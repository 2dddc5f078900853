package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	PullRequestExpireHours   int           `mapstructure:"PULL_REQUEST_EXPIRE_HOURS"`
	CreateRequestExpireHours int           `mapstructure:"CREATE_REQUEST_EXPIRE_HOURS"`
	ExpirySweepInterval      time.Duration `mapstructure:"EXPIRY_SWEEP_INTERVAL"`

	MedicalRecordLocationTag  string `mapstructure:"MEDICAL_RECORD_LOCATION_TAG"`
	ArchivesLocationTag       string `mapstructure:"ARCHIVES_LOCATION_TAG"`
	PaperRecordIdentifierType string `mapstructure:"PAPER_RECORD_IDENTIFIER_TYPE"`

	FormLabelsOnCreate int           `mapstructure:"FORM_LABELS_ON_CREATE"`
	FormLabelsOnPull   int           `mapstructure:"FORM_LABELS_ON_PULL"`
	PrinterTimeout     time.Duration `mapstructure:"PRINTER_TIMEOUT"`

	LocationCacheSize int           `mapstructure:"LOCATION_CACHE_SIZE"`
	LocationCacheTTL  time.Duration `mapstructure:"LOCATION_CACHE_TTL"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"PULL_REQUEST_EXPIRE_HOURS", "CREATE_REQUEST_EXPIRE_HOURS", "EXPIRY_SWEEP_INTERVAL",
	"MEDICAL_RECORD_LOCATION_TAG", "ARCHIVES_LOCATION_TAG", "PAPER_RECORD_IDENTIFIER_TYPE",
	"FORM_LABELS_ON_CREATE", "FORM_LABELS_ON_PULL", "PRINTER_TIMEOUT",
	"LOCATION_CACHE_SIZE", "LOCATION_CACHE_TTL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("PULL_REQUEST_EXPIRE_HOURS", 12)
	v.SetDefault("CREATE_REQUEST_EXPIRE_HOURS", 48)
	v.SetDefault("EXPIRY_SWEEP_INTERVAL", "15m")
	v.SetDefault("MEDICAL_RECORD_LOCATION_TAG", "Medical Record Location")
	v.SetDefault("ARCHIVES_LOCATION_TAG", "Archives")
	v.SetDefault("PAPER_RECORD_IDENTIFIER_TYPE", "paper_record")
	v.SetDefault("FORM_LABELS_ON_CREATE", 3)
	v.SetDefault("FORM_LABELS_ON_PULL", 2)
	v.SetDefault("PRINTER_TIMEOUT", "5s")
	v.SetDefault("LOCATION_CACHE_SIZE", 512)
	v.SetDefault("LOCATION_CACHE_TTL", "5m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development); every request is treated as an admin.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// PullExpiry and CreateExpiry convert the configured hour counts to durations.
func (c *Config) PullExpiry() time.Duration {
	return time.Duration(c.PullRequestExpireHours) * time.Hour
}

func (c *Config) CreateExpiry() time.Duration {
	return time.Duration(c.CreateRequestExpireHours) * time.Hour
}

// Validate checks that the configuration is safe to run. Outside development a
// token issuer or a signing key must be configured so that request creators and
// assignees are attributed to authenticated users.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.PullRequestExpireHours <= 0 {
		return fmt.Errorf("PULL_REQUEST_EXPIRE_HOURS must be positive, got %d", c.PullRequestExpireHours)
	}
	if c.CreateRequestExpireHours <= 0 {
		return fmt.Errorf("CREATE_REQUEST_EXPIRE_HOURS must be positive, got %d", c.CreateRequestExpireHours)
	}
	if c.ExpirySweepInterval < 0 {
		return fmt.Errorf("EXPIRY_SWEEP_INTERVAL cannot be negative")
	}
	if c.FormLabelsOnCreate < 0 || c.FormLabelsOnPull < 0 {
		return fmt.Errorf("label counts cannot be negative")
	}
	if c.MedicalRecordLocationTag == "" {
		return fmt.Errorf("MEDICAL_RECORD_LOCATION_TAG is required")
	}
	return nil
}
