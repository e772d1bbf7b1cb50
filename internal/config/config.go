package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/labchart/internal/labparse"
	"github.com/ehr/labchart/internal/platform/middleware"
)

// Chart store backends.
const (
	StorePostgres = "postgres"
	StoreFile     = "file"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema        string        `mapstructure:"DB_SCHEMA"`
	ChartStore      string        `mapstructure:"CHART_STORE"`
	ChartDir        string        `mapstructure:"CHART_DIR"`
	LabRulesFile    string        `mapstructure:"LAB_RULES_FILE"`
	LabMergeMode    string        `mapstructure:"LAB_MERGE_MODE"`
	MaxDocumentSize string        `mapstructure:"MAX_DOCUMENT_SIZE"`
	MaxBodySize     string        `mapstructure:"MAX_BODY_SIZE"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	AuthSigningKey  string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer      string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience    string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	MetricsEnabled  bool          `mapstructure:"METRICS_ENABLED"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"CHART_STORE", "CHART_DIR",
	"LAB_RULES_FILE", "LAB_MERGE_MODE",
	"MAX_DOCUMENT_SIZE", "MAX_BODY_SIZE", "REQUEST_TIMEOUT",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"CORS_ORIGINS", "METRICS_ENABLED",
}

// Load reads a .env file if present, then the environment. It does not
// validate; call Validate before starting anything that depends on it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("CHART_STORE", StorePostgres)
	v.SetDefault("CHART_DIR", "./charts")
	v.SetDefault("LAB_MERGE_MODE", "skip")
	v.SetDefault("MAX_DOCUMENT_SIZE", "2M")
	v.SetDefault("MAX_BODY_SIZE", "64K")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("AUTH_ISSUER", "labchart")
	v.SetDefault("AUTH_AUDIENCE", "labchart-api")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("METRICS_ENABLED", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	cfg.ChartStore = strings.ToLower(strings.TrimSpace(cfg.ChartStore))
	cfg.LabMergeMode = strings.ToLower(strings.TrimSpace(cfg.LabMergeMode))
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run a server.
func (c *Config) Validate() error {
	if err := c.ValidateStore(); err != nil {
		return err
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if _, err := c.DocumentLimit(); err != nil {
		return fmt.Errorf("MAX_DOCUMENT_SIZE: %w", err)
	}
	if _, err := c.BodyLimit(); err != nil {
		return fmt.Errorf("MAX_BODY_SIZE: %w", err)
	}

	if !c.IsDev() && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf(
			"AUTH_SIGNING_KEY of at least 32 bytes is required outside development (current ENV=%q). "+
				"Refusing to start without authentication configuration", c.Env)
	}
	return nil
}

// ValidateStore checks the settings an offline ingest needs: the merge mode
// and the chart store backend.
func (c *Config) ValidateStore() error {
	switch c.LabMergeMode {
	case "", "skip", "overwrite":
	default:
		return fmt.Errorf("LAB_MERGE_MODE must be \"skip\" or \"overwrite\", got %q", c.LabMergeMode)
	}

	switch c.ChartStore {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when CHART_STORE is %q", StorePostgres)
		}
	case StoreFile:
		if c.ChartDir == "" {
			return fmt.Errorf("CHART_DIR is required when CHART_STORE is %q", StoreFile)
		}
	default:
		return fmt.Errorf("CHART_STORE must be %q or %q, got %q", StorePostgres, StoreFile, c.ChartStore)
	}
	return nil
}

// DocumentLimit is the body size limit for lab document uploads, in bytes.
func (c *Config) DocumentLimit() (int64, error) {
	return middleware.ParseSize(c.MaxDocumentSize)
}

// BodyLimit is the body size limit for every other request, in bytes.
func (c *Config) BodyLimit() (int64, error) {
	return middleware.ParseSize(c.MaxBodySize)
}

// rulesFile is the on-disk form of extraction rules.
type rulesFile struct {
	labparse.Rules  `mapstructure:",squash"`
	IncludeDefaults bool `mapstructure:"include_defaults"`
}

// LoadRules returns the built-in extraction rules, extended by the YAML or
// JSON file at path when path is set. A file with include_defaults: false
// replaces the built-in rules entirely.
func LoadRules(path string) (labparse.Rules, error) {
	defaults := labparse.DefaultRules()
	if path == "" {
		return defaults, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("include_defaults", true)
	if err := v.ReadInConfig(); err != nil {
		return labparse.Rules{}, fmt.Errorf("read rules file: %w", err)
	}

	var file rulesFile
	if err := v.Unmarshal(&file); err != nil {
		return labparse.Rules{}, fmt.Errorf("decode rules file: %w", err)
	}
	if !file.IncludeDefaults {
		return file.Rules, nil
	}
	return defaults.Extend(file.Rules), nil
}
