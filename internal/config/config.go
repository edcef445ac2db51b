package config

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "OPREC"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "oprec.db"
	defaultLogLevel           = "info"
	defaultTokenTTLMinutes    = 720
	defaultRoleCacheTTLSecs   = 30
	defaultIssuer             = "oprec-api"
	defaultRegistrationPrefix = "CAANG"
	defaultBatchLimit         = 500
	defaultConflictEpsilonMS  = 1000
	defaultKafkaTopic         = "oprec.audit"
	defaultCloudinaryFolder   = "oprec"
)

var (
	periodPattern = regexp.MustCompile(`^[0-9]{1,3}$`)
	yearPattern   = regexp.MustCompile(`^[0-9]{4}$`)
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	AllowedOrigins   []string
	SigningSecret    string
	TokenIssuer      string
	TokenTTL         time.Duration
	RoleCacheTTL     time.Duration
	Recruitment      RecruitmentConfig
	BatchLimit       int
	ConflictEpsilon  time.Duration
	RedisURL         string
	KafkaBrokers     []string
	KafkaTopic       string
	CloudinaryURL    string
	CloudinaryFolder string
	UploadsBaseURL   string
}

// RecruitmentConfig seeds the recruitment settings until an admin stores their own.
type RecruitmentConfig struct {
	Prefix   string
	OrPeriod string
	OrYear   string
	Open     bool
}

// LoadDotEnv reads KEY=VALUE pairs from the given files into the process environment.
// Missing files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", "")
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("auth.role_cache_ttl_seconds", defaultRoleCacheTTLSecs)
	configViper.SetDefault("recruitment.prefix", defaultRegistrationPrefix)
	configViper.SetDefault("recruitment.period", "")
	configViper.SetDefault("recruitment.year", "")
	configViper.SetDefault("recruitment.open", true)
	configViper.SetDefault("store.batch_limit", defaultBatchLimit)
	configViper.SetDefault("editing.conflict_epsilon_ms", defaultConflictEpsilonMS)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("kafka.brokers", "")
	configViper.SetDefault("kafka.topic", defaultKafkaTopic)
	configViper.SetDefault("cloudinary.url", "")
	configViper.SetDefault("cloudinary.folder", defaultCloudinaryFolder)
	configViper.SetDefault("uploads.base_url", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: splitList(configViper.GetString("http.allowed_origins")),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenIssuer:    configViper.GetString("auth.issuer"),
		TokenTTL:       time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		RoleCacheTTL:   time.Duration(configViper.GetInt("auth.role_cache_ttl_seconds")) * time.Second,
		Recruitment: RecruitmentConfig{
			Prefix:   strings.ToUpper(strings.TrimSpace(configViper.GetString("recruitment.prefix"))),
			OrPeriod: strings.TrimSpace(configViper.GetString("recruitment.period")),
			OrYear:   strings.TrimSpace(configViper.GetString("recruitment.year")),
			Open:     configViper.GetBool("recruitment.open"),
		},
		BatchLimit:       configViper.GetInt("store.batch_limit"),
		ConflictEpsilon:  time.Duration(configViper.GetInt("editing.conflict_epsilon_ms")) * time.Millisecond,
		RedisURL:         strings.TrimSpace(configViper.GetString("redis.url")),
		KafkaBrokers:     splitList(configViper.GetString("kafka.brokers")),
		KafkaTopic:       strings.TrimSpace(configViper.GetString("kafka.topic")),
		CloudinaryURL:    strings.TrimSpace(configViper.GetString("cloudinary.url")),
		CloudinaryFolder: strings.TrimSpace(configViper.GetString("cloudinary.folder")),
		UploadsBaseURL:   strings.TrimSpace(configViper.GetString("uploads.base_url")),
	}
	if cfg.UploadsBaseURL == "" {
		cfg.UploadsBaseURL = "http://" + cfg.HTTPAddress + "/files/"
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.RoleCacheTTL < 0 {
		return fmt.Errorf("auth.role_cache_ttl_seconds must not be negative")
	}
	if c.Recruitment.Prefix == "" {
		return fmt.Errorf("recruitment.prefix is required")
	}
	if c.Recruitment.OrPeriod == "" || !periodPattern.MatchString(c.Recruitment.OrPeriod) {
		return fmt.Errorf("recruitment.period must be a number of up to three digits")
	}
	if !yearPattern.MatchString(c.Recruitment.OrYear) {
		return fmt.Errorf("recruitment.year must be a four digit year")
	}
	if c.BatchLimit <= 0 || c.BatchLimit > 500 {
		return fmt.Errorf("store.batch_limit must be between 1 and 500")
	}
	if c.ConflictEpsilon < 0 {
		return fmt.Errorf("editing.conflict_epsilon_ms must not be negative")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("kafka.topic is required when kafka.brokers is set")
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
