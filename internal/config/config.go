package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"driver_verification/internal/model"
	"driver_verification/internal/retry"
	"driver_verification/internal/scoring"
	"driver_verification/internal/source"
	"driver_verification/internal/source/httpsource"
)

type Config struct {
	Server        ServerConfig                   `mapstructure:"server"`
	Database      DatabaseConfig                 `mapstructure:"database"`
	NATS          NATSConfig                     `mapstructure:"nats"`
	Redis         RedisConfig                    `mapstructure:"redis"`
	Log           LogConfig                      `mapstructure:"log"`
	Scoring       ScoringConfig                  `mapstructure:"scoring"`
	Scheduler     SchedulerConfig                `mapstructure:"scheduler"`
	Retry         retry.Policy                   `mapstructure:"retry"`
	Expiry        ExpiryConfig                   `mapstructure:"expiry"`
	Sources       SourcesConfig                  `mapstructure:"sources"`
	DocumentMatch source.DocumentMatchThresholds `mapstructure:"document_match"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// NATSConfig with an empty URL runs reverification in-process.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig with an empty URL uses an in-process scheduler lock.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type ScoringConfig struct {
	Weights scoring.Weights `mapstructure:"weights"`
}

type SchedulerConfig struct {
	Interval               time.Duration `mapstructure:"interval"`
	ReverificationInterval time.Duration `mapstructure:"reverification_interval"`
	MinCheckInterval       time.Duration `mapstructure:"min_check_interval"`
	PeriodicTypes          []string      `mapstructure:"periodic_types"`
	LockTTL                time.Duration `mapstructure:"lock_ttl"`
	BatchSize              int           `mapstructure:"batch_size"`
	PendingTimeout         time.Duration `mapstructure:"pending_timeout"`
	// Workers bounds concurrent in-process reverifications and QueueSize
	// the jobs accepted for them at once.
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

type ExpiryConfig struct {
	IdentityNumber time.Duration `mapstructure:"identity_number"`
	DrivingLicense time.Duration `mapstructure:"driving_license"`
	BankAccount    time.Duration `mapstructure:"bank_account"`
	Referee        time.Duration `mapstructure:"referee"`
	DocumentMatch  time.Duration `mapstructure:"document_match"`
}

// SourcesConfig holds one HTTP source per registry-backed type. A source
// without a URL is not registered.
type SourcesConfig struct {
	Timeout        time.Duration     `mapstructure:"timeout"`
	IdentityNumber httpsource.Config `mapstructure:"identity_number"`
	DrivingLicense httpsource.Config `mapstructure:"driving_license"`
	BankAccount    httpsource.Config `mapstructure:"bank_account"`
	Referee        httpsource.Config `mapstructure:"referee"`
	OCR            httpsource.Config `mapstructure:"ocr"`
	FaceMatch      httpsource.Config `mapstructure:"face_match"`
}

var sourceKeys = []string{"identity_number", "driving_license", "bank_account", "referee", "ocr", "face_match"}

func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "driver_verification")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("redis.url", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	weights := scoring.DefaultWeights()
	v.SetDefault("scoring.weights.ocr_accuracy", weights.OCRAccuracy)
	v.SetDefault("scoring.weights.face_match", weights.FaceMatch)
	v.SetDefault("scoring.weights.validation_consistency", weights.ValidationConsistency)

	v.SetDefault("scheduler.interval", time.Hour)
	v.SetDefault("scheduler.reverification_interval", 24*time.Hour)
	v.SetDefault("scheduler.min_check_interval", 24*time.Hour)
	v.SetDefault("scheduler.periodic_types", []string{})
	v.SetDefault("scheduler.lock_ttl", 10*time.Minute)
	v.SetDefault("scheduler.batch_size", 0)
	v.SetDefault("scheduler.pending_timeout", time.Hour)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.queue_size", 256)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 2*time.Second)
	v.SetDefault("retry.max_delay", 60*time.Second)

	year := 365 * 24 * time.Hour
	v.SetDefault("expiry.identity_number", year)
	v.SetDefault("expiry.driving_license", year)
	v.SetDefault("expiry.bank_account", year)
	v.SetDefault("expiry.referee", year/2)
	v.SetDefault("expiry.document_match", year)

	v.SetDefault("sources.timeout", 10*time.Second)
	for _, key := range sourceKeys {
		v.SetDefault("sources."+key+".name", strings.ReplaceAll(key, "_", "-"))
		v.SetDefault("sources."+key+".url", "")
		v.SetDefault("sources."+key+".api_key", "")
		v.SetDefault("sources."+key+".timeout", time.Duration(0))
	}

	thresholds := source.DefaultDocumentMatchThresholds()
	v.SetDefault("document_match.face_threshold", thresholds.FaceMatch)
	v.SetDefault("document_match.ocr_threshold", thresholds.OCRConfidence)
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port %d", c.Database.Port)
	}
	if err := c.Scoring.Weights.Validate(); err != nil {
		return fmt.Errorf("invalid scoring weights: %w", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("invalid retry policy: %w", err)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("invalid scheduler interval %s", c.Scheduler.Interval)
	}
	if c.Scheduler.LockTTL <= 0 {
		return fmt.Errorf("invalid scheduler lock ttl %s", c.Scheduler.LockTTL)
	}
	if c.Scheduler.PendingTimeout < 0 {
		return fmt.Errorf("invalid scheduler pending timeout %s", c.Scheduler.PendingTimeout)
	}
	if _, err := c.PeriodicTypes(); err != nil {
		return err
	}
	return nil
}

func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User, c.Database.Password, c.Database.DBName, c.Database.SSLMode)
}

func (c *Config) PeriodicTypes() ([]model.VerificationType, error) {
	var out []model.VerificationType
	for _, raw := range c.Scheduler.PeriodicTypes {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		t, err := model.ParseVerificationType(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid periodic type: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (c *Config) ExpiryByType() map[model.VerificationType]time.Duration {
	return map[model.VerificationType]time.Duration{
		model.VerificationTypeIdentityNumber: c.Expiry.IdentityNumber,
		model.VerificationTypeDrivingLicense: c.Expiry.DrivingLicense,
		model.VerificationTypeBankAccount:    c.Expiry.BankAccount,
		model.VerificationTypeReferee:        c.Expiry.Referee,
		model.VerificationTypeDocumentMatch:  c.Expiry.DocumentMatch,
	}
}

// RegistrySources returns the configured HTTP source per type, with the
// shared timeout applied where none is set.
func (c *Config) RegistrySources() map[model.VerificationType]httpsource.Config {
	out := make(map[model.VerificationType]httpsource.Config)
	for t, sc := range map[model.VerificationType]httpsource.Config{
		model.VerificationTypeIdentityNumber: c.Sources.IdentityNumber,
		model.VerificationTypeDrivingLicense: c.Sources.DrivingLicense,
		model.VerificationTypeBankAccount:    c.Sources.BankAccount,
		model.VerificationTypeReferee:        c.Sources.Referee,
	} {
		if sc.BaseURL == "" {
			continue
		}
		out[t] = c.withTimeout(sc)
	}
	return out
}

// DocumentSources returns the OCR and face-match sources, ok only when
// both are configured.
func (c *Config) DocumentSources() (ocr, face httpsource.Config, ok bool) {
	if c.Sources.OCR.BaseURL == "" || c.Sources.FaceMatch.BaseURL == "" {
		return httpsource.Config{}, httpsource.Config{}, false
	}
	return c.withTimeout(c.Sources.OCR), c.withTimeout(c.Sources.FaceMatch), true
}

func (c *Config) withTimeout(sc httpsource.Config) httpsource.Config {
	if sc.Timeout <= 0 {
		sc.Timeout = c.Sources.Timeout
	}
	return sc
}
