package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "CYTOLAB"

type Config struct {
	Port      string `mapstructure:"PORT"`
	Env       string `mapstructure:"ENV"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	DatabaseURL  string        `mapstructure:"DATABASE_URL"`
	DBMaxConns   int           `mapstructure:"DB_MAX_CONNS"`
	DBIdleConns  int           `mapstructure:"DB_IDLE_CONNS"`
	DBConnMaxAge time.Duration `mapstructure:"DB_CONN_MAX_AGE"`

	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	AuthAccessSecret  string        `mapstructure:"AUTH_ACCESS_SECRET"`
	AuthRefreshSecret string        `mapstructure:"AUTH_REFRESH_SECRET"`
	AuthVerifySecret  string        `mapstructure:"AUTH_VERIFY_SECRET"`
	AuthResetSecret   string        `mapstructure:"AUTH_RESET_SECRET"`
	AuthAccessTTL     time.Duration `mapstructure:"AUTH_ACCESS_TTL"`
	AuthRefreshTTL    time.Duration `mapstructure:"AUTH_REFRESH_TTL"`
	AuthVerifyTTL     time.Duration `mapstructure:"AUTH_VERIFY_TTL"`
	AuthResetTTL      time.Duration `mapstructure:"AUTH_RESET_TTL"`
	BcryptCost        int           `mapstructure:"BCRYPT_COST"`

	RateLimitInterval time.Duration `mapstructure:"RATE_LIMIT_INTERVAL"`
	RateLimitIdleTTL  time.Duration `mapstructure:"RATE_LIMIT_IDLE_TTL"`
	// TrustedProxies lists CIDRs whose X-Forwarded-For is believed.
	TrustedProxies []string `mapstructure:"TRUSTED_PROXIES"`

	DetectorURL     string        `mapstructure:"DETECTOR_URL"`
	DetectorTimeout time.Duration `mapstructure:"DETECTOR_TIMEOUT"`
	ImageBaseURL    string        `mapstructure:"IMAGE_BASE_URL"`

	MinioEndpoint   string        `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey  string        `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey  string        `mapstructure:"MINIO_SECRET_KEY"`
	MinioBucket     string        `mapstructure:"MINIO_BUCKET"`
	MinioUseSSL     bool          `mapstructure:"MINIO_USE_SSL"`
	MinioPresignTTL time.Duration `mapstructure:"MINIO_PRESIGN_TTL"`

	AMQPURL       string `mapstructure:"AMQP_URL"`
	MailQueue     string `mapstructure:"MAIL_QUEUE"`
	PublicBaseURL string `mapstructure:"PUBLIC_BASE_URL"`

	SweepInterval  time.Duration `mapstructure:"SWEEP_INTERVAL"`
	GRPCHealthAddr string        `mapstructure:"GRPC_HEALTH_ADDR"`

	OTELEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "LOG_FORMAT",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_IDLE_CONNS", "DB_CONN_MAX_AGE",
	"AUTH_ISSUER", "AUTH_ACCESS_SECRET", "AUTH_REFRESH_SECRET", "AUTH_VERIFY_SECRET", "AUTH_RESET_SECRET",
	"AUTH_ACCESS_TTL", "AUTH_REFRESH_TTL", "AUTH_VERIFY_TTL", "AUTH_RESET_TTL", "BCRYPT_COST",
	"RATE_LIMIT_INTERVAL", "RATE_LIMIT_IDLE_TTL", "TRUSTED_PROXIES",
	"DETECTOR_URL", "DETECTOR_TIMEOUT", "IMAGE_BASE_URL",
	"MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY", "MINIO_BUCKET", "MINIO_USE_SSL", "MINIO_PRESIGN_TTL",
	"AMQP_URL", "MAIL_QUEUE", "PUBLIC_BASE_URL",
	"SWEEP_INTERVAL", "GRPC_HEALTH_ADDR",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE",
}

// Load reads configuration from the environment. Variables are looked up
// with the CYTOLAB_ prefix first and then unprefixed.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	if env := lookupEnv(v, "ENV"); env == "" || env == "development" {
		// .env is optional
		_ = godotenv.Load()
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_IDLE_CONNS", 10)
	v.SetDefault("DB_CONN_MAX_AGE", "30m")
	v.SetDefault("AUTH_ISSUER", "cytolab")
	v.SetDefault("AUTH_ACCESS_TTL", "30m")
	v.SetDefault("AUTH_REFRESH_TTL", "720h")
	v.SetDefault("AUTH_VERIFY_TTL", "24h")
	v.SetDefault("AUTH_RESET_TTL", "30m")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("RATE_LIMIT_INTERVAL", "200ms")
	v.SetDefault("RATE_LIMIT_IDLE_TTL", "5m")
	v.SetDefault("DETECTOR_URL", "http://localhost:8001/process-images")
	v.SetDefault("DETECTOR_TIMEOUT", "30s")
	v.SetDefault("IMAGE_BASE_URL", "http://localhost:8080/media")
	v.SetDefault("MINIO_PRESIGN_TTL", "15m")
	v.SetDefault("MAIL_QUEUE", "cytolab.mail")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8080")
	v.SetDefault("SWEEP_INTERVAL", "1h")

	for _, key := range keys {
		_ = v.BindEnv(key, envPrefix+"_"+key, key)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func lookupEnv(v *viper.Viper, key string) string {
	_ = v.BindEnv(key, envPrefix+"_"+key, key)
	return v.GetString(key)
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// keySecrets extracts the secrets of a "kid:secret,..." keyring value.
func keySecrets(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if i := strings.IndexByte(entry, ':'); i > 0 {
			entry = entry[i+1:]
		}
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

// Validate fails when the process cannot safely serve traffic.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	secrets := map[string]string{
		"AUTH_ACCESS_SECRET":  c.AuthAccessSecret,
		"AUTH_REFRESH_SECRET": c.AuthRefreshSecret,
		"AUTH_VERIFY_SECRET":  c.AuthVerifySecret,
		"AUTH_RESET_SECRET":   c.AuthResetSecret,
	}
	owner := make(map[string]string)
	for _, name := range []string{"AUTH_ACCESS_SECRET", "AUTH_REFRESH_SECRET", "AUTH_VERIFY_SECRET", "AUTH_RESET_SECRET"} {
		if strings.TrimSpace(secrets[name]) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
			continue
		}
		for _, secret := range keySecrets(secrets[name]) {
			if prev, dup := owner[secret]; dup && prev != name {
				errs = append(errs, fmt.Errorf("%s reuses a key of %s; token kinds must not share keys", name, prev))
				continue
			}
			owner[secret] = name
		}
	}
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if _, err := netip.ParsePrefix(raw); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(raw); err != nil {
			errs = append(errs, fmt.Errorf("TRUSTED_PROXIES: invalid entry %q", raw))
		}
	}
	if c.RateLimitInterval <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_INTERVAL must be positive"))
	}
	if c.DetectorTimeout <= 0 {
		errs = append(errs, errors.New("DETECTOR_TIMEOUT must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if strings.TrimSpace(c.DetectorURL) == "" {
		errs = append(errs, errors.New("DETECTOR_URL is required"))
	}
	return errors.Join(errs...)
}

// MinioEnabled reports whether presigned object URLs should be used for images.
func (c *Config) MinioEnabled() bool {
	return strings.TrimSpace(c.MinioEndpoint) != ""
}
