package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration decodes "15m"-style strings from TOML, which the decoder cannot do
// for a bare time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config carries everything main needs to wire the process. Values come from
// the environment first; an optional TOML file (ERIGATE_CONFIG) overrides the
// defaults for local development.
type Config struct {
	Addr string `toml:"addr"`

	// Government service credentials and endpoint.
	GovBaseURL   string `toml:"gov_base_url"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	ERIUserID    string `toml:"eri_user_id"`
	// ERIPassword is the pre-encrypted password blob the login API expects.
	// It is opaque to this service.
	ERIPassword string `toml:"eri_password"`

	// DSC material used to sign every outbound payload.
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`

	// Inbound API security.
	JWTSigningKey string `toml:"jwt_signing_key"`
	APIKeyHash    string `toml:"api_key_hash"`

	// Optional external stores. Empty means in-memory.
	RedisURL    string   `toml:"redis_url"`
	PostgresURL string   `toml:"postgres_url"`
	KafkaSeeds  []string `toml:"kafka_seeds"`
	KafkaTopic  string   `toml:"kafka_topic"`

	// Workflow tuning. The OTP attempt bound and transaction windows are
	// external-service-defined; the defaults here are placeholders that must
	// be confirmed against the published ERI service limits.
	OTPMaxAttempts     int      `toml:"otp_max_attempts"`
	OTPWindow          Duration `toml:"otp_window"`
	EVCWindow          Duration `toml:"evc_window"`
	TokenRefreshMargin Duration `toml:"token_refresh_margin"`
	HTTPTimeout        Duration `toml:"http_timeout"`
	RetryMaxAttempts   int      `toml:"retry_max_attempts"`
	RetryBaseDelay     Duration `toml:"retry_base_delay"`
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:               envOr("ERIGATE_ADDR", ":8080"),
		GovBaseURL:         envOr("ERIGATE_GOV_BASE_URL", "http://localhost:8002"),
		ClientID:           os.Getenv("ERIGATE_CLIENT_ID"),
		ClientSecret:       os.Getenv("ERIGATE_CLIENT_SECRET"),
		ERIUserID:          os.Getenv("ERIGATE_ERI_USER_ID"),
		ERIPassword:        os.Getenv("ERIGATE_ERI_PASSWORD"),
		CertFile:           os.Getenv("ERIGATE_DSC_CERT_FILE"),
		KeyFile:            os.Getenv("ERIGATE_DSC_KEY_FILE"),
		JWTSigningKey:      envOr("ERIGATE_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		APIKeyHash:         os.Getenv("ERIGATE_API_KEY_HASH"),
		RedisURL:           os.Getenv("ERIGATE_REDIS_URL"),
		PostgresURL:        os.Getenv("ERIGATE_POSTGRES_URL"),
		KafkaTopic:         envOr("ERIGATE_KAFKA_TOPIC", "erigate.audit"),
		OTPMaxAttempts:     3,
		OTPWindow:          Duration(15 * time.Minute),
		EVCWindow:          Duration(72 * time.Hour),
		TokenRefreshMargin: Duration(2 * time.Minute),
		HTTPTimeout:        Duration(30 * time.Second),
		RetryMaxAttempts:   4,
		RetryBaseDelay:     Duration(500 * time.Millisecond),
	}
	if seeds := os.Getenv("ERIGATE_KAFKA_SEEDS"); seeds != "" {
		cfg.KafkaSeeds = strings.Split(seeds, ",")
	}
	if v := os.Getenv("ERIGATE_OTP_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse ERIGATE_OTP_MAX_ATTEMPTS: %w", err)
		}
		cfg.OTPMaxAttempts = n
	}
	for _, d := range []struct {
		env string
		dst *Duration
	}{
		{"ERIGATE_OTP_WINDOW", &cfg.OTPWindow},
		{"ERIGATE_EVC_WINDOW", &cfg.EVCWindow},
		{"ERIGATE_TOKEN_REFRESH_MARGIN", &cfg.TokenRefreshMargin},
		{"ERIGATE_HTTP_TIMEOUT", &cfg.HTTPTimeout},
	} {
		if v := os.Getenv(d.env); v != "" {
			if err := d.dst.UnmarshalText([]byte(v)); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", d.env, err)
			}
		}
	}

	if path := os.Getenv("ERIGATE_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// loadFile overlays values from a TOML file. Only keys present in the file are
// applied, so the file can hold just the local overrides.
func (c *Config) loadFile(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("load config file %s: %w", path, err)
	}
	if len(meta.Undecoded()) > 0 {
		return fmt.Errorf("config file %s: unknown keys %v", path, meta.Undecoded())
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
