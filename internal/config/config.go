package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	AssetStoreFS = "fs"
	AssetStoreS3 = "s3"

	DefaultWatermarkText = "Purchased copy - not for redistribution"
)

type Config struct {
	Port string

	DatabaseURL string
	JWTSecret   string

	AssetStore  string // "fs" or "s3"
	AssetDir    string
	S3          S3Config
	CatalogFile string

	WatermarkText    string
	WatermarkTimeout time.Duration

	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSOrigins       []string
	TrustedProxies    []netip.Prefix

	MPesa MPesaConfig

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string
	AdminEmail   string

	SentryDSN string
	LogLevel  string
}

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

type MPesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
}

// Enabled reports whether enough Daraja credentials are present to initiate STK pushes.
func (m MPesaConfig) Enabled() bool {
	return m.ConsumerKey != "" && m.ConsumerSecret != "" && m.ShortCode != "" && m.Passkey != ""
}

// SMTPEnabled reports whether claim notifications can be sent.
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != "" && c.SMTPPort != "" && c.AdminEmail != ""
}

// New reads configuration from the environment. Every problem found is
// reported together rather than one at a time.
func New() (*Config, error) {
	var result *multierror.Error

	cfg := &Config{
		Port:          getenv("PORT", "8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		AssetStore:    strings.ToLower(getenv("ASSET_STORE", AssetStoreFS)),
		AssetDir:      getenv("ASSET_DIR", "uploads"),
		CatalogFile:   getenv("CATALOG_FILE", "catalog.json"),
		WatermarkText: getenv("WATERMARK_TEXT", DefaultWatermarkText),
		CORSOrigins:   splitList(getenv("CORS_ORIGINS", "*")),
		S3: S3Config{
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			Bucket:    os.Getenv("S3_BUCKET"),
			Region:    getenv("S3_REGION", "us-east-1"),
		},
		MPesa: MPesaConfig{
			BaseURL:        getenv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"),
			ConsumerKey:    os.Getenv("MPESA_CONSUMER_KEY"),
			ConsumerSecret: os.Getenv("MPESA_CONSUMER_SECRET"),
			ShortCode:      os.Getenv("MPESA_SHORTCODE"),
			Passkey:        os.Getenv("MPESA_PASSKEY"),
			CallbackURL:    os.Getenv("MPESA_CALLBACK_URL"),
		},
		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     os.Getenv("SMTP_PORT"),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		EmailFrom:    getenv("EMAIL_FROM", "purchases@houseplans.app"),
		AdminEmail:   os.Getenv("ADMIN_EMAIL"),
		SentryDSN:    os.Getenv("SENTRY_DSN"),
		LogLevel:     getenv("LOG_LEVEL", "info"),
	}

	if cfg.DatabaseURL == "" {
		result = multierror.Append(result, errors.New("DATABASE_URL environment variable is required"))
	}
	if cfg.JWTSecret == "" {
		result = multierror.Append(result, errors.New("JWT_SECRET environment variable is required"))
	} else if len(cfg.JWTSecret) < 32 {
		result = multierror.Append(result, errors.New("JWT_SECRET must be at least 32 bytes"))
	}

	switch cfg.AssetStore {
	case AssetStoreFS:
		if cfg.AssetDir == "" {
			result = multierror.Append(result, errors.New("ASSET_DIR must not be empty"))
		}
	case AssetStoreS3:
		if cfg.S3.Endpoint == "" || cfg.S3.Bucket == "" {
			result = multierror.Append(result, errors.New("S3_ENDPOINT and S3_BUCKET environment variables are required when ASSET_STORE=s3"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("ASSET_STORE must be %q or %q, got %q", AssetStoreFS, AssetStoreS3, cfg.AssetStore))
	}

	var err error
	if cfg.S3.UseSSL, err = getbool("S3_USE_SSL", true); err != nil {
		result = multierror.Append(result, err)
	}
	if cfg.WatermarkTimeout, err = getduration("WATERMARK_TIMEOUT", 30*time.Second); err != nil {
		result = multierror.Append(result, err)
	}
	if cfg.RateLimitWindow, err = getduration("RATE_LIMIT_WINDOW", time.Minute); err != nil {
		result = multierror.Append(result, err)
	}
	if cfg.RateLimitRequests, err = getint("RATE_LIMIT_REQUESTS", 30); err != nil {
		result = multierror.Append(result, err)
	}

	if cfg.TrustedProxies, err = getprefixes("TRUSTED_PROXIES"); err != nil {
		result = multierror.Append(result, err)
	}

	if cfg.MPesa.Enabled() && cfg.MPesa.CallbackURL == "" {
		result = multierror.Append(result, errors.New("MPESA_CALLBACK_URL environment variable is required when M-Pesa credentials are set"))
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", key, raw)
	}
	return v, nil
}

func getbool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, raw)
	}
	return v, nil
}

func getduration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, raw)
	}
	return v, nil
}

// getprefixes accepts addresses and CIDR ranges; a bare address trusts only itself.
func getprefixes(key string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range splitList(os.Getenv(key)) {
		if prefix, err := netip.ParsePrefix(part); err == nil {
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			return nil, fmt.Errorf("%s entry %q is not an IP address or CIDR range", key, part)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
