package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/agentworkforce/linemirror/internal/linemirror"
)

const EnvPrefix = "LINEMIRROR"

// DefaultJWTSecret signs dashboard tokens when none is configured. It is only
// fit for local development.
const DefaultJWTSecret = "dev-secret"

type Config struct {
	Addr              string
	StoreDSN          string
	Profile           string
	DataDir           string
	WebhookSecret     string
	WebhookSecretFile string
	SignatureMaxSkew  time.Duration
	JWTSecret         string
	RedisURL          string
	HistoryBaseURL    string
	HistoryMaxPages   int
	BackfillPageSize  int
	BackfillLookback  time.Duration
	BackfillCooldown  time.Duration
	WorkerConcurrency int
	DeliveredRule     linemirror.DeliveredRule
	MaxBodyBytes      int64
	RateLimitMax      int
	RateLimitWindow   time.Duration
	AllowedOrigins    []string
}

type LoadOptions struct {
	// ConfigFile is an optional YAML file. Environment variables win over it.
	ConfigFile string
	// EnvFile is loaded into the process environment when present. Defaults to ".env".
	EnvFile string
	Logger  *slog.Logger
}

// Load resolves configuration from the environment, an optional .env file and
// an optional YAML file. Unparseable values fall back to their defaults with a
// warning; only structural problems are returned as errors.
func Load(opts LoadOptions) (Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("could not load env file", "path", envFile, "error", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", opts.ConfigFile, err)
		}
	}

	r := reader{v: v, logger: logger}
	cfg := Config{
		Addr:              r.str("addr"),
		StoreDSN:          r.str("store_dsn"),
		Profile:           strings.ToLower(r.str("profile")),
		DataDir:           r.str("data_dir"),
		WebhookSecret:     r.str("webhook_secret"),
		WebhookSecretFile: r.str("webhook_secret_file"),
		SignatureMaxSkew:  r.duration("signature_max_skew", 0),
		JWTSecret:         r.str("jwt_secret"),
		RedisURL:          r.str("redis_url"),
		HistoryBaseURL:    r.str("history_base_url"),
		HistoryMaxPages:   r.integer("history_max_pages", 1),
		BackfillPageSize:  r.integer("backfill_page_size", linemirror.DefaultBackfillPageSize),
		BackfillLookback:  r.duration("backfill_lookback", linemirror.DefaultBackfillLookback),
		BackfillCooldown:  r.duration("backfill_cooldown", 5*time.Minute),
		WorkerConcurrency: r.integer("worker_concurrency", 4),
		MaxBodyBytes:      r.integer64("max_body_bytes", 1<<20),
		RateLimitMax:      r.integer("rate_limit_max", 0),
		RateLimitWindow:   r.duration("rate_limit_window", time.Minute),
		AllowedOrigins:    r.list("allowed_origins"),
	}

	rule, err := linemirror.ParseDeliveredRule(r.str("delivered_participants"))
	if err != nil {
		logger.Warn("invalid config value, using default", "key", "delivered_participants", "error", err)
		rule = linemirror.DeliveredReplace
	}
	cfg.DeliveredRule = rule

	if cfg.BackfillPageSize < 1 || cfg.BackfillPageSize > linemirror.DefaultBackfillPageSize {
		logger.Warn("backfill page size out of range, using default", "value", cfg.BackfillPageSize)
		cfg.BackfillPageSize = linemirror.DefaultBackfillPageSize
	}

	dsn, err := resolveStoreDSN(cfg)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreDSN = dsn
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("profile", "memory")
	v.SetDefault("data_dir", ".linemirror")
	v.SetDefault("jwt_secret", DefaultJWTSecret)
	v.SetDefault("delivered_participants", string(linemirror.DeliveredReplace))
}

// resolveStoreDSN lets an explicit store DSN override the profile default.
func resolveStoreDSN(cfg Config) (string, error) {
	if strings.TrimSpace(cfg.StoreDSN) != "" {
		return strings.TrimSpace(cfg.StoreDSN), nil
	}
	switch cfg.Profile {
	case "", "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "sqlite://" + filepath.Join(cfg.DataDir, "linemirror.db"), nil
	case "production", "prod":
		return "", fmt.Errorf("%s_STORE_DSN is required when %s_PROFILE=%s", EnvPrefix, EnvPrefix, cfg.Profile)
	default:
		return "", fmt.Errorf("unsupported %s_PROFILE: %s", EnvPrefix, cfg.Profile)
	}
}

// WebhookSecretSource returns the file-backed secret when a path is set,
// otherwise the static value.
// UsesDefaultJWTSecret reports whether dashboard tokens are verified with
// the development secret.
func (c Config) UsesDefaultJWTSecret() bool {
	return c.JWTSecret == "" || c.JWTSecret == DefaultJWTSecret
}

func (c Config) WebhookSecretSource(logger *slog.Logger) (linemirror.SecretSource, func() error, error) {
	if path := strings.TrimSpace(c.WebhookSecretFile); path != "" {
		secret, err := linemirror.NewFileSecret(path, logger)
		if err != nil {
			return nil, nil, err
		}
		return secret, secret.Close, nil
	}
	return linemirror.StaticSecret(c.WebhookSecret), func() error { return nil }, nil
}

type reader struct {
	v      *viper.Viper
	logger *slog.Logger
}

func (r reader) str(key string) string {
	return strings.TrimSpace(r.v.GetString(key))
}

func (r reader) integer(key string, fallback int) int {
	raw := r.str(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		r.logger.Warn("invalid config value, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return value
}

func (r reader) integer64(key string, fallback int64) int64 {
	raw := r.str(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		r.logger.Warn("invalid config value, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return value
}

func (r reader) duration(key string, fallback time.Duration) time.Duration {
	raw := r.str(key)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		r.logger.Warn("invalid config value, using default", "key", key, "value", raw, "default", fallback.String())
		return fallback
	}
	return value
}

// list accepts a YAML sequence or a comma separated env value.
func (r reader) list(key string) []string {
	var out []string
	for _, item := range r.v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
