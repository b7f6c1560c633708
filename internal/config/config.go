// Package config loads the ingest service's environment-driven
// configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// NNTPConfig configures the upstream NNTP provider.
type NNTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	SSL             bool          `mapstructure:"ssl"`
	User            string        `mapstructure:"user"`
	Pass            string        `mapstructure:"pass"`
	Groups          []string      `mapstructure:"groups"`
	GroupFile       string        `mapstructure:"group_file"`
	GroupWildcard   string        `mapstructure:"group_wildcard"`
	IgnoreGroups    []string      `mapstructure:"ignore_groups"`
	TimeoutSeconds  int           `mapstructure:"timeout_seconds"`
	ConnectBase     time.Duration `mapstructure:"connect_base"`
	ConnectMaxDelay time.Duration `mapstructure:"connect_max_delay"`
}

// IngestConfig configures batching, polling, and adaptive-sleep behavior.
type IngestConfig struct {
	Batch              int           `mapstructure:"batch"`
	BatchMin           int           `mapstructure:"batch_min"`
	BatchMax           int           `mapstructure:"batch_max"`
	PollMinSeconds     time.Duration `mapstructure:"poll_min_seconds"`
	PollMaxSeconds     time.Duration `mapstructure:"poll_max_seconds"`
	SleepMs            time.Duration `mapstructure:"sleep_ms"`
	DBLatencyMs        float64       `mapstructure:"db_latency_ms"`
	OSLatencyMs        float64       `mapstructure:"os_latency_ms"`
	LogEvery           int           `mapstructure:"log_every"`
	DetectLanguage     bool          `mapstructure:"detect_language"`
	ValidateSegments   bool          `mapstructure:"validate_segments"`
	PartMaxReleases    int           `mapstructure:"part_max_releases"`
	IrrelevantTTL      time.Duration `mapstructure:"irrelevant_ttl"`
	Workers            int           `mapstructure:"workers"`
}

// StoreConfig configures the dependencies ingest writes to.
type StoreConfig struct {
	CursorDB      string `mapstructure:"cursor_db"`
	DatabaseURL   string `mapstructure:"database_url"`
	OpenSearchURL string `mapstructure:"opensearch_url"`
	RedisURL      string `mapstructure:"redis_url"`
}

// CircuitBreakerConfig configures per-dependency retry/backoff/trip behavior.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetSeconds     time.Duration `mapstructure:"reset_seconds"`
	RetryMax         int           `mapstructure:"retry_max"`
	RetryBaseMs      time.Duration `mapstructure:"retry_base_ms"`
	RetryJitterMs    time.Duration `mapstructure:"retry_jitter_ms"`
}

// SizeRange is a category's [min, max] size window in bytes, 0 meaning
// unbounded on that side.
type SizeRange struct {
	MinBytes int64
	MaxBytes int64
}

// CategoryConfig configures category size windows, id overrides, and the
// retention/pruning thresholds that key off them.
type CategoryConfig struct {
	Movie              SizeRange     `mapstructure:"-"`
	TV                 SizeRange     `mapstructure:"-"`
	XXX                SizeRange     `mapstructure:"-"`
	MovieMinSizeMB     int64         `mapstructure:"movie_min_size_mb"`
	MovieMaxSizeMB     int64         `mapstructure:"movie_max_size_mb"`
	TVMinSizeMB        int64         `mapstructure:"tv_min_size_mb"`
	TVMaxSizeMB        int64         `mapstructure:"tv_max_size_mb"`
	XXXMinSizeMB       int64         `mapstructure:"xxx_min_size_mb"`
	XXXMaxSizeMB       int64         `mapstructure:"xxx_max_size_mb"`
	MaxReleaseBytes    int64         `mapstructure:"max_release_bytes"`
	RetentionDays      int           `mapstructure:"retention_days"`
	MoviesCatID        int           `mapstructure:"movies_cat_id"`
	TVCatID            int           `mapstructure:"tv_cat_id"`
	AudioCatID         int           `mapstructure:"audio_cat_id"`
	BooksCatID         int           `mapstructure:"books_cat_id"`
	AdultCatID         int           `mapstructure:"adult_cat_id"`
	AllowXXX           bool          `mapstructure:"allow_xxx"`
	SafeSearch         bool          `mapstructure:"safesearch"`
	DisallowedExtRaw   string        `mapstructure:"disallowed_extensions"`
	DisallowedExt      []string      `mapstructure:"-"`
}

// Config is the complete environment-driven configuration for nzbidxd.
type Config struct {
	NNTP     NNTPConfig           `mapstructure:"nntp"`
	Ingest   IngestConfig         `mapstructure:"ingest"`
	Store    StoreConfig          `mapstructure:"store"`
	Breaker  CircuitBreakerConfig `mapstructure:"breaker"`
	Category CategoryConfig       `mapstructure:"category"`
	HTTPAddr string               `mapstructure:"http_addr"`
}

// Load reads configuration from environment variables named
// (e.g. NNTP_HOST, INGEST_BATCH_MIN, DATABASE_URL). No file is read; this
// service is purely environment-driven.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bind := func(key, env string) {
		_ = v.BindEnv(key, env)
	}

	bind("nntp.host", "NNTP_HOST")
	bind("nntp.port", "NNTP_PORT")
	bind("nntp.ssl", "NNTP_SSL")
	bind("nntp.user", "NNTP_USER")
	bind("nntp.pass", "NNTP_PASS")
	bind("nntp.groups", "NNTP_GROUPS")
	bind("nntp.group_file", "NNTP_GROUP_FILE")
	bind("nntp.group_wildcard", "NNTP_GROUP_WILDCARD")
	bind("nntp.ignore_groups", "NNTP_IGNORE_GROUPS")
	bind("nntp.timeout_seconds", "NNTP_TIMEOUT_SECONDS")
	bind("nntp.connect_base", "NNTP_CONNECT_BASE")
	bind("nntp.connect_max_delay", "NNTP_CONNECT_MAX_DELAY")

	bind("ingest.batch", "INGEST_BATCH")
	bind("ingest.batch_min", "INGEST_BATCH_MIN")
	bind("ingest.batch_max", "INGEST_BATCH_MAX")
	bind("ingest.poll_min_seconds", "INGEST_POLL_MIN_SECONDS")
	bind("ingest.poll_max_seconds", "INGEST_POLL_MAX_SECONDS")
	bind("ingest.sleep_ms", "INGEST_SLEEP_MS")
	bind("ingest.db_latency_ms", "INGEST_DB_LATENCY_MS")
	bind("ingest.os_latency_ms", "INGEST_OS_LATENCY_MS")
	bind("ingest.log_every", "INGEST_LOG_EVERY")
	bind("ingest.detect_language", "DETECT_LANGUAGE")
	bind("ingest.validate_segments", "VALIDATE_SEGMENTS")
	bind("ingest.part_max_releases", "RELEASE_PART_MAX_RELEASES")
	bind("ingest.workers", "INGEST_WORKERS")

	bind("store.cursor_db", "CURSOR_DB")
	bind("store.database_url", "DATABASE_URL")
	bind("store.opensearch_url", "OPENSEARCH_URL")
	bind("store.redis_url", "REDIS_URL")

	bind("breaker.failure_threshold", "CB_FAILURE_THRESHOLD")
	bind("breaker.reset_seconds", "CB_RESET_SECONDS")
	bind("breaker.retry_max", "RETRY_MAX")
	bind("breaker.retry_base_ms", "RETRY_BASE_MS")
	bind("breaker.retry_jitter_ms", "RETRY_JITTER_MS")

	bind("category.movie_min_size_mb", "MOVIE_MIN_SIZE_MB")
	bind("category.movie_max_size_mb", "MOVIE_MAX_SIZE_MB")
	bind("category.tv_min_size_mb", "TV_MIN_SIZE_MB")
	bind("category.tv_max_size_mb", "TV_MAX_SIZE_MB")
	bind("category.xxx_min_size_mb", "XXX_MIN_SIZE_MB")
	bind("category.xxx_max_size_mb", "XXX_MAX_SIZE_MB")
	bind("category.max_release_bytes", "MAX_RELEASE_BYTES")
	bind("category.retention_days", "RELEASE_RETENTION_DAYS")
	bind("category.movies_cat_id", "MOVIES_CAT_ID")
	bind("category.tv_cat_id", "TV_CAT_ID")
	bind("category.audio_cat_id", "AUDIO_CAT_ID")
	bind("category.books_cat_id", "BOOKS_CAT_ID")
	bind("category.adult_cat_id", "ADULT_CAT_ID")
	bind("category.allow_xxx", "ALLOW_XXX")
	bind("category.safesearch", "SAFESEARCH")
	bind("category.disallowed_extensions", "DISALLOWED_EXTENSIONS")

	bind("http_addr", "HTTP_ADDR")

	v.SetDefault("nntp.port", 119)
	v.SetDefault("nntp.group_wildcard", "alt.binaries.*")
	v.SetDefault("nntp.timeout_seconds", 60)
	v.SetDefault("nntp.connect_base", "1s")
	v.SetDefault("nntp.connect_max_delay", "60s")

	v.SetDefault("ingest.batch", 5000)
	v.SetDefault("ingest.batch_min", 500)
	v.SetDefault("ingest.batch_max", 20000)
	v.SetDefault("ingest.poll_min_seconds", "5s")
	v.SetDefault("ingest.poll_max_seconds", "300s")
	v.SetDefault("ingest.sleep_ms", "1000ms")
	v.SetDefault("ingest.db_latency_ms", 50.0)
	v.SetDefault("ingest.os_latency_ms", 50.0)
	v.SetDefault("ingest.log_every", 1)
	v.SetDefault("ingest.detect_language", true)
	v.SetDefault("ingest.validate_segments", true)
	v.SetDefault("ingest.part_max_releases", 100000)
	v.SetDefault("ingest.workers", 1)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_seconds", "30s")
	v.SetDefault("breaker.retry_max", 3)
	v.SetDefault("breaker.retry_base_ms", "200ms")
	v.SetDefault("breaker.retry_jitter_ms", "200ms")

	v.SetDefault("category.movie_min_size_mb", 300)
	v.SetDefault("category.movie_max_size_mb", 0)
	v.SetDefault("category.tv_min_size_mb", 50)
	v.SetDefault("category.tv_max_size_mb", 0)
	v.SetDefault("category.xxx_min_size_mb", 100)
	v.SetDefault("category.xxx_max_size_mb", 0)
	v.SetDefault("category.max_release_bytes", 0)
	v.SetDefault("category.retention_days", 0)
	v.SetDefault("category.movies_cat_id", 2000)
	v.SetDefault("category.tv_cat_id", 5000)
	v.SetDefault("category.audio_cat_id", 3000)
	v.SetDefault("category.books_cat_id", 7020)
	v.SetDefault("category.adult_cat_id", 6000)
	v.SetDefault("category.allow_xxx", true)
	v.SetDefault("category.safesearch", false)
	v.SetDefault("category.disallowed_extensions", "exe,scr,bat,vbs,jar,msi")

	v.SetDefault("http_addr", ":8081")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	cfg.NNTP.Groups = splitList(v.GetString("nntp.groups"), cfg.NNTP.Groups)
	cfg.NNTP.IgnoreGroups = splitList(v.GetString("nntp.ignore_groups"), cfg.NNTP.IgnoreGroups)

	cfg.Category.Movie = SizeRange{MinBytes: cfg.Category.MovieMinSizeMB * 1 << 20, MaxBytes: cfg.Category.MovieMaxSizeMB * 1 << 20}
	cfg.Category.TV = SizeRange{MinBytes: cfg.Category.TVMinSizeMB * 1 << 20, MaxBytes: cfg.Category.TVMaxSizeMB * 1 << 20}
	cfg.Category.XXX = SizeRange{MinBytes: cfg.Category.XXXMinSizeMB * 1 << 20, MaxBytes: cfg.Category.XXXMaxSizeMB * 1 << 20}
	cfg.Category.DisallowedExt = splitList(cfg.Category.DisallowedExtRaw, nil)

	if cfg.Ingest.IrrelevantTTL == 0 {
		cfg.Ingest.IrrelevantTTL = 24 * time.Hour
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func splitList(raw string, existing []string) []string {
	if raw == "" {
		return existing
	}
	raw = strings.ReplaceAll(raw, "\n", ",")
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.Store.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.Store.CursorDB == "" {
		return errors.New("CURSOR_DB is required")
	}
	if len(c.NNTP.Groups) == 0 && c.NNTP.GroupFile == "" && c.NNTP.GroupWildcard == "" {
		return errors.New("at least one of NNTP_GROUPS, NNTP_GROUP_FILE, or NNTP_GROUP_WILDCARD must be set")
	}
	if c.NNTP.Host == "" {
		return errors.New("NNTP_HOST is required")
	}
	if c.Ingest.BatchMin <= 0 || c.Ingest.BatchMax < c.Ingest.BatchMin {
		return fmt.Errorf("invalid batch bounds: min=%d max=%d", c.Ingest.BatchMin, c.Ingest.BatchMax)
	}
	if c.Ingest.Workers <= 0 {
		c.Ingest.Workers = 1
	}
	return nil
}

// TLS reports whether the connection to NNTP_HOST should be wrapped in TLS,
// defaulting to "yes if port 563", overridable via NNTP_SSL.
func (c NNTPConfig) TLS() bool {
	if c.SSL {
		return true
	}
	return c.Port == 563
}
