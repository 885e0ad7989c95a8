// Package config provides configuration loading and validation for the ingestion service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Backend names
const (
	BlobMemory    = "memory"
	BlobBadger    = "badger"
	BlobS3        = "s3"
	BlobGCS       = "gcs"
	DocsPostgres  = "postgres"
	DocsFirestore = "firestore"
	DocsBadger    = "badger"
	DocsMemory    = "memory"
	PublishLog    = "log"
	PublishPubSub = "pubsub"
)

// Config represents the service configuration that can be loaded from a JSON file.
// All fields are optional; missing values use Defaults, environment variables
// and CLI flags override file values.
type Config struct {
	// Server
	Port           int     `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	RateLimitRPS   float64 `json:"rate_limit_rps,omitempty" validate:"omitempty,min=0"`
	RateLimitBurst int     `json:"rate_limit_burst,omitempty" validate:"omitempty,min=0"`

	// Storage
	DatabaseURL         string `json:"database_url,omitempty"`
	BlobBackend         string `json:"blob_backend,omitempty" validate:"omitempty,oneof=memory badger s3 gcs"`
	BlobDir             string `json:"blob_dir,omitempty"`    // Badger directory
	BlobBucket          string `json:"blob_bucket,omitempty"` // S3 or GCS bucket
	S3Region            string `json:"s3_region,omitempty"`
	S3Profile           string `json:"s3_profile,omitempty"`
	DocstoreBackend     string `json:"docstore_backend,omitempty" validate:"omitempty,oneof=postgres firestore badger memory"`
	DocstoreDir         string `json:"docstore_dir,omitempty"`
	FirestoreProject    string `json:"firestore_project,omitempty"`
	FirestoreCollection string `json:"firestore_collection,omitempty"`

	// Notifications
	PublisherBackend string `json:"publisher_backend,omitempty" validate:"omitempty,oneof=log pubsub"`
	PubSubProject    string `json:"pubsub_project,omitempty"`
	PubSubTopic      string `json:"pubsub_topic,omitempty"`

	// Providers
	APIKey              string `json:"api_key,omitempty"`         // Gemini API key
	GeocodeAPIKey       string `json:"geocode_api_key,omitempty"` // Google Geocoding API key
	OpenAIAPIKey        string `json:"openai_api_key,omitempty"`  // Embedding batches; local vectors when empty
	EmbeddingModel      string `json:"embedding_model,omitempty"`
	EmbeddingDimensions int    `json:"embedding_dimensions,omitempty" validate:"omitempty,min=1,max=4096"`
	UseBrowser          bool   `json:"use_browser,omitempty"` // Use headless browser for SPA sites

	// Worker
	WorkerID          string `json:"worker_id,omitempty"`
	PollInterval      string `json:"poll_interval,omitempty"`  // Scheduler tick, e.g. "5s"
	LeaseDuration     string `json:"lease_duration,omitempty"` // Run lease, e.g. "5m"
	BatchSize         int    `json:"batch_size,omitempty" validate:"omitempty,min=1,max=1000"`
	MaxConcurrentRuns int    `json:"max_concurrent_runs,omitempty" validate:"omitempty,min=1,max=256"`
	ItemConcurrency   int    `json:"item_concurrency,omitempty" validate:"omitempty,min=1,max=256"`

	// Observability
	LogLevel    string `json:"log_level,omitempty" validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat   string `json:"log_format,omitempty" validate:"omitempty,oneof=json text"`
	SentryDSN   string `json:"sentry_dsn,omitempty"`
	Environment string `json:"environment,omitempty"`
	Verbose     bool   `json:"verbose,omitempty"` // Print detailed debug information
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		Port:                8080,
		RateLimitRPS:        10,
		RateLimitBurst:      20,
		BlobBackend:         BlobBadger,
		BlobDir:             "data/blobs",
		DocstoreBackend:     DocsPostgres,
		DocstoreDir:         "data/activities",
		FirestoreCollection: "activities",
		PublisherBackend:    PublishLog,
		PubSubTopic:         "ingest-run-completed",
		EmbeddingDimensions: 256,
		PollInterval:        "5s",
		LeaseDuration:       "5m",
		BatchSize:           20,
		MaxConcurrentRuns:   4,
		ItemConcurrency:     8,
		LogLevel:            "info",
		LogFormat:           "json",
		Environment:         "development",
	}
}

// LoadConfig loads configuration from a JSON file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration has valid values.
// Required settings depend on the selected backends.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	if _, err := parseDuration(c.PollInterval); err != nil {
		return fmt.Errorf("config error: 'poll_interval': %w", err)
	}
	if _, err := parseDuration(c.LeaseDuration); err != nil {
		return fmt.Errorf("config error: 'lease_duration': %w", err)
	}

	if (c.BlobBackend == BlobS3 || c.BlobBackend == BlobGCS) && c.BlobBucket == "" {
		return fmt.Errorf("config error: 'blob_bucket' is required for the %s blob backend", c.BlobBackend)
	}
	if c.DocstoreBackend == DocsFirestore && c.FirestoreProject == "" {
		return fmt.Errorf("config error: 'firestore_project' is required for the firestore docstore")
	}
	if c.PublisherBackend == PublishPubSub && (c.PubSubProject == "" || c.PubSubTopic == "") {
		return fmt.Errorf("config error: 'pubsub_project' and 'pubsub_topic' are required for the pubsub publisher")
	}

	return nil
}

// PollEvery returns the scheduler tick interval.
func (c *Config) PollEvery() time.Duration {
	d, _ := parseDuration(c.PollInterval)
	return d
}

// Lease returns the run lease duration.
func (c *Config) Lease() time.Duration {
	d, _ := parseDuration(c.LeaseDuration)
	return d
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must be non-negative, got %s", s)
	}
	return d, nil
}

// FromEnv returns a copy of c with values overridden by environment variables.
func (c Config) FromEnv() Config {
	str := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	num(&c.Port, "PORT")
	str(&c.DatabaseURL, "DATABASE_URL")
	str(&c.BlobBackend, "BLOB_BACKEND")
	str(&c.BlobDir, "BLOB_DIR")
	str(&c.BlobBucket, "BLOB_BUCKET")
	str(&c.S3Region, "AWS_REGION")
	str(&c.S3Profile, "AWS_PROFILE")
	str(&c.DocstoreBackend, "DOCSTORE_BACKEND")
	str(&c.DocstoreDir, "DOCSTORE_DIR")
	str(&c.FirestoreProject, "FIRESTORE_PROJECT")
	str(&c.FirestoreCollection, "FIRESTORE_COLLECTION")
	str(&c.PublisherBackend, "PUBLISHER_BACKEND")
	str(&c.PubSubProject, "PUBSUB_PROJECT")
	str(&c.PubSubTopic, "PUBSUB_TOPIC")
	str(&c.APIKey, "GEMINI_API_KEY")
	str(&c.GeocodeAPIKey, "GOOGLE_MAPS_API_KEY")
	str(&c.OpenAIAPIKey, "OPENAI_API_KEY")
	str(&c.EmbeddingModel, "EMBEDDING_MODEL")
	str(&c.WorkerID, "WORKER_ID")
	str(&c.PollInterval, "POLL_INTERVAL")
	str(&c.LeaseDuration, "LEASE_DURATION")
	num(&c.BatchSize, "BATCH_SIZE")
	num(&c.MaxConcurrentRuns, "MAX_CONCURRENT_RUNS")
	str(&c.LogLevel, "LOG_LEVEL")
	str(&c.LogFormat, "LOG_FORMAT")
	str(&c.SentryDSN, "SENTRY_DSN")
	str(&c.Environment, "ENVIRONMENT")
	if v := os.Getenv("USE_BROWSER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.UseBrowser = b
		}
	}
	return c
}

// MergeWithDefaults returns a new Config with empty fields filled from defaults.
// This is used to apply config file values as defaults for CLI flags.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	// String fields: use default if empty
	for _, f := range []struct {
		dst *string
		def string
	}{
		{&result.DatabaseURL, defaults.DatabaseURL},
		{&result.BlobBackend, defaults.BlobBackend},
		{&result.BlobDir, defaults.BlobDir},
		{&result.BlobBucket, defaults.BlobBucket},
		{&result.S3Region, defaults.S3Region},
		{&result.S3Profile, defaults.S3Profile},
		{&result.DocstoreBackend, defaults.DocstoreBackend},
		{&result.DocstoreDir, defaults.DocstoreDir},
		{&result.FirestoreProject, defaults.FirestoreProject},
		{&result.FirestoreCollection, defaults.FirestoreCollection},
		{&result.PublisherBackend, defaults.PublisherBackend},
		{&result.PubSubProject, defaults.PubSubProject},
		{&result.PubSubTopic, defaults.PubSubTopic},
		{&result.APIKey, defaults.APIKey},
		{&result.GeocodeAPIKey, defaults.GeocodeAPIKey},
		{&result.OpenAIAPIKey, defaults.OpenAIAPIKey},
		{&result.EmbeddingModel, defaults.EmbeddingModel},
		{&result.WorkerID, defaults.WorkerID},
		{&result.PollInterval, defaults.PollInterval},
		{&result.LeaseDuration, defaults.LeaseDuration},
		{&result.LogLevel, defaults.LogLevel},
		{&result.LogFormat, defaults.LogFormat},
		{&result.SentryDSN, defaults.SentryDSN},
		{&result.Environment, defaults.Environment},
	} {
		if *f.dst == "" {
			*f.dst = f.def
		}
	}

	// Int fields: use default if zero
	for _, f := range []struct {
		dst *int
		def int
	}{
		{&result.Port, defaults.Port},
		{&result.RateLimitBurst, defaults.RateLimitBurst},
		{&result.EmbeddingDimensions, defaults.EmbeddingDimensions},
		{&result.BatchSize, defaults.BatchSize},
		{&result.MaxConcurrentRuns, defaults.MaxConcurrentRuns},
		{&result.ItemConcurrency, defaults.ItemConcurrency},
	} {
		if *f.dst == 0 {
			*f.dst = f.def
		}
	}

	if result.RateLimitRPS == 0 {
		result.RateLimitRPS = defaults.RateLimitRPS
	}

	// Bool fields: cannot distinguish unset from false, so we don't merge
	// (CLI flags should always win for bools)

	return result
}

// Resolve loads path (optional), fills defaults and applies the environment.
func Resolve(path string) (Config, error) {
	var cfg Config
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = *loaded
	}
	cfg = cfg.FromEnv()
	cfg = cfg.MergeWithDefaults(Defaults())
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
