package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string
	Store      StoreConfig
	Execution  ExecutionConfig
	Cluster    ClusterConfig
	Proxy      ProxyConfig
	Realtime   RealtimeConfig
	Scheduler  SchedulerConfig
	Archive    ArchiveConfig
	LogLevel   string
	LogPath    string
	Platforms  map[string]*PlatformConfig
}

type StoreConfig struct {
	Driver      string // postgres, sqlite, memory
	DatabaseURL string
	DBPath      string
}

type ExecutionConfig struct {
	Substrate          string // inline, cluster
	InlineWorkers      int
	ProgressFlushEvery int
	FetchRetries       int
	FetchRetryBackoff  time.Duration
}

type ClusterConfig struct {
	APIURL       string
	Token        string
	Image        string
	PollInterval time.Duration
	PollTimeout  time.Duration
}

type ProxyConfig struct {
	URL string
}

type RealtimeConfig struct {
	Throttle       time.Duration
	AllowedOrigins []string
}

type SchedulerConfig struct {
	Cron                   string
	MaxConsecutiveFailures int
}

type ArchiveConfig struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for DO Spaces, R2, MinIO
	AccessKeyID     string
	SecretAccessKey string
}

// PlatformConfig is one row of the platform capability table.
type PlatformConfig struct {
	ID          string            `yaml:"id" validate:"required"`
	Name        string            `yaml:"name"`
	Strategy    string            `yaml:"strategy" validate:"required,oneof=api html browser"`
	BaseURL     string            `yaml:"base_url" validate:"required,url"`
	Endpoints   map[string]string `yaml:"endpoints"`
	Method      string            `yaml:"method" validate:"omitempty,oneof=GET POST"`
	Params      map[string]string `yaml:"params"`
	Static      map[string]string `yaml:"static_params"`
	PageSize    int               `yaml:"page_size" validate:"gte=0"`
	RateLimitMS int               `yaml:"rate_limit_ms" validate:"gte=0"`
	ResultsPath string            `yaml:"results_path"`
	Fields      map[string]string `yaml:"fields" validate:"required"`
	Selectors   map[string]string `yaml:"selectors"`
	Quirks      Quirks            `yaml:"quirks"`
}

// SearchURL is the listing search endpoint, falling back to the base URL.
func (p *PlatformConfig) SearchURL() string {
	if u := p.Endpoints["search"]; u != "" {
		return u
	}
	return p.BaseURL
}

// Quirks holds the per-platform normalization differences.
type Quirks struct {
	PriceFormat string  `yaml:"price_format" validate:"omitempty,oneof=numeric text"`
	PriceScale  float64 `yaml:"price_scale" validate:"gte=0"`
	SizeUnit    string  `yaml:"size_unit" validate:"omitempty,oneof=m2 sqft"`
	URLPrefix   string  `yaml:"url_prefix"`
	ImagePrefix string  `yaml:"image_prefix"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validator returns the shared struct validator.
func Validator() *validator.Validate {
	return validate
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		Store: StoreConfig{
			Driver:      getEnv("STORE_DRIVER", "sqlite"),
			DatabaseURL: os.Getenv("DATABASE_URL"),
			DBPath:      getEnv("DB_PATH", "market_intel.db"),
		},
		Execution: ExecutionConfig{
			Substrate:          getEnv("EXECUTION_SUBSTRATE", "inline"),
			InlineWorkers:      getEnvInt("INLINE_WORKERS", 4),
			ProgressFlushEvery: getEnvInt("PROGRESS_FLUSH_EVERY", 10),
			FetchRetries:       getEnvInt("FETCH_RETRIES", 2),
			FetchRetryBackoff:  getEnvDuration("FETCH_RETRY_BACKOFF", 2*time.Second),
		},
		Cluster: ClusterConfig{
			APIURL:       os.Getenv("CLUSTER_API_URL"),
			Token:        os.Getenv("CLUSTER_API_TOKEN"),
			Image:        getEnv("CLUSTER_IMAGE", "market-intel:latest"),
			PollInterval: getEnvDuration("CLUSTER_POLL_INTERVAL", 10*time.Second),
			PollTimeout:  getEnvDuration("CLUSTER_POLL_TIMEOUT", 2*time.Hour),
		},
		Proxy: ProxyConfig{
			URL: os.Getenv("PROXY_URL"),
		},
		Realtime: RealtimeConfig{
			Throttle:       getEnvDuration("REALTIME_THROTTLE", 500*time.Millisecond),
			AllowedOrigins: getEnvList("REALTIME_ALLOWED_ORIGINS"),
		},
		Scheduler: SchedulerConfig{
			Cron:                   getEnv("SCHEDULER_CRON", "@every 1m"),
			MaxConsecutiveFailures: getEnvInt("MAX_CONSECUTIVE_FAILURES", 5),
		},
		Archive: ArchiveConfig{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPath:   getEnv("LOG_PATH", "market_intel.log"),
		Platforms: make(map[string]*PlatformConfig),
	}

	switch cfg.Execution.Substrate {
	case "inline", "cluster":
	default:
		return nil, fmt.Errorf("unknown EXECUTION_SUBSTRATE %q", cfg.Execution.Substrate)
	}
	if cfg.Execution.Substrate == "cluster" && cfg.Cluster.APIURL == "" {
		return nil, fmt.Errorf("CLUSTER_API_URL is required for the cluster substrate")
	}

	if err := cfg.LoadPlatforms(getEnv("PLATFORMS_DIR", "config/platforms")); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadPlatforms reads every *.yaml platform definition in dir.
func (c *Config) LoadPlatforms(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var platform PlatformConfig
		if err := yaml.Unmarshal(data, &platform); err != nil {
			return fmt.Errorf("%s: %w", entry.Name(), err)
		}
		if err := validate.Struct(&platform); err != nil {
			return fmt.Errorf("%s: %w", entry.Name(), err)
		}
		if platform.PageSize == 0 {
			platform.PageSize = 20
		}
		if platform.Method == "" {
			platform.Method = "GET"
		}

		c.Platforms[platform.ID] = &platform
	}

	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
