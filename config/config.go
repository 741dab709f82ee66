package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Postgres  PostgresConfig
	Scheduler SchedulerConfig
	Pipeline  PipelineConfig
	Proxies   ProxyPoolConfig
	Dedup     DedupConfig
	DLQ       DLQConfig
	Quality   QualityConfig
	Realtime  RealtimeConfig
	Server    ServerConfig
	DBPath    string
	LogLevel  string
	Sources   map[string]*SourceConfig
}

type PostgresConfig struct {
	DBURL string
}

type SchedulerConfig struct {
	Interval      time.Duration
	Cron          string
	SweepCron     string
	QualityCron   string
	ProbeInterval time.Duration
}

type PipelineConfig struct {
	ConcurrentRequests int
	RequestTimeout     time.Duration
	DispatchBackoff    time.Duration
}

type ProxyPoolConfig struct {
	File             string
	FailureThreshold int
	EMAAlpha         float64
	ProbeURL         string
	Endpoints        []ProxyEndpointConfig
}

type ProxyEndpointConfig struct {
	URL            string `yaml:"url"`
	CountryCode    string `yaml:"country_code"`
	AnonymityLevel string `yaml:"anonymity_level"`
}

type DedupConfig struct {
	Threshold       float64
	TitleWeight     float64
	PriceWeight     float64
	AreaWeight      float64
	CoordWeight     float64
	PriceTolerance  float64 // relative, e.g. 0.05
	AreaTolerance   float64
	CoordRadiusM    float64
	PostedWindowDay int
}

type DLQConfig struct {
	MaxRetries int
	SweepBatch int
	LeaseTTL   time.Duration
}

type QualityConfig struct {
	Window         time.Duration
	StalenessBound time.Duration
}

type RealtimeConfig struct {
	HeartbeatInterval time.Duration
	MissLimit         int
	SubscriberBuffer  int
}

type ServerConfig struct {
	Addr string
}

type SourceConfig struct {
	ID                 string `yaml:"id"`
	Name               string `yaml:"name"`
	BaseURL            string `yaml:"base_url"`
	RateLimitMS        int    `yaml:"rate_limit_ms"`
	ConcurrentRequests int    `yaml:"concurrent_requests"`
	MaxItems           int    `yaml:"max_items"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Postgres: PostgresConfig{
			DBURL: os.Getenv("DATABASE_URL"),
		},
		Scheduler: SchedulerConfig{
			Cron:          os.Getenv("SCRAPE_CRON"),
			SweepCron:     getEnv("DLQ_SWEEP_CRON", "*/5 * * * *"),
			QualityCron:   getEnv("QUALITY_CRON", "0 * * * *"),
			ProbeInterval: getEnvDuration("PROXY_PROBE_INTERVAL", 10*time.Minute),
		},
		Pipeline: PipelineConfig{
			ConcurrentRequests: getEnvInt("CONCURRENT_REQUESTS", 4),
			RequestTimeout:     getEnvDuration("REQUEST_TIMEOUT", 20*time.Second),
			DispatchBackoff:    getEnvDuration("DISPATCH_BACKOFF", 30*time.Second),
		},
		Proxies: ProxyPoolConfig{
			File:             getEnv("PROXY_FILE", "config/proxies.yaml"),
			FailureThreshold: getEnvInt("PROXY_FAILURE_THRESHOLD", 5),
			EMAAlpha:         getEnvFloat("PROXY_EMA_ALPHA", 0.2),
			ProbeURL:         getEnv("PROXY_PROBE_URL", "https://api.ipify.org"),
		},
		Dedup: DedupConfig{
			Threshold:       getEnvFloat("DEDUP_THRESHOLD", 0.75),
			TitleWeight:     getEnvFloat("DEDUP_TITLE_WEIGHT", 0.35),
			PriceWeight:     getEnvFloat("DEDUP_PRICE_WEIGHT", 0.25),
			AreaWeight:      getEnvFloat("DEDUP_AREA_WEIGHT", 0.15),
			CoordWeight:     getEnvFloat("DEDUP_COORD_WEIGHT", 0.25),
			PriceTolerance:  0.05,
			AreaTolerance:   0.05,
			CoordRadiusM:    getEnvFloat("DEDUP_COORD_RADIUS_M", 200),
			PostedWindowDay: getEnvInt("DEDUP_POSTED_WINDOW_DAYS", 14),
		},
		DLQ: DLQConfig{
			MaxRetries: getEnvInt("DLQ_MAX_RETRIES", 3),
			SweepBatch: getEnvInt("DLQ_SWEEP_BATCH", 50),
			LeaseTTL:   getEnvDuration("DLQ_LEASE_TTL", 2*time.Minute),
		},
		Quality: QualityConfig{
			Window:         getEnvDuration("QUALITY_WINDOW", 24*time.Hour),
			StalenessBound: getEnvDuration("QUALITY_STALENESS_BOUND", 48*time.Hour),
		},
		Realtime: RealtimeConfig{
			HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
			MissLimit:         getEnvInt("HEARTBEAT_MISS_LIMIT", 3),
			SubscriberBuffer:  getEnvInt("SUBSCRIBER_BUFFER", 64),
		},
		Server: ServerConfig{
			Addr: getEnv("HTTP_ADDR", ":8087"),
		},
		DBPath:   getEnv("DB_PATH", "propradar.db"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Sources:  make(map[string]*SourceConfig),
	}

	if interval := os.Getenv("SCRAPE_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err == nil {
			cfg.Scheduler.Interval = d
		}
	}

	if err := cfg.loadSourceConfigs(); err != nil {
		return nil, err
	}
	if err := cfg.loadProxyConfigs(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadSourceConfigs() error {
	configDir := "config/sources"
	entries, err := os.ReadDir(configDir)
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

		path := filepath.Join(configDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var src SourceConfig
		if err := yaml.Unmarshal(data, &src); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if src.ConcurrentRequests <= 0 {
			src.ConcurrentRequests = c.Pipeline.ConcurrentRequests
		}

		c.Sources[src.ID] = &src
	}

	return nil
}

func (c *Config) loadProxyConfigs() error {
	data, err := os.ReadFile(c.Proxies.File)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var parsed struct {
		Proxies []ProxyEndpointConfig `yaml:"proxies"`
	}
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse %s: %w", c.Proxies.File, err)
	}
	c.Proxies.Endpoints = parsed.Proxies
	return nil
}

// Settings snapshots the tunables that go on each run record.
func (c *Config) Settings(src *SourceConfig) map[string]string {
	return map[string]string{
		"concurrent_requests": strconv.Itoa(src.ConcurrentRequests),
		"rate_limit_ms":       strconv.Itoa(src.RateLimitMS),
		"max_items":           strconv.Itoa(src.MaxItems),
		"request_timeout":     c.Pipeline.RequestTimeout.String(),
	}
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

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
