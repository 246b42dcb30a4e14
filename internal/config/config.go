package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	AppPort       string
	BasicAuthUser string
	BasicAuthPass string

	PostgresDSN string
	RedisAddr   string

	AlphaVantageKey string
	MarketAuxKey    string
	FMPKey          string

	// 去重缓存
	CacheCapacity int
	CacheTTL      time.Duration

	// 熔断
	FailureThreshold int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	RateLimitDelay   time.Duration

	// 写入网关
	QueueSize     int
	ShutdownGrace time.Duration

	// 额外数据源，为空时用内置的默认源
	Sources []SourceConfig
}

// SourceConfig 配置文件里声明的一个数据源
type SourceConfig struct {
	ID        string   `toml:"id"`
	Kind      string   `toml:"kind"`
	Format    string   `toml:"format"`
	Endpoint  string   `toml:"endpoint"`
	APIKey    string   `toml:"api_key"`
	Symbols   []string `toml:"symbols"`
	Topics    []string `toml:"topics"`
	Cadence   string   `toml:"cadence"`
	RateLimit float64  `toml:"rate_limit"`
	Timeout   string   `toml:"timeout"` // time.ParseDuration 格式，如 45s
	MaxPages  int      `toml:"max_pages"`
	Enabled   *bool    `toml:"enabled"` // 不写等于启用
}

// fileConfig 配置文件的原始结构，时长都写成字符串
type fileConfig struct {
	Database struct {
		PostgresDSN string `toml:"postgres_dsn"`
		RedisAddr   string `toml:"redis_addr"`
	} `toml:"database"`
	Server struct {
		Port          string `toml:"port"`
		BasicAuthUser string `toml:"basic_auth_user"`
		BasicAuthPass string `toml:"basic_auth_pass"`
	} `toml:"server"`
	API struct {
		AlphaVantageKey string `toml:"alphavantage_key"`
		MarketAuxKey    string `toml:"marketaux_key"`
		FMPKey          string `toml:"fmp_key"`
	} `toml:"api"`
	Task struct {
		CacheCapacity    int    `toml:"cache_capacity"`
		CacheTTL         string `toml:"cache_ttl"`
		FailureThreshold int    `toml:"failure_threshold"`
		BaseDelay        string `toml:"base_delay"`
		MaxDelay         string `toml:"max_delay"`
		RateLimitDelay   string `toml:"rate_limit_delay"`
		QueueSize        int    `toml:"queue_size"`
		ShutdownGrace    string `toml:"shutdown_grace"`
	} `toml:"task"`
	Sources []SourceConfig `toml:"sources"`
}

// Load 组装最终配置：内置默认值 <- 配置文件 <- 环境变量，后者覆盖前者。
// .env 文件存在时先加载进环境，方便本地起服务。
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		AppPort:          "9000",
		PostgresDSN:      "host=localhost user=markethub password=markethub dbname=markethub port=5432 sslmode=disable TimeZone=UTC",
		RedisAddr:        "localhost:6380",
		CacheCapacity:    4096,
		CacheTTL:         6 * time.Hour,
		FailureThreshold: 3,
		BaseDelay:        2 * time.Second,
		MaxDelay:         5 * time.Minute,
		RateLimitDelay:   time.Minute,
		QueueSize:        512,
		ShutdownGrace:    20 * time.Second,
	}

	applyFile(cfg, getEnv("CONFIG_FILE", "config.toml"))
	applyEnv(cfg)

	log.Printf("config loaded: port=%s sources=%d queue=%d", cfg.AppPort, len(cfg.Sources), cfg.QueueSize)
	return cfg
}

func applyFile(cfg *Config, path string) {
	bs, err := os.ReadFile(path)
	if err != nil {
		// 没有配置文件是正常情况，全部走环境变量
		if !os.IsNotExist(err) {
			log.Printf("warn: read config file %s: %v", path, err)
		}
		return
	}

	var fc fileConfig
	if err := toml.Unmarshal(bs, &fc); err != nil {
		log.Printf("warn: parse config file %s: %v", path, err)
		return
	}

	setStr(&cfg.PostgresDSN, fc.Database.PostgresDSN)
	setStr(&cfg.RedisAddr, fc.Database.RedisAddr)
	setStr(&cfg.AppPort, fc.Server.Port)
	setStr(&cfg.BasicAuthUser, fc.Server.BasicAuthUser)
	setStr(&cfg.BasicAuthPass, fc.Server.BasicAuthPass)
	setStr(&cfg.AlphaVantageKey, fc.API.AlphaVantageKey)
	setStr(&cfg.MarketAuxKey, fc.API.MarketAuxKey)
	setStr(&cfg.FMPKey, fc.API.FMPKey)

	if fc.Task.CacheCapacity > 0 {
		cfg.CacheCapacity = fc.Task.CacheCapacity
	}
	if fc.Task.FailureThreshold > 0 {
		cfg.FailureThreshold = fc.Task.FailureThreshold
	}
	if fc.Task.QueueSize > 0 {
		cfg.QueueSize = fc.Task.QueueSize
	}
	setDur(&cfg.CacheTTL, fc.Task.CacheTTL)
	setDur(&cfg.BaseDelay, fc.Task.BaseDelay)
	setDur(&cfg.MaxDelay, fc.Task.MaxDelay)
	setDur(&cfg.RateLimitDelay, fc.Task.RateLimitDelay)
	setDur(&cfg.ShutdownGrace, fc.Task.ShutdownGrace)

	// enabled = false 的源在这里就剔除，后面的装配代码不用再管
	for _, src := range fc.Sources {
		if src.Enabled != nil && !*src.Enabled {
			log.Printf("source %s disabled by config", src.ID)
			continue
		}
		cfg.Sources = append(cfg.Sources, src)
	}
}

func applyEnv(cfg *Config) {
	cfg.AppPort = getEnv("APP_PORT", cfg.AppPort)
	cfg.BasicAuthUser = getEnv("APP_BASIC_USER", cfg.BasicAuthUser)
	cfg.BasicAuthPass = getEnv("APP_BASIC_PASS", cfg.BasicAuthPass)
	cfg.PostgresDSN = getEnv("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.AlphaVantageKey = getEnv("ALPHAVANTAGE_API_KEY", cfg.AlphaVantageKey)
	cfg.MarketAuxKey = getEnv("MARKETAUX_API_TOKEN", cfg.MarketAuxKey)
	cfg.FMPKey = getEnv("FMP_API_KEY", cfg.FMPKey)
	cfg.CacheCapacity = getEnvInt("CACHE_CAPACITY", cfg.CacheCapacity)
	cfg.CacheTTL = getEnvDuration("CACHE_TTL", cfg.CacheTTL)
	cfg.FailureThreshold = getEnvInt("FAILURE_THRESHOLD", cfg.FailureThreshold)
	cfg.BaseDelay = getEnvDuration("BREAKER_BASE_DELAY", cfg.BaseDelay)
	cfg.MaxDelay = getEnvDuration("BREAKER_MAX_DELAY", cfg.MaxDelay)
	cfg.RateLimitDelay = getEnvDuration("RATE_LIMIT_DELAY", cfg.RateLimitDelay)
	cfg.QueueSize = getEnvInt("SINK_QUEUE_SIZE", cfg.QueueSize)
	cfg.ShutdownGrace = getEnvDuration("SHUTDOWN_GRACE", cfg.ShutdownGrace)
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDur(dst *time.Duration, v string) {
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("warn: bad duration %q: %v", v, err)
		return
	}
	*dst = d
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("warn: %s=%q is not an integer", key, v)
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("warn: %s=%q is not a duration", key, v)
		return def
	}
	return d
}
