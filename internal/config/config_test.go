package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnvWithDefault(t *testing.T) {
	const key = "TEST_APP_PORT"

	// 环境变量未设置时，应该返回默认值
	_ = os.Unsetenv(key)
	if got := getEnv(key, "9000"); got != "9000" {
		t.Fatalf("getEnv(%q) = %q, want %q", key, got, "9000")
	}

	// 环境变量设置后，应优先返回环境变量
	if err := os.Setenv(key, "8080"); err != nil {
		t.Fatalf("Setenv error: %v", err)
	}
	if got := getEnv(key, "9000"); got != "8080" {
		t.Fatalf("getEnv(%q) = %q, want %q", key, got, "8080")
	}
}

func TestGetEnvIntAndDuration(t *testing.T) {
	_ = os.Setenv("TEST_INT", "42")
	_ = os.Setenv("TEST_BAD_INT", "forty-two")
	_ = os.Setenv("TEST_DUR", "90s")
	_ = os.Setenv("TEST_BAD_DUR", "soon")
	defer func() {
		_ = os.Unsetenv("TEST_INT")
		_ = os.Unsetenv("TEST_BAD_INT")
		_ = os.Unsetenv("TEST_DUR")
		_ = os.Unsetenv("TEST_BAD_DUR")
	}()

	if got := getEnvInt("TEST_INT", 7); got != 42 {
		t.Fatalf("getEnvInt = %d, want 42", got)
	}
	// 解析失败时回退默认值
	if got := getEnvInt("TEST_BAD_INT", 7); got != 7 {
		t.Fatalf("getEnvInt bad value = %d, want 7", got)
	}
	if got := getEnvDuration("TEST_DUR", time.Second); got != 90*time.Second {
		t.Fatalf("getEnvDuration = %v, want 90s", got)
	}
	if got := getEnvDuration("TEST_BAD_DUR", time.Second); got != time.Second {
		t.Fatalf("getEnvDuration bad value = %v, want 1s", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	// 指到一个不存在的配置文件，纯默认值路径
	_ = os.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.toml"))
	defer func() { _ = os.Unsetenv("CONFIG_FILE") }()

	cfg := Load()
	if cfg.AppPort != "9000" {
		t.Fatalf("AppPort = %q, want 9000", cfg.AppPort)
	}
	if cfg.CacheCapacity != 4096 || cfg.CacheTTL != 6*time.Hour {
		t.Fatalf("cache defaults = %d/%v", cfg.CacheCapacity, cfg.CacheTTL)
	}
	if cfg.FailureThreshold != 3 || cfg.BaseDelay != 2*time.Second || cfg.MaxDelay != 5*time.Minute {
		t.Fatalf("breaker defaults = %d/%v/%v", cfg.FailureThreshold, cfg.BaseDelay, cfg.MaxDelay)
	}
	if cfg.QueueSize != 512 || cfg.ShutdownGrace != 20*time.Second {
		t.Fatalf("sink defaults = %d/%v", cfg.QueueSize, cfg.ShutdownGrace)
	}
	if len(cfg.Sources) != 0 {
		t.Fatalf("sources = %d, want none by default", len(cfg.Sources))
	}
}

func TestLoadReadsAuthAndPorts(t *testing.T) {
	// 使用专用的 env key，避免影响其它测试
	_ = os.Setenv("APP_PORT", "1234")
	_ = os.Setenv("APP_BASIC_USER", "user")
	_ = os.Setenv("APP_BASIC_PASS", "pass")
	defer func() {
		_ = os.Unsetenv("APP_PORT")
		_ = os.Unsetenv("APP_BASIC_USER")
		_ = os.Unsetenv("APP_BASIC_PASS")
	}()

	cfg := Load()
	if cfg.AppPort != "1234" {
		t.Fatalf("AppPort = %q, want %q", cfg.AppPort, "1234")
	}
	if cfg.BasicAuthUser != "user" || cfg.BasicAuthPass != "pass" {
		t.Fatalf("BasicAuthUser/Pass not loaded correctly: %+v", cfg)
	}
}

const tomlFixture = `
[database]
postgres_dsn = "host=db user=mh dbname=mh"
redis_addr = "redis:6379"

[server]
port = "7777"

[api]
alphavantage_key = "av-key"

[task]
cache_capacity = 1000
cache_ttl = "2h"
failure_threshold = 5
base_delay = "3s"
queue_size = 64
shutdown_grace = "bogus"

[[sources]]
id = "custom_rss"
kind = "poll"
format = "rss"
endpoint = "https://example.com/feed.xml"
cadence = "*/5 * * * *"
symbols = ["AAPL"]
timeout = "25s"

[[sources]]
id = "paused_feed"
kind = "poll"
format = "rss"
endpoint = "https://example.com/paused.xml"
enabled = false
`

func TestLoadAppliesConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(tomlFixture), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	_ = os.Setenv("CONFIG_FILE", path)
	defer func() { _ = os.Unsetenv("CONFIG_FILE") }()

	cfg := Load()
	if cfg.PostgresDSN != "host=db user=mh dbname=mh" {
		t.Fatalf("PostgresDSN = %q", cfg.PostgresDSN)
	}
	if cfg.RedisAddr != "redis:6379" || cfg.AppPort != "7777" {
		t.Fatalf("redis/port = %q/%q", cfg.RedisAddr, cfg.AppPort)
	}
	if cfg.AlphaVantageKey != "av-key" {
		t.Fatalf("AlphaVantageKey = %q", cfg.AlphaVantageKey)
	}
	if cfg.CacheCapacity != 1000 || cfg.CacheTTL != 2*time.Hour {
		t.Fatalf("cache = %d/%v", cfg.CacheCapacity, cfg.CacheTTL)
	}
	if cfg.FailureThreshold != 5 || cfg.BaseDelay != 3*time.Second {
		t.Fatalf("breaker = %d/%v", cfg.FailureThreshold, cfg.BaseDelay)
	}
	if cfg.QueueSize != 64 {
		t.Fatalf("QueueSize = %d, want 64", cfg.QueueSize)
	}
	// 写坏的时长不覆盖默认值
	if cfg.ShutdownGrace != 20*time.Second {
		t.Fatalf("ShutdownGrace = %v, want default kept", cfg.ShutdownGrace)
	}

	// enabled = false 的源应当在加载时被剔除
	if len(cfg.Sources) != 1 {
		t.Fatalf("sources = %d, want 1 (disabled one dropped)", len(cfg.Sources))
	}
	src := cfg.Sources[0]
	if src.ID != "custom_rss" || src.Format != "rss" || src.Cadence != "*/5 * * * *" {
		t.Fatalf("source = %+v", src)
	}
	if len(src.Symbols) != 1 || src.Symbols[0] != "AAPL" || src.Timeout != "25s" {
		t.Fatalf("source fields = %+v", src)
	}
}

func TestEnvOverridesConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(tomlFixture), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	_ = os.Setenv("CONFIG_FILE", path)
	_ = os.Setenv("APP_PORT", "8888")
	_ = os.Setenv("ALPHAVANTAGE_API_KEY", "env-key")
	defer func() {
		_ = os.Unsetenv("CONFIG_FILE")
		_ = os.Unsetenv("APP_PORT")
		_ = os.Unsetenv("ALPHAVANTAGE_API_KEY")
	}()

	cfg := Load()
	if cfg.AppPort != "8888" {
		t.Fatalf("AppPort = %q, env should win over file", cfg.AppPort)
	}
	if cfg.AlphaVantageKey != "env-key" {
		t.Fatalf("AlphaVantageKey = %q, env should win over file", cfg.AlphaVantageKey)
	}
}
