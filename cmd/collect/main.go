package main

import (
	"context"
	"log"
	"time"

	"github.com/LJTian/MarketHub/internal/breaker"
	"github.com/LJTian/MarketHub/internal/config"
	"github.com/LJTian/MarketHub/internal/dedup"
	"github.com/LJTian/MarketHub/internal/metrics"
	"github.com/LJTian/MarketHub/internal/schedule"
	"github.com/LJTian/MarketHub/internal/sink"
	"github.com/LJTian/MarketHub/internal/source"
	"github.com/LJTian/MarketHub/internal/storage"
)

// 一个仅执行一轮采集的命令行入口：适合手动触发或跑在外部定时器里。
// 只驱动 poll/scrape 源，流式源需要常驻进程，归 cmd/api 管。
func main() {
	cfg := config.Load()

	store, err := storage.NewStore(cfg.PostgresDSN, cfg.RedisAddr)
	if err != nil {
		log.Fatalf("init store failed: %v", err)
	}

	em := metrics.NewEmitter()
	cache, err := dedup.New(cfg.CacheCapacity, cfg.CacheTTL)
	if err != nil {
		log.Fatalf("init dedup cache failed: %v", err)
	}

	gateway := sink.New(store, em, sink.Config{QueueSize: cfg.QueueSize})
	gateway.Start()

	sched := schedule.New(cache, gateway, em, breaker.Config{
		FailureThreshold: cfg.FailureThreshold,
		BaseDelay:        cfg.BaseDelay,
		MaxDelay:         cfg.MaxDelay,
		RateLimitDelay:   cfg.RateLimitDelay,
	})

	var closers []interface{ Close() }
	for _, d := range pollDescriptors(cfg) {
		a, err := source.New(d)
		if err != nil {
			log.Fatalf("build source %s failed: %v", d.ID, err)
		}
		if err := sched.Register(a); err != nil {
			log.Fatalf("register source %s failed: %v", d.ID, err)
		}
		if c, ok := a.(interface{ Close() }); ok {
			closers = append(closers, c)
		}
	}

	sched.RunOnce()

	// 等排队的条目落完再退出
	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := gateway.Shutdown(flushCtx); err != nil {
		log.Printf("warn: sink flush incomplete: %v", err)
	}
	for _, c := range closers {
		c.Close()
	}

	snap := em.Snapshot()
	log.Printf("collect finished: fetched=%d normalized=%d deduped=%d persisted=%d",
		snap.Totals.Fetched, snap.Totals.Normalized, snap.Totals.Deduped, snap.Totals.Persisted)
}

func pollDescriptors(cfg *config.Config) []source.Descriptor {
	if len(cfg.Sources) > 0 {
		var out []source.Descriptor
		for _, sc := range cfg.Sources {
			if sc.Kind == string(source.KindStream) {
				continue
			}
			out = append(out, toDescriptor(sc, cfg))
		}
		return out
	}

	var out []source.Descriptor
	if cfg.AlphaVantageKey != "" {
		out = append(out, source.Descriptor{
			ID:      "alphavantage",
			Kind:    source.KindPoll,
			Format:  source.FormatAlphaVantage,
			APIKey:  cfg.AlphaVantageKey,
			Symbols: []string{"AAPL", "MSFT", "NVDA"},
		})
	}
	if cfg.MarketAuxKey != "" {
		out = append(out, source.Descriptor{
			ID:      "marketaux",
			Kind:    source.KindPoll,
			Format:  source.FormatMarketAux,
			APIKey:  cfg.MarketAuxKey,
			Symbols: []string{"AAPL", "MSFT", "NVDA"},
		})
	}
	if cfg.FMPKey != "" {
		out = append(out, source.Descriptor{
			ID:      "fmp",
			Kind:    source.KindPoll,
			Format:  source.FormatFMP,
			APIKey:  cfg.FMPKey,
			Symbols: []string{"AAPL", "MSFT", "NVDA"},
		})
	}
	out = append(out,
		source.Descriptor{
			ID:       "cnbc_rss",
			Kind:     source.KindPoll,
			Format:   source.FormatRSS,
			Endpoint: "https://www.cnbc.com/id/100003114/device/rss/rss.html",
		},
		source.Descriptor{
			ID:     "prnewswire",
			Kind:   source.KindPoll,
			Format: source.FormatHTML,
		},
	)
	return out
}

func toDescriptor(sc config.SourceConfig, cfg *config.Config) source.Descriptor {
	d := source.Descriptor{
		ID:        sc.ID,
		Kind:      source.Kind(sc.Kind),
		Format:    sc.Format,
		Endpoint:  sc.Endpoint,
		APIKey:    sc.APIKey,
		Symbols:   sc.Symbols,
		Topics:    sc.Topics,
		Cadence:   sc.Cadence,
		RateLimit: sc.RateLimit,
		MaxPages:  sc.MaxPages,
	}
	if sc.Timeout != "" {
		if t, err := time.ParseDuration(sc.Timeout); err == nil {
			d.Timeout = t
		} else {
			log.Printf("warn: source %s: bad timeout %q: %v", sc.ID, sc.Timeout, err)
		}
	}
	if d.APIKey == "" {
		switch sc.Format {
		case source.FormatAlphaVantage:
			d.APIKey = cfg.AlphaVantageKey
		case source.FormatMarketAux:
			d.APIKey = cfg.MarketAuxKey
		case source.FormatFMP:
			d.APIKey = cfg.FMPKey
		}
	}
	return d
}
