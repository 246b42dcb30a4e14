package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LJTian/MarketHub/internal/api"
	"github.com/LJTian/MarketHub/internal/breaker"
	"github.com/LJTian/MarketHub/internal/config"
	"github.com/LJTian/MarketHub/internal/dedup"
	"github.com/LJTian/MarketHub/internal/metrics"
	"github.com/LJTian/MarketHub/internal/schedule"
	"github.com/LJTian/MarketHub/internal/sink"
	"github.com/LJTian/MarketHub/internal/source"
	"github.com/LJTian/MarketHub/internal/storage"
)

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
	for _, d := range buildDescriptors(cfg) {
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
	sched.Start()

	// API
	r := gin.Default()
	// 若配置了全局访问密码，则启用 Basic Auth 保护（/health 仍然免认证）
	if cfg.BasicAuthUser != "" && cfg.BasicAuthPass != "" {
		r.Use(basicAuthMiddleware(cfg.BasicAuthUser, cfg.BasicAuthPass))
	}

	apiServer := api.NewServer(store, em, sched)
	apiServer.RegisterRoutes(r)

	addr := ":" + cfg.AppPort
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		log.Printf("starting api server at %s ...", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server exit: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Println("shutting down...")

	// 先停采集，再清写入队列，最后关 HTTP
	sched.Shutdown(cfg.ShutdownGrace)

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	if err := gateway.Shutdown(flushCtx); err != nil {
		log.Printf("warn: sink flush incomplete: %v", err)
	}
	cancelFlush()

	for _, c := range closers {
		c.Close()
	}

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelHTTP()
	if err := srv.Shutdown(httpCtx); err != nil {
		log.Printf("warn: http shutdown: %v", err)
	}
	log.Println("bye")
}

// buildDescriptors 数据源清单。配置文件声明了 [[sources]] 就全按配置来，
// 否则根据可用的 API key 组装默认清单。
func buildDescriptors(cfg *config.Config) []source.Descriptor {
	if len(cfg.Sources) > 0 {
		out := make([]source.Descriptor, 0, len(cfg.Sources))
		for _, sc := range cfg.Sources {
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
			Cadence: "*/10 * * * *",
		})
	}
	if cfg.MarketAuxKey != "" {
		out = append(out, source.Descriptor{
			ID:      "marketaux",
			Kind:    source.KindPoll,
			Format:  source.FormatMarketAux,
			APIKey:  cfg.MarketAuxKey,
			Symbols: []string{"AAPL", "MSFT", "NVDA"},
			Cadence: "*/15 * * * *",
		})
	}
	if cfg.FMPKey != "" {
		out = append(out, source.Descriptor{
			ID:      "fmp",
			Kind:    source.KindPoll,
			Format:  source.FormatFMP,
			APIKey:  cfg.FMPKey,
			Symbols: []string{"AAPL", "MSFT", "NVDA"},
			Cadence: "*/15 * * * *",
		})
	}
	out = append(out,
		source.Descriptor{
			ID:       "cnbc_rss",
			Kind:     source.KindPoll,
			Format:   source.FormatRSS,
			Endpoint: "https://www.cnbc.com/id/100003114/device/rss/rss.html",
			Cadence:  "*/20 * * * *",
		},
		source.Descriptor{
			ID:      "prnewswire",
			Kind:    source.KindPoll,
			Format:  source.FormatHTML,
			Cadence: "*/30 * * * *",
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
	// 源配置没写 key 时回落到全局 key
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

// basicAuthMiddleware 为整个站点增加一个简单的 Basic Auth 访问密码。
// 仅当配置了 APP_BASIC_USER / APP_BASIC_PASS 时启用。
// /health 不做认证，便于健康检查。
func basicAuthMiddleware(user, pass string) gin.HandlerFunc {
	const realm = "Restricted"
	uBytes := []byte(user)
	pBytes := []byte(pass)

	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}
		u, p, ok := c.Request.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), uBytes) != 1 ||
			subtle.ConstantTimeCompare([]byte(p), pBytes) != 1 {
			c.Header("WWW-Authenticate", `Basic realm="`+realm+`"`)
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}
