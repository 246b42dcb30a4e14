package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Kind 数据源类型
type Kind string

const (
	KindPoll   Kind = "poll"   // 周期轮询 REST 接口
	KindStream Kind = "stream" // 长连接推送
	KindScrape Kind = "scrape" // 浏览器抓取，按更长周期轮询
)

// Format 决定 normalize 包使用哪套字段映射
const (
	FormatAlphaVantage = "alphavantage"
	FormatMarketAux    = "marketaux"
	FormatFMP          = "fmp"
	FormatRSS          = "rss"
	FormatHTML         = "html"
	FormatStream       = "stream"
	FormatBrowser      = "browser"
)

// Descriptor 每个数据源的静态配置，启动时由配置构建，之后只读
type Descriptor struct {
	ID        string
	Kind      Kind
	Format    string
	Endpoint  string
	APIKey    string
	Symbols   []string
	Topics    []string
	Cadence   string        // cron 表达式，poll/scrape 有效
	RateLimit float64       // 每秒请求数上限，<=0 表示不限
	Timeout   time.Duration // 单次抓取或页面导航的超时
	MaxPages  int           // 分页拉取的页数上限
}

// RawItem 适配器产出的一条原始文章负载，Body 是单篇文章的 JSON
type RawItem struct {
	SourceID string
	Format   string
	Body     json.RawMessage
	Received time.Time
}

// Adapter 三类数据源的公共契约
type Adapter interface {
	Descriptor() Descriptor
}

// Poller poll/scrape 源：单次抓取返回一批原始负载，分页在适配器内部完成
type Poller interface {
	Adapter
	FetchOnce(ctx context.Context) ([]RawItem, error)
}

// Streamer stream 源：建立长连接，异步产出原始负载直到连接结束
type Streamer interface {
	Adapter
	Open(ctx context.Context) (*Stream, error)
}

// New 按 Format 构建对应的适配器
func New(d Descriptor) (Adapter, error) {
	switch d.Format {
	case FormatAlphaVantage:
		return NewAlphaVantage(d), nil
	case FormatMarketAux:
		return NewMarketAux(d), nil
	case FormatFMP:
		return NewFMP(d), nil
	case FormatRSS:
		return NewRSSFeed(d), nil
	case FormatHTML:
		return NewPressWire(d), nil
	case FormatStream:
		return NewNewswire(d), nil
	case FormatBrowser:
		return NewBrowser(d), nil
	default:
		return nil, fmt.Errorf("unknown source format %q", d.Format)
	}
}

// 错误分类，调度器依据分类决定重试策略
var (
	ErrTransient   = errors.New("transient failure") // 网络错误/超时/5xx，退避后重试
	ErrRateLimited = errors.New("rate limited")      // 429，按更长延迟重试
	ErrAuth        = errors.New("auth rejected")     // 401/403，该源熔断直至配置变更
	ErrParse       = errors.New("malformed payload") // 响应无法解析，丢弃本轮结果
)

// Classify 返回错误的分类名，用于指标上报与熔断决策。
// 未标注的错误一律按瞬时错误处理，重试是安全的默认值。
func Classify(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrParse):
		return "parse"
	default:
		return "transient"
	}
}

// classifyStatus 将非 200 的 HTTP 状态码映射到统一错误分类
func classifyStatus(sourceID string, status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s: status %d: %w", sourceID, status, ErrRateLimited)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s: status %d: %w", sourceID, status, ErrAuth)
	case status >= 500:
		return fmt.Errorf("%s: status %d: %w", sourceID, status, ErrTransient)
	case status >= 400:
		// 其余 4xx 重试也不会成功，按不可解析处理，本轮作废
		return fmt.Errorf("%s: status %d: %w", sourceID, status, ErrParse)
	default:
		return fmt.Errorf("%s: unexpected status %d: %w", sourceID, status, ErrTransient)
	}
}

// streamBuffer 入站帧的有界缓冲，写满时产生反压而不是无限堆积
const streamBuffer = 100

// Stream 一条已建立的推送连接。消费方读取 Items 直到关闭，
// 关闭后 Err 返回连接结束原因(nil 表示主动关闭)。
type Stream struct {
	items  chan RawItem
	cancel context.CancelFunc

	mu  sync.Mutex
	err error

	closeOnce  sync.Once
	finishOnce sync.Once
}

// NewStream 供 Streamer 实现方创建推送流，cancel 用于 Close 时中止连接
func NewStream(cancel context.CancelFunc) *Stream {
	if cancel == nil {
		cancel = func() {}
	}
	return &Stream{items: make(chan RawItem, streamBuffer), cancel: cancel}
}

// Items 入站文章通道，连接结束后关闭
func (s *Stream) Items() <-chan RawItem { return s.items }

// Err 连接结束原因，在 Items 关闭后读取
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close 主动断开连接并释放底层资源，可重复调用
func (s *Stream) Close() {
	s.closeOnce.Do(s.cancel)
}

// Publish 供实现方投递一条入站负载；流已取消时返回 false
func (s *Stream) Publish(ctx context.Context, item RawItem) bool {
	select {
	case s.items <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

// Fail 供实现方标记连接结束并关闭 Items，只有首次调用生效
func (s *Stream) Fail(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.items)
	})
}
