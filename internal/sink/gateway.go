package sink

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/LJTian/MarketHub/internal/metrics"
	"github.com/LJTian/MarketHub/internal/news"
)

// ErrUnavailable 存储暂时不可用。写入协程保留当前条目，退避后重试，
// 其余错误视为该条目本身有问题，丢弃并继续。
var ErrUnavailable = errors.New("sink unavailable")

// Upserter 按指纹幂等落库。指纹已存在时不做任何更新，直接返回 nil。
type Upserter interface {
	Upsert(ctx context.Context, item news.Item) error
}

// Config 写入网关参数，零值字段取默认
type Config struct {
	QueueSize int           // 暂存队列容量，满了丢最老的
	BaseDelay time.Duration // 存储不可用时的首次重试间隔
	MaxDelay  time.Duration // 重试间隔上限
}

const (
	defaultQueueSize = 512
	defaultBaseDelay = time.Second
	defaultMaxDelay  = 30 * time.Second

	upsertTimeout = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = defaultMaxDelay
	}
	return c
}

// Gateway 落库的唯一入口。采集侧 Enqueue 后立刻返回，
// 单个写入协程按序消费队列，保证存储抖动不会拖垮抓取节奏。
type Gateway struct {
	cfg     Config
	store   Upserter
	emitter *metrics.Emitter

	mu     sync.Mutex
	queue  []news.Item
	closed bool

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func New(store Upserter, em *metrics.Emitter, cfg Config) *Gateway {
	return &Gateway{
		cfg:     cfg.withDefaults(),
		store:   store,
		emitter: em,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start 启动写入协程
func (g *Gateway) Start() {
	go g.writeLoop()
}

// Enqueue 把一条规范化条目排进写入队列。队列满时挤掉最老的一条并计数。
func (g *Gateway) Enqueue(item news.Item) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	if len(g.queue) >= g.cfg.QueueSize {
		oldest := g.queue[0]
		copy(g.queue, g.queue[1:])
		g.queue = g.queue[:len(g.queue)-1]
		g.emitter.DroppedQueue(oldest.SourceID)
		log.Printf("[sink] queue full, dropped oldest item from %s", oldest.SourceID)
	}
	g.queue = append(g.queue, item)
	g.mu.Unlock()

	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// Pending 当前排队条数
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Shutdown 停止接收并等写入协程清空队列。
// ctx 到期还没清完就不等了，剩余条目记日志后放弃。
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.stopOnce.Do(func() { close(g.stop) })

	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) writeLoop() {
	defer close(g.done)

	delay := g.cfg.BaseDelay
	for {
		item, ok := g.peek()
		if !ok {
			select {
			case <-g.stop:
				return
			case <-g.wake:
				continue
			}
		}

		draining := false
		select {
		case <-g.stop:
			draining = true
		default:
		}

		err := g.upsertOne(item)
		switch {
		case err == nil:
			g.pop(item.Fingerprint)
			g.emitter.Persisted(item.SourceID)
			delay = g.cfg.BaseDelay
		case errors.Is(err, ErrUnavailable):
			if draining {
				log.Printf("[sink] store unavailable during shutdown, %d item(s) not flushed", g.Pending())
				return
			}
			log.Printf("[sink] store unavailable, retry in %s: %v", delay, err)
			select {
			case <-g.stop:
			case <-time.After(delay):
			}
			if delay *= 2; delay > g.cfg.MaxDelay {
				delay = g.cfg.MaxDelay
			}
		default:
			g.pop(item.Fingerprint)
			log.Printf("[sink] drop item from %s: %v", item.SourceID, err)
			delay = g.cfg.BaseDelay
		}
	}
}

func (g *Gateway) upsertOne(item news.Item) error {
	ctx, cancel := context.WithTimeout(context.Background(), upsertTimeout)
	defer cancel()
	return g.store.Upsert(ctx, item)
}

func (g *Gateway) peek() (news.Item, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.queue) == 0 {
		return news.Item{}, false
	}
	return g.queue[0], true
}

// pop 只在队首仍是刚写完的那条时移除，防止和溢出淘汰打架
func (g *Gateway) pop(fingerprint string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.queue) > 0 && g.queue[0].Fingerprint == fingerprint {
		copy(g.queue, g.queue[1:])
		g.queue = g.queue[:len(g.queue)-1]
	}
}
