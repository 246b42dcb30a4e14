package schedule

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/LJTian/MarketHub/internal/breaker"
	"github.com/LJTian/MarketHub/internal/dedup"
	"github.com/LJTian/MarketHub/internal/metrics"
	"github.com/LJTian/MarketHub/internal/news"
	"github.com/LJTian/MarketHub/internal/normalize"
	"github.com/LJTian/MarketHub/internal/source"
)

// ItemSink 规范化条目的去向，生产环境是 sink.Gateway
type ItemSink interface {
	Enqueue(news.Item)
}

const (
	defaultCadence      = "*/10 * * * *"
	defaultFetchTimeout = 60 * time.Second
	startupDelay        = 15 * time.Second
)

// Scheduler 驱动所有数据源。poll/scrape 源按各自 cron 周期抓取，
// stream 源由常驻监督协程维持连接。每个源配独立熔断器，坏一个不拖累其他。
type Scheduler struct {
	cron    *cron.Cron
	dedup   *dedup.Cache
	sink    ItemSink
	emitter *metrics.Emitter
	brkCfg  breaker.Config

	mu      sync.Mutex
	states  map[string]*breaker.State
	running map[string]bool
	closed  bool

	pollers []source.Poller
	streams []source.Streamer
	descs   []source.Descriptor

	rootCtx     context.Context
	stopAll     context.CancelFunc
	streamCtx   context.Context
	stopStreams context.CancelFunc
	wg          sync.WaitGroup
}

func New(cache *dedup.Cache, sink ItemSink, em *metrics.Emitter, brkCfg breaker.Config) *Scheduler {
	rootCtx, stopAll := context.WithCancel(context.Background())
	streamCtx, stopStreams := context.WithCancel(rootCtx)
	return &Scheduler{
		cron:        cron.New(),
		dedup:       cache,
		sink:        sink,
		emitter:     em,
		brkCfg:      brkCfg,
		states:      make(map[string]*breaker.State),
		running:     make(map[string]bool),
		rootCtx:     rootCtx,
		stopAll:     stopAll,
		streamCtx:   streamCtx,
		stopStreams: stopStreams,
	}
}

// Register 登记一个数据源。poll/scrape 挂到 cron，stream 留待 Start 拉起监督协程。
// 必须在 Start 之前调用。
func (s *Scheduler) Register(a source.Adapter) error {
	d := a.Descriptor()
	if d.ID == "" {
		return fmt.Errorf("source id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[d.ID]; ok {
		return fmt.Errorf("source %s registered twice", d.ID)
	}

	switch d.Kind {
	case source.KindStream:
		sm, ok := a.(source.Streamer)
		if !ok {
			return fmt.Errorf("source %s: stream kind requires Open", d.ID)
		}
		s.streams = append(s.streams, sm)
	default:
		p, ok := a.(source.Poller)
		if !ok {
			return fmt.Errorf("source %s: kind %s requires FetchOnce", d.ID, d.Kind)
		}
		spec := d.Cadence
		if spec == "" {
			spec = defaultCadence
		}
		poller := p
		if _, err := s.cron.AddFunc(spec, func() { s.runPoll(poller) }); err != nil {
			return fmt.Errorf("source %s: bad cadence %q: %w", d.ID, spec, err)
		}
		s.pollers = append(s.pollers, p)
	}

	s.states[d.ID] = breaker.NewState(s.brkCfg)
	s.descs = append(s.descs, d)
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	for _, sm := range s.streams {
		s.wg.Add(1)
		go s.superviseStream(s.streamCtx, sm)
	}
	// 延迟执行首轮采集，避免与服务启动期的请求争抢资源
	time.AfterFunc(startupDelay, func() {
		go s.RunOnce()
	})
}

// RunOnce 所有 poll/scrape 源并发抓一轮，等全部结束才返回，方便手动触发
func (s *Scheduler) RunOnce() {
	log.Println("start collect round...")

	var wg sync.WaitGroup
	for _, p := range s.pollers {
		poller := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runPoll(poller)
		}()
	}
	wg.Wait()

	log.Println("collect round done (all sources)")
}

// beginRun 同一来源不允许两轮并发；调度器关闭后不再起新轮
func (s *Scheduler) beginRun(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.running[id] {
		return false
	}
	s.running[id] = true
	s.wg.Add(1)
	return true
}

func (s *Scheduler) endRun(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Scheduler) state(id string) *breaker.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id]
}

func (s *Scheduler) runPoll(p source.Poller) {
	d := p.Descriptor()
	if !s.beginRun(d.ID) {
		return
	}
	defer s.endRun(d.ID)

	st := s.state(d.ID)
	if !st.Allow(time.Now()) {
		log.Printf("%s circuit open, skip this round", d.ID)
		return
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	ctx, cancel := context.WithTimeout(s.rootCtx, timeout)
	defer cancel()

	raws, err := p.FetchOnce(ctx)
	if err != nil {
		s.onPollError(d.ID, st, err)
		return
	}
	st.Success()
	s.emitter.Fetched(d.ID, len(raws))

	admitted := s.ingest(raws)
	log.Printf("%s done, fetched=%d admitted=%d", d.ID, len(raws), admitted)
}

// ingest 规范化、去重、入队，返回实际入队条数
func (s *Scheduler) ingest(raws []source.RawItem) int {
	admitted := 0
	for _, raw := range raws {
		item, err := normalize.Normalize(raw)
		if err != nil {
			s.emitter.DroppedParse(raw.SourceID)
			log.Printf("%s drop item: %v", raw.SourceID, err)
			continue
		}
		s.emitter.Normalized(item.SourceID)
		if !s.dedup.Admit(item.Fingerprint, item.FetchedAt) {
			s.emitter.Deduped(item.SourceID)
			continue
		}
		s.sink.Enqueue(item)
		admitted++
	}
	return admitted
}

func (s *Scheduler) onPollError(id string, st *breaker.State, err error) {
	class := source.Classify(err)
	s.emitter.Failure(id, class)
	now := time.Now()

	switch class {
	case "auth":
		st.Failure(now, breaker.FailAuth)
		s.emitter.AuthFailure(id)
		log.Printf("%s fetch error: %v", id, err)
	case "rate_limited":
		st.Failure(now, breaker.FailRateLimited)
		log.Printf("%s rate limited, backing off: %v", id, err)
	case "parse":
		// 响应格式坏了不等于服务坏了，不计入熔断
		log.Printf("%s parse error: %v", id, err)
	default:
		st.Failure(now, breaker.FailTransient)
		log.Printf("%s fetch error: %v", id, err)
	}
}

// superviseStream 维持一条流式连接：断了先过熔断器冷却，再重连
func (s *Scheduler) superviseStream(ctx context.Context, sm source.Streamer) {
	defer s.wg.Done()
	d := sm.Descriptor()
	st := s.state(d.ID)

	for {
		if ctx.Err() != nil {
			return
		}
		now := time.Now()
		if !st.Allow(now) {
			wait := st.RetryAfter(now)
			if wait < 0 {
				log.Printf("%s auth locked, stream supervisor exits", d.ID)
				return
			}
			if wait == 0 {
				wait = time.Second
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		stream, err := sm.Open(ctx)
		if err != nil {
			s.onStreamError(d.ID, st, err)
			continue
		}
		st.Success()
		log.Printf("%s stream connected", d.ID)

		err = s.consumeStream(ctx, stream)
		stream.Close()
		if ctx.Err() != nil {
			return
		}

		s.emitter.Reconnect(d.ID)
		if err != nil {
			s.onStreamError(d.ID, st, err)
		} else {
			// 对端正常关闭也走退避，免得对着一个刚重启的服务端猛敲
			st.Failure(time.Now(), breaker.FailDisconnect)
			log.Printf("%s stream closed by peer, reconnect after cooldown", d.ID)
		}
	}
}

func (s *Scheduler) onStreamError(id string, st *breaker.State, err error) {
	class := source.Classify(err)
	s.emitter.Failure(id, class)
	now := time.Now()

	switch class {
	case "auth":
		st.Failure(now, breaker.FailAuth)
		s.emitter.AuthFailure(id)
		log.Printf("%s stream error: %v", id, err)
	case "rate_limited":
		st.Failure(now, breaker.FailRateLimited)
		log.Printf("%s stream rate limited: %v", id, err)
	default:
		st.Failure(now, breaker.FailDisconnect)
		log.Printf("%s stream dropped: %v", id, err)
	}
}

func (s *Scheduler) consumeStream(ctx context.Context, stream *source.Stream) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-stream.Items():
			if !ok {
				return stream.Err()
			}
			s.emitter.Fetched(raw.SourceID, 1)
			s.ingest([]source.RawItem{raw})
		}
	}
}

// Shutdown 停止调度并等在途的抓取收尾。grace 内没结束就硬取消。
func (s *Scheduler) Shutdown(grace time.Duration) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.stopStreams()
	cronCtx := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		log.Printf("shutdown grace expired, canceling in-flight fetches")
		s.stopAll()
		<-done
	}
	s.stopAll()
}

// SourceStatus 单个来源的运行状态，熔断快照给监控接口用
type SourceStatus struct {
	ID      string           `json:"id"`
	Kind    string           `json:"kind"`
	Format  string           `json:"format"`
	Breaker breaker.Snapshot `json:"breaker"`
}

func (s *Scheduler) Statuses() []SourceStatus {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SourceStatus, 0, len(s.descs))
	for _, d := range s.descs {
		out = append(out, SourceStatus{
			ID:      d.ID,
			Kind:    string(d.Kind),
			Format:  d.Format,
			Breaker: s.states[d.ID].Snapshot(now),
		})
	}
	return out
}
