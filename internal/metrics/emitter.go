package metrics

import (
	"log"
	"sync"
)

// Counters 一组采集计数器，总量与分来源各存一份
type Counters struct {
	Fetched      uint64            `json:"fetched"`       // 源端拉到的原始条数
	Normalized   uint64            `json:"normalized"`    // 规范化成功条数
	Deduped      uint64            `json:"deduped"`       // 被去重缓存拦下的条数
	Persisted    uint64            `json:"persisted"`     // 成功落库条数
	DroppedParse uint64            `json:"dropped_parse"` // 字段残缺或解析失败丢弃
	DroppedQueue uint64            `json:"dropped_queue"` // 写入队列溢出丢弃
	Reconnects   uint64            `json:"reconnects"`    // 流式源重连次数
	Failures     map[string]uint64 `json:"failures"`      // 抓取失败数，按错误类别
}

func (c Counters) clone() Counters {
	out := c
	if c.Failures != nil {
		out.Failures = make(map[string]uint64, len(c.Failures))
		for k, v := range c.Failures {
			out.Failures[k] = v
		}
	}
	return out
}

// Emitter 进程内指标汇聚点。各环节只管上报，读取统一走 Snapshot。
type Emitter struct {
	mu         sync.Mutex
	total      Counters
	bySource   map[string]*Counters
	authWarned map[string]bool
}

func NewEmitter() *Emitter {
	return &Emitter{
		bySource:   make(map[string]*Counters),
		authWarned: make(map[string]bool),
	}
}

func (e *Emitter) bump(sourceID string, f func(*Counters)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f(&e.total)
	c := e.bySource[sourceID]
	if c == nil {
		c = &Counters{}
		e.bySource[sourceID] = c
	}
	f(c)
}

func (e *Emitter) Fetched(sourceID string, n int) {
	if n <= 0 {
		return
	}
	e.bump(sourceID, func(c *Counters) { c.Fetched += uint64(n) })
}

func (e *Emitter) Normalized(sourceID string) {
	e.bump(sourceID, func(c *Counters) { c.Normalized++ })
}

func (e *Emitter) Deduped(sourceID string) {
	e.bump(sourceID, func(c *Counters) { c.Deduped++ })
}

func (e *Emitter) Persisted(sourceID string) {
	e.bump(sourceID, func(c *Counters) { c.Persisted++ })
}

func (e *Emitter) DroppedParse(sourceID string) {
	e.bump(sourceID, func(c *Counters) { c.DroppedParse++ })
}

func (e *Emitter) DroppedQueue(sourceID string) {
	e.bump(sourceID, func(c *Counters) { c.DroppedQueue++ })
}

func (e *Emitter) Reconnect(sourceID string) {
	e.bump(sourceID, func(c *Counters) { c.Reconnects++ })
}

// Failure 记一次抓取失败，class 取错误类别名
func (e *Emitter) Failure(sourceID, class string) {
	e.bump(sourceID, func(c *Counters) {
		if c.Failures == nil {
			c.Failures = make(map[string]uint64)
		}
		c.Failures[class]++
	})
}

// AuthFailure 鉴权失败告警，每个来源只吼一次，避免刷日志
func (e *Emitter) AuthFailure(sourceID string) {
	e.mu.Lock()
	warned := e.authWarned[sourceID]
	e.authWarned[sourceID] = true
	e.mu.Unlock()

	if !warned {
		log.Printf("[metrics] source %s authentication failed, fetching disabled until restart", sourceID)
	}
}

// Snapshot 指标快照，总量加分来源明细
type Snapshot struct {
	Totals  Counters            `json:"totals"`
	Sources map[string]Counters `json:"sources"`
}

func (e *Emitter) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		Totals:  e.total.clone(),
		Sources: make(map[string]Counters, len(e.bySource)),
	}
	for id, c := range e.bySource {
		snap.Sources[id] = c.clone()
	}
	return snap
}
