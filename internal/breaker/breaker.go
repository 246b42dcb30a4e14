package breaker

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Circuit 熔断器状态
type Circuit int

const (
	Closed   Circuit = iota // 正常放行
	Open                    // 冷却中，全部拒绝
	HalfOpen                // 冷却结束，放行一次探测
)

func (c Circuit) String() string {
	switch c {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// FailKind 失败的处置类别，决定熔断策略
type FailKind int

const (
	// FailTransient 普通瞬时失败，累计到阈值才熔断
	FailTransient FailKind = iota
	// FailDisconnect 连接断开（流式源掉线、拨号失败），立即熔断
	FailDisconnect
	// FailRateLimited 触发限流，立即熔断且冷却不短于 RateLimitDelay
	FailRateLimited
	// FailAuth 鉴权失败，永久熔断，修复凭据后需重启进程
	FailAuth
)

// Config 熔断参数，零值字段取默认
type Config struct {
	FailureThreshold int           // 连续失败多少次后熔断
	BaseDelay        time.Duration // 首次熔断的冷却时长
	MaxDelay         time.Duration // 冷却时长上限
	RateLimitDelay   time.Duration // 限流熔断的冷却下限
}

const (
	defaultFailureThreshold = 3
	defaultBaseDelay        = 2 * time.Second
	defaultMaxDelay         = 5 * time.Minute
	defaultRateLimitDelay   = time.Minute
)

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.RateLimitDelay <= 0 {
		c.RateLimitDelay = defaultRateLimitDelay
	}
	return c
}

// State 单个来源的熔断器。每个来源一个实例，互不影响。
// 冷却时长随连续熔断次数指数增长，封顶后叠加随机抖动，成功一次即复位。
type State struct {
	mu        sync.Mutex
	cfg       Config
	circuit   Circuit
	failures  int // 闭合状态下的连续失败数
	trips     int // 未被成功打断的连续熔断次数
	openUntil time.Time
	authOpen  bool
}

func NewState(cfg Config) *State {
	return &State{cfg: cfg.withDefaults()}
}

// Allow 判定此刻能否发起一次抓取。
// 冷却期满会把状态切到半开，放行一次探测。
func (s *State) Allow(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.authOpen {
		return false
	}
	switch s.circuit {
	case Open:
		if now.Before(s.openUntil) {
			return false
		}
		s.circuit = HalfOpen
		return true
	default:
		return true
	}
}

// Success 抓取成功，复位到闭合，失败计数和冷却进度清零
func (s *State) Success() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.authOpen {
		return
	}
	s.circuit = Closed
	s.failures = 0
	s.trips = 0
	s.openUntil = time.Time{}
}

// Failure 记录一次失败，按类别决定是否熔断
func (s *State) Failure(now time.Time, kind FailKind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case FailAuth:
		s.authOpen = true
		s.circuit = Open
	case FailRateLimited:
		s.trip(now, s.cfg.RateLimitDelay)
	case FailDisconnect:
		s.trip(now, 0)
	default:
		s.failures++
		// 半开探测失败直接回到熔断，不再重新攒阈值
		if s.circuit == HalfOpen || s.failures >= s.cfg.FailureThreshold {
			s.trip(now, 0)
		}
	}
}

func (s *State) trip(now time.Time, floor time.Duration) {
	s.trips++
	d := backoffDelay(s.cfg.BaseDelay, s.cfg.MaxDelay, s.trips)
	if d < floor {
		d = floor
	}
	if half := d / 2; half > 0 {
		d += rand.N(half)
	}
	s.circuit = Open
	s.failures = 0
	s.openUntil = now.Add(d)
}

// backoffDelay 第 n 次熔断的基础冷却：base 翻倍增长，封顶 max
func backoffDelay(base, max time.Duration, n int) time.Duration {
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		d = max
	}
	return d
}

// RetryAfter 距下次允许探测还有多久。
// 0 表示现在就能发，负值表示鉴权锁死，等也没用。
func (s *State) RetryAfter(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.authOpen {
		return -1
	}
	if s.circuit != Open {
		return 0
	}
	if d := s.openUntil.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Snapshot 状态快照，给监控接口用
type Snapshot struct {
	Circuit    string        `json:"circuit"`
	Failures   int           `json:"failures"`
	RetryIn    time.Duration `json:"retry_in"`
	AuthLocked bool          `json:"auth_locked"`
}

func (s *State) Snapshot(now time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Circuit:    s.circuit.String(),
		Failures:   s.failures,
		AuthLocked: s.authOpen,
	}
	if s.circuit == Open && !s.authOpen {
		if d := s.openUntil.Sub(now); d > 0 {
			snap.RetryIn = d
		}
	}
	return snap
}
