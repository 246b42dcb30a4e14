package dedup

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Cache 指纹去重缓存：容量有限的 LRU，每个条目带过期时间。
// 过期采用惰性清理，命中时检查，过期视同不存在。
// 它只负责省掉重复写库的开销，真正的去重权威是存储层的唯一索引。
type Cache struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, time.Time]
	ttl time.Duration
}

// New 创建去重缓存。capacity 必须为正，ttl <= 0 表示条目不过期（仅靠 LRU 淘汰）。
func New(capacity int, ttl time.Duration) (*Cache, error) {
	lru, err := simplelru.NewLRU[string, time.Time](capacity, nil)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: lru, ttl: ttl}, nil
}

// Admit 判定该指纹是否放行。首次出现记录并返回 true；
// 窗口内再次出现返回 false；已过期的旧条目当作首次，刷新后放行。
func (c *Cache) Admit(fingerprint string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expireAt, ok := c.lru.Get(fingerprint); ok {
		if c.ttl <= 0 || now.Before(expireAt) {
			return false
		}
		c.lru.Remove(fingerprint)
	}
	c.lru.Add(fingerprint, now.Add(c.ttl))
	return true
}

// Len 当前缓存条目数，含尚未惰性清理的过期项
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
