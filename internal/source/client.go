package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxResponseBytes 单次响应体大小上限，防止异常响应拖垮内存
	maxResponseBytes = 4 << 20 // 4MB

	defaultPollTimeout = 30 * time.Second
)

// pollClient 轮询适配器共用的 HTTP 客户端：统一超时、限流、
// 响应体大小上限与错误分类
type pollClient struct {
	id      string
	http    *http.Client
	limiter *rate.Limiter
}

func newPollClient(d Descriptor) *pollClient {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	var limiter *rate.Limiter
	if d.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(d.RateLimit), 1)
	}
	return &pollClient{
		id:      d.ID,
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

// getJSON 拉取 url 并解析 JSON 到 out。
// 发起请求前先通过限流器等待，保证不超过该源声明的速率。
func (c *pollClient) getJSON(ctx context.Context, url string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate wait: %w: %v", c.id, ErrTransient, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w: %v", c.id, ErrParse, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// 超时与连接失败都走这里，统一按瞬时错误重试
		return fmt.Errorf("%s: request: %w: %v", c.id, ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(c.id, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read body: %w: %v", c.id, ErrTransient, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode body: %w: %v", c.id, ErrParse, err)
	}
	return nil
}
