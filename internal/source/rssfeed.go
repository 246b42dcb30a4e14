package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/mmcdole/gofeed"

	"golang.org/x/time/rate"
)

const rssDefaultTimeout = 20 * time.Second

// RSSFeed 轮询一个 RSS/Atom 源的适配器
type RSSFeed struct {
	desc    Descriptor
	parser  *gofeed.Parser
	limiter *rate.Limiter
	timeout time.Duration
}

func NewRSSFeed(d Descriptor) *RSSFeed {
	d.Kind = KindPoll
	d.Format = FormatRSS
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = rssDefaultTimeout
	}
	var limiter *rate.Limiter
	if d.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(d.RateLimit), 1)
	}
	p := gofeed.NewParser()
	p.UserAgent = "MarketHubBot/1.0"
	return &RSSFeed{desc: d, parser: p, limiter: limiter, timeout: timeout}
}

func (r *RSSFeed) Descriptor() Descriptor { return r.desc }

// rssArticle 传给 normalize 的中间 JSON 形态
type rssArticle struct {
	Title      string   `json:"title"`
	Link       string   `json:"link"`
	Summary    string   `json:"summary"`
	Published  string   `json:"published"`
	Categories []string `json:"categories"`
}

func (r *RSSFeed) FetchOnce(ctx context.Context) ([]RawItem, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: rate wait: %w: %v", r.desc.ID, ErrTransient, err)
		}
	}

	fctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	feed, err := r.parser.ParseURLWithContext(r.desc.Endpoint, fctx)
	if err != nil {
		return nil, r.classify(err)
	}

	now := time.Now()
	items := make([]RawItem, 0, len(feed.Items))
	for _, it := range feed.Items {
		art := rssArticle{
			Title:      it.Title,
			Link:       it.Link,
			Summary:    it.Description,
			Categories: it.Categories,
		}
		if it.PublishedParsed != nil {
			art.Published = it.PublishedParsed.UTC().Format(time.RFC3339)
		}
		body, err := json.Marshal(art)
		if err != nil {
			continue
		}
		items = append(items, RawItem{
			SourceID: r.desc.ID,
			Format:   r.desc.Format,
			Body:     body,
			Received: now,
		})
	}
	return items, nil
}

// classify gofeed 的错误有三种形态：HTTP 状态错误、网络错误、XML 解析错误
func (r *RSSFeed) classify(err error) error {
	var httpErr gofeed.HTTPError
	if errors.As(err, &httpErr) {
		return classifyStatus(r.desc.ID, httpErr.StatusCode)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: fetch feed: %w: %v", r.desc.ID, ErrTransient, err)
	}
	return fmt.Errorf("%s: parse feed: %w: %v", r.desc.ID, ErrParse, err)
}
