package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
)

const (
	pressDefaultEndpoint = "https://www.prnewswire.com/news-releases/news-releases-list/"
	pressDefaultTimeout  = 15 * time.Second
	pressMaxItems        = 40
)

// PressWire 用 colly 抓取无 API 的新闻稿列表页(不需要执行 JS 的页面)
type PressWire struct {
	desc    Descriptor
	timeout time.Duration
}

func NewPressWire(d Descriptor) *PressWire {
	if d.Endpoint == "" {
		d.Endpoint = pressDefaultEndpoint
	}
	d.Kind = KindPoll
	d.Format = FormatHTML
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = pressDefaultTimeout
	}
	return &PressWire{desc: d, timeout: timeout}
}

func (p *PressWire) Descriptor() Descriptor { return p.desc }

// scrapedArticle 传给 normalize 的中间 JSON 形态，browser 适配器复用同一形态
type scrapedArticle struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Summary string `json:"summary"`
}

func (p *PressWire) FetchOnce(ctx context.Context) ([]RawItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", p.desc.ID, ErrTransient, err)
	}
	hosts, err := endpointHosts(p.desc.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%s: endpoint: %w: %v", p.desc.ID, ErrParse, err)
	}

	// colly 自身不接 context，超时由请求级 timeout 兜底
	c := colly.NewCollector(
		colly.AllowedDomains(hosts...),
		colly.UserAgent("MarketHubBot/1.0"),
	)
	c.SetRequestTimeout(p.timeout)

	now := time.Now()
	articles := make([]scrapedArticle, 0, pressMaxItems)
	var fetchErr error

	// PR Newswire 列表页：每条新闻稿是一个 newsreleaseconsolidatelink 链接，
	// 摘要在同一卡片的 p 标签里
	c.OnHTML("a.newsreleaseconsolidatelink", func(e *colly.HTMLElement) {
		if len(articles) >= pressMaxItems {
			return
		}
		title := strings.TrimSpace(e.ChildText("h3"))
		if title == "" {
			title = strings.TrimSpace(e.Text)
		}
		href := e.Attr("href")
		if title == "" || href == "" {
			return
		}
		articles = append(articles, scrapedArticle{
			Title:   title,
			URL:     e.Request.AbsoluteURL(href),
			Summary: strings.TrimSpace(e.ChildText("p")),
		})
	})

	c.OnError(func(resp *colly.Response, err error) {
		if resp != nil && resp.StatusCode > 0 {
			fetchErr = classifyStatus(p.desc.ID, resp.StatusCode)
			return
		}
		fetchErr = fmt.Errorf("%s: visit: %w: %v", p.desc.ID, ErrTransient, err)
	})

	if err := c.Visit(p.desc.Endpoint); err != nil && fetchErr == nil {
		fetchErr = fmt.Errorf("%s: visit: %w: %v", p.desc.ID, ErrTransient, err)
	}
	c.Wait()
	if fetchErr != nil {
		return nil, fetchErr
	}

	items := make([]RawItem, 0, len(articles))
	for _, a := range articles {
		body, err := json.Marshal(a)
		if err != nil {
			continue
		}
		items = append(items, RawItem{
			SourceID: p.desc.ID,
			Format:   p.desc.Format,
			Body:     body,
			Received: now,
		})
	}
	return items, nil
}

// endpointHosts 返回裸主机名和带端口两种写法，带端口的地址两种都得放行
func endpointHosts(endpoint string) ([]string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("no host in %q", endpoint)
	}
	hosts := []string{u.Hostname()}
	if u.Host != u.Hostname() {
		hosts = append(hosts, u.Host)
	}
	return hosts, nil
}
