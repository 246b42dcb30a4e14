package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

const browserDefaultTimeout = 45 * time.Second

// Browser 无 API 且依赖 JS 渲染的页面走 headless 浏览器抓取。
// 浏览器进程在首次抓取时启动并在进程内复用，每次抓取用独立
// 标签页与超时上下文，任何退出路径都会释放标签页。
type Browser struct {
	desc    Descriptor
	timeout time.Duration

	mu          sync.Mutex
	allocStop   context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
}

func NewBrowser(d Descriptor) *Browser {
	d.Kind = KindScrape
	d.Format = FormatBrowser
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = browserDefaultTimeout
	}
	return &Browser{desc: d, timeout: timeout}
}

func (b *Browser) Descriptor() Descriptor { return b.desc }

// ensureBrowser 懒启动 headless 实例并预热；实例崩溃后下次调用会重建
func (b *Browser) ensureBrowser() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil && b.browserCtx.Err() == nil {
		return b.browserCtx, nil
	}
	b.teardownLocked()

	allocCtx, allocStop := chromedp.NewExecAllocator(context.Background(), chromedp.DefaultExecAllocatorOptions[:]...)
	browserCtx, browserStop := chromedp.NewContext(allocCtx)

	// 预热，避免首次抓取附带浏览器启动耗时
	if err := chromedp.Run(browserCtx); err != nil {
		browserStop()
		allocStop()
		return nil, fmt.Errorf("%s: start browser: %w: %v", b.desc.ID, ErrTransient, err)
	}

	b.allocStop = allocStop
	b.browserCtx = browserCtx
	b.browserStop = browserStop
	return browserCtx, nil
}

func (b *Browser) FetchOnce(ctx context.Context) ([]RawItem, error) {
	browserCtx, err := b.ensureBrowser()
	if err != nil {
		return nil, err
	}

	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()
	runCtx, cancelRun := context.WithTimeout(tabCtx, b.timeout)
	defer cancelRun()

	// 停机取消外层 ctx 时同步中止本次导航
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			cancelRun()
		case <-watchDone:
		}
	}()

	var articles []scrapedArticle
	err = chromedp.Run(runCtx,
		chromedp.Navigate(b.desc.Endpoint),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(listExtractJS, &articles),
	)
	if err != nil {
		// 导航超时、选择器缺失、浏览器崩溃都按瞬时错误处理，
		// 崩溃的实例由 ensureBrowser 在下一轮重建
		return nil, fmt.Errorf("%s: scrape: %w: %v", b.desc.ID, ErrTransient, err)
	}

	now := time.Now()
	items := make([]RawItem, 0, len(articles))
	for _, a := range articles {
		body, err := json.Marshal(a)
		if err != nil {
			continue
		}
		items = append(items, RawItem{
			SourceID: b.desc.ID,
			Format:   b.desc.Format,
			Body:     body,
			Received: now,
		})
	}
	return items, nil
}

// Close 停机时关闭浏览器进程
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.teardownLocked()
}

func (b *Browser) teardownLocked() {
	if b.browserStop != nil {
		b.browserStop()
		b.browserStop = nil
	}
	if b.allocStop != nil {
		b.allocStop()
		b.allocStop = nil
	}
	b.browserCtx = nil
}

// listExtractJS 在列表页提取文章链接与标题，优先文章类容器，
// 标题过短或重复的链接会被跳过
const listExtractJS = `(function () {
  var out = [];
  var seen = {};
  var nodes = document.querySelectorAll("article a[href], h2 a[href], h3 a[href]");
  for (var i = 0; i < nodes.length && out.length < 30; i++) {
    var a = nodes[i];
    var title = (a.innerText || "").trim();
    var href = a.href || "";
    if (!title || title.length < 8 || !href || seen[href]) continue;
    seen[href] = true;
    out.push({ title: title, url: href, summary: "" });
  }
  return out;
})();`
