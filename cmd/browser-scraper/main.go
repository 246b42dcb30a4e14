package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/LJTian/MarketHub/internal/normalize"
	"github.com/LJTian/MarketHub/internal/source"
)

// 浏览器抓取源的调试入口：对指定 URL 跑一遍 抓取 -> 规范化，
// 结果打到标准输出，方便调选择器和排查页面改版。
func main() {
	url := flag.String("url", "", "list page url")
	timeout := flag.Duration("timeout", 45*time.Second, "page navigation timeout")
	flag.Parse()

	if *url == "" {
		log.Fatal("usage: browser-scraper -url https://example.com/news")
	}

	b := source.NewBrowser(source.Descriptor{
		ID:       "browser_debug",
		Kind:     source.KindScrape,
		Format:   source.FormatBrowser,
		Endpoint: *url,
		Timeout:  *timeout,
	})
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout+15*time.Second)
	defer cancel()

	raws, err := b.FetchOnce(ctx)
	if err != nil {
		log.Fatalf("fetch failed: %v", err)
	}
	log.Printf("fetched %d raw item(s)", len(raws))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, raw := range raws {
		item, err := normalize.Normalize(raw)
		if err != nil {
			log.Printf("drop: %v", err)
			continue
		}
		if err := enc.Encode(item); err != nil {
			log.Fatalf("encode: %v", err)
		}
	}
}
