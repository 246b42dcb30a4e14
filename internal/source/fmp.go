package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	fmpDefaultEndpoint = "https://financialmodelingprep.com/api/v3/stock_news"
	fmpPageLimit       = 50
	fmpDefaultPages    = 1
)

// FMP 轮询 financialmodelingprep 新闻类接口的适配器。
// v3 端点返回文章数组，v4 文章端点返回 {content:[...]}，两种形态都支持。
type FMP struct {
	desc   Descriptor
	client *pollClient
}

func NewFMP(d Descriptor) *FMP {
	if d.Endpoint == "" {
		d.Endpoint = fmpDefaultEndpoint
	}
	if d.MaxPages <= 0 {
		d.MaxPages = fmpDefaultPages
	}
	d.Kind = KindPoll
	d.Format = FormatFMP
	return &FMP{desc: d, client: newPollClient(d)}
}

func (f *FMP) Descriptor() Descriptor { return f.desc }

func (f *FMP) FetchOnce(ctx context.Context) ([]RawItem, error) {
	now := time.Now()
	var items []RawItem

	// FMP 的 page 参数从 0 开始
	for page := 0; page < f.desc.MaxPages; page++ {
		q := url.Values{}
		q.Set("apikey", f.desc.APIKey)
		if len(f.desc.Symbols) > 0 {
			q.Set("tickers", strings.Join(f.desc.Symbols, ","))
		}
		q.Set("limit", strconv.Itoa(fmpPageLimit))
		q.Set("page", strconv.Itoa(page))

		var raw json.RawMessage
		if err := f.client.getJSON(ctx, f.desc.Endpoint+"?"+q.Encode(), &raw); err != nil {
			return nil, err
		}
		articles, err := splitFMPResponse(f.desc.ID, raw)
		if err != nil {
			return nil, err
		}

		for _, a := range articles {
			items = append(items, RawItem{
				SourceID: f.desc.ID,
				Format:   f.desc.Format,
				Body:     a,
				Received: now,
			})
		}
		if len(articles) < fmpPageLimit {
			break
		}
	}
	return items, nil
}

// splitFMPResponse 拆出单篇文章：顶层可能是数组，也可能是 {content:[...]} 分页包装
func splitFMPResponse(sourceID string, raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, fmt.Errorf("%s: decode article list: %w: %v", sourceID, ErrParse, err)
		}
		return arr, nil
	}

	var wrapped struct {
		Content []json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("%s: decode article page: %w: %v", sourceID, ErrParse, err)
	}
	return wrapped.Content, nil
}
