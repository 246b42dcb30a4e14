package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	alphaDefaultEndpoint = "https://www.alphavantage.co/query"
	alphaFetchLimit      = 50
)

// AlphaVantage 轮询 NEWS_SENTIMENT 接口的适配器
type AlphaVantage struct {
	desc   Descriptor
	client *pollClient
}

func NewAlphaVantage(d Descriptor) *AlphaVantage {
	if d.Endpoint == "" {
		d.Endpoint = alphaDefaultEndpoint
	}
	d.Kind = KindPoll
	d.Format = FormatAlphaVantage
	return &AlphaVantage{desc: d, client: newPollClient(d)}
}

func (a *AlphaVantage) Descriptor() Descriptor { return a.desc }

func (a *AlphaVantage) FetchOnce(ctx context.Context) ([]RawItem, error) {
	q := url.Values{}
	q.Set("function", "NEWS_SENTIMENT")
	if len(a.desc.Symbols) > 0 {
		q.Set("tickers", strings.Join(a.desc.Symbols, ","))
	}
	if len(a.desc.Topics) > 0 {
		q.Set("topics", strings.Join(a.desc.Topics, ","))
	}
	q.Set("sort", "LATEST")
	q.Set("limit", strconv.Itoa(alphaFetchLimit))
	q.Set("apikey", a.desc.APIKey)

	var resp struct {
		Feed []json.RawMessage `json:"feed"`
		// 免费额度用尽时接口仍返回 200，内容只有一段提示文案
		Note        string `json:"Note"`
		Information string `json:"Information"`
	}
	if err := a.client.getJSON(ctx, a.desc.Endpoint+"?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	if len(resp.Feed) == 0 && (resp.Note != "" || resp.Information != "") {
		return nil, fmt.Errorf("%s: api quota note: %w", a.desc.ID, ErrRateLimited)
	}

	now := time.Now()
	items := make([]RawItem, 0, len(resp.Feed))
	for _, f := range resp.Feed {
		items = append(items, RawItem{
			SourceID: a.desc.ID,
			Format:   a.desc.Format,
			Body:     f,
			Received: now,
		})
	}
	return items, nil
}
