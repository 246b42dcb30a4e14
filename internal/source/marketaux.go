package source

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	marketauxDefaultEndpoint = "https://api.marketaux.com/v1/news/all"
	marketauxPageLimit       = 50
	marketauxDefaultPages    = 3
)

// MarketAux 轮询 marketaux /v1/news/all 的适配器，分页在内部完成
type MarketAux struct {
	desc   Descriptor
	client *pollClient
}

func NewMarketAux(d Descriptor) *MarketAux {
	if d.Endpoint == "" {
		d.Endpoint = marketauxDefaultEndpoint
	}
	if d.MaxPages <= 0 {
		d.MaxPages = marketauxDefaultPages
	}
	d.Kind = KindPoll
	d.Format = FormatMarketAux
	return &MarketAux{desc: d, client: newPollClient(d)}
}

func (m *MarketAux) Descriptor() Descriptor { return m.desc }

func (m *MarketAux) FetchOnce(ctx context.Context) ([]RawItem, error) {
	now := time.Now()
	var items []RawItem

	for page := 1; page <= m.desc.MaxPages; page++ {
		q := url.Values{}
		q.Set("api_token", m.desc.APIKey)
		if len(m.desc.Symbols) > 0 {
			q.Set("symbols", strings.Join(m.desc.Symbols, ","))
		}
		q.Set("language", "en")
		q.Set("limit", strconv.Itoa(marketauxPageLimit))
		q.Set("page", strconv.Itoa(page))

		var resp struct {
			Meta struct {
				Found    int `json:"found"`
				Returned int `json:"returned"`
				Limit    int `json:"limit"`
				Page     int `json:"page"`
			} `json:"meta"`
			Data []json.RawMessage `json:"data"`
		}
		if err := m.client.getJSON(ctx, m.desc.Endpoint+"?"+q.Encode(), &resp); err != nil {
			if page > 1 {
				// 已拿到部分页时不作废本轮结果，失败留给下一轮
				log.Printf("marketaux: page %d failed, keep %d items: %v", page, len(items), err)
				return items, nil
			}
			return nil, err
		}

		for _, d := range resp.Data {
			items = append(items, RawItem{
				SourceID: m.desc.ID,
				Format:   m.desc.Format,
				Body:     d,
				Received: now,
			})
		}
		if resp.Meta.Returned < resp.Meta.Limit {
			break
		}
	}
	return items, nil
}
