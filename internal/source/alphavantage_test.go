package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAlphaVantageFetchOnce(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotQuery = map[string]string{
			"function": q.Get("function"),
			"tickers":  q.Get("tickers"),
			"apikey":   q.Get("apikey"),
			"limit":    q.Get("limit"),
		}
		w.Write([]byte(`{"feed":[
			{"title":"Apple beats estimates","url":"https://example.com/a"},
			{"title":"Fed holds rates","url":"https://example.com/b"}
		]}`))
	}))
	defer srv.Close()

	av := NewAlphaVantage(Descriptor{
		ID:       "alphavantage",
		Endpoint: srv.URL,
		APIKey:   "demo-key",
		Symbols:  []string{"AAPL", "MSFT"},
	})
	items, err := av.FetchOnce(context.Background())
	if err != nil {
		t.Fatalf("FetchOnce error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}

	if gotQuery["function"] != "NEWS_SENTIMENT" {
		t.Fatalf("function = %q, want NEWS_SENTIMENT", gotQuery["function"])
	}
	if gotQuery["tickers"] != "AAPL,MSFT" {
		t.Fatalf("tickers = %q, want AAPL,MSFT", gotQuery["tickers"])
	}
	if gotQuery["apikey"] != "demo-key" {
		t.Fatalf("apikey = %q, want demo-key", gotQuery["apikey"])
	}
	if gotQuery["limit"] != "50" {
		t.Fatalf("limit = %q, want 50", gotQuery["limit"])
	}

	for _, it := range items {
		if it.SourceID != "alphavantage" || it.Format != FormatAlphaVantage {
			t.Fatalf("item meta = %s/%s, want alphavantage/%s", it.SourceID, it.Format, FormatAlphaVantage)
		}
		if it.Received.IsZero() {
			t.Fatalf("item should carry a received timestamp")
		}
	}

	// Body 必须是原样透传的单条 feed 条目
	var entry struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(items[0].Body, &entry); err != nil {
		t.Fatalf("item body is not a feed entry: %v", err)
	}
	if entry.Title != "Apple beats estimates" {
		t.Fatalf("title = %q, want first feed entry", entry.Title)
	}
}

func TestAlphaVantageQuotaNoteIsRateLimited(t *testing.T) {
	// 免费额度用尽时接口仍返回 200，靠提示字段识别
	bodies := []string{
		`{"Note":"Thank you for using Alpha Vantage! Our standard API rate limit is 25 requests per day."}`,
		`{"Information":"API rate limit reached."}`,
	}
	for _, body := range bodies {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))

		av := NewAlphaVantage(Descriptor{ID: "alphavantage", Endpoint: srv.URL})
		_, err := av.FetchOnce(context.Background())
		if !errors.Is(err, ErrRateLimited) {
			t.Fatalf("body %s: err = %v, want ErrRateLimited", body, err)
		}
		srv.Close()
	}
}

func TestAlphaVantageEmptyFeedIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"feed":[]}`))
	}))
	defer srv.Close()

	av := NewAlphaVantage(Descriptor{ID: "alphavantage", Endpoint: srv.URL})
	items, err := av.FetchOnce(context.Background())
	if err != nil {
		t.Fatalf("empty feed should not fail: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("got %d items, want 0", len(items))
	}
}

func TestNewAlphaVantageDefaults(t *testing.T) {
	av := NewAlphaVantage(Descriptor{ID: "alphavantage"})
	d := av.Descriptor()
	if d.Endpoint != alphaDefaultEndpoint {
		t.Fatalf("endpoint = %q, want default", d.Endpoint)
	}
	if d.Kind != KindPoll || d.Format != FormatAlphaVantage {
		t.Fatalf("kind/format = %s/%s, want poll/%s", d.Kind, d.Format, FormatAlphaVantage)
	}
}
