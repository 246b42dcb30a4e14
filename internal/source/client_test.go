package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetJSONClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusUnauthorized, ErrAuth},
		{http.StatusForbidden, ErrAuth},
		{http.StatusInternalServerError, ErrTransient},
		{http.StatusBadGateway, ErrTransient},
		{http.StatusNotFound, ErrParse},
	}

	for _, c := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(c.status)
		}))
		client := newPollClient(Descriptor{ID: "t"})

		var out map[string]any
		err := client.getJSON(context.Background(), srv.URL, &out)
		if !errors.Is(err, c.want) {
			t.Fatalf("status %d: err = %v, want %v", c.status, err, c.want)
		}
		srv.Close()
	}
}

func TestGetJSONDecodesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"hello":"world"}`))
	}))
	defer srv.Close()

	client := newPollClient(Descriptor{ID: "t"})
	var out struct {
		Hello string `json:"hello"`
	}
	if err := client.getJSON(context.Background(), srv.URL, &out); err != nil {
		t.Fatalf("getJSON error: %v", err)
	}
	if out.Hello != "world" {
		t.Fatalf("decoded = %q, want world", out.Hello)
	}
}

func TestGetJSONBadBodyIsParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>definitely not json</html>`))
	}))
	defer srv.Close()

	client := newPollClient(Descriptor{ID: "t"})
	var out map[string]any
	if err := client.getJSON(context.Background(), srv.URL, &out); !errors.Is(err, ErrParse) {
		t.Fatalf("err = %v, want ErrParse", err)
	}
}

func TestGetJSONConnectFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // 关掉再连，模拟对端不可达

	client := newPollClient(Descriptor{ID: "t"})
	var out map[string]any
	if err := client.getJSON(context.Background(), srv.URL, &out); !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
}

func TestGetJSONRateLimiterRespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	// 极低速率 + 很短的截止时间，限流等待应立即报瞬时错误
	client := newPollClient(Descriptor{ID: "t", RateLimit: 0.0001})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var out map[string]any
	start := time.Now()
	err := client.getJSON(ctx, srv.URL, &out)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("rate wait should fail fast when deadline cannot be met")
	}
}
