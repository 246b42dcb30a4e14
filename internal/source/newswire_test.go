package source

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// newWireServer 起一个 WebSocket 服务端：收下订阅帧后执行 serve
func newWireServer(t *testing.T, subCh chan<- []byte, serve func(conn net.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		go func() {
			data, _, err := wsutil.ReadClientData(conn)
			if err != nil {
				conn.Close()
				return
			}
			if subCh != nil {
				subCh <- data
			}
			serve(conn)
		}()
	}))
}

func wsEndpoint(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestNewswireStreamDeliversFrames(t *testing.T) {
	subCh := make(chan []byte, 1)
	srv := newWireServer(t, subCh, func(conn net.Conn) {
		wsutil.WriteServerText(conn, []byte(`{"title":"flash one","url":"https://example.com/1"}`))
		wsutil.WriteServerText(conn, []byte(`{"title":"flash two","url":"https://example.com/2"}`))
	})
	defer srv.Close()

	nw := NewNewswire(Descriptor{ID: "newswire", Endpoint: wsEndpoint(srv), Symbols: []string{"AAPL", "TSLA"}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := nw.Open(ctx)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer st.Close()

	// 建连后第一帧必须是订阅请求
	select {
	case raw := <-subCh:
		var sub subscribeFrame
		if err := json.Unmarshal(raw, &sub); err != nil {
			t.Fatalf("subscribe frame: %v", err)
		}
		if sub.Action != "subscribe" {
			t.Fatalf("action = %q, want subscribe", sub.Action)
		}
		if len(sub.Symbols) != 2 || sub.Symbols[0] != "AAPL" {
			t.Fatalf("symbols = %v", sub.Symbols)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server never received a subscribe frame")
	}

	var got []RawItem
	deadline := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case it, ok := <-st.Items():
			if !ok {
				t.Fatalf("stream ended early: %v", st.Err())
			}
			got = append(got, it)
		case <-deadline:
			t.Fatalf("timed out, got %d frames", len(got))
		}
	}

	if got[0].SourceID != "newswire" || got[0].Format != FormatStream {
		t.Fatalf("item meta = %s/%s", got[0].SourceID, got[0].Format)
	}
	var body struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(got[0].Body, &body); err != nil {
		t.Fatalf("frame body: %v", err)
	}
	if body.Title != "flash one" {
		t.Fatalf("title = %q, want flash one", body.Title)
	}
}

func TestNewswirePeerDisconnectFailsStream(t *testing.T) {
	srv := newWireServer(t, nil, func(conn net.Conn) {
		wsutil.WriteServerText(conn, []byte(`{"title":"only one"}`))
		conn.Close() // 对端掉线
	})
	defer srv.Close()

	nw := NewNewswire(Descriptor{ID: "newswire", Endpoint: wsEndpoint(srv)})
	st, err := nw.Open(context.Background())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer st.Close()

	var n int
	for range st.Items() {
		n++
	}
	if n != 1 {
		t.Fatalf("got %d frames before disconnect, want 1", n)
	}
	if err := st.Err(); !errors.Is(err, ErrTransient) {
		t.Fatalf("stream err = %v, want ErrTransient", err)
	}
}

func TestNewswireCloseShutsDownCleanly(t *testing.T) {
	block := make(chan struct{})
	srv := newWireServer(t, nil, func(conn net.Conn) {
		<-block // 挂住连接，等客户端主动关闭
		conn.Close()
	})
	defer srv.Close()
	defer close(block)

	nw := NewNewswire(Descriptor{ID: "newswire", Endpoint: wsEndpoint(srv)})
	st, err := nw.Open(context.Background())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}

	st.Close()
	for range st.Items() {
		// 清空残余帧，等通道关闭
	}
	if err := st.Err(); err != nil {
		t.Fatalf("deliberate close should not report an error, got: %v", err)
	}
}

func TestNewswireDialFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := wsEndpoint(srv)
	srv.Close() // 先关掉，连接必然失败

	nw := NewNewswire(Descriptor{ID: "newswire", Endpoint: endpoint, Timeout: time.Second})
	if _, err := nw.Open(context.Background()); !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
}
