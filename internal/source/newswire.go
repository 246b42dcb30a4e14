package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	wireDefaultDialTimeout = 15 * time.Second
	// wireReadDeadline 连接静默上限：超过该时长没有任何帧(数据或服务端 ping)
	// 即判定连接半开失效，交给上层按瞬时错误重连
	wireReadDeadline = 90 * time.Second
)

// Newswire 长连接推送源的适配器：建立 WebSocket、发送订阅帧，
// 之后把每条入站 JSON 帧作为一篇文章投入有界通道。
type Newswire struct {
	desc        Descriptor
	dialTimeout time.Duration
}

func NewNewswire(d Descriptor) *Newswire {
	d.Kind = KindStream
	d.Format = FormatStream
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = wireDefaultDialTimeout
	}
	return &Newswire{desc: d, dialTimeout: timeout}
}

func (n *Newswire) Descriptor() Descriptor { return n.desc }

type subscribeFrame struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols,omitempty"`
	Topics  []string `json:"topics,omitempty"`
}

func (n *Newswire) Open(ctx context.Context) (*Stream, error) {
	dialCtx, cancelDial := context.WithTimeout(ctx, n.dialTimeout)
	defer cancelDial()

	conn, br, _, err := ws.Dial(dialCtx, n.desc.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%s: dial: %w: %v", n.desc.ID, ErrTransient, err)
	}

	sub, err := json.Marshal(subscribeFrame{
		Action:  "subscribe",
		Symbols: n.desc.Symbols,
		Topics:  n.desc.Topics,
	})
	if err == nil {
		err = wsutil.WriteClientText(conn, sub)
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s: subscribe: %w: %v", n.desc.ID, ErrTransient, err)
	}

	streamCtx, stop := context.WithCancel(ctx)
	st := NewStream(stop)
	go n.readLoop(streamCtx, stop, conn, br, st)
	return st, nil
}

// readLoop 单读者循环：wsutil 在读取数据帧的同时自动应答服务端 ping，
// 因此订阅之后连接上只有这一个写者，无需额外互斥。
func (n *Newswire) readLoop(ctx context.Context, stop context.CancelFunc, conn net.Conn, br *bufio.Reader, st *Stream) {
	defer stop()
	defer conn.Close()

	// ctx 取消(主动 Close 或停机)时关闭连接，解除阻塞中的读取
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	// 握手过程可能已经读进缓冲的数据要先消费掉
	var rw io.ReadWriter = conn
	if br != nil {
		rw = struct {
			io.Reader
			io.Writer
		}{io.MultiReader(br, conn), conn}
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(wireReadDeadline))
		data, op, err := wsutil.ReadServerData(rw)
		if err != nil {
			if ctx.Err() != nil {
				st.Fail(nil)
				return
			}
			st.Fail(fmt.Errorf("%s: read: %w: %v", n.desc.ID, ErrTransient, err))
			return
		}
		if op != ws.OpText {
			continue
		}

		item := RawItem{
			SourceID: n.desc.ID,
			Format:   n.desc.Format,
			Body:     append(json.RawMessage(nil), data...),
			Received: time.Now(),
		}
		if !st.Publish(ctx, item) {
			st.Fail(nil)
			return
		}
	}
}
