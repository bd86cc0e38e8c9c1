package chat

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"PPChat/tools/safe"
)

// WsConfig tunes the gorilla transport.
type WsConfig struct {
	PingInterval time.Duration
	WriteWait    time.Duration
	MaxFrameSize int64
}

func (c *WsConfig) norm() {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = 64 << 10
	}
}

// WsTransport adapts a gorilla connection to Transport. Data frames and
// pings share one write lock; the peer must answer pings within two ping
// intervals or the next Read fails.
type WsTransport struct {
	conn *websocket.Conn
	conf WsConfig

	wmu       sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func NewWsTransport(conn *websocket.Conn, conf WsConfig, log *zap.Logger) *WsTransport {
	conf.norm()
	t := &WsTransport{conn: conn, conf: conf, done: make(chan struct{})}

	pongWait := 2 * conf.PingInterval
	conn.SetReadLimit(conf.MaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	safe.Go(log, "ws-ping", t.pingLoop)
	return t
}

func (t *WsTransport) pingLoop() {
	ticker := time.NewTicker(t.conf.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.wmu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.conf.WriteWait))
			t.wmu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (t *WsTransport) Read(_ context.Context) ([]byte, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *WsTransport) Write(_ context.Context, frame []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.conf.WriteWait))
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close sends a close frame with code and reason, then closes the socket.
func (t *WsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.wmu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(t.conf.WriteWait))
		t.wmu.Unlock()
		err = t.conn.Close()
	})
	return err
}
