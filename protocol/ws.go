package protocol

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// WsListener upgrades incoming HTTP connections to WebSocket and hands
// them out as plain net.Conn streams of binary messages, so browser-class
// clients ride the same Peer machinery as raw TCP ones.
type WsListener struct {
	inner net.Listener
	srv   *http.Server

	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func NewWsListener(inner net.Listener) *WsListener {
	l := &WsListener{
		inner: inner,
		conns: make(chan net.Conn, 16),
		done:  make(chan struct{}),
	}
	l.srv = &http.Server{Handler: l}
	go func() {
		_ = l.srv.Serve(inner)
	}()
	return l
}

func (l *WsListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin checks are the embedder's policy
	})
	if err != nil {
		return
	}
	conn := websocket.NetConn(context.Background(), c, websocket.MessageBinary)
	select {
	case l.conns <- conn:
	case <-l.done:
		_ = conn.Close()
	}
}

func (l *WsListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *WsListener) Close() error {
	l.once.Do(func() { close(l.done) })
	_ = l.srv.Close()
	return l.inner.Close()
}

func (l *WsListener) Addr() net.Addr {
	return l.inner.Addr()
}

// DialWs dials a WebSocket endpoint and returns it as a net.Conn.
func DialWs(ctx context.Context, url string) (net.Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
}
