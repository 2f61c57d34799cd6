package protocol

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netplay-go/netplay/utils"
)

// pipeEnd separates the outgoing queue (fed by the peer's write loop) from
// the incoming queue (drained into by the peer's read loop) so the test
// never races the write loop for the same records.
type pipeEnd struct {
	out *utils.FDQueue[Records]
	in  *utils.FDQueue[Records]
}

func newPipeEnd() *pipeEnd {
	return &pipeEnd{
		out: utils.NewFDQueue[Records](1<<16, time.Second),
		in:  utils.NewFDQueue[Records](1<<16, time.Second),
	}
}

func (p *pipeEnd) Feed(ctx context.Context) (Records, error) { return p.out.Feed(ctx) }
func (p *pipeEnd) Drain(ctx context.Context, recs Records) error {
	return p.in.Drain(ctx, recs)
}
func (p *pipeEnd) Close() error {
	_ = p.out.Close()
	return p.in.Close()
}
func (p *pipeEnd) GetTraceId() string { return "" }

func runLoopback(t *testing.T, addr string) {
	t.Helper()
	log := utils.NewDefaultLogger(slog.LevelError)

	server := newPipeEnd()
	l := NewNet(log, nil, func(_ string) FeedDrainCloserTraced {
		return server
	}, func(_ string, _ Traced) {})

	err := l.Listen(context.Background(), addr)
	require.Nil(t, err)

	client := newPipeEnd()
	c := NewNet(log, nil, func(_ string) FeedDrainCloserTraced {
		return client
	}, func(_ string, _ Traced) {})

	err = c.Connect(context.Background(), addr)
	require.Nil(t, err)

	sent := Records{Record('M', []byte("ping across the wire"))}
	err = client.out.Drain(context.Background(), sent)
	require.Nil(t, err)

	var got Records
	deadline := time.Now().Add(10 * time.Second)
	for len(got) == 0 && time.Now().Before(deadline) {
		got, err = server.in.Feed(context.Background())
		require.Nil(t, err)
	}
	require.NotEmpty(t, got)
	assert.Equal(t, sent[0], got[0])

	assert.Nil(t, c.Close())
	assert.Nil(t, l.Close())
}

func TestNetLoopbackTCP(t *testing.T) {
	runLoopback(t, "tcp://127.0.0.1:32589")
}

func TestNetLoopbackWebSocket(t *testing.T) {
	runLoopback(t, "ws://127.0.0.1:32590")
}

func TestParseAddr(t *testing.T) {
	ct, addr, err := parseAddr("tcp://1.2.3.4:5")
	assert.Nil(t, err)
	assert.Equal(t, TCP, ct)
	assert.Equal(t, "1.2.3.4:5", addr)

	ct, _, err = parseAddr("ws://1.2.3.4:5")
	assert.Nil(t, err)
	assert.Equal(t, WS, ct)

	_, _, err = parseAddr("smtp://1.2.3.4:5")
	assert.Equal(t, ErrAddressInvalid, err)
}
