package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Peer pumps one connection: the read side splits the inbound byte stream
// into TLV records and hands them to the installed link, the write side
// flushes the link's outgoing records onto the socket. Both directions run
// until the connection fails or the peer is closed.
type Peer struct {
	closed atomic.Bool
	wg     sync.WaitGroup

	conn  net.Conn
	inout FeedDrainCloserTraced
}

// readLoop drains complete records straight into the link. The link's Drain
// only parks records in the replica's inbox queue, so there is no slow
// consumer to decouple from here; an inbox overflow surfaces as a Drain
// error and drops the peer.
func (p *Peer) readLoop(ctx context.Context) error {
	var buf bytes.Buffer
	for !p.closed.Load() {
		if ctx.Err() != nil {
			return nil
		}
		if buf.Available() < TYPICAL_MTU {
			buf.Grow(TYPICAL_MTU)
		}

		idle := buf.AvailableBuffer()[:buf.Available()]
		n, err := p.conn.Read(idle)
		if err != nil {
			if errors.Is(err, io.EOF) {
				time.Sleep(time.Millisecond)
				continue
			}
			return err
		}
		buf.Write(idle[:n])

		recs, err := Split(&buf)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			continue // a record still straddles the read boundary
		}
		if err := p.inout.Drain(ctx, recs); err != nil {
			return err
		}
	}
	return nil
}

// writeLoop feeds batches of outgoing records from the link and writes each
// batch with one vectored call. Feed returns empty within its time limit
// when the queue is idle, which keeps the closed flag polled.
func (p *Peer) writeLoop(ctx context.Context) error {
	for !p.closed.Load() {
		if ctx.Err() != nil {
			return nil
		}

		recs, err := p.inout.Feed(ctx)
		if err != nil {
			return err
		}

		b := net.Buffers(recs)
		for len(b) > 0 {
			if _, err := b.WriteTo(p.conn); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Peer) GetTraceId() string {
	return p.inout.GetTraceId()
}

// Keep runs both loops until the connection winds down and reports their
// errors separately.
func (p *Peer) Keep(ctx context.Context) (rerr, werr, cerr error) {
	p.wg.Add(2) // read & write
	defer p.wg.Add(-2)

	if p.closed.Load() {
		return nil, nil, nil
	}

	readErrCh, writeErrCh := make(chan error, 1), make(chan error, 1)
	go func() { readErrCh <- p.readLoop(ctx) }()
	go func() { writeErrCh <- p.writeLoop(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case rerr = <-readErrCh:
			if errors.Is(rerr, net.ErrClosed) {
				// expected when we close the socket ourselves
				rerr = nil
			}
		case werr = <-writeErrCh:
			// Close only after the write loop is done; closing also
			// unblocks the pending read.
			cerr = p.conn.Close()
		}

		p.closed.Store(true)
	}
	p.conn = nil
	return
}

func (p *Peer) Close() {
	p.closed.Store(true)
	p.wg.Wait()

	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}
