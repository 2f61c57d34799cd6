package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/netplay-go/netplay/protocol"
	"github.com/netplay-go/netplay/utils"
)

// Unreliable is the sequenced best-effort channel: messages may be dropped
// or reordered in flight, and the receive side keeps only the newest one.
// Stale arrivals are discarded, never delivered out of order.
type Unreliable struct {
	out *utils.FDQueue[protocol.Records]

	lock sync.Mutex
	next uint32
	last uint32
	any  bool

	bytesSent atomic.Uint64
}

func NewUnreliable(out *utils.FDQueue[protocol.Records]) *Unreliable {
	return &Unreliable{out: out}
}

// Send queues the payload with the next sequence number. No delivery state
// is kept; a lost message is simply superseded by the next one.
func (u *Unreliable) Send(ctx context.Context, payload []byte) error {
	u.lock.Lock()
	u.next++
	seq := u.next
	u.lock.Unlock()

	rec := protocol.Record('U',
		protocol.TinyRecord('S', protocol.ZipUint64(uint64(seq))),
		payload)
	u.bytesSent.Add(uint64(len(rec)))
	return u.out.Drain(ctx, protocol.Records{rec})
}

// Receive decodes an incoming 'U' record. The payload is nil when the
// message is older than one already delivered.
func (u *Unreliable) Receive(rec []byte) ([]byte, error) {
	body, _, err := protocol.TakeWary('U', rec)
	if err != nil {
		return nil, errors.Join(ErrBadMessage, err)
	}
	sb, payload, err := protocol.TakeWary('S', body)
	if err != nil {
		return nil, errors.Join(ErrBadMessage, err)
	}
	seq := uint32(protocol.UnzipUint64(sb))

	u.lock.Lock()
	defer u.lock.Unlock()
	// wrap-aware: a positive signed delta means strictly newer
	if u.any && int32(seq-u.last) <= 0 {
		return nil, nil
	}
	u.last = seq
	u.any = true
	return payload, nil
}

// BytesSent exposes the byte counter for the metrics collector.
func (u *Unreliable) BytesSent() uint64 {
	return u.bytesSent.Load()
}
