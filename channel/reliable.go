// Package channel layers delivery guarantees over raw TLV record streams:
// a reliable channel with acknowledgements, RTT-scaled resends and payload
// fragmentation, and an unreliable sequenced channel where only the newest
// message survives. Both feed their records into an outgoing FDQueue that a
// peer's write loop drains.
//
// Record types on the wire:
//
//	'R'  reliable message: id record + raw payload
//	'F'  fragment: id record + (index,total) record + raw chunk
//	'K'  acknowledgement: id record, plus an index record for fragments
//	'U'  unreliable sequenced message: seq record + raw payload
package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/netplay-go/netplay/protocol"
	"github.com/netplay-go/netplay/sim"
	"github.com/netplay-go/netplay/utils"
)

var (
	ErrBadMessage = errors.New("netplay: malformed channel message")
	ErrInvariant  = errors.New("netplay: channel invariant violated")
)

// MessageId identifies one reliable send; fragments of the same message
// share its id.
type MessageId uint32

type ReliableOptions struct {
	// MTU bounds the payload bytes carried by a single record; larger
	// payloads are fragmented.
	MTU int
	// ResendFactor scales the RTT into a resend timeout.
	ResendFactor float64
	// DedupWindow bounds the received-id cache used for exactly-once
	// effective delivery.
	DedupWindow int
}

func (o *ReliableOptions) SetDefaults() {
	if o.MTU == 0 {
		o.MTU = protocol.TYPICAL_MTU
	}
	if o.ResendFactor == 0 {
		o.ResendFactor = 1.5
	}
	if o.DedupWindow == 0 {
		o.DedupWindow = 4096
	}
}

type pending struct {
	recs   protocol.Records
	sentAt time.Time
	// remaining is nil for unfragmented messages; for fragmented ones it
	// holds the indexes still awaiting an ack, keyed to recs positions.
	remaining map[uint16]int
}

type reassembly struct {
	total  uint16
	chunks map[uint16][]byte
}

// Reliable is the at-least-once, exactly-once-effective channel: every send
// stays in the unacked set and is retransmitted on an RTT-scaled timer until
// the remote side acknowledges it; the receive side drops duplicates.
type Reliable struct {
	log   utils.Logger
	clock sim.Clock
	out   *utils.FDQueue[protocol.Records]
	opts  ReliableOptions

	lock    sync.Mutex
	next    MessageId
	unacked map[MessageId]*pending
	partial map[MessageId]*reassembly
	seen    *lru.Cache[MessageId, struct{}]

	resends   atomic.Uint64
	bytesSent atomic.Uint64
}

func NewReliable(log utils.Logger, clock sim.Clock, out *utils.FDQueue[protocol.Records], opts ReliableOptions) *Reliable {
	opts.SetDefaults()
	seen, _ := lru.New[MessageId, struct{}](opts.DedupWindow)
	return &Reliable{
		log:     log,
		clock:   clock,
		out:     out,
		opts:    opts,
		unacked: make(map[MessageId]*pending),
		partial: make(map[MessageId]*reassembly),
		seen:    seen,
	}
}

func idRecord(id MessageId) []byte {
	return protocol.TinyRecord('I', protocol.ZipUint64(uint64(id)))
}

func takeId(body []byte) (MessageId, []byte, error) {
	idb, rest, err := protocol.TakeWary('I', body)
	if err != nil {
		return 0, nil, errors.Join(ErrBadMessage, err)
	}
	return MessageId(protocol.UnzipUint64(idb)), rest, nil
}

// Send buffers the payload for reliable delivery, fragmenting it when it
// exceeds the MTU, and queues the encoded records for transmission.
func (r *Reliable) Send(ctx context.Context, now time.Time, payload []byte) (MessageId, error) {
	r.lock.Lock()
	r.next++
	id := r.next
	p := &pending{sentAt: now}

	if len(payload) <= r.opts.MTU {
		p.recs = protocol.Records{protocol.Record('R', idRecord(id), payload)}
	} else {
		total := uint16((len(payload) + r.opts.MTU - 1) / r.opts.MTU)
		p.remaining = make(map[uint16]int, total)
		for i := uint16(0); i < total; i++ {
			lo := int(i) * r.opts.MTU
			hi := min(lo+r.opts.MTU, len(payload))
			rec := protocol.Record('F',
				idRecord(id),
				protocol.TinyRecord('N', protocol.ZipUint16Pair(i, uint64(total))),
				payload[lo:hi])
			p.remaining[i] = len(p.recs)
			p.recs = append(p.recs, rec)
		}
	}
	r.unacked[id] = p
	recs := p.recs
	r.lock.Unlock()

	r.bytesSent.Add(uint64(recs.TotalLen()))
	if err := r.out.Drain(ctx, recs); err != nil {
		return 0, err
	}
	return id, nil
}

// ResendDue retransmits every unacked record older than ResendFactor × RTT.
func (r *Reliable) ResendDue(ctx context.Context, now time.Time) error {
	timeout := time.Duration(r.opts.ResendFactor * float64(r.clock.RTT()))

	var due protocol.Records
	r.lock.Lock()
	for id, p := range r.unacked {
		if now.Sub(p.sentAt) < timeout {
			continue
		}
		p.sentAt = now
		r.resends.Add(1)
		r.log.Debug("channel: resending", "id", uint32(id), "records", len(p.recs))
		due = append(due, p.recs...)
	}
	r.lock.Unlock()

	if len(due) == 0 {
		return nil
	}
	r.bytesSent.Add(uint64(due.TotalLen()))
	return r.out.Drain(ctx, due)
}

// IsAcked reports whether a previously sent message has been fully
// acknowledged.
func (r *Reliable) IsAcked(id MessageId) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if id == 0 || id > r.next {
		return false
	}
	_, pend := r.unacked[id]
	return !pend
}

// Ack processes an incoming acknowledgement record body. An ack naming a
// fragment index on a message sent unfragmented means the two sides disagree
// about the message's own shape; that is a bug, not a network condition.
func (r *Reliable) Ack(body []byte) error {
	id, rest, err := takeId(body)
	if err != nil {
		return err
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	p, ok := r.unacked[id]
	if !ok {
		return nil // duplicate ack, already settled
	}

	if len(rest) == 0 { // whole-message ack
		if p.remaining != nil {
			return errors.Join(ErrInvariant, errors.New("whole ack for a fragmented message"))
		}
		delete(r.unacked, id)
		return nil
	}

	nb, _, err := protocol.TakeWary('N', rest)
	if err != nil {
		return errors.Join(ErrBadMessage, err)
	}
	index, _ := protocol.UnzipUint16Pair(nb)
	if p.remaining == nil {
		return errors.Join(ErrInvariant, errors.New("fragment ack for an unfragmented message"))
	}
	delete(p.remaining, index)
	if len(p.remaining) == 0 {
		delete(r.unacked, id)
	}
	return nil
}

// Receive handles one incoming 'R', 'F' or 'K' record. It queues the ack for
// message records and returns the payload once complete; duplicates and
// partial reassemblies return a nil payload.
func (r *Reliable) Receive(ctx context.Context, rec []byte) ([]byte, error) {
	lit, body, _, err := protocol.TakeAnyWary(rec)
	if err != nil {
		return nil, errors.Join(ErrBadMessage, err)
	}

	switch lit {
	case 'K':
		return nil, r.Ack(body)

	case 'R':
		id, payload, err := takeId(body)
		if err != nil {
			return nil, err
		}
		if err := r.out.Drain(ctx, protocol.Records{protocol.Record('K', idRecord(id))}); err != nil {
			return nil, err
		}
		if dup, _ := r.seen.ContainsOrAdd(id, struct{}{}); dup {
			return nil, nil
		}
		return payload, nil

	case 'F':
		return r.receiveFragment(ctx, body)

	default:
		return nil, ErrBadMessage
	}
}

func (r *Reliable) receiveFragment(ctx context.Context, body []byte) ([]byte, error) {
	id, rest, err := takeId(body)
	if err != nil {
		return nil, err
	}
	nb, chunk, err := protocol.TakeWary('N', rest)
	if err != nil {
		return nil, errors.Join(ErrBadMessage, err)
	}
	index, total64 := protocol.UnzipUint16Pair(nb)
	total := uint16(total64)
	if total == 0 || index >= total {
		return nil, errors.Join(ErrBadMessage, errors.New("fragment index out of range"))
	}

	ack := protocol.Record('K', idRecord(id), protocol.TinyRecord('N', protocol.ZipUint16Pair(index, uint64(total))))
	if err := r.out.Drain(ctx, protocol.Records{ack}); err != nil {
		return nil, err
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, dup := r.seen.Get(id); dup {
		return nil, nil
	}

	re, ok := r.partial[id]
	if !ok {
		re = &reassembly{total: total, chunks: make(map[uint16][]byte)}
		r.partial[id] = re
	}
	if re.total != total {
		return nil, errors.Join(ErrBadMessage, errors.New("fragment total changed mid-message"))
	}
	re.chunks[index] = chunk

	if len(re.chunks) < int(re.total) {
		return nil, nil
	}

	parts := make(protocol.Records, re.total)
	for i := uint16(0); i < re.total; i++ {
		parts[i] = re.chunks[i]
	}
	delete(r.partial, id)
	r.seen.Add(id, struct{}{})
	return protocol.Concat(parts...), nil
}

// Stats exposes the channel's counters for the metrics collector.
func (r *Reliable) Stats() (resends, bytesSent uint64) {
	return r.resends.Load(), r.bytesSent.Load()
}

// Unacked reports how many messages still await acknowledgement.
func (r *Reliable) Unacked() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.unacked)
}
