package netplay

import (
	"errors"

	"github.com/netplay-go/netplay/protocol"
	"github.com/netplay-go/netplay/sim"
)

var ErrBadInputPacket = errors.New("netplay: malformed input packet")

// encodeInputPacket builds a 'J' record carrying this tick's input plus the
// previous few, oldest first. The redundancy window means a single lost
// packet costs nothing: the next packet re-delivers the missing ticks.
func (r *Replica) encodeInputPacket(tick sim.Tick) []byte {
	window := r.inputs.Redundant(tick, r.opts.InputRedundancy)
	body := make([]byte, 0, len(window)*8)
	for _, ti := range window {
		body = protocol.Append(body, 'T', protocol.ZipUint64(uint64(ti.Tick)))
		body = protocol.Append(body, 'I', ti.Input)
	}
	return protocol.Record('J', body)
}

// applyInputPacket merges a client's redundant input window into that
// peer's input buffer. Re-delivered ticks overwrite with identical data, so
// application is idempotent.
func (r *Replica) applyInputPacket(from *peer, body []byte) error {
	for len(body) > 0 {
		tb, rest, err := protocol.TakeWary('T', body)
		if err != nil {
			return errors.Join(ErrBadInputPacket, err)
		}
		ib, rest, err := protocol.TakeWary('I', rest)
		if err != nil {
			return errors.Join(ErrBadInputPacket, err)
		}
		body = rest
		from.inputs.Record(sim.Tick(protocol.UnzipUint64(tb)), ib)
	}
	return nil
}

// PeerInputs exposes the input buffer of one connected peer; the server's
// step function reads remote player inputs from here. A missing tick
// resolves to the most recent earlier input, concealing packet loss.
func (r *Replica) PeerInputs(name string) (*sim.InputBuffer[[]byte], bool) {
	p, ok := r.peerByName(name)
	if !ok {
		return nil, false
	}
	return p.inputs, true
}
