package replication

import (
	"encoding/binary"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/netplay-go/netplay/component"
	"github.com/netplay-go/netplay/sim"
	"github.com/netplay-go/netplay/world"
)

var (
	ErrBadMessage       = errors.New("netplay: malformed replication message")
	ErrMissingDeltaBase = errors.New("netplay: normal delta without its base value")
)

// Value encoding flag, the first byte of every component payload.
const (
	valueFull     byte = 0 // complete encoded value
	valueFromBase byte = 1 // delta against the kind's base value
	valueNormal   byte = 2 // delta against the value at a previous tick
)

type deltaKey struct {
	entity world.Entity
	kind   world.Kind
	tick   sim.Tick
}

// DecodeHistory holds the receive-side values that Normal deltas diff
// against, keyed by (entity, kind, tick). Bounded: old bases fall out of
// the cache once the sender has long moved past them.
type DecodeHistory struct {
	cache *lru.Cache[deltaKey, any]
}

func NewDecodeHistory(size int) *DecodeHistory {
	c, _ := lru.New[deltaKey, any](size)
	return &DecodeHistory{cache: c}
}

// Seed records an applied value so future Normal deltas can diff against it.
func (dh *DecodeHistory) Seed(e world.Entity, k world.Kind, t sim.Tick, v any) {
	dh.cache.Add(deltaKey{entity: e, kind: k, tick: t}, v)
}

func (dh *DecodeHistory) At(e world.Entity, k world.Kind, t sim.Tick) (any, bool) {
	return dh.cache.Get(deltaKey{entity: e, kind: k, tick: t})
}

// Forget drops every cached base of an entity, on despawn.
func (dh *DecodeHistory) Forget(e world.Entity) {
	for _, key := range dh.cache.Keys() {
		if key.entity == e {
			dh.cache.Remove(key)
		}
	}
}

// encodeValue produces the flag-prefixed payload for one component value.
// Diffable kinds are sent as a delta: against the acknowledged base when one
// exists, against the kind's base value otherwise (self-contained).
func encodeValue(h component.Handler, v any, base any, baseTick sim.Tick, hasBase bool) ([]byte, error) {
	if !h.Diffable() {
		enc, err := h.Encode(v)
		if err != nil {
			return nil, err
		}
		return append([]byte{valueFull}, enc...), nil
	}

	if !hasBase {
		d, err := h.Diff(h.Base(), v)
		if err != nil {
			return nil, err
		}
		enc, err := h.EncodeDelta(d)
		if err != nil {
			return nil, err
		}
		return append([]byte{valueFromBase}, enc...), nil
	}

	d, err := h.Diff(base, v)
	if err != nil {
		return nil, err
	}
	enc, err := h.EncodeDelta(d)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 3, 3+len(enc))
	out[0] = valueNormal
	binary.LittleEndian.PutUint16(out[1:3], uint16(baseTick))
	return append(out, enc...), nil
}

// decodeValue parses a flag-prefixed payload, resolving Normal deltas
// through the decode history. Every decoded value of a diffable kind is
// re-seeded at the applying tick. A Normal delta with no base present is a
// hard error: applying it against anything else would silently corrupt the
// component stream.
func decodeValue(dh *DecodeHistory, h component.Handler, e world.Entity, t sim.Tick, b []byte) (any, error) {
	if len(b) == 0 {
		return nil, ErrBadMessage
	}
	flag, rest := b[0], b[1:]

	switch flag {
	case valueFull:
		return h.Decode(rest)

	case valueFromBase:
		d, err := h.DecodeDelta(rest)
		if err != nil {
			return nil, err
		}
		v, err := h.ApplyDiff(h.Base(), d)
		if err != nil {
			return nil, err
		}
		dh.Seed(e, h.Kind(), t, v)
		return v, nil

	case valueNormal:
		if len(rest) < 2 {
			return nil, ErrBadMessage
		}
		prev := sim.Tick(binary.LittleEndian.Uint16(rest[:2]))
		base, ok := dh.At(e, h.Kind(), prev)
		if !ok {
			return nil, fmt.Errorf("%w: kind %d entity %d tick %s", ErrMissingDeltaBase, h.Kind(), e, prev)
		}
		d, err := h.DecodeDelta(rest[2:])
		if err != nil {
			return nil, err
		}
		v, err := h.ApplyDiff(base, d)
		if err != nil {
			return nil, err
		}
		dh.Seed(e, h.Kind(), t, v)
		return v, nil

	default:
		return nil, fmt.Errorf("%w: value flag %d", ErrBadMessage, flag)
	}
}
