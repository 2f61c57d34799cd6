// Package journal persists a per-frame record of local inputs and state
// digests in a pebble store, so a divergence reported in the field can be
// audited after the fact: replaying the journaled inputs must reproduce the
// journaled digests tick for tick.
package journal

import (
	"encoding/binary"
	"errors"
	"sort"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"

	"github.com/netplay-go/netplay/component"
	"github.com/netplay-go/netplay/sim"
	"github.com/netplay-go/netplay/utils"
	"github.com/netplay-go/netplay/world"
)

const (
	prefixInput  byte = 'i'
	prefixDigest byte = 'd'
)

// Journal is a pebble-backed append-only record. Frames are a non-wrapping
// counter kept by the caller, since the simulation tick wraps. A nil
// Journal is a valid no-op: journaling is optional.
type Journal struct {
	log utils.Logger
	db  *pebble.DB
}

func Open(path string, log utils.Logger) (*Journal, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Journal{log: log, db: db}, nil
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}

func key(prefix byte, frame uint64) []byte {
	k := make([]byte, 9)
	k[0] = prefix
	binary.BigEndian.PutUint64(k[1:], frame)
	return k
}

// RecordInput stores the raw input bytes fed into one frame.
func (j *Journal) RecordInput(frame uint64, input []byte) error {
	if j == nil {
		return nil
	}
	return j.db.Set(key(prefixInput, frame), input, pebble.NoSync)
}

// RecordDigest stores the post-step state digest of one frame.
func (j *Journal) RecordDigest(frame uint64, digest uint64) error {
	if j == nil {
		return nil
	}
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], digest)
	return j.db.Set(key(prefixDigest, frame), v[:], pebble.NoSync)
}

func (j *Journal) get(prefix byte, frame uint64) ([]byte, bool, error) {
	if j == nil {
		return nil, false, nil
	}
	v, closer, err := j.db.Get(key(prefix, frame))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, closer.Close()
}

// Input returns the journaled input of a frame.
func (j *Journal) Input(frame uint64) ([]byte, bool, error) {
	return j.get(prefixInput, frame)
}

// Digest returns the journaled digest of a frame.
func (j *Journal) Digest(frame uint64) (uint64, bool, error) {
	v, ok, err := j.get(prefixDigest, frame)
	if !ok || err != nil {
		return 0, ok, err
	}
	return binary.BigEndian.Uint64(v), true, nil
}

// StateDigest fingerprints the given entities' components at a tick:
// entities ascending, kinds ascending, values in their wire encoding. Both
// sides of a determinism audit must hash the same entity set.
func StateDigest(w world.World, reg *component.Registry, tick sim.Tick, entities []world.Entity) (uint64, error) {
	sorted := make([]world.Entity, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, k int) bool { return sorted[i] < sorted[k] })

	h := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint16(buf[:2], uint16(tick))
	_, _ = h.Write(buf[:2])

	for _, e := range sorted {
		binary.LittleEndian.PutUint64(buf[:], uint64(e))
		_, _ = h.Write(buf[:])
		for _, k := range w.Kinds(e) {
			hd, err := reg.Get(k)
			if err != nil {
				continue // untracked component, not part of the contract
			}
			v, ok := w.Get(e, k)
			if !ok {
				continue
			}
			enc, err := hd.Encode(v)
			if err != nil {
				return 0, err
			}
			binary.LittleEndian.PutUint16(buf[:2], uint16(k))
			_, _ = h.Write(buf[:2])
			_, _ = h.Write(enc)
		}
	}
	return h.Sum64(), nil
}
