package mapping

import (
	"encoding/binary"

	"github.com/cespare/xxhash"

	"github.com/netplay-go/netplay/sim"
	"github.com/netplay-go/netplay/world"
)

// SpawnHash fingerprints a speculative spawn from its tick and the encoded
// initial components, in kind order. Client and server compute it the same
// way, so a matching hash identifies the same logical spawn.
func SpawnHash(tick sim.Tick, components [][]byte) uint64 {
	h := xxhash.New()
	var tb [2]byte
	binary.LittleEndian.PutUint16(tb[:], uint16(tick))
	_, _ = h.Write(tb[:])
	for _, c := range components {
		_, _ = h.Write(c)
	}
	return h.Sum64()
}

type prespawnEntry struct {
	predicted world.Entity
	expires   sim.Tick
}

// Prespawn tracks speculatively spawned predicted entities awaiting their
// confirmed counterpart. A matching confirmed spawn merges with the
// candidate; candidates unmatched within the TTL are garbage-collected.
type Prespawn struct {
	ttl     sim.Tick
	entries map[uint64]prespawnEntry
}

func NewPrespawn(ttlTicks sim.Tick) *Prespawn {
	return &Prespawn{
		ttl:     ttlTicks,
		entries: make(map[uint64]prespawnEntry),
	}
}

// Register records a speculative predicted entity under its spawn hash.
// A second candidate with the same hash replaces the first; the caller
// gets the displaced entity back to despawn it.
func (p *Prespawn) Register(hash uint64, predicted world.Entity, now sim.Tick) (displaced world.Entity) {
	displaced = world.Nil
	if old, ok := p.entries[hash]; ok {
		displaced = old.predicted
	}
	p.entries[hash] = prespawnEntry{predicted: predicted, expires: now.Add(int16(p.ttl))}
	return
}

// Match consumes the candidate registered under the hash, if any.
func (p *Prespawn) Match(hash uint64) (world.Entity, bool) {
	e, ok := p.entries[hash]
	if !ok {
		return world.Nil, false
	}
	delete(p.entries, hash)
	return e.predicted, true
}

// Expire removes candidates whose TTL has lapsed and returns them for
// despawning.
func (p *Prespawn) Expire(now sim.Tick) (stale []world.Entity) {
	for hash, e := range p.entries {
		if !now.Before(e.expires) {
			stale = append(stale, e.predicted)
			delete(p.entries, hash)
		}
	}
	return
}

// Pending reports how many candidates are still awaiting a match.
func (p *Prespawn) Pending() int {
	return len(p.entries)
}
