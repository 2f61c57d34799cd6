package replication

import (
	"errors"
	"fmt"

	"github.com/netplay-go/netplay/component"
	"github.com/netplay-go/netplay/mapping"
	"github.com/netplay-go/netplay/protocol"
	"github.com/netplay-go/netplay/sim"
	"github.com/netplay-go/netplay/utils"
	"github.com/netplay-go/netplay/world"
)

type histKey struct {
	entity world.Entity
	kind   world.Kind
}

type ReceiverOptions struct {
	// HistoryDepth bounds each confirmed history, which also bounds how
	// far a rollback can reach back.
	HistoryDepth int
	// DecodeCacheSize bounds the delta decode history.
	DecodeCacheSize int
}

func (o *ReceiverOptions) SetDefaults() {
	if o.HistoryDepth == 0 {
		o.HistoryDepth = 128
	}
	if o.DecodeCacheSize == 0 {
		o.DecodeCacheSize = 1 << 14
	}
}

// pendingUpdate is an update message buffered until the action message it
// causally depends on has been applied.
type pendingUpdate struct {
	peer     string
	tick     sim.Tick
	entities []byte
}

// groupWaiting orders a group's buffered updates by their dependency tick.
// Keys are offsets from an anchor re-set whenever the heap drains empty, so
// ordering survives the tick counter wrapping around.
type groupWaiting struct {
	anchor sim.Tick
	heap   utils.Heap[int16, pendingUpdate]
}

// PrespawnMatch is a confirmed spawn that merged with a speculatively
// spawned local candidate. The replica hands these to the rollback engine
// so the merged entity is tracked under its group.
type PrespawnMatch struct {
	Confirmed world.Entity
	Predicted world.Entity
	Group     GroupId
}

// Receiver applies incoming replication messages to the confirmed world.
// Action messages spawn/despawn entities and insert/remove components;
// update messages refresh component values. An update tagged with a last
// action tick waits until that action has been processed, preserving
// exists-before-update ordering across the two delivery tiers.
type Receiver struct {
	log      utils.Logger
	w        world.World
	reg      *component.Registry
	maps     *mapping.Maps
	prespawn *mapping.Prespawn
	auth     *Authority
	dh       *DecodeHistory
	opts     ReceiverOptions

	histories  map[histKey]*sim.History[any]
	lastAction map[GroupId]sim.Tick
	hasAction  map[GroupId]bool
	waiting    map[GroupId]*groupWaiting

	// changed collects confirmed entities touched since the last Drain,
	// for the rollback engine to check.
	changed map[world.Entity]sim.Tick
	matches []PrespawnMatch

	// applied is the newest update tick applied per sending peer and
	// group, echoed back so that peer can promote its delta bases.
	applied map[appliedKey]sim.Tick
}

type appliedKey struct {
	peer  string
	group GroupId
}

// AppliedTick names the newest update message applied from one peer for one
// group; the replica echoes it back to that peer as an acknowledgement.
type AppliedTick struct {
	Peer  string
	Group GroupId
	Tick  sim.Tick
}

func NewReceiver(log utils.Logger, w world.World, reg *component.Registry, maps *mapping.Maps, prespawn *mapping.Prespawn, auth *Authority, opts ReceiverOptions) *Receiver {
	opts.SetDefaults()
	return &Receiver{
		log:        log,
		w:          w,
		reg:        reg,
		maps:       maps,
		prespawn:   prespawn,
		auth:       auth,
		dh:         NewDecodeHistory(opts.DecodeCacheSize),
		opts:       opts,
		histories:  make(map[histKey]*sim.History[any]),
		lastAction: make(map[GroupId]sim.Tick),
		hasAction:  make(map[GroupId]bool),
		waiting:    make(map[GroupId]*groupWaiting),
		changed:    make(map[world.Entity]sim.Tick),
		applied:    make(map[appliedKey]sim.Tick),
	}
}

// ConfirmedHistory returns the history of confirmed samples for one
// (entity, kind), creating it on first use.
func (r *Receiver) ConfirmedHistory(e world.Entity, k world.Kind) *sim.History[any] {
	key := histKey{entity: e, kind: k}
	h, ok := r.histories[key]
	if !ok {
		h = sim.NewHistory[any](r.opts.HistoryDepth)
		r.histories[key] = h
	}
	return h
}

// DrainChanged returns the confirmed entities touched since the previous
// call, with the earliest tick each was touched at.
func (r *Receiver) DrainChanged() map[world.Entity]sim.Tick {
	ch := r.changed
	r.changed = make(map[world.Entity]sim.Tick)
	return ch
}

// DrainPrespawnMatches returns the prespawn merges since the previous call.
func (r *Receiver) DrainPrespawnMatches() []PrespawnMatch {
	m := r.matches
	r.matches = nil
	return m
}

func (r *Receiver) markChanged(e world.Entity, t sim.Tick) {
	if cur, ok := r.changed[e]; !ok || t.Before(cur) {
		r.changed[e] = t
	}
}

// Apply dispatches one replication message by its record type.
func (r *Receiver) Apply(peer string, msg []byte) error {
	lit, body, _, err := protocol.TakeAnyWary(msg)
	if err != nil {
		return errors.Join(ErrBadMessage, err)
	}
	switch lit {
	case 'A':
		return r.ApplyActions(peer, body)
	case 'D':
		return r.ApplyUpdate(peer, body)
	default:
		return fmt.Errorf("%w: record type %c", ErrBadMessage, lit)
	}
}

func takeHeader(body []byte) (g GroupId, t sim.Tick, rest []byte, err error) {
	gb, rest, err := protocol.TakeWary('G', body)
	if err != nil {
		return 0, 0, nil, errors.Join(ErrBadMessage, err)
	}
	tb, rest, err := protocol.TakeWary('T', rest)
	if err != nil {
		return 0, 0, nil, errors.Join(ErrBadMessage, err)
	}
	return GroupId(protocol.UnzipUint64(gb)), sim.Tick(protocol.UnzipUint64(tb)), rest, nil
}

// ApplyActions processes a reliable action message body: spawns, despawns,
// inserts and removes, in the sender's entity order.
func (r *Receiver) ApplyActions(peer string, body []byte) error {
	g, tick, rest, err := takeHeader(body)
	if err != nil {
		return err
	}

	for len(rest) > 0 {
		var eb []byte
		if eb, rest, err = protocol.TakeWary('E', rest); err != nil {
			return errors.Join(ErrBadMessage, err)
		}
		if err = r.applyEntityActions(peer, g, tick, eb); err != nil {
			return err
		}
	}

	if !r.hasAction[g] || tick.After(r.lastAction[g]) {
		r.lastAction[g] = tick
		r.hasAction[g] = true
	}
	return r.drainWaiting(g)
}

func (r *Receiver) applyEntityActions(peer string, g GroupId, tick sim.Tick, body []byte) error {
	ib, rest, err := protocol.TakeWary('I', body)
	if err != nil {
		return errors.Join(ErrBadMessage, err)
	}
	remote := mapping.RemoteId(protocol.UnzipUint64(ib))

	var flags byte
	var hash uint64
	var inserts, removes []byte
	for len(rest) > 0 {
		lit, b, tail, err := protocol.TakeAnyWary(rest)
		if err != nil {
			return errors.Join(ErrBadMessage, err)
		}
		rest = tail
		switch lit {
		case 'B':
			if len(b) != 1 {
				return fmt.Errorf("%w: action flags", ErrBadMessage)
			}
			flags = b[0]
		case 'H':
			hash = protocol.UnzipUint64(b)
		case 'N':
			inserts = b
		case 'R':
			removes = b
		default:
			return fmt.Errorf("%w: record type %c in entity block", ErrBadMessage, lit)
		}
	}

	if flags&flagDespawn != 0 {
		r.despawnConfirmed(remote)
		return nil
	}

	confirmed, mapped := r.maps.Confirmed(remote)
	if flags&flagSpawn != 0 {
		if mapped {
			r.log.Debug("replication: duplicate spawn", "remote", uint64(remote))
		} else {
			confirmed = r.w.Spawn()
			if err := r.maps.MapRemote(remote, confirmed); err != nil {
				return err
			}
			if hash != 0 && r.prespawn != nil {
				if candidate, ok := r.prespawn.Match(hash); ok {
					if err := r.maps.LinkPredicted(confirmed, candidate); err != nil {
						return err
					}
					r.matches = append(r.matches, PrespawnMatch{
						Confirmed: confirmed, Predicted: candidate, Group: g,
					})
					r.log.Debug("replication: prespawn matched",
						"remote", uint64(remote), "predicted", uint64(candidate))
				}
			}
			mapped = true
		}
	}
	if !mapped {
		// the entity may not have replicated yet or is already gone
		r.log.Info("replication: action for unmapped entity dropped", "remote", uint64(remote))
		return nil
	}

	if err := r.applyValues(peer, confirmed, tick, inserts); err != nil {
		return err
	}

	for len(removes) > 0 {
		var kb []byte
		if kb, removes, err = protocol.TakeWary('K', removes); err != nil {
			return errors.Join(ErrBadMessage, err)
		}
		k := world.Kind(protocol.UnzipUint64(kb))
		if _, err := r.reg.Get(k); err != nil {
			return err
		}
		r.w.Remove(confirmed, k)
		r.ConfirmedHistory(confirmed, k).AddRemove(tick)
		r.markChanged(confirmed, tick)
	}
	return nil
}

func (r *Receiver) despawnConfirmed(remote mapping.RemoteId) {
	confirmed, ok := r.maps.Confirmed(remote)
	if !ok {
		r.log.Info("replication: despawn for unmapped entity dropped", "remote", uint64(remote))
		return
	}
	predicted, interpolated := r.maps.RemoveConfirmed(confirmed)
	r.w.Despawn(confirmed)
	if predicted != world.Nil {
		r.w.Despawn(predicted)
	}
	if interpolated != world.Nil {
		r.w.Despawn(interpolated)
	}
	for key := range r.histories {
		if key.entity == confirmed || key.entity == predicted || key.entity == interpolated {
			delete(r.histories, key)
		}
	}
	r.dh.Forget(confirmed)
	r.auth.Forget(confirmed)
	delete(r.changed, confirmed)
}

// applyValues decodes a run of 'V' records and writes them into the
// confirmed entity, recording each in its history.
func (r *Receiver) applyValues(peer string, confirmed world.Entity, tick sim.Tick, vals []byte) error {
	for len(vals) > 0 {
		vb, rest, err := protocol.TakeWary('V', vals)
		if err != nil {
			return errors.Join(ErrBadMessage, err)
		}
		vals = rest

		kb, payload, err := protocol.TakeWary('K', vb)
		if err != nil {
			return errors.Join(ErrBadMessage, err)
		}
		k := world.Kind(protocol.UnzipUint64(kb))
		h, err := r.reg.Get(k)
		if err != nil {
			return err // unknown kind: the peer speaks a different set
		}

		if !r.auth.AllowedFrom(confirmed, peer) {
			r.log.Info("replication: write from non-owner dropped",
				"entity", uint64(confirmed), "kind", uint16(k), "peer", peer)
			continue
		}

		hist := r.ConfirmedHistory(confirmed, k)
		if newest, ok := hist.Newest(); ok && newest.Tick.After(tick) {
			continue // stale arrival, a newer sample already applied
		}

		v, err := decodeValue(r.dh, h, confirmed, tick, payload)
		if err != nil {
			return err
		}
		v, err = h.MapEntities(v, r.maps.RemoteToConfirmed())
		if err != nil {
			if errors.Is(err, component.ErrUnmappedRef) {
				r.log.Info("replication: value with unmapped reference dropped",
					"entity", uint64(confirmed), "kind", uint16(k))
				continue
			}
			return err
		}

		r.w.Insert(confirmed, k, v)
		hist.AddUpdate(tick, v)
		r.markChanged(confirmed, tick)
	}
	return nil
}

// ApplyUpdate processes an unreliable update message body, buffering it if
// its ordering dependency is not yet satisfied.
func (r *Receiver) ApplyUpdate(peer string, body []byte) error {
	g, tick, rest, err := takeHeader(body)
	if err != nil {
		return err
	}

	// optional ordering tag: apply only after the named action tick
	if lb, tail, err := protocol.TakeWary('L', rest); err == nil {
		last := sim.Tick(protocol.UnzipUint64(lb))
		rest = tail
		if !r.hasAction[g] || r.lastAction[g].Before(last) {
			r.bufferUpdate(g, last, pendingUpdate{peer: peer, tick: tick, entities: rest})
			return nil
		}
	}

	return r.applyUpdateEntities(peer, g, tick, rest)
}

func (r *Receiver) bufferUpdate(g GroupId, dep sim.Tick, pu pendingUpdate) {
	w, ok := r.waiting[g]
	if !ok {
		w = &groupWaiting{}
		r.waiting[g] = w
	}
	if w.heap.Len() == 0 {
		w.anchor = dep
	}
	w.heap.Push(dep.Delta(w.anchor), pu)
}

func (r *Receiver) drainWaiting(g GroupId) error {
	w, ok := r.waiting[g]
	if !ok {
		return nil
	}
	for w.heap.Len() > 0 {
		off, _, _ := w.heap.Peek()
		if r.lastAction[g].Before(w.anchor.Add(off)) {
			break
		}
		_, pu := w.heap.Pop()
		if err := r.applyUpdateEntities(pu.peer, g, pu.tick, pu.entities); err != nil {
			return err
		}
	}
	return nil
}

func (r *Receiver) applyUpdateEntities(peer string, g GroupId, tick sim.Tick, rest []byte) error {
	for len(rest) > 0 {
		eb, tail, err := protocol.TakeWary('E', rest)
		if err != nil {
			return errors.Join(ErrBadMessage, err)
		}
		rest = tail

		ib, ebody, err := protocol.TakeWary('I', eb)
		if err != nil {
			return errors.Join(ErrBadMessage, err)
		}
		remote := mapping.RemoteId(protocol.UnzipUint64(ib))
		confirmed, ok := r.maps.Confirmed(remote)
		if !ok {
			r.log.Info("replication: update for unmapped entity dropped", "remote", uint64(remote))
			continue
		}

		ub, _, err := protocol.TakeWary('U', ebody)
		if err != nil {
			return errors.Join(ErrBadMessage, err)
		}
		if err := r.applyValues(peer, confirmed, tick, ub); err != nil {
			return err
		}
	}
	key := appliedKey{peer: peer, group: g}
	if cur, ok := r.applied[key]; !ok || tick.After(cur) {
		r.applied[key] = tick
	}
	return nil
}

// AppliedTicks reports the newest applied update tick per sending peer and
// group. The replica echoes each one back as an acknowledgement, unlocking
// deltas against that message's values.
func (r *Receiver) AppliedTicks() []AppliedTick {
	out := make([]AppliedTick, 0, len(r.applied))
	for key, t := range r.applied {
		out = append(out, AppliedTick{Peer: key.peer, Group: key.group, Tick: t})
	}
	return out
}

// LastActionTick reports the newest applied action tick for a group.
func (r *Receiver) LastActionTick(g GroupId) (sim.Tick, bool) {
	t, ok := r.lastAction[g]
	return t, ok && r.hasAction[g]
}
