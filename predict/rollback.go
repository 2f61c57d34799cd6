// Package predict keeps the locally simulated (predicted) entities
// consistent with the confirmed state arriving from the network: it detects
// divergence per component, replays the simulation from the divergence tick,
// and blends the visible result so corrections do not pop.
package predict

import (
	"sync/atomic"

	"github.com/netplay-go/netplay/component"
	"github.com/netplay-go/netplay/mapping"
	"github.com/netplay-go/netplay/replication"
	"github.com/netplay-go/netplay/sim"
	"github.com/netplay-go/netplay/utils"
	"github.com/netplay-go/netplay/world"
)

type Options struct {
	// MaxDepth bounds replay: a divergence older than this many ticks is
	// unrecoverable and snaps to confirmed instead of replaying.
	MaxDepth int16
	// HistoryDepth bounds each predicted history.
	HistoryDepth int
	// CorrectionStretch is the k in final = now + k*(now-T): longer
	// rollbacks get proportionally longer, smoother corrections.
	CorrectionStretch float64
}

func (o *Options) SetDefaults() {
	if o.MaxDepth == 0 {
		o.MaxDepth = 64
	}
	if o.HistoryDepth == 0 {
		o.HistoryDepth = 128
	}
	if o.CorrectionStretch == 0 {
		o.CorrectionStretch = 1.0
	}
}

type histKey struct {
	entity world.Entity // predicted entity
	kind   world.Kind
}

// StepFunc re-runs one deterministic simulation step for the predicted
// entities. Replay calls it with the exact recorded inputs' ticks; it must
// not sample live input or do I/O.
type StepFunc func(tick sim.Tick)

// Engine drives prediction: it records per-tick histories of the predicted
// entities, compares them against incoming confirmed samples, and replays
// the owning replication group when they diverge.
type Engine struct {
	log  utils.Logger
	w    world.World
	reg  *component.Registry
	maps *mapping.Maps
	recv *replication.Receiver
	step StepFunc
	opts Options

	histories map[histKey]*sim.History[any]

	entityGroup map[world.Entity]replication.GroupId
	groups      map[replication.GroupId]map[world.Entity]struct{}

	corrections map[histKey]*Correction

	rollbacks     atomic.Uint64
	rollbackTicks atomic.Uint64
	snaps         atomic.Uint64
}

func NewEngine(log utils.Logger, w world.World, reg *component.Registry, maps *mapping.Maps, recv *replication.Receiver, step StepFunc, opts Options) *Engine {
	opts.SetDefaults()
	return &Engine{
		log:         log,
		w:           w,
		reg:         reg,
		maps:        maps,
		recv:        recv,
		step:        step,
		opts:        opts,
		histories:   make(map[histKey]*sim.History[any]),
		entityGroup: make(map[world.Entity]replication.GroupId),
		groups:      make(map[replication.GroupId]map[world.Entity]struct{}),
		corrections: make(map[histKey]*Correction),
	}
}

// Track registers a confirmed entity (with a predicted peer) under its
// replication group so divergence anywhere in the group replays the whole
// group.
func (e *Engine) Track(confirmed world.Entity, g replication.GroupId) {
	e.entityGroup[confirmed] = g
	members, ok := e.groups[g]
	if !ok {
		members = make(map[world.Entity]struct{})
		e.groups[g] = members
	}
	members[confirmed] = struct{}{}
}

// Untrack forgets a confirmed entity, dropping its predicted histories and
// any running corrections.
func (e *Engine) Untrack(confirmed world.Entity) {
	if g, ok := e.entityGroup[confirmed]; ok {
		delete(e.groups[g], confirmed)
		delete(e.entityGroup, confirmed)
	}
	if pred, ok := e.maps.Predicted(confirmed); ok {
		for key := range e.histories {
			if key.entity == pred {
				delete(e.histories, key)
			}
		}
		for key := range e.corrections {
			if key.entity == pred {
				delete(e.corrections, key)
			}
		}
	}
}

func (e *Engine) history(pred world.Entity, k world.Kind) *sim.History[any] {
	key := histKey{entity: pred, kind: k}
	h, ok := e.histories[key]
	if !ok {
		h = sim.NewHistory[any](e.opts.HistoryDepth)
		e.histories[key] = h
	}
	return h
}

// History exposes the predicted history of one (entity, kind).
func (e *Engine) History(pred world.Entity, k world.Kind) *sim.History[any] {
	return e.history(pred, k)
}

// Step runs one simulation step through the engine's step function.
func (e *Engine) Step(t sim.Tick) {
	e.step(t)
}

// RecordTick snapshots every tracked predicted entity's components into
// their histories at the given tick. Entries are sparse: nothing is stored
// while a value stays equal to its newest recorded one.
func (e *Engine) RecordTick(t sim.Tick) {
	for confirmed := range e.entityGroup {
		pred, ok := e.maps.Predicted(confirmed)
		if !ok {
			continue
		}
		for _, k := range e.reg.Kinds() {
			h, err := e.reg.Get(k)
			if err != nil {
				continue
			}
			hist := e.history(pred, k)
			cur, present := e.w.Get(pred, k)
			state, prev := hist.Resolve(t)
			switch {
			case present && (state != sim.StateUpdated || !h.Equal(prev, cur)):
				hist.AddUpdate(t, cur)
			case !present && state == sim.StateUpdated:
				hist.AddRemove(t)
			}
		}
	}
}

// Check consumes the confirmed changes received this tick and, where the
// predicted history disagrees, replays the affected groups up to now.
// It reports whether any rollback ran.
func (e *Engine) Check(now sim.Tick) bool {
	changed := e.recv.DrainChanged()
	if len(changed) == 0 {
		return false
	}

	rollbackAt := make(map[replication.GroupId]sim.Tick)
	for confirmed, t := range changed {
		g, tracked := e.entityGroup[confirmed]
		if !tracked {
			continue // interpolated-only entity, nothing predicted to mend
		}
		pred, ok := e.maps.Predicted(confirmed)
		if !ok {
			continue
		}
		if !e.diverged(confirmed, pred, t) {
			continue
		}
		if cur, ok := rollbackAt[g]; !ok || t.Before(cur) {
			rollbackAt[g] = t
		}
	}

	for g, t := range rollbackAt {
		e.replay(g, t, now)
	}
	return len(rollbackAt) > 0
}

// diverged runs the per-component decision table at tick t.
func (e *Engine) diverged(confirmed, pred world.Entity, t sim.Tick) bool {
	for _, k := range e.reg.Kinds() {
		h, err := e.reg.Get(k)
		if err != nil {
			continue
		}
		cState, cVal := e.recv.ConfirmedHistory(confirmed, k).Resolve(t)
		pState, pVal := e.history(pred, k).Resolve(t)

		switch {
		case cState != sim.StateUpdated && pState != sim.StateUpdated:
			// neither side holds a value: in sync
		case cState != sim.StateUpdated:
			return true // predicted must remove
		case pState != sim.StateUpdated:
			return true // predicted must insert
		default:
			mapped, err := h.MapEntities(cVal, e.maps.ConfirmedToPredicted())
			if err != nil {
				mapped = cVal
			}
			if !h.Equal(mapped, pVal) {
				return true
			}
		}
	}
	return false
}

// replay restores the whole group to its confirmed state at t, then re-runs
// the deterministic simulation tick by tick up to now, re-recording every
// history. Divergences older than MaxDepth snap to confirmed instead.
func (e *Engine) replay(g replication.GroupId, t, now sim.Tick) {
	if t.After(now) {
		t = now
	}
	depth := now.Delta(t)

	if int16(depth) > e.opts.MaxDepth {
		e.snap(g, now)
		return
	}

	e.rollbacks.Add(1)
	e.rollbackTicks.Add(uint64(depth))
	e.log.Debug("predict: rolling back", "group", uint64(g), "tick", t.String(), "depth", depth)

	// what the player currently sees, for seeding corrections
	visuals := e.captureVisuals(g)

	e.restoreAt(g, t)
	for tick := t.Add(1); !tick.After(now); tick = tick.Add(1) {
		e.step(tick)
		e.RecordTick(tick)
	}

	e.beginCorrections(g, visuals, t, now)
}

// snap abandons replay and overwrites the predicted entities with the
// newest confirmed values. Visible, but bounded; the alternative is an
// unbounded replay loop.
func (e *Engine) snap(g replication.GroupId, now sim.Tick) {
	e.snaps.Add(1)
	e.log.Error("predict: divergence beyond rollback window, snapping to confirmed", "group", uint64(g))
	e.restoreAt(g, now)
	for confirmed := range e.groups[g] {
		if pred, ok := e.maps.Predicted(confirmed); ok {
			for _, k := range e.reg.Kinds() {
				delete(e.corrections, histKey{entity: pred, kind: k})
			}
		}
	}
}

// restoreAt writes each predicted entity's components back to their
// confirmed-or-historical values at t and resets the predicted histories
// to that single point.
func (e *Engine) restoreAt(g replication.GroupId, t sim.Tick) {
	for confirmed := range e.groups[g] {
		pred, ok := e.maps.Predicted(confirmed)
		if !ok {
			continue
		}
		for _, k := range e.reg.Kinds() {
			h, err := e.reg.Get(k)
			if err != nil {
				continue
			}
			hist := e.history(pred, k)
			state, val := e.recv.ConfirmedHistory(confirmed, k).Resolve(t)
			hist.Clear()
			if state == sim.StateUpdated {
				mapped, err := h.MapEntities(val, e.maps.ConfirmedToPredicted())
				if err != nil {
					mapped = val
				}
				e.w.Insert(pred, k, mapped)
				hist.AddUpdate(t, mapped)
			} else {
				e.w.Remove(pred, k)
				hist.AddRemove(t)
			}
		}
	}
}

func (e *Engine) captureVisuals(g replication.GroupId) map[histKey]any {
	visuals := make(map[histKey]any)
	for confirmed := range e.groups[g] {
		pred, ok := e.maps.Predicted(confirmed)
		if !ok {
			continue
		}
		for _, k := range e.reg.Kinds() {
			key := histKey{entity: pred, kind: k}
			// mid-correction the world holds the restored truth, not what
			// the player last saw; recompute the blend for those keys
			if c, blending := e.corrections[key]; blending && c.currentCorrection != nil {
				if h, err := e.reg.Get(k); err == nil {
					visuals[key] = h.Lerp(c.original, c.currentCorrection, c.progress)
					continue
				}
			}
			if v, ok := e.w.Get(pred, k); ok {
				visuals[key] = v
			}
		}
	}
	return visuals
}

// Stats exposes rollback counters for the metrics collector.
func (e *Engine) Stats() (rollbacks, rollbackTicks, snaps uint64) {
	return e.rollbacks.Load(), e.rollbackTicks.Load(), e.snaps.Load()
}
