package predict

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netplay-go/netplay/component"
	"github.com/netplay-go/netplay/mapping"
	"github.com/netplay-go/netplay/replication"
	"github.com/netplay-go/netplay/sim"
	"github.com/netplay-go/netplay/utils"
	"github.com/netplay-go/netplay/world"
)

const (
	kindPos  world.Kind = 1
	kindName world.Kind = 2
)

type vec struct {
	X, Y float64
}

func testRegistry(t *testing.T) *component.Registry {
	t.Helper()
	reg := component.NewRegistry()
	require.Nil(t, component.Register[vec](reg, kindPos, "position",
		component.WithLerp[vec](func(from, to vec, f float64) vec {
			return vec{X: from.X + (to.X-from.X)*f, Y: from.Y + (to.Y-from.Y)*f}
		})))
	require.Nil(t, component.Register[string](reg, kindName, "name"))
	return reg
}

// rig wires a server sender to a client receiver plus a prediction engine
// simulating pos += input each tick.
type rig struct {
	server    *world.DonburiWorld
	serverE   world.Entity
	send      *replication.Sender
	client    *world.DonburiWorld
	maps      *mapping.Maps
	recv      *replication.Receiver
	inputs    *sim.InputBuffer[vec]
	engine    *Engine
	confirmed world.Entity
	predicted world.Entity
}

func newRig(t *testing.T, opts Options) *rig {
	t.Helper()
	log := utils.NewDefaultLogger(slog.LevelError)
	reg := testRegistry(t)

	r := &rig{
		server: world.NewDonburiWorld(),
		client: world.NewDonburiWorld(),
		maps:   mapping.NewMaps(),
		inputs: sim.NewInputBuffer[vec](256),
	}
	sAuth := replication.NewAuthority(log)
	cAuth := replication.NewAuthority(log)
	r.send = replication.NewSender(log, reg, sAuth, "", nil, replication.SenderOptions{})
	r.recv = replication.NewReceiver(log, r.client, reg, r.maps, nil, cAuth, replication.ReceiverOptions{})

	step := func(tick sim.Tick) {
		in, ok := r.inputs.Get(tick)
		if !ok {
			return
		}
		cur, ok := r.client.Get(r.predicted, kindPos)
		if !ok {
			return
		}
		p := cur.(vec)
		r.client.Insert(r.predicted, kindPos, vec{X: p.X + in.X, Y: p.Y + in.Y})
	}
	r.engine = NewEngine(log, r.client, reg, r.maps, r.recv, step, opts)

	// replicate the spawn, then stand up the predicted peer
	r.serverE = r.server.Spawn()
	r.send.QueueSpawn(1, r.serverE, map[world.Kind]any{
		kindPos:  vec{},
		kindName: "player",
	}, 0)
	flushes, err := r.send.Flush(0)
	require.Nil(t, err)
	require.Nil(t, r.recv.Apply("", flushes[0].Actions))

	var ok bool
	r.confirmed, ok = r.maps.Confirmed(mapping.RemoteId(r.serverE))
	require.True(t, ok)
	r.predicted = r.client.Spawn()
	require.Nil(t, r.maps.LinkPredicted(r.confirmed, r.predicted))
	r.client.Insert(r.predicted, kindPos, vec{})
	r.client.Insert(r.predicted, kindName, "player")
	r.engine.Track(r.confirmed, 1)

	r.recv.DrainChanged() // the spawn itself is not under test
	return r
}

// tick runs one predicted simulation step the way the replica loop would.
func (r *rig) tick(t sim.Tick, in vec) {
	r.inputs.Record(t, in)
	r.engine.RestoreTruth()
	// step reads the recorded input, keeping replay deterministic
	rin, _ := r.inputs.Get(t)
	cur, _ := r.client.Get(r.predicted, kindPos)
	p := cur.(vec)
	r.client.Insert(r.predicted, kindPos, vec{X: p.X + rin.X, Y: p.Y + rin.Y})
	r.engine.RecordTick(t)
}

// confirmAt pushes a confirmed pos sample through the replication pipeline.
func (r *rig) confirmAt(t *testing.T, tick sim.Tick, pos vec) {
	t.Helper()
	r.send.QueueUpdate(1, r.serverE, kindPos, pos)
	flushes, err := r.send.Flush(tick)
	require.Nil(t, err)
	require.Len(t, flushes, 1)
	require.Nil(t, r.recv.Apply("", flushes[0].Updates))
}

func TestDecisionTable(t *testing.T) {
	r := newRig(t, Options{})
	hist := r.engine.History(r.predicted, kindPos)
	conf := r.recv.ConfirmedHistory(r.confirmed, kindPos)

	reset := func() {
		hist.Clear()
		conf.Clear()
	}

	// confirmed absent, predicted absent: in sync
	reset()
	// kindName is equal on both sides throughout
	r.engine.History(r.predicted, kindName).AddUpdate(10, "player")
	assert.False(t, r.engine.diverged(r.confirmed, r.predicted, 10))

	// confirmed absent, predicted removed: in sync
	reset()
	hist.AddRemove(10)
	assert.False(t, r.engine.diverged(r.confirmed, r.predicted, 10))

	// confirmed absent, predicted updated: must remove
	reset()
	hist.AddUpdate(10, vec{X: 1})
	assert.True(t, r.engine.diverged(r.confirmed, r.predicted, 10))

	// confirmed present, predicted absent: must insert
	reset()
	conf.AddUpdate(10, vec{X: 1})
	assert.True(t, r.engine.diverged(r.confirmed, r.predicted, 10))

	// confirmed present, predicted removed
	reset()
	conf.AddUpdate(10, vec{X: 1})
	hist.AddRemove(10)
	assert.True(t, r.engine.diverged(r.confirmed, r.predicted, 10))

	// both present, equal
	reset()
	conf.AddUpdate(10, vec{X: 1})
	hist.AddUpdate(10, vec{X: 1})
	assert.False(t, r.engine.diverged(r.confirmed, r.predicted, 10))

	// both present, unequal
	reset()
	conf.AddUpdate(10, vec{X: 1})
	hist.AddUpdate(10, vec{X: 2})
	assert.True(t, r.engine.diverged(r.confirmed, r.predicted, 10))
}

func TestRollbackReplaysGroup(t *testing.T) {
	r := newRig(t, Options{CorrectionStretch: 1})

	for tick := sim.Tick(1); tick <= 5; tick++ {
		r.tick(tick, vec{X: 1})
	}
	pos, _ := r.client.Get(r.predicted, kindPos)
	require.Equal(t, vec{X: 5}, pos)

	// the server saw a bump at tick 2 the client never predicted
	r.confirmAt(t, 2, vec{X: 2, Y: 1})
	require.True(t, r.engine.Check(5))

	rollbacks, depth, snaps := r.engine.Stats()
	assert.Equal(t, uint64(1), rollbacks)
	assert.Equal(t, uint64(3), depth)
	assert.Equal(t, uint64(0), snaps)

	// replay re-recorded the histories with the corrected values
	h := r.engine.History(r.predicted, kindPos)
	for tick := sim.Tick(3); tick <= 5; tick++ {
		v, ok := h.Get(tick)
		require.True(t, ok)
		assert.Equal(t, vec{X: float64(tick), Y: 1}, v, "tick %d", tick)
	}

	// the correction keeps the player's view at the old prediction for now
	visible, _ := r.client.Get(r.predicted, kindPos)
	assert.Equal(t, vec{X: 5}, visible)
	c, ok := r.engine.CorrectionFor(r.predicted, kindPos)
	require.True(t, ok)
	assert.Equal(t, 0.0, c.Progress())
}

func TestCheckWithoutDivergenceIsQuiet(t *testing.T) {
	r := newRig(t, Options{})

	for tick := sim.Tick(1); tick <= 3; tick++ {
		r.tick(tick, vec{X: 1})
	}
	// the server confirms exactly what was predicted
	r.confirmAt(t, 2, vec{X: 2})
	assert.False(t, r.engine.Check(3))

	rollbacks, _, _ := r.engine.Stats()
	assert.Equal(t, uint64(0), rollbacks)
}

func TestCorrectionBlendBounds(t *testing.T) {
	r := newRig(t, Options{CorrectionStretch: 1})

	for tick := sim.Tick(1); tick <= 5; tick++ {
		r.tick(tick, vec{X: 1})
	}
	r.confirmAt(t, 2, vec{X: 2, Y: 3})
	require.True(t, r.engine.Check(5))

	// rollback distance 3, stretch 1: the blend ends at tick 8
	lastProgress := 0.0
	for tick := sim.Tick(6); tick <= 7; tick++ {
		r.tick(tick, vec{X: 1})
		r.engine.Blend(tick)

		c, ok := r.engine.CorrectionFor(r.predicted, kindPos)
		require.True(t, ok, "tick %d", tick)
		assert.Greater(t, c.Progress(), lastProgress)
		lastProgress = c.Progress()

		visible, _ := r.client.Get(r.predicted, kindPos)
		truth := vec{X: float64(tick), Y: 3}
		blended := visible.(vec)
		assert.Greater(t, blended.Y, 0.0)
		assert.Less(t, blended.Y, truth.Y)
	}

	// at the final tick the visual converges on the simulated value
	r.tick(8, vec{X: 1})
	r.engine.Blend(8)
	_, ok := r.engine.CorrectionFor(r.predicted, kindPos)
	assert.False(t, ok)
	visible, _ := r.client.Get(r.predicted, kindPos)
	assert.Equal(t, vec{X: 8, Y: 3}, visible)
}

func TestSnapBeyondRollbackWindow(t *testing.T) {
	r := newRig(t, Options{MaxDepth: 2})

	for tick := sim.Tick(1); tick <= 10; tick++ {
		r.tick(tick, vec{X: 1})
	}
	// divergence 8 ticks back, window is 2: replay is off the table
	r.confirmAt(t, 2, vec{X: 2, Y: 9})
	require.True(t, r.engine.Check(10))

	rollbacks, _, snaps := r.engine.Stats()
	assert.Equal(t, uint64(0), rollbacks)
	assert.Equal(t, uint64(1), snaps)

	// snapped straight to the newest confirmed value, no correction
	pos, _ := r.client.Get(r.predicted, kindPos)
	assert.Equal(t, vec{X: 2, Y: 9}, pos)
	_, ok := r.engine.CorrectionFor(r.predicted, kindPos)
	assert.False(t, ok)
}

func TestCheckIgnoresUntrackedEntities(t *testing.T) {
	r := newRig(t, Options{})

	// a second replicated entity with a predicted peer that was never
	// registered with the engine
	other := r.server.Spawn()
	r.send.QueueSpawn(2, other, map[world.Kind]any{kindPos: vec{}}, 0)
	flushes, err := r.send.Flush(0)
	require.Nil(t, err)
	require.Nil(t, r.recv.Apply("", flushes[0].Actions))
	oc, ok := r.maps.Confirmed(mapping.RemoteId(other))
	require.True(t, ok)
	op := r.client.Spawn()
	require.Nil(t, r.maps.LinkPredicted(oc, op))
	r.recv.DrainChanged()

	for tick := sim.Tick(1); tick <= 3; tick++ {
		r.tick(tick, vec{X: 1})
	}

	// its confirmed state moves, but nothing tracks it: no rollback, and
	// the tracked entity's simulation is not re-stepped
	r.send.QueueUpdate(2, other, kindPos, vec{X: 7})
	flushes, err = r.send.Flush(2)
	require.Nil(t, err)
	require.Nil(t, r.recv.Apply("", flushes[0].Updates))
	assert.False(t, r.engine.Check(3))

	rollbacks, _, _ := r.engine.Stats()
	assert.Equal(t, uint64(0), rollbacks)
	pos, _ := r.client.Get(r.predicted, kindPos)
	assert.Equal(t, vec{X: 3}, pos)
}

func TestReseedFromVisualMidCorrection(t *testing.T) {
	r := newRig(t, Options{CorrectionStretch: 1})

	for tick := sim.Tick(1); tick <= 5; tick++ {
		r.tick(tick, vec{X: 1})
	}
	r.confirmAt(t, 2, vec{X: 2, Y: 3})
	require.True(t, r.engine.Check(5))

	r.tick(6, vec{X: 1})
	r.engine.Blend(6)
	visibleMid, _ := r.client.Get(r.predicted, kindPos)

	// a second rollback lands mid-correction; the replica loop restores
	// the simulated truth before checking, so the blended visual is gone
	// from the world by the time the new correction is seeded
	r.confirmAt(t, 4, vec{X: 4, Y: 6})
	r.engine.RestoreTruth()
	require.True(t, r.engine.Check(6))

	// the new blend starts from what was on screen, not the stale original
	c, ok := r.engine.CorrectionFor(r.predicted, kindPos)
	require.True(t, ok)
	assert.Equal(t, visibleMid, c.original)
	visible, _ := r.client.Get(r.predicted, kindPos)
	assert.Equal(t, visibleMid, visible)
}
