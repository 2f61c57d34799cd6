package interp

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

const kindPos world.Kind = 1

type vec struct {
	X, Y float64
}

type rig struct {
	w         *world.DonburiWorld
	recv      *replication.Receiver
	ip        *Interpolator
	confirmed world.Entity
	target    world.Entity
	hist      *sim.History[any]
}

func newRig(t *testing.T, opts Options) *rig {
	t.Helper()
	log := utils.NewDefaultLogger(slog.LevelError)
	reg := component.NewRegistry()
	require.Nil(t, component.Register[vec](reg, kindPos, "position",
		component.WithLerp[vec](func(from, to vec, f float64) vec {
			return vec{X: from.X + (to.X-from.X)*f, Y: from.Y + (to.Y-from.Y)*f}
		})))

	w := world.NewDonburiWorld()
	maps := mapping.NewMaps()
	auth := replication.NewAuthority(log)
	recv := replication.NewReceiver(log, w, reg, maps, nil, auth, replication.ReceiverOptions{})

	confirmed := w.Spawn()
	require.Nil(t, maps.MapRemote(1, confirmed))
	target := w.Spawn()
	require.Nil(t, maps.LinkInterpolated(confirmed, target))

	ip := NewInterpolator(log, w, reg, maps, recv, opts)
	ip.Track(confirmed)

	return &rig{
		w:         w,
		recv:      recv,
		ip:        ip,
		confirmed: confirmed,
		target:    target,
		hist:      recv.ConfirmedHistory(confirmed, kindPos),
	}
}

func (r *rig) pos(t *testing.T) vec {
	t.Helper()
	v, ok := r.w.Get(r.target, kindPos)
	require.True(t, ok)
	return v.(vec)
}

func TestInterpolatesBetweenSamples(t *testing.T) {
	r := newRig(t, Options{})
	r.hist.AddUpdate(10, vec{})
	r.hist.AddUpdate(20, vec{X: 10})

	r.ip.Update(10)
	assert.Equal(t, vec{}, r.pos(t))

	r.ip.Update(15)
	assert.Equal(t, vec{X: 5}, r.pos(t))

	r.ip.Update(19)
	assert.Equal(t, vec{X: 9}, r.pos(t))
}

func TestNeverExtrapolates(t *testing.T) {
	r := newRig(t, Options{SendIntervalTicks: 3, FastForwardFactor: 100})
	r.hist.AddUpdate(10, vec{})
	r.hist.AddUpdate(20, vec{X: 10})

	// past the newest sample: hold, do not project the trend forward
	r.ip.Update(25)
	assert.Equal(t, vec{X: 10}, r.pos(t))
	r.ip.Update(40)
	assert.Equal(t, vec{X: 10}, r.pos(t))
}

func TestNothingBeforeFirstSample(t *testing.T) {
	r := newRig(t, Options{})
	r.hist.AddUpdate(10, vec{X: 1})

	r.ip.Update(5)
	_, ok := r.w.Get(r.target, kindPos)
	assert.False(t, ok)
}

func TestFastForwardAfterStaleness(t *testing.T) {
	// threshold: 2 × 2 = 4 ticks without a fresh sample
	r := newRig(t, Options{SendIntervalTicks: 2, FastForwardFactor: 2})
	r.hist.AddUpdate(20, vec{X: 10})

	// stale for 5 ticks: the sample is re-stamped at the current tick
	r.ip.Update(25)
	assert.Equal(t, vec{X: 10}, r.pos(t))
	e, ok := r.hist.Newest()
	require.True(t, ok)
	assert.Equal(t, sim.Tick(25), e.Tick)

	// resumed data interpolates from the re-stamped point, not from t20
	r.hist.AddUpdate(30, vec{X: 20})
	r.ip.Update(27)
	assert.Equal(t, vec{X: 14}, r.pos(t))
}

func TestRemovalStopsRendering(t *testing.T) {
	r := newRig(t, Options{})
	r.hist.AddUpdate(10, vec{X: 1})
	r.hist.AddRemove(20)

	r.ip.Update(15)
	assert.Equal(t, vec{X: 1}, r.pos(t))

	r.ip.Update(21)
	_, ok := r.w.Get(r.target, kindPos)
	assert.False(t, ok)
}
