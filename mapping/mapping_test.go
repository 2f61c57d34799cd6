package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netplay-go/netplay/sim"
	"github.com/netplay-go/netplay/world"
)

func TestMapsRoundTrip(t *testing.T) {
	m := NewMaps()
	require.Nil(t, m.MapRemote(42, world.Entity(7)))

	c, ok := m.Confirmed(42)
	assert.True(t, ok)
	assert.Equal(t, world.Entity(7), c)

	r, ok := m.Remote(world.Entity(7))
	assert.True(t, ok)
	assert.Equal(t, RemoteId(42), r)

	assert.Equal(t, ErrRemoteTaken, m.MapRemote(42, world.Entity(8)))
	assert.Equal(t, ErrRemoteTaken, m.MapRemote(43, world.Entity(7)))
}

func TestOneToOnePeerInvariant(t *testing.T) {
	m := NewMaps()
	require.Nil(t, m.MapRemote(1, world.Entity(10)))
	require.Nil(t, m.MapRemote(2, world.Entity(20)))

	require.Nil(t, m.LinkPredicted(world.Entity(10), world.Entity(11)))

	// no two predicted entities may share a confirmed entity, and a
	// predicted entity belongs to exactly one confirmed entity
	assert.Equal(t, ErrPeerTaken, m.LinkPredicted(world.Entity(10), world.Entity(12)))
	assert.Equal(t, ErrPeerTaken, m.LinkPredicted(world.Entity(20), world.Entity(11)))

	require.Nil(t, m.LinkInterpolated(world.Entity(10), world.Entity(13)))
	assert.Equal(t, ErrPeerTaken, m.LinkInterpolated(world.Entity(10), world.Entity(14)))
}

func TestRemoveConfirmedCascades(t *testing.T) {
	m := NewMaps()
	require.Nil(t, m.MapRemote(5, world.Entity(50)))
	require.Nil(t, m.LinkPredicted(world.Entity(50), world.Entity(51)))
	require.Nil(t, m.LinkInterpolated(world.Entity(50), world.Entity(52)))

	p, i := m.RemoveConfirmed(world.Entity(50))
	assert.Equal(t, world.Entity(51), p)
	assert.Equal(t, world.Entity(52), i)

	_, ok := m.Confirmed(5)
	assert.False(t, ok)
	_, ok = m.Predicted(world.Entity(50))
	assert.False(t, ok)

	// the slots are free again
	assert.Nil(t, m.MapRemote(5, world.Entity(60)))
}

func TestMapFuncs(t *testing.T) {
	m := NewMaps()
	require.Nil(t, m.MapRemote(9, world.Entity(90)))
	require.Nil(t, m.LinkPredicted(world.Entity(90), world.Entity(91)))

	toLocal := m.RemoteToConfirmed()
	e, ok := toLocal(world.Entity(9))
	assert.True(t, ok)
	assert.Equal(t, world.Entity(90), e)

	_, ok = toLocal(world.Entity(404))
	assert.False(t, ok)

	toPred := m.ConfirmedToPredicted()
	e, ok = toPred(world.Entity(90))
	assert.True(t, ok)
	assert.Equal(t, world.Entity(91), e)

	// no predicted peer: the reference stays confirmed
	e, ok = toPred(world.Entity(77))
	assert.True(t, ok)
	assert.Equal(t, world.Entity(77), e)

	toRemote := m.ConfirmedToRemote()
	e, ok = toRemote(world.Entity(90))
	assert.True(t, ok)
	assert.Equal(t, world.Entity(9), e)
}

func TestPrespawnMatchAndExpiry(t *testing.T) {
	ps := NewPrespawn(10)

	h := SpawnHash(100, [][]byte{{1, 2}, {3}})
	assert.Equal(t, h, SpawnHash(100, [][]byte{{1, 2}, {3}}))
	assert.NotEqual(t, h, SpawnHash(101, [][]byte{{1, 2}, {3}}))
	assert.NotEqual(t, h, SpawnHash(100, [][]byte{{1, 2}, {4}}))

	displaced := ps.Register(h, world.Entity(5), sim.Tick(100))
	assert.Equal(t, world.Nil, displaced)

	displaced = ps.Register(h, world.Entity(6), sim.Tick(101))
	assert.Equal(t, world.Entity(5), displaced)

	got, ok := ps.Match(h)
	assert.True(t, ok)
	assert.Equal(t, world.Entity(6), got)
	_, ok = ps.Match(h)
	assert.False(t, ok)

	h2 := SpawnHash(200, [][]byte{{9}})
	ps.Register(h2, world.Entity(7), sim.Tick(200))
	assert.Empty(t, ps.Expire(sim.Tick(205)))
	stale := ps.Expire(sim.Tick(210))
	require.Len(t, stale, 1)
	assert.Equal(t, world.Entity(7), stale[0])
	assert.Equal(t, 0, ps.Pending())
}
