package netplay

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netplay-go/netplay/component"
	"github.com/netplay-go/netplay/mapping"
	"github.com/netplay-go/netplay/protocol"
	"github.com/netplay-go/netplay/sim"
	"github.com/netplay-go/netplay/utils"
	"github.com/netplay-go/netplay/world"
)

const kindPos world.Kind = 1

type vec struct {
	X, Y float64
}

// pair is a server and a client replica wired back to back in memory: each
// side's outgoing queue is pumped straight into the other side's inbox, no
// sockets involved.
type pair struct {
	server *Replica
	client *Replica

	serverLink protocol.FeedDrainCloserTraced
	clientLink protocol.FeedDrainCloserTraced
}

func newPair(t *testing.T) *pair {
	t.Helper()
	log := utils.NewDefaultLogger(slog.LevelError)

	newRegistry := func() *component.Registry {
		reg := component.NewRegistry()
		require.Nil(t, component.Register[vec](reg, kindPos, "position"))
		return reg
	}

	server, err := NewReplica(Options{
		Role:     RoleServer,
		Logger:   log,
		Registry: newRegistry(),
		World:    world.NewDonburiWorld(),
	}, func(sim.Tick, []byte) {})
	require.Nil(t, err)

	client, err := NewReplica(Options{
		Role:      RoleClient,
		LocalPeer: "client",
		Logger:    log,
		Registry:  newRegistry(),
		World:     world.NewDonburiWorld(),
	}, func(sim.Tick, []byte) {})
	require.Nil(t, err)

	p := &pair{server: server, client: client}
	p.serverLink = server.installPeer("client")
	p.clientLink = client.installPeer("server")

	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return p
}

// pump moves everything the source replica has queued for its peer into the
// destination replica's inbox.
func (p *pair) pump(t *testing.T, from *Replica, peerName string, to protocol.FeedDrainCloserTraced) {
	t.Helper()
	ctx := context.Background()
	src, ok := from.peerByName(peerName)
	require.True(t, ok)
	for src.out.Size() > 0 {
		recs, err := src.out.Feed(ctx)
		require.Nil(t, err)
		require.Nil(t, to.Drain(ctx, recs))
	}
}

func (p *pair) serverToClient(t *testing.T) { p.pump(t, p.server, "client", p.clientLink) }
func (p *pair) clientToServer(t *testing.T) { p.pump(t, p.client, "server", p.serverLink) }

func TestReplicaSpawnAndUpdateFlow(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)

	e := p.server.World().Spawn()
	p.server.Sender().QueueSpawn(1, e, map[world.Kind]any{kindPos: vec{X: 1, Y: 2}}, 0)
	require.Nil(t, p.server.Advance(ctx, nil))
	p.serverToClient(t)

	require.Nil(t, p.client.Advance(ctx, nil))
	confirmed, ok := p.client.Maps().Confirmed(mapping.RemoteId(e))
	require.True(t, ok)
	v, ok := p.client.World().Get(confirmed, kindPos)
	require.True(t, ok)
	assert.Equal(t, vec{X: 1, Y: 2}, v.(vec))

	// the value update rides the unreliable tier
	p.server.Sender().QueueUpdate(1, e, kindPos, vec{X: 3, Y: 4})
	require.Nil(t, p.server.Advance(ctx, nil))
	p.serverToClient(t)

	require.Nil(t, p.client.Advance(ctx, nil))
	v, ok = p.client.World().Get(confirmed, kindPos)
	require.True(t, ok)
	assert.Equal(t, vec{X: 3, Y: 4}, v.(vec))
}

func TestReplicaAckReachesSender(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)

	e := p.server.World().Spawn()
	p.server.Sender().QueueSpawn(1, e, map[world.Kind]any{kindPos: vec{X: 1}}, 0)
	require.Nil(t, p.server.Advance(ctx, nil))
	p.serverToClient(t)
	require.Nil(t, p.client.Advance(ctx, nil))

	// the client's next tick echoes the applied tick plus the reliable
	// channel ack; the server's reliable message settles
	require.Nil(t, p.client.Advance(ctx, nil))
	p.clientToServer(t)
	require.Nil(t, p.server.Advance(ctx, nil))

	srvPeer, ok := p.server.peerByName("client")
	require.True(t, ok)
	assert.Equal(t, 0, srvPeer.reliable.Unacked())
}

func TestReplicaClientInputsReachServer(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)

	require.Nil(t, p.client.Advance(ctx, []byte("left")))
	require.Nil(t, p.client.Advance(ctx, []byte("jump")))
	p.clientToServer(t)
	require.Nil(t, p.server.Advance(ctx, nil))

	inputs, ok := p.server.PeerInputs("client")
	require.True(t, ok)
	in, ok := inputs.Get(p.client.Clock().CurrentTick())
	require.True(t, ok)
	assert.Equal(t, []byte("jump"), in)
	in, ok = inputs.Get(p.client.Clock().CurrentTick().Add(-1))
	require.True(t, ok)
	assert.Equal(t, []byte("left"), in)
}

func TestReplicaDespawnCascades(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)

	e := p.server.World().Spawn()
	p.server.Sender().QueueSpawn(1, e, map[world.Kind]any{kindPos: vec{X: 1}}, 0)
	require.Nil(t, p.server.Advance(ctx, nil))
	p.serverToClient(t)
	require.Nil(t, p.client.Advance(ctx, nil))

	confirmed, ok := p.client.Maps().Confirmed(mapping.RemoteId(e))
	require.True(t, ok)

	p.server.Sender().QueueDespawn(1, e)
	require.Nil(t, p.server.Advance(ctx, nil))
	p.serverToClient(t)
	require.Nil(t, p.client.Advance(ctx, nil))

	_, ok = p.client.Maps().Confirmed(mapping.RemoteId(e))
	assert.False(t, ok)
	_, ok = p.client.World().Get(confirmed, kindPos)
	assert.False(t, ok)
}

func TestReplicaTracksPrespawnMerge(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)

	hash := mapping.SpawnHash(1, [][]byte{{1}})
	candidate := p.client.World().Spawn()
	p.client.Prespawn().Register(hash, candidate, p.client.Clock().CurrentTick())

	e := p.server.World().Spawn()
	p.server.Sender().QueueSpawn(1, e, map[world.Kind]any{kindPos: vec{X: 1}}, hash)
	require.Nil(t, p.server.Advance(ctx, nil))
	p.serverToClient(t)
	require.Nil(t, p.client.Advance(ctx, nil))

	confirmed, ok := p.client.Maps().Confirmed(mapping.RemoteId(e))
	require.True(t, ok)
	pred, ok := p.client.Maps().Predicted(confirmed)
	require.True(t, ok)
	assert.Equal(t, candidate, pred)

	// the merged entity is tracked under its group: a confirmed change
	// the candidate never predicted now triggers a rollback
	before, _, _ := p.client.Predictor().Stats()
	p.server.Sender().QueueUpdate(1, e, kindPos, vec{X: 5})
	require.Nil(t, p.server.Advance(ctx, nil))
	p.serverToClient(t)
	require.Nil(t, p.client.Advance(ctx, nil))

	after, _, _ := p.client.Predictor().Stats()
	assert.Greater(t, after, before)
}

func TestReplicaOptionsValidation(t *testing.T) {
	_, err := NewReplica(Options{World: world.NewDonburiWorld()}, func(sim.Tick, []byte) {})
	assert.ErrorIs(t, err, ErrNoRegistry)

	_, err = NewReplica(Options{Registry: component.NewRegistry()}, func(sim.Tick, []byte) {})
	assert.ErrorIs(t, err, ErrNoWorld)
}
