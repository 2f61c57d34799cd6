// Package netplay ties the replication, prediction and interpolation
// engines into a Replica: one node of a client/server simulation that
// exchanges state over reliable and unreliable channels and keeps its
// locally predicted entities consistent with the authoritative state.
package netplay

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/netplay-go/netplay/channel"
	"github.com/netplay-go/netplay/component"
	"github.com/netplay-go/netplay/interp"
	"github.com/netplay-go/netplay/journal"
	"github.com/netplay-go/netplay/mapping"
	"github.com/netplay-go/netplay/predict"
	"github.com/netplay-go/netplay/protocol"
	"github.com/netplay-go/netplay/replication"
	"github.com/netplay-go/netplay/sim"
	"github.com/netplay-go/netplay/utils"
	"github.com/netplay-go/netplay/world"
)

var (
	ErrNoRegistry = errors.New("netplay: a component registry is required")
	ErrNoWorld    = errors.New("netplay: a world is required")
	ErrClosed     = errors.New("netplay: replica is closed")
)

type Role int

const (
	RoleServer Role = iota
	RoleClient
)

type Options struct {
	Role     Role
	TickRate int
	// LocalPeer names this node in authority checks; servers keep it "".
	LocalPeer string

	Logger   utils.Logger
	Registry *component.Registry
	World    world.World

	// InterpolationDelayTicks is how far the render clock trails the
	// simulation clock for interpolated entities.
	InterpolationDelayTicks int16
	// InputRedundancy is how many past inputs ride along with each input
	// packet, so one lost packet does not lose an input.
	InputRedundancy int
	// JournalPath enables the determinism journal when non-empty.
	JournalPath string

	TlsConfig *tls.Config

	Channel  channel.ReliableOptions
	Sender   replication.SenderOptions
	Receiver replication.ReceiverOptions
	Predict  predict.Options
	Interp   interp.Options
}

func (o *Options) SetDefaults() {
	if o.TickRate == 0 {
		o.TickRate = 60
	}
	if o.InterpolationDelayTicks == 0 {
		o.InterpolationDelayTicks = 6
	}
	if o.InputRedundancy == 0 {
		o.InputRedundancy = 3
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	o.Channel.SetDefaults()
	o.Sender.SetDefaults()
	o.Receiver.SetDefaults()
	o.Predict.SetDefaults()
	o.Interp.SetDefaults()
}

// StepFunc runs one deterministic simulation step with the input recorded
// for that tick. Rollback replay calls it again for past ticks; it must not
// sample live input or perform I/O.
type StepFunc func(tick sim.Tick, input []byte)

// peer is one connected remote: its outgoing queue and per-peer channel
// state. The write loop of the connection feeds from out.
type peer struct {
	name       string
	out        *utils.FDQueue[protocol.Records]
	reliable   *channel.Reliable
	unreliable *channel.Unreliable
	inputs     *sim.InputBuffer[[]byte]
}

// Replica is one node of the replicated simulation. All engine state is
// mutated synchronously inside Advance; the network only parks incoming
// records in the inbox in between.
type Replica struct {
	log  utils.Logger
	opts Options

	clock    *sim.TickClock
	world    world.World
	registry *component.Registry
	maps     *mapping.Maps
	prespawn *mapping.Prespawn
	auth     *replication.Authority

	recv   *replication.Receiver
	send   *replication.Sender
	engine *predict.Engine
	interp *interp.Interpolator

	inputs  *sim.InputBuffer[[]byte]
	journal *journal.Journal
	frame   uint64

	net   *protocol.Net
	inbox *utils.FDQueue[protocol.Records]

	plock sync.Mutex
	peers map[string]*peer

	closed bool
}

func NewReplica(opts Options, step StepFunc) (*Replica, error) {
	opts.SetDefaults()
	if opts.Registry == nil {
		return nil, ErrNoRegistry
	}
	if opts.World == nil {
		return nil, ErrNoWorld
	}

	r := &Replica{
		log:      opts.Logger,
		opts:     opts,
		clock:    sim.NewTickClock(0, opts.TickRate),
		world:    opts.World,
		registry: opts.Registry,
		maps:     mapping.NewMaps(),
		prespawn: mapping.NewPrespawn(sim.Tick(opts.TickRate)), // one second TTL
		inputs:   sim.NewInputBuffer[[]byte](opts.Predict.HistoryDepth),
		inbox:    utils.NewFDQueue[protocol.Records](1<<22, 0),
		peers:    make(map[string]*peer),
	}
	r.auth = replication.NewAuthority(r.log)
	r.recv = replication.NewReceiver(r.log, r.world, r.registry, r.maps, r.prespawn, r.auth, opts.Receiver)
	// the server's local entity ids are the wire ids; clients rewrite
	// their local handles back to the ids the server knows
	var mapOut component.MapFunc
	if opts.Role == RoleClient {
		mapOut = r.maps.ConfirmedToRemote()
	}
	r.send = replication.NewSender(r.log, r.registry, r.auth, opts.LocalPeer, mapOut, opts.Sender)
	r.engine = predict.NewEngine(r.log, r.world, r.registry, r.maps, r.recv, func(t sim.Tick) {
		in, _ := r.inputs.Get(t)
		step(t, in)
	}, opts.Predict)
	r.interp = interp.NewInterpolator(r.log, r.world, r.registry, r.maps, r.recv, opts.Interp)

	if opts.JournalPath != "" {
		j, err := journal.Open(opts.JournalPath, r.log)
		if err != nil {
			return nil, err
		}
		r.journal = j
	}

	r.net = protocol.NewNet(r.log, opts.TlsConfig, r.installPeer, r.destroyPeer)
	return r, nil
}

// Accessors for the collaborating engines; the embedding game drives
// spawning, grouping and authority through these.
func (r *Replica) World() world.World                { return r.world }
func (r *Replica) Maps() *mapping.Maps               { return r.maps }
func (r *Replica) Prespawn() *mapping.Prespawn       { return r.prespawn }
func (r *Replica) Authority() *replication.Authority { return r.auth }
func (r *Replica) Sender() *replication.Sender       { return r.send }
func (r *Replica) Receiver() *replication.Receiver   { return r.recv }
func (r *Replica) Predictor() *predict.Engine        { return r.engine }
func (r *Replica) Interpolator() *interp.Interpolator { return r.interp }
func (r *Replica) Clock() *sim.TickClock             { return r.clock }
func (r *Replica) Inputs() *sim.InputBuffer[[]byte]  { return r.inputs }

// Listen starts accepting peer connections (the server side).
func (r *Replica) Listen(ctx context.Context, addr string) error {
	return r.net.Listen(ctx, addr)
}

// Connect dials the server (the client side).
func (r *Replica) Connect(ctx context.Context, addr string) error {
	return r.net.Connect(ctx, addr)
}

func (r *Replica) Close() error {
	r.plock.Lock()
	r.closed = true
	r.plock.Unlock()
	err := r.net.Close()
	_ = r.inbox.Close()
	if jerr := r.journal.Close(); err == nil {
		err = jerr
	}
	return err
}

// installPeer runs on the connection goroutine when a peer comes up.
func (r *Replica) installPeer(name string) protocol.FeedDrainCloserTraced {
	p := &peer{
		name:   name,
		out:    utils.NewFDQueue[protocol.Records](1<<20, time.Second),
		inputs: sim.NewInputBuffer[[]byte](r.opts.Predict.HistoryDepth),
	}
	p.reliable = channel.NewReliable(r.log, r.clock, p.out, r.opts.Channel)
	p.unreliable = channel.NewUnreliable(p.out)

	r.plock.Lock()
	r.peers[name] = p
	r.send.AddPeer(name)
	r.plock.Unlock()

	r.log.Info("replica: peer installed", "peer", name)
	return &peerLink{replica: r, peer: p}
}

func (r *Replica) destroyPeer(name string, _ protocol.Traced) {
	r.plock.Lock()
	if p, ok := r.peers[name]; ok {
		_ = p.out.Close()
		delete(r.peers, name)
		r.send.RemovePeer(name)
	}
	r.plock.Unlock()
	r.log.Info("replica: peer destroyed", "peer", name)
}

// peerLink adapts one peer to the Net's feed/drain surface: outgoing
// records feed from the peer's queue, incoming records are parked in the
// replica's inbox tagged with the peer name.
type peerLink struct {
	replica *Replica
	peer    *peer
}

func (l *peerLink) Feed(ctx context.Context) (protocol.Records, error) {
	return l.peer.out.Feed(ctx)
}

func (l *peerLink) Drain(ctx context.Context, recs protocol.Records) error {
	tagged := make(protocol.Records, 0, len(recs)+1)
	tagged = append(tagged, protocol.Record('P', []byte(l.peer.name)))
	tagged = append(tagged, recs...)
	return l.replica.inbox.Drain(ctx, tagged)
}

func (l *peerLink) Close() error {
	return l.peer.out.Close()
}

func (l *peerLink) GetTraceId() string {
	return l.peer.name
}

func (r *Replica) peerByName(name string) (*peer, bool) {
	r.plock.Lock()
	defer r.plock.Unlock()
	p, ok := r.peers[name]
	return p, ok
}

// receiveAll drains the inbox and routes every record through its peer's
// channel state into the replication receiver. A protocol or delta decode
// error disconnects the offending peer, not the whole node.
func (r *Replica) receiveAll(ctx context.Context) {
	for {
		recs, err := r.inbox.Feed(ctx)
		if err != nil || len(recs) == 0 {
			return
		}
		var from *peer
		for _, rec := range recs {
			if protocol.Lit(rec) == 'P' {
				name, _ := protocol.Take('P', rec)
				from, _ = r.peerByName(string(name))
				continue
			}
			if from == nil {
				continue // peer already gone
			}
			if err := r.receiveOne(ctx, from, rec); err != nil {
				r.log.Error("replica: dropping peer", "peer", from.name, "err", err)
				_ = r.net.Disconnect(from.name)
				from = nil
			}
		}
	}
}

func (r *Replica) receiveOne(ctx context.Context, from *peer, rec []byte) error {
	var payload []byte
	var err error
	switch protocol.Lit(rec) {
	case 'R', 'F', 'K':
		payload, err = from.reliable.Receive(ctx, rec)
	case 'U':
		payload, err = from.unreliable.Receive(rec)
	default:
		return channel.ErrBadMessage
	}
	if err != nil || payload == nil {
		return err
	}

	lit, body, _, err := protocol.TakeAnyWary(payload)
	if err != nil {
		return err
	}
	switch lit {
	case 'A', 'D':
		return r.recv.Apply(from.name, payload)
	case 'J':
		return r.applyInputPacket(from, body)
	case 'C':
		// update acknowledgement: the peer confirmed applying this group's
		// message at this tick, unlocking Normal deltas against it
		g, t, err := replication.DecodeAck(body)
		if err != nil {
			return err
		}
		r.send.Acknowledge(from.name, g, t)
		return nil
	default:
		return replication.ErrBadMessage
	}
}

// broadcast hands one payload to every peer's channel of the given tier.
func (r *Replica) broadcast(ctx context.Context, now time.Time, reliable bool, payload []byte) {
	r.plock.Lock()
	peers := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.plock.Unlock()

	for _, p := range peers {
		var err error
		if reliable {
			_, err = p.reliable.Send(ctx, now, payload)
		} else {
			err = p.unreliable.Send(ctx, payload)
		}
		if err != nil {
			r.log.Error("replica: send failed", "peer", p.name, "err", err)
		}
	}
}

// Advance runs one full simulation tick: receive, reconcile, simulate,
// record, blend, render-interpolate, flush. Called once per tick by the
// embedding game loop.
func (r *Replica) Advance(ctx context.Context, input []byte) error {
	r.plock.Lock()
	if r.closed {
		r.plock.Unlock()
		return ErrClosed
	}
	r.plock.Unlock()

	now := time.Now()

	// 1-2: drain the network, apply to the confirmed world
	r.receiveAll(ctx)
	for _, a := range r.recv.AppliedTicks() {
		// echo each group's newest applied update to its sender, so that
		// sender can promote its delta bases
		if p, ok := r.peerByName(a.Peer); ok {
			if err := p.unreliable.Send(ctx, replication.EncodeAck(a.Group, a.Tick)); err != nil {
				r.log.Error("replica: ack send failed", "peer", p.name, "err", err)
			}
		}
	}
	for _, m := range r.recv.DrainPrespawnMatches() {
		r.engine.Track(m.Confirmed, m.Group)
	}

	// 3-4: reconcile prediction against what just arrived
	r.engine.RestoreTruth()
	r.engine.Check(r.clock.CurrentTick())

	// 5-6: simulate the new tick with this tick's input, record history
	tick := r.clock.Advance()
	r.inputs.Record(tick, input)
	r.engine.Step(tick)
	r.engine.RecordTick(tick)

	// 7: rendering state
	r.engine.Blend(tick)
	r.interp.Update(tick.Add(-r.opts.InterpolationDelayTicks))
	for _, stale := range r.prespawn.Expire(tick) {
		r.world.Despawn(stale)
	}

	// 8: flush outgoing replication and input batches
	flushes, err := r.send.Flush(tick)
	if err != nil {
		return err
	}
	for _, f := range flushes {
		if f.Actions != nil {
			r.broadcast(ctx, now, true, f.Actions)
		}
		if f.Updates != nil {
			r.broadcast(ctx, now, false, f.Updates)
		}
	}
	if r.opts.Role == RoleClient {
		r.broadcast(ctx, now, false, r.encodeInputPacket(tick))
	}

	// resend what the peers have not acknowledged
	r.plock.Lock()
	peers := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.plock.Unlock()
	for _, p := range peers {
		if err := p.reliable.ResendDue(ctx, now); err != nil {
			r.log.Error("replica: resend failed", "peer", p.name, "err", err)
		}
	}

	r.frame++
	if r.journal != nil {
		if err := r.journal.RecordInput(r.frame, input); err != nil {
			r.log.Warn("replica: journal write failed", "err", err)
		}
	}
	return nil
}

// Frame returns the non-wrapping frame counter, the journal key space.
func (r *Replica) Frame() uint64 {
	return r.frame
}

// JournalDigest records the current state digest of the given entities
// under the current frame.
func (r *Replica) JournalDigest(entities []world.Entity) error {
	if r.journal == nil {
		return nil
	}
	d, err := journal.StateDigest(r.world, r.registry, r.clock.CurrentTick(), entities)
	if err != nil {
		return err
	}
	return r.journal.RecordDigest(r.frame, d)
}
