package replication

import (
	"sort"

	"github.com/netplay-go/netplay/component"
	"github.com/netplay-go/netplay/protocol"
	"github.com/netplay-go/netplay/sim"
	"github.com/netplay-go/netplay/utils"
	"github.com/netplay-go/netplay/world"
)

// GroupId identifies a replication group: entities whose actions apply
// atomically and in relative order.
type GroupId uint64

// Wire record types inside replication message bodies.
//
//	'A' action message    'D' update message   'E' per-entity block
//	'G' group  'T' tick  'L' last action tick  'I' entity id
//	'B' action flags  'H' spawn hash  'N' inserts  'R' removals
//	'U' updates  'V' component value  'K' component kind
const (
	flagSpawn   byte = 1
	flagDespawn byte = 2
)

type SenderOptions struct {
	// ActionIdleTicks is how long a group's updates keep referencing its
	// last action message; past it the ordering dependency is dropped.
	ActionIdleTicks int16
}

func (o *SenderOptions) SetDefaults() {
	if o.ActionIdleTicks == 0 {
		o.ActionIdleTicks = 64
	}
}

type groupBuckets struct {
	spawn     map[world.Entity]map[world.Kind]any
	spawnHash map[world.Entity]uint64
	despawn   map[world.Entity]struct{}
	insert    map[world.Entity]map[world.Kind]any
	remove    map[world.Entity]map[world.Kind]struct{}
	update    map[world.Entity]map[world.Kind]any

	lastAction sim.Tick
	hasAction  bool
}

func newGroupBuckets() *groupBuckets {
	return &groupBuckets{
		spawn:     make(map[world.Entity]map[world.Kind]any),
		spawnHash: make(map[world.Entity]uint64),
		despawn:   make(map[world.Entity]struct{}),
		insert:    make(map[world.Entity]map[world.Kind]any),
		remove:    make(map[world.Entity]map[world.Kind]struct{}),
		update:    make(map[world.Entity]map[world.Kind]any),
	}
}

type baseKey struct {
	entity world.Entity
	kind   world.Kind
}

type sentBase struct {
	tick  sim.Tick
	value any
}

// pendingAck is one flushed update message awaiting acknowledgement. Its
// values become delta bases only once every registered peer has applied
// exactly this message; a peer that skipped past it (unreliable loss) marks
// it passed, which blocks promotion and drops the entry instead.
type pendingAck struct {
	values map[baseKey]any
	acked  map[string]struct{}
	passed map[string]struct{}
}

// Sender batches outgoing changes per replication group into one reliable
// action message and one unreliable update message per flush. Entity ids on
// the wire are the sender's local handles unless a translation is set.
type Sender struct {
	log       utils.Logger
	reg       *component.Registry
	auth      *Authority
	localPeer string
	opts      SenderOptions

	// mapOut rewrites entity references for the receiving side; nil sends
	// local handles as-is (the server's handles are canonical).
	mapOut component.MapFunc

	groups map[GroupId]*groupBuckets

	// delta bases: values every registered peer has acknowledged holding,
	// and flushed update messages per group and tick still awaiting that
	peers   map[string]struct{}
	acked   map[baseKey]sentBase
	pending map[GroupId]map[sim.Tick]*pendingAck
}

func NewSender(log utils.Logger, reg *component.Registry, auth *Authority, localPeer string, mapOut component.MapFunc, opts SenderOptions) *Sender {
	opts.SetDefaults()
	return &Sender{
		log:       log,
		reg:       reg,
		auth:      auth,
		localPeer: localPeer,
		opts:      opts,
		mapOut:    mapOut,
		groups:    make(map[GroupId]*groupBuckets),
		peers:     make(map[string]struct{}),
		acked:     make(map[baseKey]sentBase),
		pending:   make(map[GroupId]map[sim.Tick]*pendingAck),
	}
}

func (s *Sender) group(g GroupId) *groupBuckets {
	b, ok := s.groups[g]
	if !ok {
		b = newGroupBuckets()
		s.groups[g] = b
	}
	return b
}

func (s *Sender) owned(e world.Entity) bool {
	if s.auth.LocallyOwned(e, s.localPeer) {
		return true
	}
	// advisory write: applied locally by the caller, never broadcast
	s.log.Debug("replication: dropping non-owned write", "entity", uint64(e))
	return false
}

func (s *Sender) QueueSpawn(g GroupId, e world.Entity, components map[world.Kind]any, hash uint64) {
	if !s.owned(e) {
		return
	}
	b := s.group(g)
	payload := make(map[world.Kind]any, len(components))
	for k, v := range components {
		payload[k] = v
	}
	b.spawn[e] = payload
	if hash != 0 {
		b.spawnHash[e] = hash
	}
}

func (s *Sender) QueueDespawn(g GroupId, e world.Entity) {
	if !s.owned(e) {
		return
	}
	b := s.group(g)
	// despawn wins over everything queued for this entity
	delete(b.insert, e)
	delete(b.remove, e)
	delete(b.update, e)
	if _, spawning := b.spawn[e]; spawning {
		// never announced: the spawn and the despawn cancel out
		delete(b.spawn, e)
		delete(b.spawnHash, e)
		return
	}
	b.despawn[e] = struct{}{}
}

func (s *Sender) QueueInsert(g GroupId, e world.Entity, k world.Kind, v any) {
	if !s.owned(e) {
		return
	}
	b := s.group(g)
	if _, gone := b.despawn[e]; gone {
		return
	}
	if payload, spawning := b.spawn[e]; spawning {
		payload[k] = v // the spawn message carries it
		return
	}
	m, ok := b.insert[e]
	if !ok {
		m = make(map[world.Kind]any)
		b.insert[e] = m
	}
	m[k] = v
}

func (s *Sender) QueueRemove(g GroupId, e world.Entity, k world.Kind) {
	if !s.owned(e) {
		return
	}
	b := s.group(g)
	if _, gone := b.despawn[e]; gone {
		return
	}
	if payload, spawning := b.spawn[e]; spawning {
		delete(payload, k)
		return
	}
	if m, ok := b.insert[e]; ok {
		delete(m, k)
	}
	if m, ok := b.update[e]; ok {
		delete(m, k)
	}
	m, ok := b.remove[e]
	if !ok {
		m = make(map[world.Kind]struct{})
		b.remove[e] = m
	}
	m[k] = struct{}{}
}

func (s *Sender) QueueUpdate(g GroupId, e world.Entity, k world.Kind, v any) {
	if !s.owned(e) {
		return
	}
	b := s.group(g)
	if _, gone := b.despawn[e]; gone {
		return
	}
	if payload, spawning := b.spawn[e]; spawning {
		payload[k] = v
		return
	}
	m, ok := b.update[e]
	if !ok {
		m = make(map[world.Kind]any)
		b.update[e] = m
	}
	m[k] = v // latest wins
}

// GroupFlush is one group's outgoing messages for a tick. Actions go on the
// reliable channel, Updates on the unreliable sequenced one; either may be
// nil when the group has nothing of that sort.
type GroupFlush struct {
	Group   GroupId
	Actions []byte
	Updates []byte
}

// Flush drains every group's buckets into wire messages, stamped with the
// current tick. Deterministic order: groups ascending, entities ascending,
// kinds ascending.
func (s *Sender) Flush(now sim.Tick) ([]GroupFlush, error) {
	groups := make([]GroupId, 0, len(s.groups))
	for g := range s.groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })

	var out []GroupFlush
	for _, g := range groups {
		b := s.groups[g]

		actions, err := s.buildActions(g, b, now)
		if err != nil {
			return nil, err
		}
		if actions != nil {
			b.lastAction = now
			b.hasAction = true
		}

		updates, err := s.buildUpdates(g, b, now)
		if err != nil {
			return nil, err
		}

		if actions != nil || updates != nil {
			out = append(out, GroupFlush{Group: g, Actions: actions, Updates: updates})
		}
	}
	return out, nil
}

// AddPeer registers a receiver of this sender's messages. A new receiver
// holds no bases yet, so every promoted base is invalidated and values go
// out in full until acknowledged again by the whole set of peers.
func (s *Sender) AddPeer(name string) {
	s.peers[name] = struct{}{}
	s.acked = make(map[baseKey]sentBase)
	s.pending = make(map[GroupId]map[sim.Tick]*pendingAck)
}

// RemovePeer unregisters a receiver and re-resolves in-flight messages that
// were only waiting on it.
func (s *Sender) RemovePeer(name string) {
	delete(s.peers, name)
	for g, sent := range s.pending {
		for t, entry := range sent {
			delete(entry.acked, name)
			delete(entry.passed, name)
			s.resolve(g, t, entry)
		}
	}
}

// Acknowledge records that a peer applied the update message this sender
// flushed for the group at the given tick. The sequenced channel drops an
// older update once a newer one landed, so the same ack also marks every
// older in-flight message of the group as passed by that peer.
func (s *Sender) Acknowledge(peer string, g GroupId, tick sim.Tick) {
	if _, known := s.peers[peer]; !known {
		return
	}
	sent, ok := s.pending[g]
	if !ok {
		return
	}
	for t, entry := range sent {
		switch {
		case t == tick:
			entry.acked[peer] = struct{}{}
		case t.Before(tick):
			entry.passed[peer] = struct{}{}
		default:
			continue
		}
		s.resolve(g, t, entry)
	}
}

// resolve promotes a fully acknowledged message's values into delta bases.
// A message some peer passed over is dropped instead: not every receiver
// holds its values, so Normal diffs must not reference them.
func (s *Sender) resolve(g GroupId, t sim.Tick, entry *pendingAck) {
	if len(s.peers) == 0 {
		return
	}
	for p := range s.peers {
		if _, ok := entry.acked[p]; ok {
			continue
		}
		if _, ok := entry.passed[p]; ok {
			continue
		}
		return // still in flight for this peer
	}
	if len(entry.passed) == 0 {
		for key, v := range entry.values {
			if cur, has := s.acked[key]; !has || t.After(cur.tick) {
				s.acked[key] = sentBase{tick: t, value: v}
			}
		}
	}
	delete(s.pending[g], t)
}

// EncodeAck builds the acknowledgement a receiver echoes back after applying
// a group's update message.
func EncodeAck(g GroupId, tick sim.Tick) []byte {
	return protocol.Record('C',
		protocol.TinyRecord('G', protocol.ZipUint64(uint64(g))),
		protocol.TinyRecord('T', protocol.ZipUint64(uint64(tick))))
}

// DecodeAck parses the body of such an acknowledgement.
func DecodeAck(body []byte) (GroupId, sim.Tick, error) {
	g, t, _, err := takeHeader(body)
	return g, t, err
}

func sortedEntities[V any](m map[world.Entity]V) []world.Entity {
	es := make([]world.Entity, 0, len(m))
	for e := range m {
		es = append(es, e)
	}
	sort.Slice(es, func(i, j int) bool { return es[i] < es[j] })
	return es
}

func sortedKinds[V any](m map[world.Kind]V) []world.Kind {
	ks := make([]world.Kind, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Slice(ks, func(i, j int) bool { return ks[i] < ks[j] })
	return ks
}

func (s *Sender) encodeOne(e world.Entity, k world.Kind, v any, forDelta bool) ([]byte, error) {
	h, err := s.reg.Get(k)
	if err != nil {
		return nil, err
	}
	if s.mapOut != nil {
		if v, err = h.MapEntities(v, s.mapOut); err != nil {
			return nil, err
		}
	}

	var base any
	var baseTick sim.Tick
	hasBase := false
	if forDelta && h.Diffable() {
		if sb, ok := s.acked[baseKey{entity: e, kind: k}]; ok {
			base, baseTick, hasBase = sb.value, sb.tick, true
		}
	}
	payload, err := encodeValue(h, v, base, baseTick, hasBase)
	if err != nil {
		return nil, err
	}
	return protocol.Record('V', protocol.TinyRecord('K', protocol.ZipUint64(uint64(k))), payload), nil
}

func (s *Sender) buildActions(g GroupId, b *groupBuckets, now sim.Tick) ([]byte, error) {
	if len(b.spawn) == 0 && len(b.despawn) == 0 && len(b.insert) == 0 && len(b.remove) == 0 {
		return nil, nil
	}

	touched := make(map[world.Entity]struct{})
	for e := range b.spawn {
		touched[e] = struct{}{}
	}
	for e := range b.despawn {
		touched[e] = struct{}{}
	}
	for e := range b.insert {
		touched[e] = struct{}{}
	}
	for e := range b.remove {
		touched[e] = struct{}{}
	}

	body := protocol.Join(
		protocol.TinyRecord('G', protocol.ZipUint64(uint64(g))),
		protocol.TinyRecord('T', protocol.ZipUint64(uint64(now))),
	)

	for _, e := range sortedEntities(touched) {
		var flags byte
		var parts [][]byte
		parts = append(parts, protocol.TinyRecord('I', protocol.ZipUint64(uint64(e))))

		if _, ok := b.despawn[e]; ok {
			flags |= flagDespawn
		}
		inserts := b.insert[e]
		if payload, ok := b.spawn[e]; ok {
			flags |= flagSpawn
			inserts = payload
			if hash, ok := b.spawnHash[e]; ok {
				// explicit type: the entity block is parsed by record
				// type, which the tiny form does not carry
				parts = append(parts, protocol.Record('H', protocol.ZipUint64(hash)))
			}
		}
		parts = append(parts, protocol.Record('B', []byte{flags}))

		if len(inserts) > 0 {
			var vals [][]byte
			for _, k := range sortedKinds(inserts) {
				rec, err := s.encodeOne(e, k, inserts[k], false)
				if err != nil {
					return nil, err
				}
				vals = append(vals, rec)
			}
			parts = append(parts, protocol.Record('N', protocol.Join(vals...)))
		}
		if removes := b.remove[e]; len(removes) > 0 {
			var ks [][]byte
			for _, k := range sortedKinds(removes) {
				ks = append(ks, protocol.TinyRecord('K', protocol.ZipUint64(uint64(k))))
			}
			parts = append(parts, protocol.Record('R', protocol.Join(ks...)))
		}

		body = append(body, protocol.Record('E', parts...)...)
	}

	b.spawn = make(map[world.Entity]map[world.Kind]any)
	b.spawnHash = make(map[world.Entity]uint64)
	b.despawn = make(map[world.Entity]struct{})
	b.insert = make(map[world.Entity]map[world.Kind]any)
	b.remove = make(map[world.Entity]map[world.Kind]struct{})

	return protocol.Record('A', body), nil
}

func (s *Sender) buildUpdates(g GroupId, b *groupBuckets, now sim.Tick) ([]byte, error) {
	if len(b.update) == 0 {
		return nil, nil
	}

	body := protocol.Join(
		protocol.TinyRecord('G', protocol.ZipUint64(uint64(g))),
		protocol.TinyRecord('T', protocol.ZipUint64(uint64(now))),
	)
	if b.hasAction && now.Delta(b.lastAction) <= s.opts.ActionIdleTicks {
		body = append(body, protocol.TinyRecord('L', protocol.ZipUint64(uint64(b.lastAction)))...)
	}

	for _, e := range sortedEntities(b.update) {
		vals := b.update[e]
		var recs [][]byte
		for _, k := range sortedKinds(vals) {
			rec, err := s.encodeOne(e, k, vals[k], true)
			if err != nil {
				return nil, err
			}
			recs = append(recs, rec)

			h, _ := s.reg.Get(k)
			if h.Diffable() {
				s.pendingFor(g, now).values[baseKey{entity: e, kind: k}] = vals[k]
			}
		}
		body = append(body,
			protocol.Record('E',
				protocol.TinyRecord('I', protocol.ZipUint64(uint64(e))),
				protocol.Record('U', protocol.Join(recs...)))...)
	}

	b.update = make(map[world.Entity]map[world.Kind]any)

	// messages nobody acknowledged within the idle window never will be
	if sent, ok := s.pending[g]; ok {
		for t := range sent {
			if now.Delta(t) > s.opts.ActionIdleTicks {
				delete(sent, t)
			}
		}
	}
	return protocol.Record('D', body), nil
}

func (s *Sender) pendingFor(g GroupId, now sim.Tick) *pendingAck {
	sent, ok := s.pending[g]
	if !ok {
		sent = make(map[sim.Tick]*pendingAck)
		s.pending[g] = sent
	}
	entry, ok := sent[now]
	if !ok {
		entry = &pendingAck{
			values: make(map[baseKey]any),
			acked:  make(map[string]struct{}),
			passed: make(map[string]struct{}),
		}
		sent[now] = entry
	}
	return entry
}
