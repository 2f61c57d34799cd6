// Package replication builds and applies the wire messages that keep the
// confirmed world in sync: the sender batches entity actions and component
// updates per replication group, the receiver applies them in causal order,
// decoding deltas and recording confirmed histories along the way.
package replication

import (
	"github.com/netplay-go/netplay/utils"
	"github.com/netplay-go/netplay/world"
)

type AuthorityKind uint8

const (
	// AuthorityServer is the default: the server originates writes.
	AuthorityServer AuthorityKind = iota
	// AuthorityClient delegates writes for an entity to one named peer.
	AuthorityClient
	// AuthorityNone freezes the entity: nobody's writes replicate.
	AuthorityNone
)

type Owner struct {
	Kind AuthorityKind
	Peer string // set for AuthorityClient
}

// Authority tracks which peer may originate writes for each entity.
// Exactly one owner exists at any time; writes by anyone else are advisory:
// never broadcast, overwritten by the next confirmed update.
type Authority struct {
	log    utils.Logger
	owners map[world.Entity]Owner
}

func NewAuthority(log utils.Logger) *Authority {
	return &Authority{
		log:    log,
		owners: make(map[world.Entity]Owner),
	}
}

func (a *Authority) SetOwner(e world.Entity, o Owner) {
	a.owners[e] = o
}

func (a *Authority) Owner(e world.Entity) Owner {
	return a.owners[e] // zero value is AuthorityServer
}

func (a *Authority) Forget(e world.Entity) {
	delete(a.owners, e)
}

// AllowedFrom reports whether an incoming update for the entity may be
// applied when it arrives from the given peer. The server's own traffic
// uses the empty peer name.
func (a *Authority) AllowedFrom(e world.Entity, peer string) bool {
	o := a.owners[e]
	switch o.Kind {
	case AuthorityServer:
		return peer == ""
	case AuthorityClient:
		return peer == o.Peer
	default:
		return false
	}
}

// LocallyOwned reports whether the local peer may broadcast writes for the
// entity. Servers pass the empty local name.
func (a *Authority) LocallyOwned(e world.Entity, localPeer string) bool {
	return a.AllowedFrom(e, localPeer)
}
