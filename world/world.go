// Package world defines the storage collaborator: an ECS-like store of
// typed component values keyed by entity handle and component kind. The
// replication and prediction engines only ever touch storage through the
// World interface; the donburi adapter is the provided implementation.
package world

// Entity is a local entity handle. Nil is never a live entity.
type Entity uint64

const Nil Entity = 0

// Kind identifies a registered component type on the wire and in storage.
// Kind 0 is reserved.
type Kind uint16

// World is the minimal storage surface the engine needs. Implementations
// are single-writer per tick; the engine never calls them concurrently.
type World interface {
	Spawn() Entity
	Despawn(e Entity)
	Alive(e Entity) bool
	Get(e Entity, k Kind) (any, bool)
	Insert(e Entity, k Kind, v any)
	Remove(e Entity, k Kind)
	Kinds(e Entity) []Kind
}
