package world

import (
	"sort"

	"github.com/yohamta/donburi"
)

// DonburiWorld adapts a donburi ECS world to the World interface. Component
// kinds map to dynamically allocated donburi component types holding the
// registered value as `any`; entity handles are allocated here and mapped
// to donburi entities so callers never depend on donburi's handle layout.
type DonburiWorld struct {
	world    donburi.World
	types    map[Kind]*donburi.ComponentType[any]
	entities map[Entity]donburi.Entity
	next     Entity
}

func NewDonburiWorld() *DonburiWorld {
	return &DonburiWorld{
		world:    donburi.NewWorld(),
		types:    make(map[Kind]*donburi.ComponentType[any]),
		entities: make(map[Entity]donburi.Entity),
	}
}

func (dw *DonburiWorld) typeFor(k Kind) *donburi.ComponentType[any] {
	ct, ok := dw.types[k]
	if !ok {
		ct = donburi.NewComponentType[any]()
		dw.types[k] = ct
	}
	return ct
}

func (dw *DonburiWorld) Spawn() Entity {
	dw.next++
	e := dw.next
	dw.entities[e] = dw.world.Create()
	return e
}

func (dw *DonburiWorld) Despawn(e Entity) {
	de, ok := dw.entities[e]
	if !ok {
		return
	}
	delete(dw.entities, e)
	if dw.world.Valid(de) {
		dw.world.Remove(de)
	}
}

func (dw *DonburiWorld) Alive(e Entity) bool {
	de, ok := dw.entities[e]
	return ok && dw.world.Valid(de)
}

func (dw *DonburiWorld) Get(e Entity, k Kind) (any, bool) {
	de, ok := dw.entities[e]
	if !ok || !dw.world.Valid(de) {
		return nil, false
	}
	entry := dw.world.Entry(de)
	ct := dw.typeFor(k)
	if !entry.HasComponent(ct) {
		return nil, false
	}
	return *ct.Get(entry), true
}

func (dw *DonburiWorld) Insert(e Entity, k Kind, v any) {
	de, ok := dw.entities[e]
	if !ok || !dw.world.Valid(de) {
		return
	}
	entry := dw.world.Entry(de)
	ct := dw.typeFor(k)
	if !entry.HasComponent(ct) {
		entry.AddComponent(ct)
	}
	ct.SetValue(entry, v)
}

func (dw *DonburiWorld) Remove(e Entity, k Kind) {
	de, ok := dw.entities[e]
	if !ok || !dw.world.Valid(de) {
		return
	}
	entry := dw.world.Entry(de)
	ct := dw.typeFor(k)
	if entry.HasComponent(ct) {
		entry.RemoveComponent(ct)
	}
}

func (dw *DonburiWorld) Kinds(e Entity) []Kind {
	de, ok := dw.entities[e]
	if !ok || !dw.world.Valid(de) {
		return nil
	}
	entry := dw.world.Entry(de)
	var kinds []Kind
	for k, ct := range dw.types {
		if entry.HasComponent(ct) {
			kinds = append(kinds, k)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
