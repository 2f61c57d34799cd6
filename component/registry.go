// Package component holds the registry that binds component kinds to their
// codecs, comparators, interpolation and delta functions. The registry is
// an explicit value built once at startup and handed to the engines; there
// is no process-wide registration.
package component

import (
	"errors"
	"fmt"
	"sort"

	"github.com/netplay-go/netplay/world"
)

var (
	ErrUnknownKind  = errors.New("netplay: unknown component kind")
	ErrKindTaken    = errors.New("netplay: component kind already registered")
	ErrKindReserved = errors.New("netplay: component kind 0 is reserved")
	ErrNotDiffable  = errors.New("netplay: component kind has no delta functions")
	ErrUnmappedRef  = errors.New("netplay: unmapped entity reference")
	ErrWrongType    = errors.New("netplay: component value has wrong type")
)

// MapFunc translates an entity reference embedded in a component value.
// ok=false means the reference has no local counterpart; the caller decides
// whether that is fatal, it must never be resolved to a placeholder handle.
type MapFunc func(world.Entity) (remapped world.Entity, ok bool)

// Handler is the type-erased per-kind dispatch surface. One Handler exists
// per registered kind; values cross it boxed as `any`.
type Handler interface {
	Kind() world.Kind
	Name() string

	Encode(v any) ([]byte, error)
	Decode(b []byte) (any, error)

	// Equal uses the registered comparator, else structural equality.
	Equal(a, b any) bool

	// CanLerp reports whether a blend function was registered.
	CanLerp() bool
	Lerp(from, to any, t float64) any

	// Diffable reports whether the kind supports delta compression.
	Diffable() bool
	Base() any
	Diff(from, to any) (any, error)
	ApplyDiff(base, delta any) (any, error)
	EncodeDelta(d any) ([]byte, error)
	DecodeDelta(b []byte) (any, error)

	// MapEntities rewrites entity references inside the value.
	MapEntities(v any, f MapFunc) (any, error)
}

// Registry maps kinds to handlers. Build it once, register every networked
// component, then pass it by reference into the replication and prediction
// engines.
type Registry struct {
	byKind map[world.Kind]Handler
}

func NewRegistry() *Registry {
	return &Registry{byKind: make(map[world.Kind]Handler)}
}

func (r *Registry) add(h Handler) error {
	if h.Kind() == 0 {
		return ErrKindReserved
	}
	if _, ok := r.byKind[h.Kind()]; ok {
		return fmt.Errorf("%w: %d (%s)", ErrKindTaken, h.Kind(), h.Name())
	}
	r.byKind[h.Kind()] = h
	return nil
}

// Get returns the handler for a kind. A miss on data from the wire is a
// protocol error: the peer speaks a different component set.
func (r *Registry) Get(k world.Kind) (Handler, error) {
	h, ok := r.byKind[k]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, k)
	}
	return h, nil
}

// Kinds lists registered kinds in ascending order.
func (r *Registry) Kinds() []world.Kind {
	kinds := make([]world.Kind, 0, len(r.byKind))
	for k := range r.byKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
