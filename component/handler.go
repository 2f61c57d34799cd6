package component

import (
	"fmt"
	"reflect"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/netplay-go/netplay/world"
)

var msgpackHandle = &codec.MsgpackHandle{}

func msgpackEncode(v any) ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

func msgpackDecode[T any](b []byte) (T, error) {
	var v T
	dec := codec.NewDecoderBytes(b, msgpackHandle)
	if err := dec.Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}

// handler implements Handler for a concrete value type T.
type handler[T any] struct {
	kind world.Kind
	name string

	equal func(a, b T) bool
	lerp  func(from, to T, t float64) T
	remap func(v T, f MapFunc) (T, error)

	base        T
	diffable    bool
	diff        func(from, to T) any
	applyDiff   func(base T, delta any) (T, error)
	encodeDelta func(d any) ([]byte, error)
	decodeDelta func(b []byte) (any, error)
}

// Option customizes a kind registration.
type Option[T any] func(*handler[T])

// WithEqual installs a custom comparator used by the rollback check in
// place of structural equality (e.g. an epsilon compare for floats).
func WithEqual[T any](eq func(a, b T) bool) Option[T] {
	return func(h *handler[T]) { h.equal = eq }
}

// WithLerp installs the blend function used by correction smoothing and
// interpolation. Kinds without one snap instead of blending.
func WithLerp[T any](l func(from, to T, t float64) T) Option[T] {
	return func(h *handler[T]) { h.lerp = l }
}

// WithMapEntities installs the entity-reference rewriter for values that
// embed entity handles.
func WithMapEntities[T any](m func(v T, f MapFunc) (T, error)) Option[T] {
	return func(h *handler[T]) { h.remap = m }
}

// WithDelta enables delta compression for the kind. base is the value
// FromBase diffs start from; diff and apply must round-trip:
// apply(x, diff(x, y)) == y for all x, y.
func WithDelta[T, D any](base T, diff func(from, to T) D, apply func(base T, delta D) T) Option[T] {
	return func(h *handler[T]) {
		h.diffable = true
		h.base = base
		h.diff = func(from, to T) any { return diff(from, to) }
		h.applyDiff = func(b T, delta any) (T, error) {
			d, ok := delta.(D)
			if !ok {
				var zero T
				return zero, fmt.Errorf("%w: delta %T", ErrWrongType, delta)
			}
			return apply(b, d), nil
		}
		h.encodeDelta = msgpackEncode
		h.decodeDelta = func(b []byte) (any, error) {
			return msgpackDecode[D](b)
		}
	}
}

// Register binds kind to the value type T in the registry. Values are
// encoded with msgpack; comparisons default to reflect.DeepEqual.
func Register[T any](r *Registry, kind world.Kind, name string, opts ...Option[T]) error {
	h := &handler[T]{kind: kind, name: name}
	for _, opt := range opts {
		opt(h)
	}
	return r.add(h)
}

func (h *handler[T]) Kind() world.Kind { return h.kind }
func (h *handler[T]) Name() string     { return h.name }

func (h *handler[T]) cast(v any) (T, error) {
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: kind %s got %T", ErrWrongType, h.name, v)
	}
	return t, nil
}

func (h *handler[T]) Encode(v any) ([]byte, error) {
	t, err := h.cast(v)
	if err != nil {
		return nil, err
	}
	return msgpackEncode(t)
}

func (h *handler[T]) Decode(b []byte) (any, error) {
	return msgpackDecode[T](b)
}

func (h *handler[T]) Equal(a, b any) bool {
	at, aerr := h.cast(a)
	bt, berr := h.cast(b)
	if aerr != nil || berr != nil {
		return false
	}
	if h.equal != nil {
		return h.equal(at, bt)
	}
	return reflect.DeepEqual(at, bt)
}

func (h *handler[T]) CanLerp() bool { return h.lerp != nil }

func (h *handler[T]) Lerp(from, to any, t float64) any {
	if h.lerp == nil {
		if t >= 1 {
			return to
		}
		return from
	}
	ft, ferr := h.cast(from)
	tt, terr := h.cast(to)
	if ferr != nil || terr != nil {
		return to
	}
	return h.lerp(ft, tt, t)
}

func (h *handler[T]) Diffable() bool { return h.diffable }

func (h *handler[T]) Base() any { return h.base }

func (h *handler[T]) Diff(from, to any) (any, error) {
	if !h.diffable {
		return nil, fmt.Errorf("%w: %s", ErrNotDiffable, h.name)
	}
	ft, err := h.cast(from)
	if err != nil {
		return nil, err
	}
	tt, err := h.cast(to)
	if err != nil {
		return nil, err
	}
	return h.diff(ft, tt), nil
}

func (h *handler[T]) ApplyDiff(base, delta any) (any, error) {
	if !h.diffable {
		return nil, fmt.Errorf("%w: %s", ErrNotDiffable, h.name)
	}
	bt, err := h.cast(base)
	if err != nil {
		return nil, err
	}
	return h.applyDiff(bt, delta)
}

func (h *handler[T]) EncodeDelta(d any) ([]byte, error) {
	if !h.diffable {
		return nil, fmt.Errorf("%w: %s", ErrNotDiffable, h.name)
	}
	return h.encodeDelta(d)
}

func (h *handler[T]) DecodeDelta(b []byte) (any, error) {
	if !h.diffable {
		return nil, fmt.Errorf("%w: %s", ErrNotDiffable, h.name)
	}
	return h.decodeDelta(b)
}

func (h *handler[T]) MapEntities(v any, f MapFunc) (any, error) {
	if h.remap == nil {
		return v, nil
	}
	t, err := h.cast(v)
	if err != nil {
		return nil, err
	}
	return h.remap(t, f)
}
