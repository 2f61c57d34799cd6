package component

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netplay-go/netplay/world"
)

type position struct {
	X, Y float64
}

type score struct {
	Points uint32
}

type target struct {
	Who world.Entity
}

const (
	kindPosition world.Kind = 1
	kindScore    world.Kind = 2
	kindTarget   world.Kind = 3
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, Register[position](r, kindPosition, "position",
		WithEqual[position](func(a, b position) bool {
			return math.Abs(a.X-b.X) < 1e-6 && math.Abs(a.Y-b.Y) < 1e-6
		}),
		WithLerp[position](func(from, to position, t float64) position {
			return position{
				X: from.X + (to.X-from.X)*t,
				Y: from.Y + (to.Y-from.Y)*t,
			}
		}),
	))
	require.NoError(t, Register[score](r, kindScore, "score",
		WithDelta[score, int64](score{},
			func(from, to score) int64 { return int64(to.Points) - int64(from.Points) },
			func(base score, d int64) score { return score{Points: uint32(int64(base.Points) + d)} },
		),
	))
	require.NoError(t, Register[target](r, kindTarget, "target",
		WithMapEntities[target](func(v target, f MapFunc) (target, error) {
			mapped, ok := f(v.Who)
			if !ok {
				return v, ErrUnmappedRef
			}
			return target{Who: mapped}, nil
		}),
	))
	return r
}

func TestRegistryRejectsDuplicatesAndReserved(t *testing.T) {
	r := testRegistry(t)
	err := Register[position](r, kindPosition, "position2")
	assert.ErrorIs(t, err, ErrKindTaken)
	err = Register[position](r, 0, "zero")
	assert.ErrorIs(t, err, ErrKindReserved)

	_, err = r.Get(99)
	assert.ErrorIs(t, err, ErrUnknownKind)

	assert.Equal(t, []world.Kind{kindPosition, kindScore, kindTarget}, r.Kinds())
}

func TestCodecRoundTrip(t *testing.T) {
	r := testRegistry(t)
	h, err := r.Get(kindPosition)
	require.NoError(t, err)

	b, err := h.Encode(position{X: 1.5, Y: -2})
	require.NoError(t, err)
	v, err := h.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, position{X: 1.5, Y: -2}, v)

	_, err = h.Encode(score{}) // wrong type for this kind
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestEqualUsesComparatorThenStructural(t *testing.T) {
	r := testRegistry(t)
	pos, _ := r.Get(kindPosition)
	assert.True(t, pos.Equal(position{X: 1}, position{X: 1 + 1e-9}))
	assert.False(t, pos.Equal(position{X: 1}, position{X: 2}))

	sc, _ := r.Get(kindScore)
	assert.True(t, sc.Equal(score{3}, score{3}))
	assert.False(t, sc.Equal(score{3}, score{4}))
}

// apply(x, diff(x, y)) == y, and apply(base, diff(base, y)) == y.
func TestDeltaRoundTrip(t *testing.T) {
	r := testRegistry(t)
	h, _ := r.Get(kindScore)
	require.True(t, h.Diffable())

	cases := []struct{ from, to score }{
		{score{0}, score{10}},
		{score{10}, score{3}},
		{score{7}, score{7}},
		{h.Base().(score), score{1234}},
	}
	for _, c := range cases {
		d, err := h.Diff(c.from, c.to)
		require.NoError(t, err)

		db, err := h.EncodeDelta(d)
		require.NoError(t, err)
		d2, err := h.DecodeDelta(db)
		require.NoError(t, err)

		got, err := h.ApplyDiff(c.from, d2)
		require.NoError(t, err)
		assert.Equal(t, c.to, got)
	}

	pos, _ := r.Get(kindPosition)
	assert.False(t, pos.Diffable())
	_, err := pos.Diff(position{}, position{})
	assert.ErrorIs(t, err, ErrNotDiffable)
}

func TestMapEntities(t *testing.T) {
	r := testRegistry(t)
	h, _ := r.Get(kindTarget)

	v, err := h.MapEntities(target{Who: 5}, func(e world.Entity) (world.Entity, bool) {
		return e + 100, true
	})
	require.NoError(t, err)
	assert.Equal(t, target{Who: 105}, v)

	_, err = h.MapEntities(target{Who: 5}, func(world.Entity) (world.Entity, bool) {
		return world.Nil, false
	})
	assert.ErrorIs(t, err, ErrUnmappedRef)

	// kinds without a rewriter pass values through untouched
	pos, _ := r.Get(kindPosition)
	v, err = pos.MapEntities(position{X: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, position{X: 1}, v)
}

func TestLerpFallsBackToSnap(t *testing.T) {
	r := testRegistry(t)
	sc, _ := r.Get(kindScore)
	assert.False(t, sc.CanLerp())
	assert.Equal(t, score{1}, sc.Lerp(score{1}, score{9}, 0.5))
	assert.Equal(t, score{9}, sc.Lerp(score{1}, score{9}, 1.0))

	pos, _ := r.Get(kindPosition)
	assert.Equal(t, position{X: 5}, pos.Lerp(position{X: 0}, position{X: 10}, 0.5))
}
