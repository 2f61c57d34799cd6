package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTickDeltaWraps(t *testing.T) {
	assert.Equal(t, int16(1), Tick(0).Delta(Tick(65535)))
	assert.Equal(t, int16(-1), Tick(65535).Delta(Tick(0)))
	assert.Equal(t, int16(5), Tick(3).Delta(Tick(65534)))
	assert.Equal(t, int16(0), Tick(7).Delta(Tick(7)))
}

func TestTickOrderingAcrossWrap(t *testing.T) {
	assert.True(t, Tick(2).After(Tick(65530)))
	assert.True(t, Tick(65530).Before(Tick(2)))
	assert.False(t, Tick(2).After(Tick(2)))
	assert.Equal(t, Tick(2), TickMax(Tick(65530), Tick(2)))
}

func TestTickAdd(t *testing.T) {
	assert.Equal(t, Tick(2), Tick(65535).Add(3))
	assert.Equal(t, Tick(65533), Tick(1).Add(-4))
}

func TestTickClock(t *testing.T) {
	c := NewTickClock(10, 60)
	assert.Equal(t, Tick(10), c.CurrentTick())
	assert.Equal(t, Tick(11), c.Advance())
	assert.Equal(t, time.Second/60, c.TickDuration())

	c.ObserveRTT(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, c.RTT())

	c.Resync(-5)
	assert.Equal(t, Tick(6), c.CurrentTick())
}
