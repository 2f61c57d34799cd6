// Package sim holds the simulation-time primitives everything else is
// indexed by: the wrapping Tick counter, per-tick value histories and the
// clock collaborator that supplies the current tick and link estimates.
package sim

import (
	"fmt"
	"time"

	"github.com/netplay-go/netplay/utils"
)

// Tick is the discrete simulation step counter shared by client and server.
// It wraps: long sessions run the counter around, so ordering must always
// go through Delta/After/Before, never a raw integer compare.
type Tick uint16

// Delta returns the wrap-aware signed distance t-o. Valid as long as the
// two ticks are within half the counter range of each other.
func (t Tick) Delta(o Tick) int16 {
	return int16(t - o)
}

func (t Tick) After(o Tick) bool {
	return t.Delta(o) > 0
}

func (t Tick) Before(o Tick) bool {
	return t.Delta(o) < 0
}

// Add shifts the tick by a signed amount, wrapping as needed.
func (t Tick) Add(d int16) Tick {
	return t + Tick(d)
}

func (t Tick) String() string {
	return fmt.Sprintf("t%d", uint16(t))
}

// TickMax returns the later of two ticks under wrap arithmetic.
func TickMax(a, b Tick) Tick {
	if a.After(b) {
		return a
	}
	return b
}

// Clock is the time collaborator: the current tick plus link estimates
// used to scale resend timers and correction windows.
type Clock interface {
	CurrentTick() Tick
	RTT() time.Duration
	Jitter() time.Duration
}

// TickClock is the provided Clock: the replica loop advances it once per
// simulation step, transport acks feed the RTT estimator.
type TickClock struct {
	tick   Tick
	rate   int
	rtt    *utils.MovingAvg
	jitter *utils.MovingAvg
}

func NewTickClock(start Tick, rate int) *TickClock {
	return &TickClock{
		tick:   start,
		rate:   rate,
		rtt:    utils.NewMovingAvg(0.125),
		jitter: utils.NewMovingAvg(0.25),
	}
}

func (c *TickClock) CurrentTick() Tick {
	return c.tick
}

// Advance moves the clock one tick forward and returns the new tick.
func (c *TickClock) Advance() Tick {
	c.tick++
	return c.tick
}

// Resync renumbers the clock by a signed delta. Every History indexed by
// this clock must be shifted with UpdateTicks by the same delta.
func (c *TickClock) Resync(delta int16) Tick {
	c.tick = c.tick.Add(delta)
	return c.tick
}

// TickRate returns simulation steps per second.
func (c *TickClock) TickRate() int {
	return c.rate
}

// TickDuration returns the wall time of one simulation step.
func (c *TickClock) TickDuration() time.Duration {
	return time.Second / time.Duration(c.rate)
}

// ObserveRTT feeds one round-trip sample into the estimators.
func (c *TickClock) ObserveRTT(sample time.Duration) {
	prev := c.rtt.Val()
	c.rtt.Add(float64(sample))
	dev := float64(sample) - prev
	if dev < 0 {
		dev = -dev
	}
	c.jitter.Add(dev)
}

func (c *TickClock) RTT() time.Duration {
	return time.Duration(c.rtt.Val())
}

func (c *TickClock) Jitter() time.Duration {
	return time.Duration(c.jitter.Val())
}
