// Package interp renders remote, non-predicted entities by interpolating
// between the last two confirmed samples. The interpolated entity always
// lags the confirmed one; it never extrapolates past the newest sample,
// which is a documented limitation rather than an approximation.
package interp

import (
	"github.com/netplay-go/netplay/component"
	"github.com/netplay-go/netplay/mapping"
	"github.com/netplay-go/netplay/replication"
	"github.com/netplay-go/netplay/sim"
	"github.com/netplay-go/netplay/utils"
	"github.com/netplay-go/netplay/world"
)

type Options struct {
	// SendIntervalTicks is how often the sender flushes updates.
	SendIntervalTicks int16
	// FastForwardFactor scales the staleness threshold: with no fresh
	// sample for factor × send interval ticks, the stale start sample is
	// re-stamped at the current tick so rendering does not crawl through
	// a long-dead interval once data resumes.
	FastForwardFactor float64
}

func (o *Options) SetDefaults() {
	if o.SendIntervalTicks == 0 {
		o.SendIntervalTicks = 3
	}
	if o.FastForwardFactor == 0 {
		o.FastForwardFactor = 3.0
	}
}

// Interpolator drives the interpolated entities from their confirmed
// histories once per render step.
type Interpolator struct {
	log  utils.Logger
	w    world.World
	reg  *component.Registry
	maps *mapping.Maps
	recv *replication.Receiver
	opts Options

	tracked map[world.Entity]struct{} // confirmed entities with an interpolated peer
}

func NewInterpolator(log utils.Logger, w world.World, reg *component.Registry, maps *mapping.Maps, recv *replication.Receiver, opts Options) *Interpolator {
	opts.SetDefaults()
	return &Interpolator{
		log:     log,
		w:       w,
		reg:     reg,
		maps:    maps,
		recv:    recv,
		opts:    opts,
		tracked: make(map[world.Entity]struct{}),
	}
}

func (ip *Interpolator) Track(confirmed world.Entity) {
	ip.tracked[confirmed] = struct{}{}
}

func (ip *Interpolator) Untrack(confirmed world.Entity) {
	delete(ip.tracked, confirmed)
}

// Update advances every interpolated component to the given interpolation
// tick (the render clock, lagging the simulation clock).
func (ip *Interpolator) Update(tick sim.Tick) {
	for confirmed := range ip.tracked {
		target, ok := ip.maps.Interpolated(confirmed)
		if !ok {
			continue
		}
		for _, k := range ip.reg.Kinds() {
			h, err := ip.reg.Get(k)
			if err != nil {
				continue
			}
			ip.updateOne(confirmed, target, k, h, tick)
		}
	}
}

func (ip *Interpolator) updateOne(confirmed, target world.Entity, k world.Kind, h component.Handler, tick sim.Tick) {
	hist := ip.recv.ConfirmedHistory(confirmed, k)
	start, end, hasStart, hasEnd := hist.Bracket(tick)
	if !hasStart {
		return // nothing confirmed at or before this tick yet
	}
	if start.Removed {
		ip.w.Remove(target, k)
		return
	}

	if !hasEnd {
		// no second bracket: hold the last value, never extrapolate
		ip.w.Insert(target, k, start.Value)

		staleness := tick.Delta(start.Tick)
		limit := int16(ip.opts.FastForwardFactor * float64(ip.opts.SendIntervalTicks))
		if staleness > limit {
			// fast-forward: re-stamp the stale sample at the current
			// tick so resumed data interpolates from here, not from
			// the distant past
			hist.PopUntil(tick)
		}
		return
	}
	if end.Removed {
		ip.w.Insert(target, k, start.Value)
		return
	}

	span := end.Tick.Delta(start.Tick)
	var frac float64
	if span > 0 {
		frac = float64(tick.Delta(start.Tick)) / float64(span)
	}
	ip.w.Insert(target, k, h.Lerp(start.Value, end.Value, frac))
}
