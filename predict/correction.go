package predict

import (
	"github.com/tanema/gween"
	"github.com/tanema/gween/ease"

	"github.com/netplay-go/netplay/replication"
	"github.com/netplay-go/netplay/sim"
	"github.com/netplay-go/netplay/world"
)

// Correction blends a mispredicted value into its corrected one over a
// bounded number of ticks. The world holds the blended visual between
// simulation steps; the true simulated value is kept aside and restored
// before each step, so corrections never feed back into the simulation.
type Correction struct {
	original     any // what the player saw when the rollback landed
	originalTick sim.Tick
	finalTick    sim.Tick

	currentCorrection any // the true simulated value
	progress          float64
	tween             *gween.Tween
}

// Progress reports the blend progress in [0, 1].
func (c *Correction) Progress() float64 {
	return c.progress
}

// beginCorrections starts (or re-seeds) a correction for every lerpable
// component whose visible value changed across the rollback. The original
// side of the blend is the captured pre-rollback visual, so a rollback
// landing mid-correction never jumps backward.
func (e *Engine) beginCorrections(g replication.GroupId, visuals map[histKey]any, from, now sim.Tick) {
	stretch := e.opts.CorrectionStretch
	length := int16(stretch * float64(now.Delta(from)))
	if length <= 0 {
		return
	}
	final := now.Add(length)

	for confirmed := range e.groups[g] {
		pred, ok := e.maps.Predicted(confirmed)
		if !ok {
			continue
		}
		for _, k := range e.reg.Kinds() {
			h, err := e.reg.Get(k)
			if err != nil || !h.CanLerp() {
				continue
			}
			key := histKey{entity: pred, kind: k}
			visual, sawIt := visuals[key]
			simulated, hasNow := e.w.Get(pred, k)
			if !sawIt || !hasNow || h.Equal(visual, simulated) {
				delete(e.corrections, key)
				continue
			}

			e.corrections[key] = &Correction{
				original:          visual,
				originalTick:      now,
				finalTick:         final,
				currentCorrection: simulated,
				tween:             gween.New(0, 1, float32(length), ease.Linear),
			}
			// at the rollback tick the player still sees the original
			e.w.Insert(pred, k, visual)
		}
	}
}

// RestoreTruth writes the true simulated values back into the world before
// a simulation step, undoing the visual blend.
func (e *Engine) RestoreTruth() {
	for key, c := range e.corrections {
		if c.currentCorrection != nil {
			e.w.Insert(key.entity, key.kind, c.currentCorrection)
		}
	}
}

// Blend advances every correction by one tick after the simulation step:
// it stores the just-simulated value as the truth and writes the blended
// visual into the world for rendering. Finished corrections are dropped.
func (e *Engine) Blend(now sim.Tick) {
	for key, c := range e.corrections {
		h, err := e.reg.Get(key.kind)
		if err != nil {
			delete(e.corrections, key)
			continue
		}
		simulated, ok := e.w.Get(key.entity, key.kind)
		if !ok {
			// the component went away; nothing left to blend
			delete(e.corrections, key)
			continue
		}
		c.currentCorrection = simulated

		if h.Equal(c.original, simulated) {
			delete(e.corrections, key)
			continue
		}

		progress, finished := c.tween.Update(1)
		c.progress = float64(progress)
		if finished {
			delete(e.corrections, key)
			continue
		}

		e.w.Insert(key.entity, key.kind, h.Lerp(c.original, simulated, c.progress))
	}
}

// ActiveCorrections reports how many corrections are in flight, for the
// metrics gauge.
func (e *Engine) ActiveCorrections() int {
	return len(e.corrections)
}

// CorrectionFor exposes the running correction of one predicted component.
func (e *Engine) CorrectionFor(pred world.Entity, k world.Kind) (*Correction, bool) {
	c, ok := e.corrections[histKey{entity: pred, kind: k}]
	return c, ok
}
