package sim

// TickInput pairs an input sample with the tick it was sampled for.
type TickInput[I any] struct {
	Tick  Tick
	Input I
}

// InputBuffer records the local inputs fed into each simulated tick.
// Rollback replay re-reads these exact inputs: replayed ticks must never
// re-sample the device, or the replay stops being deterministic.
//
// Storage is sparse: a tick with no recorded change resolves to the most
// recent input before it, which is also the loss-concealment rule for
// remote inputs that never arrived.
type InputBuffer[I any] struct {
	history *History[I]
}

func NewInputBuffer[I any](depth int) *InputBuffer[I] {
	return &InputBuffer[I]{history: NewHistory[I](depth)}
}

// Record stores the input used for tick t.
func (b *InputBuffer[I]) Record(t Tick, input I) {
	b.history.AddUpdate(t, input)
}

// Get resolves the input for tick t (the most recent recorded input at or
// before t).
func (b *InputBuffer[I]) Get(t Tick) (I, bool) {
	return b.history.Get(t)
}

// Redundant returns the inputs for the n ticks ending at t, oldest first.
// Clients send this window with every input packet so a dropped packet is
// healed by the next one.
func (b *InputBuffer[I]) Redundant(t Tick, n int) []TickInput[I] {
	out := make([]TickInput[I], 0, n)
	for i := n - 1; i >= 0; i-- {
		at := t.Add(int16(-i))
		if in, ok := b.history.Get(at); ok {
			out = append(out, TickInput[I]{Tick: at, Input: in})
		}
	}
	return out
}

// ClearUntil drops inputs older than t, keeping the boundary input.
func (b *InputBuffer[I]) ClearUntil(t Tick) {
	b.history.ClearUntil(t)
}

// UpdateTicks shifts recorded ticks after a clock resync.
func (b *InputBuffer[I]) UpdateTicks(delta int16) {
	b.history.UpdateTicks(delta)
}
