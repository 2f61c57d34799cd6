package utils

import "sync"

// MovingAvg is an exponentially-weighted moving average. Recent samples
// dominate older ones, which is what link estimators (RTT, jitter) want.
type MovingAvg struct {
	v     float64
	alpha float64
	seen  bool
	lock  sync.Mutex
}

func NewMovingAvg(alpha float64) *MovingAvg {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.125 // RFC 6298 smoothing constant
	}
	return &MovingAvg{alpha: alpha}
}

func (a *MovingAvg) Add(val float64) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if !a.seen {
		a.v = val
		a.seen = true
		return
	}
	a.v = (1-a.alpha)*a.v + a.alpha*val
}

func (a *MovingAvg) Val() float64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.v
}
