package orchestrator

import (
	"math"
	"sync/atomic"
)

// Watermark is an advisory upper bound shared by the tasks of one run.
// Tasks whose position is at or past the mark skip their expensive work.
// Reads may be stale; tasks already past their check still complete.
type Watermark struct {
	mark atomic.Int64
}

// NewWatermark returns a watermark that allows every position.
func NewWatermark() *Watermark {
	w := &Watermark{}
	w.mark.Store(math.MaxInt64)
	return w
}

// Lower moves the mark down to n. It never raises the mark and reports
// whether this call changed it.
func (w *Watermark) Lower(n int64) bool {
	for {
		cur := w.mark.Load()
		if n >= cur {
			return false
		}
		if w.mark.CompareAndSwap(cur, n) {
			return true
		}
	}
}

// Allows reports whether position n is still below the mark.
func (w *Watermark) Allows(n int64) bool {
	return n < w.mark.Load()
}

// Value returns the current mark.
func (w *Watermark) Value() int64 {
	return w.mark.Load()
}

// Reached reports whether the mark has been lowered at all.
func (w *Watermark) Reached() bool {
	return w.mark.Load() != math.MaxInt64
}
