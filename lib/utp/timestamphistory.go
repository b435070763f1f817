package utp

// timestampHistory tracks a minimum-over-window delay baseline, per spec
// §3/§4.C. It keeps N base samples (the reference's N=20); AddSample
// returns x minus the minimum of the stored bases, which is the one-way
// delay estimate. Roughly every 120 samples (and only when the caller
// signals a step boundary — spec's "≥60s since last rotation") the oldest
// base is replaced by the minimum observed since the last rotation, so
// the baseline tracks a slowly drifting path minimum instead of latching
// onto one lucky low sample forever.
const timestampHistorySize = 20
const stepSampleThreshold = 120

type timestampHistory struct {
	base          [timestampHistorySize]uint32
	filled        int
	sinceLastStep int
	runningMin    uint32
	haveRunningMin bool
}

func newTimestampHistory() *timestampHistory {
	h := &timestampHistory{}
	for i := range h.base {
		h.base[i] = ^uint32(0)
	}
	return h
}

func (h *timestampHistory) minBase() uint32 {
	m := ^uint32(0)
	for i := 0; i < h.filled; i++ {
		if h.base[i] < m {
			m = h.base[i]
		}
	}
	return m
}

// AddSample folds x (a raw delay sample in microseconds) into the
// history and returns x - min(base samples), clamped to 0. When step is
// true and at least stepSampleThreshold samples have been seen since the
// last rotation, the oldest base entry is dropped and the minimum
// observed during this window is inserted, per spec.
func (h *timestampHistory) AddSample(x uint32, step bool) uint32 {
	if h.filled == 0 {
		for i := range h.base {
			h.base[i] = x
		}
		h.filled = len(h.base)
	}

	if !h.haveRunningMin || x < h.runningMin {
		h.runningMin = x
		h.haveRunningMin = true
	}
	h.sinceLastStep++

	if step && h.sinceLastStep >= stepSampleThreshold {
		copy(h.base[0:], h.base[1:])
		h.base[len(h.base)-1] = h.runningMin
		h.sinceLastStep = 0
		h.haveRunningMin = false
	}

	base := h.minBase()
	if x < base {
		return 0
	}
	return x - base
}

// AdjustBase compensates for a peer clock jump (a large, sudden negative
// shift detected by the caller): every stored base is shifted by delta so
// that the next AddSample doesn't report a huge bogus delay spike.
// SPEC_FULL supplemented feature 2 (libtorrent's timestamp_history::adjust_base).
func (h *timestampHistory) AdjustBase(delta int64) {
	for i := 0; i < h.filled; i++ {
		v := int64(h.base[i]) + delta
		if v < 0 {
			v = 0
		}
		h.base[i] = uint32(v)
	}
}
