package utp

import "testing"

func TestTimestampHistoryFirstSample(t *testing.T) {
	h := newTimestampHistory()
	got := h.AddSample(1000, false)
	if got != 0 {
		t.Errorf("first sample should be its own baseline, got delay %d", got)
	}
}

func TestTimestampHistoryTracksMinimum(t *testing.T) {
	h := newTimestampHistory()
	h.AddSample(1000, false)
	if got := h.AddSample(1500, false); got != 500 {
		t.Errorf("AddSample(1500) = %d, want 500 above the 1000 baseline", got)
	}
	if got := h.AddSample(800, false); got != 0 {
		t.Errorf("AddSample(800) below baseline should clamp to 0, got %d", got)
	}
}

func TestTimestampHistoryStepRotation(t *testing.T) {
	h := newTimestampHistory()
	h.AddSample(1000, false)
	for i := 0; i < stepSampleThreshold; i++ {
		h.AddSample(900, false)
	}
	before := h.minBase()
	h.AddSample(900, true)
	after := h.minBase()
	if after > before {
		t.Errorf("minBase should not increase after a step rotation observing only lower samples: before=%d after=%d", before, after)
	}
}

func TestTimestampHistoryAdjustBase(t *testing.T) {
	h := newTimestampHistory()
	h.AddSample(5000, false)
	h.AdjustBase(-1000)
	if got := h.minBase(); got != 4000 {
		t.Errorf("minBase() after AdjustBase(-1000) = %d, want 4000", got)
	}
}

func TestTimestampHistoryAdjustBaseClampsAtZero(t *testing.T) {
	h := newTimestampHistory()
	h.AddSample(500, false)
	h.AdjustBase(-10000)
	if got := h.minBase(); got != 0 {
		t.Errorf("minBase() should clamp at 0, got %d", got)
	}
}
