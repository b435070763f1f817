package utp

import "testing"

func TestProbeSizeIsMidpoint(t *testing.T) {
	if got := probeSize(548, 1472); got != (548+1472)/2 {
		t.Errorf("probeSize(548, 1472) = %d, want midpoint", got)
	}
}

func TestMTUConverged(t *testing.T) {
	if mtuConverged(548, 1472) {
		t.Error("548/1472 should not be converged")
	}
	if !mtuConverged(1000, 1000) {
		t.Error("equal floor/ceiling should be converged")
	}
}

func TestOnProbeAckedRaisesFloor(t *testing.T) {
	floor, ceiling := onProbeAcked(548, 1472, 1000)
	if floor != 1000 {
		t.Errorf("floor = %d, want 1000", floor)
	}
	if ceiling != 1472 {
		t.Errorf("ceiling = %d, want unchanged 1472", ceiling)
	}
}

func TestOnProbeRejectedLowersCeiling(t *testing.T) {
	ceiling := onProbeRejected(1472, 1000)
	if ceiling != 999 {
		t.Errorf("onProbeRejected(1472, 1000) = %d, want 999", ceiling)
	}
}

func TestOnProbeRejectedNeverRaisesCeiling(t *testing.T) {
	ceiling := onProbeRejected(500, 1000)
	if ceiling != 500 {
		t.Errorf("onProbeRejected should never raise an already-lower ceiling, got %d", ceiling)
	}
}

func TestMTUConvergesAfterRepeatedProbing(t *testing.T) {
	floor, ceiling := 548, 1472
	for i := 0; i < 20 && !mtuConverged(floor, ceiling); i++ {
		probe := probeSize(floor, ceiling)
		if probe <= 1000 {
			floor, ceiling = onProbeAcked(floor, ceiling, probe)
		} else {
			ceiling = onProbeRejected(ceiling, probe)
		}
	}
	if !mtuConverged(floor, ceiling) {
		t.Fatalf("binary search failed to converge: floor=%d ceiling=%d", floor, ceiling)
	}
}
