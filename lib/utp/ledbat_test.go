package utp

import "testing"

func newTestConnectionForLedbat() *Connection {
	return &Connection{
		settings: &Settings{LossMultiplier: 50},
		mtu:      1472,
		cwnd:     toFixed(1472 * 10),
		ssthres:  toFixed(1 << 30),
		advWnd:   toFixed(1 << 20),
		slowStart: true,
	}
}

func TestDoLedbatNoInFlightIsNoop(t *testing.T) {
	c := newTestConnectionForLedbat()
	before := c.cwnd
	c.doLedbat(ledbatInput{ackedBytes: 1000, inFlight: 0, mtu: 1472, advWnd: c.advWnd, targetDelay: 100000, gainFactor: 3000})
	if c.cwnd != before {
		t.Errorf("cwnd changed with zero in-flight bytes: before=%d after=%d", before, c.cwnd)
	}
}

func TestDoLedbatExitsSlowStartOnDelay(t *testing.T) {
	c := newTestConnectionForLedbat()
	c.doLedbat(ledbatInput{
		ackedBytes:  1472,
		delay:       200000, // above targetDelay
		inFlight:    1472 * 5,
		mtu:         1472,
		advWnd:      c.advWnd,
		targetDelay: 100000,
		gainFactor:  3000,
	})
	if c.slowStart {
		t.Error("expected slow start to end once delay exceeds target")
	}
}

func TestDoLedbatGrowsWindowUnderTarget(t *testing.T) {
	c := newTestConnectionForLedbat()
	c.slowStart = false
	before := fromFixed(c.cwnd)
	c.bytesInFlight = int64(c.mtu) * 10
	c.doLedbat(ledbatInput{
		ackedBytes:  1472,
		delay:       10000, // well under targetDelay: LEDBAT should grow cwnd
		inFlight:    int64(c.mtu) * 10,
		mtu:         1472,
		advWnd:      c.advWnd,
		targetDelay: 100000,
		gainFactor:  3000,
	})
	after := fromFixed(c.cwnd)
	if after <= before {
		t.Errorf("expected cwnd to grow under low delay, before=%d after=%d", before, after)
	}
}

func TestExperiencedLossCutsWindow(t *testing.T) {
	c := newTestConnectionForLedbat()
	c.seqNr = 100
	c.lossSeqNr = 0
	before := fromFixed(c.cwnd)
	c.experiencedLoss(50)
	after := fromFixed(c.cwnd)
	if after >= before {
		t.Errorf("expected cwnd to shrink after loss, before=%d after=%d", before, after)
	}
	if c.lossSeqNr != c.seqNr {
		t.Errorf("lossSeqNr = %d, want %d", c.lossSeqNr, c.seqNr)
	}
}

func TestExperiencedLossIgnoresRepeatWithinEpisode(t *testing.T) {
	c := newTestConnectionForLedbat()
	c.seqNr = 100
	c.lossSeqNr = 100
	before := c.cwnd
	c.experiencedLoss(50)
	if c.cwnd != before {
		t.Error("a second loss report within the same RTT/episode should be ignored")
	}
}

func TestExperiencedLossNeverBelowMTU(t *testing.T) {
	c := newTestConnectionForLedbat()
	c.cwnd = toFixed(int64(c.mtu))
	c.seqNr = 10
	c.lossSeqNr = 0
	c.experiencedLoss(5)
	if fromFixed(c.cwnd) < int64(c.mtu) {
		t.Errorf("cwnd should never drop below one mtu, got %d", fromFixed(c.cwnd))
	}
}
