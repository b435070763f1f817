package utp

// LEDBAT congestion control (spec §4.E "do_ledbat"), fixed-point with 16
// bits of fraction: cwnd and the gain terms below are stored as
// bytes<<16, while ssthres is a plain byte count. fromFixed() converts a
// fixed-point value back to a plain byte count.

const fixedPointShift = 16

func toFixed(bytes int64) int64   { return bytes << fixedPointShift }
func fromFixed(fixed int64) int64 { return fixed >> fixedPointShift }

// ledbatInput bundles the parameters of one do_ledbat invocation (spec
// §4.E): acked_bytes, the one-way delay sample (already minimum-of-3 and
// clamped by the caller), the in-flight byte count before this ack was
// applied, and mtu/adv_wnd for the saturation and slow-start-exit checks.
type ledbatInput struct {
	ackedBytes int64
	delay      int64 // microseconds
	inFlight   int64 // bytes, before crediting ackedBytes
	mtu        int64
	advWnd     int64
	targetDelay int64 // microseconds
	gainFactor  int64
}

// doLedbat applies one LEDBAT step to c's cwnd/ssthres/slowStart state.
func (c *Connection) doLedbat(in ledbatInput) {
	if in.inFlight <= 0 {
		return
	}

	windowFactor := (in.ackedBytes << fixedPointShift) / in.inFlight
	delayFactor := ((in.targetDelay - in.delay) << fixedPointShift) / in.targetDelay
	linearGain := ((windowFactor * delayFactor) >> fixedPointShift) * in.gainFactor

	if in.delay >= in.targetDelay && c.slowStart {
		c.slowStart = false
		c.ssthres = fromFixed(c.cwnd)
	}

	var gain int64
	saturated := in.inFlight+in.ackedBytes+in.mtu > fromFixed(c.cwnd)
	if saturated {
		if c.slowStart {
			exponentialGain := in.ackedBytes << fixedPointShift
			if fromFixed(c.cwnd)+in.ackedBytes >= c.ssthres {
				c.slowStart = false
				gain = linearGain
			} else {
				gain = exponentialGain
				if gain < linearGain {
					gain = linearGain
				}
			}
		} else {
			gain = linearGain
		}
	}

	c.cwnd += gain
	if c.cwnd < 0 {
		c.cwnd = 0
	}

	windowLeft := fromFixed(c.cwnd) - c.bytesInFlight
	if windowLeft >= in.mtu {
		c.cwndFull = false
	}

	if fromFixed(c.cwnd) >= c.advWnd {
		c.slowStart = false
	}
}

// experiencedLoss handles spec §4.E "Loss detection": cwnd is only cut
// once per RTT, guarded by lossSeqNr.
func (c *Connection) experiencedLoss(seq uint16) {
	if c.lossSeqNr != 0 && lessEqWrap(seq, c.lossSeqNr) {
		return
	}
	c.slowStart = false
	c.ssthres = fromFixed(c.cwnd)
	newCwnd := fromFixed(c.cwnd) * c.settings.LossMultiplier / 100
	floor := int64(c.mtu)
	if newCwnd < floor {
		newCwnd = floor
	}
	c.cwnd = toFixed(newCwnd)
	c.lossSeqNr = c.seqNr
}
