package utp

import "time"

// incomingPacket implements spec §4.E's "Incoming packet processing",
// steps 1-11. buf is the raw datagram; now is the receive timestamp.
func (c *Connection) incomingPacket(now time.Time, buf []byte) {
	h, err := decodeHeader(buf)
	if err != nil || h.Version != protocolVersion || !h.Type.valid() {
		return // invalid_argument, dropped internally (spec §7)
	}

	expectedID := c.recvID
	if h.Type == stSyn {
		expectedID = c.sendID
	}
	if h.ConnectionID != expectedID {
		return
	}

	// ourHistory filters the raw delay we just measured on this inbound
	// packet (spec §4.C): the smoothed value goes back out as
	// TimestampDiffMicro on our next packet, and doubles as the
	// recv-delay figure exposed on Stats/Stream.RecvDelay.
	rawRecvDelay := nowMicros(now) - h.TimestampMicros

	// A sample far below the tracked minimum usually means a peer clock
	// stepped backward rather than that the path genuinely got faster;
	// shift the whole window down immediately instead of waiting out the
	// slow per-rotation decay (SPEC_FULL supplemented feature 2).
	if base := c.ourHistory.minBase(); base != ^uint32(0) && rawRecvDelay+clockJumpThreshold < base {
		c.ourHistory.AdjustBase(int64(rawRecvDelay) - int64(base))
	}

	step := false
	if c.lastHistoryStep.IsZero() || now.Sub(c.lastHistoryStep) >= 60*time.Second {
		step = true
		c.lastHistoryStep = now
	}
	c.recvDelay = c.ourHistory.AddSample(rawRecvDelay, step)
	c.replyMicro = c.recvDelay

	if c.state != StateNone && lessWrap(c.seqNr-1, h.AckNr) {
		// Peer acks something we never sent: confused or malicious peer.
		return
	}

	if h.Type == stReset {
		if lessEqWrap(c.ackedSeqNr, h.AckNr) && lessWrap(h.AckNr, c.seqNr) {
			c.fail(KindConnectionReset, nil)
		}
		return
	}

	if h.Type == stSyn {
		if c.state != StateNone {
			// Duplicate SYN: ack it, otherwise ignore (spec "any -> (ignored)").
			c.sendPacket(sendOpts{force: true})
		}
		return
	}

	switch c.state {
	case StateSynSent:
		if h.Type == stState {
			c.ackNr = h.SeqNr - 1
			c.setState(StateConnected)
			c.refreshTimeout()
			c.fireConnectHandler(nil)
		}
	case StateNone:
		// Handled by the manager before dispatch (accepting a new SYN);
		// incomingPacket is not reached in this state for data packets.
	}

	sack, payloadOff, perr := parseExtensions(buf, h.Extension)
	if perr != nil {
		return
	}

	c.advanceAcks(now, h)

	if sack != nil {
		c.parseSack(now, h.AckNr, sack.Bitmask)
	}

	switch h.Type {
	case stData:
		c.handleDataPacket(now, h, buf[payloadOff:])
	case stFin:
		c.handleFin(h)
	case stState:
		// Pure ack; nothing further to deliver.
	}

	if !c.subscribedDrained {
		c.subscribedDrained = true
		c.owner.subscribeDrained(c)
	}
}

func (c *Connection) fireConnectHandler(err error) {
	c.mu.Lock()
	h := c.connectHandler
	c.connectHandler = nil
	c.mu.Unlock()
	if h != nil {
		h(err)
	}
}

// advanceAcks implements spec §4.E step 7-8: cumulative-ack advancement,
// RTT sampling, LEDBAT feed, and duplicate-ack fast-retransmit counting.
func (c *Connection) advanceAcks(now time.Time, h header) {
	advancedAny := false
	for lessWrap(c.ackedSeqNr, h.AckNr) {
		seq := c.ackedSeqNr + 1
		pkt := c.outbuf.remove(seq)
		c.ackedSeqNr = seq
		if pkt == nil {
			continue
		}
		advancedAny = true
		c.creditAckedPacket(now, pkt, h)
	}

	if h.AckNr == c.ackedSeqNr && !advancedAny && c.outbuf.size() > 0 {
		c.duplicateAcks++
		if c.duplicateAcks >= 3 && c.ackedSeqNr+1 == c.fastResendSeqNr {
			if pkt := c.outbuf.at(c.fastResendSeqNr); pkt != nil {
				c.resendPacket(pkt, true)
			}
			c.fastResendSeqNr++
		}
	} else if advancedAny {
		c.duplicateAcks = 0
	}
}

// creditAckedPacket folds one cumulatively-acked payload packet into RTT,
// bytes_in_flight, MTU discovery and LEDBAT (spec §4.E step 7, §4.E "do_ledbat").
func (c *Connection) creditAckedPacket(now time.Time, pkt *packet, h header) {
	rttSample := now.Sub(pkt.sendTime).Microseconds()
	c.rtt.addSample(rttSample)

	payload := int64(pkt.payloadLen())
	inFlightBefore := c.bytesInFlight
	c.bytesInFlight -= payload
	if c.bytesInFlight < 0 {
		c.bytesInFlight = 0
	}

	if pkt.mtuProbe && pkt.seqNr == c.mtuSeq {
		c.mtuFloor, c.mtuCeiling = onProbeAcked(c.mtuFloor, c.mtuCeiling, pkt.size)
		c.mtuSeq = 0
		c.recomputeMTU()
		c.owner.metrics().mtuProbesAccepted.Inc()
	}

	delay := c.oneWayDelaySample(h)
	c.doLedbat(ledbatInput{
		ackedBytes:  payload,
		delay:       delay,
		inFlight:    inFlightBefore,
		mtu:         int64(c.mtu),
		advWnd:      c.advWnd,
		targetDelay: c.settings.TargetDelay.Microseconds(),
		gainFactor:  c.settings.GainFactor,
	})

	c.owner.pool().Put(pkt)
}

// oneWayDelaySample clamps the peer-reported delay through the last-3
// sample minimum, per spec §4.E "do_ledbat" inputs.
func (c *Connection) oneWayDelaySample(h header) int64 {
	sample := int64(h.TimestampDiffMicro)
	c.delayHisto[c.delayHistoIdx] = h.TimestampDiffMicro
	c.delayHistoIdx = (c.delayHistoIdx + 1) % len(c.delayHisto)
	if c.delayHistoFilled < len(c.delayHisto) {
		c.delayHistoFilled++
	}
	min := sample
	for i := 0; i < c.delayHistoFilled; i++ {
		if int64(c.delayHisto[i]) < min {
			min = int64(c.delayHisto[i])
		}
	}
	return min
}

// resetDelayHistory clears the last-3-samples window; called on RTO
// (SPEC_FULL supplemented feature 2.a) so a fresh loss episode isn't
// judged against pre-loss delay samples.
func (c *Connection) resetDelayHistory() {
	c.delayHistoFilled = 0
	c.delayHistoIdx = 0
}

// parseSack implements spec §4.E "SACK processing": for each set bit,
// try to remove the matching packet from outbuf and credit it; if 3 or
// more are found past fast_resend_seq_nr, trigger loss recovery. ackNr is
// the ack_nr of the header that carried the bitmap.
func (c *Connection) parseSack(now time.Time, ackNr uint16, bitmask []byte) {
	dupsPastFastResend := 0
	const sackResendLimit = 4
	resent := 0

	for i := 0; i < len(bitmask)*8; i++ {
		seq := ackNr + 2 + uint16(i)
		if !sackSetBit(bitmask, i) {
			continue
		}
		pkt := c.outbuf.remove(seq)
		if pkt == nil {
			continue
		}
		// Fake up a header carrying this packet's own piggybacked delay
		// sample; the peer doesn't resend timestamp info per SACKed bit,
		// so reuse the most recent one-way delay we've observed.
		c.creditAckedPacket(now, pkt, header{TimestampDiffMicro: uint32(c.lastDelaySample())})

		if lessWrap(c.fastResendSeqNr, seq) {
			dupsPastFastResend++
		}
	}

	if dupsPastFastResend >= 3 {
		c.experiencedLoss(c.fastResendSeqNr)
		for i := 0; i < sackResendLimit; i++ {
			seq := c.fastResendSeqNr + uint16(i)
			if pkt := c.outbuf.at(seq); pkt != nil && pkt.needResend {
				c.resendPacket(pkt, true)
				resent++
			}
		}
	}

	for {
		pkt := c.outbuf.at(c.ackedSeqNr + 1)
		if pkt != nil {
			break
		}
		if c.outbuf.size() == 0 || !lessWrap(c.ackedSeqNr, c.seqNr-1) {
			break
		}
		c.ackedSeqNr++
	}
}

func (c *Connection) lastDelaySample() uint32 {
	if c.delayHistoFilled == 0 {
		return 0
	}
	idx := (c.delayHistoIdx - 1 + len(c.delayHisto)) % len(c.delayHisto)
	return c.delayHisto[idx]
}

// handleDataPacket implements spec §4.E step 9: deliver in order,
// reorder-buffer out-of-order arrivals within the window, drop the rest.
func (c *Connection) handleDataPacket(now time.Time, h header, payload []byte) {
	switch {
	case h.SeqNr == c.ackNr+1:
		c.deliverInOrder(h.SeqNr, payload)
		c.drainReorderBuffer()
		c.maybeDeferOrAck()
	case lessWrap(c.ackNr, h.SeqNr) && lessEqWrap(h.SeqNr, c.ackNr+reorderWindow):
		c.enqueueReorder(h.SeqNr, payload)
		c.sendPacket(sendOpts{force: true}) // immediate SACK so the gap is visible
	default:
		// Out of window or a duplicate of something already delivered: drop.
	}
}

func (c *Connection) enqueueReorder(seq uint16, payload []byte) {
	if c.inbuf.at(seq) != nil {
		return
	}
	pkt := c.owner.pool().Get(headerLen + len(payload))
	pkt.headerSize = headerLen
	pkt.size = headerLen + len(payload)
	copy(pkt.buf[headerLen:], payload)
	pkt.seqNr = seq
	c.inbuf.insert(seq, pkt)
}

func (c *Connection) drainReorderBuffer() {
	for {
		pkt := c.inbuf.remove(c.ackNr + 1)
		if pkt == nil {
			return
		}
		c.deliverInOrder(pkt.seqNr, pkt.payload())
		c.owner.pool().Put(pkt)
	}
}

// deliverInOrder pushes payload into the user's pending read buffers
// (zero extra copy per spec §4.G) or, failing that, into receiveBuffer
// for later draining.
func (c *Connection) deliverInOrder(seq uint16, payload []byte) {
	c.ackNr = seq

	c.mu.Lock()
	off := 0
	for off < len(payload) && len(c.readQueue) > 0 {
		front := c.readQueue[0]
		n := copy(front, payload[off:])
		off += n
		if n == len(front) {
			c.readQueue = c.readQueue[1:]
		} else {
			c.readQueue[0] = front[n:]
		}
		c.read += n
		c.readBufferSize -= n
	}
	if c.read > 0 && c.firstReadByte.IsZero() {
		c.firstReadByte = time.Now()
	}
	c.mu.Unlock()

	if off < len(payload) {
		rest := append([]byte(nil), payload[off:]...)
		pkt := &packet{buf: rest, headerSize: 0, size: len(rest), slabClass: -1}
		c.receiveBuffer = append(c.receiveBuffer, pkt)
		c.receiveBufferSize += len(rest)
	}

	c.maybeCompleteRead()
}

func (c *Connection) maybeCompleteRead() {
	c.mu.Lock()
	if c.readHandler == nil {
		c.mu.Unlock()
		return
	}
	empty := len(c.readQueue) == 0
	large := c.read >= largeReadThreshold
	elapsed := !c.firstReadByte.IsZero() && time.Since(c.firstReadByte) >= 100*time.Millisecond
	if !(empty || large || elapsed) {
		c.mu.Unlock()
		return
	}
	h := c.readHandler
	n := c.read
	c.readHandler = nil
	c.read = 0
	c.firstReadByte = time.Time{}
	c.mu.Unlock()
	h(n, nil)
}

// maybeDeferOrAck implements spec §4.E step 10: if we just consumed data
// and didn't send a payload packet in reply, defer the ack for
// coalescing instead of forcing a standalone ST_STATE.
func (c *Connection) maybeDeferOrAck() {
	sentData := c.sendPacket(sendOpts{})
	if !sentData {
		c.scheduleDeferredAck()
	}
}

// handleFin implements the CONNECTED -> FIN_SENT transition on receipt
// of a peer FIN once all preceding data has been consumed (spec §4.E
// state machine).
func (c *Connection) handleFin(h header) {
	c.eof = true
	c.eofSeqNr = h.SeqNr
	if lessEqWrap(h.SeqNr, c.ackNr+1) {
		c.ackNr = h.SeqNr
		c.fireAllHandlers(ErrEOF)
		if c.state == StateConnected {
			c.sendFin()
		}
	}
	c.sendPacket(sendOpts{force: true})
}
