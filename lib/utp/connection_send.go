package utp

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/quietpeer/goutp/internal/slogutil"
)

// sendOpts carries the "force" flags spec §4.E's "Sending a packet"
// describes: force (send even if it's ack-only / cwnd-limited) and fin
// (this call should emit ST_FIN instead of ST_DATA/ST_STATE).
type sendOpts struct {
	force bool
	fin   bool
}

const maxSackBytes = 32

func nowMicros(t time.Time) uint32 {
	return uint32(t.UnixMicro())
}

// resendOutstanding walks outbuf from acked_seq_nr+1 to seq_nr-1 and
// resends any packet flagged need_resend (spec §4.E step 1).
func (c *Connection) resendOutstanding(force bool) bool {
	outstanding := int(seqDiff(c.ackedSeqNr, c.seqNr)) - 1
	resentAny := false
	for i := 0; i < outstanding; i++ {
		seq := c.ackedSeqNr + 1 + uint16(i)
		pkt := c.outbuf.at(seq)
		if pkt == nil {
			continue
		}
		if pkt.needResend {
			c.resendPacket(pkt, false)
			resentAny = true
		}
	}
	return resentAny
}

// sackBitmap builds the selective-ack bitmap over inbuf, capped at
// maxSackBytes, per spec §4.E step 2 / §6.1: bit i set iff inbuf has
// ack_nr+2+i.
func (c *Connection) sackBitmap() []byte {
	span := c.inbuf.span()
	if span <= 0 {
		return nil
	}
	nbytes := (span + 7) / 8
	if nbytes > maxSackBytes {
		nbytes = maxSackBytes
	}
	bm := make([]byte, nbytes)
	for i := 0; i < nbytes*8; i++ {
		seq := c.ackNr + 2 + uint16(i)
		if c.inbuf.at(seq) != nil {
			sackSetBitInPlace(bm, i)
		}
	}
	return bm
}

// sendPacket implements spec §4.E's "Sending a packet" algorithm end to
// end. It returns true if a packet was actually transmitted; it returns
// false when data is held back in the nagle buffer, when the window is
// full, and when a non-forced call has no payload to send (no bare
// ST_STATE is sent then).
func (c *Connection) sendPacket(opts sendOpts) bool {
	c.resendOutstanding(opts.force)

	sack := c.sackBitmap()
	extHeaderSize := 0
	if len(sack) > 0 {
		extHeaderSize = len(sack) + 2
	}
	headerSize := headerLen + extHeaderSize

	c.mu.Lock()
	available := 0
	for _, b := range c.writeQueue {
		available += len(b)
	}
	c.mu.Unlock()

	payloadSize := available
	if opts.fin {
		payloadSize = 0
	}
	if max := c.mtu - headerSize; payloadSize > max {
		payloadSize = max
	}
	if payloadSize < 0 {
		payloadSize = 0
	}

	cwndBytes := fromFixed(c.cwnd)
	limit := cwndBytes
	if c.advWnd < limit {
		limit = c.advWnd
	}
	budget := limit - c.bytesInFlight
	if budget < 0 {
		budget = 0
	}
	if int64(payloadSize) > budget {
		c.cwndFull = true
		if !opts.force {
			c.scheduleDeferredAck()
			return false
		}
		payloadSize = int(budget)
		if payloadSize < 0 {
			payloadSize = 0
		}
	}

	// Nagle: accumulate small writes into one packet instead of sending
	// a trickle of tiny datagrams (spec §4.E step 5).
	if c.nagleOutPkt != nil && !opts.force && !opts.fin {
		room := c.mtu - c.nagleOutPkt.size
		n := payloadSize
		if n > room {
			n = room
		}
		if n > 0 {
			c.copyFromWriteQueue(c.nagleOutPkt.buf[c.nagleOutPkt.size:c.nagleOutPkt.size+n], n)
			c.nagleOutPkt.size += n
		}
		full := c.nagleOutPkt.size >= c.mtu
		othersInFlight := c.bytesInFlight > 0
		if !full && c.nagleEnabled && othersInFlight {
			return false // keep accumulating
		}
		return c.flushNaglePacket()
	}

	if payloadSize == 0 && !opts.fin {
		if !opts.force {
			return false
		}
		return c.sendBareHeader(headerSize, sack)
	}

	pkt := c.owner.pool().Get(headerSize + payloadSize)
	pkt.headerSize = headerSize
	pkt.size = headerSize + payloadSize
	c.copyFromWriteQueue(pkt.buf[headerSize:headerSize+payloadSize], payloadSize)

	if payloadSize > 0 && c.nagleEnabled && !opts.force && !opts.fin {
		// First bytes of a fresh nagle-eligible packet: hold it open for
		// more data rather than sending immediately, unless nothing else
		// is in flight (classic Nagle exemption).
		if c.bytesInFlight > 0 && pkt.size < c.mtu {
			c.nagleOutPkt = pkt
			return false
		}
	}

	return c.transmitData(pkt, headerSize, sack, opts)
}

func (c *Connection) flushNaglePacket() bool {
	pkt := c.nagleOutPkt
	c.nagleOutPkt = nil
	return c.transmitData(pkt, pkt.headerSize, c.sackBitmap(), sendOpts{})
}

// transmitData fills in the header/extensions, marks an MTU probe if
// appropriate, hands the datagram to the manager, and on success enrolls
// the packet into outbuf and advances seqNr (spec §4.E steps 6-12).
func (c *Connection) transmitData(pkt *packet, headerSize int, sack []byte, opts sendOpts) bool {
	isProbe := false
	if c.mtuSeq == 0 && !mtuConverged(c.mtuFloor, c.mtuCeiling) && pkt.size > c.mtuFloor {
		isProbe = true
	}

	typ := stData
	if opts.fin {
		typ = stFin
	}

	h := header{
		Type:               typ,
		Version:            protocolVersion,
		Extension:          extNone,
		ConnectionID:       c.sendID,
		TimestampMicros:    nowMicros(time.Now()),
		TimestampDiffMicro: c.replyMicro,
		WndSize:            c.advertisedWindow(),
		SeqNr:              c.seqNr,
		AckNr:              c.ackNr,
	}
	if len(sack) > 0 {
		h.Extension = extSack
	}
	h.encode(pkt.buf)
	if len(sack) > 0 {
		encodeSack(pkt.buf[headerLen:], sack)
	}

	dontFragment := isProbe && c.settings.DontFragment
	res, _ := c.owner.sendDatagram(c.remoteAddr, pkt.buf[:pkt.size], dontFragment)
	switch res {
	case sendWouldBlock:
		c.stalled = true
		c.owner.subscribeWritable(c)
		return false
	case sendMessageTooBig:
		if isProbe {
			c.mtuCeiling = onProbeRejected(c.mtuCeiling, pkt.size)
			c.mtuSeq = 0
			c.recomputeMTU()
			c.owner.metrics().mtuProbesRejected.Inc()
		}
		return false
	case sendErr:
		c.fail(KindInvalidArgument, nil)
		return false
	}

	pkt.seqNr = c.seqNr
	pkt.sendTime = time.Now()
	pkt.numTransmissions = 1
	pkt.needResend = false
	pkt.mtuProbe = isProbe
	if isProbe {
		c.mtuSeq = c.seqNr
	}

	if displaced, ok := c.outbuf.insert(c.seqNr, pkt); ok {
		_ = displaced
		payload := pkt.payloadLen()
		c.bytesInFlight += int64(payload)
		c.seqNr++
		c.mu.Lock()
		c.written += payload
		if c.firstWriteByte.IsZero() && payload > 0 {
			c.firstWriteByte = time.Now()
		}
		c.mu.Unlock()
		c.maybeCompleteWrite()
	}

	c.deferredAck = false
	c.refreshTimeout()
	return true
}

func (c *Connection) sendBareHeader(headerSize int, sack []byte) bool {
	pkt := c.owner.pool().Get(headerSize)
	pkt.headerSize = headerSize
	pkt.size = headerSize

	h := header{
		Type:               stState,
		Version:            protocolVersion,
		ConnectionID:       c.sendID,
		TimestampMicros:    nowMicros(time.Now()),
		TimestampDiffMicro: c.replyMicro,
		WndSize:            c.advertisedWindow(),
		SeqNr:              c.seqNr,
		AckNr:              c.ackNr,
	}
	if len(sack) > 0 {
		h.Extension = extSack
	}
	h.encode(pkt.buf)
	if len(sack) > 0 {
		encodeSack(pkt.buf[headerLen:], sack)
	}

	res, _ := c.owner.sendDatagram(c.remoteAddr, pkt.buf[:pkt.size], false)
	if res == sendWouldBlock {
		c.stalled = true
		c.owner.subscribeWritable(c)
	}
	c.owner.pool().Put(pkt)
	c.deferredAck = false
	return res == sendOK
}

// advertisedWindow computes wnd_size: how much more the peer may send us
// before we run out of receive-window budget (spec §4.E step 7).
func (c *Connection) advertisedWindow() uint32 {
	used := c.bufferedIncomingBytes() + c.receiveBufferSize
	room := c.inBufSize - used
	if room < 0 {
		room = 0
	}
	return uint32(room)
}

func (c *Connection) bufferedIncomingBytes() int {
	if c.inbuf.size() == 0 {
		return 0
	}
	total := 0
	for seq := c.ackNr + 2; lessEqWrap(seq, c.ackNr+reorderWindow); seq++ {
		if pkt := c.inbuf.at(seq); pkt != nil {
			total += pkt.size
		}
	}
	return total
}

// copyFromWriteQueue copies up to len(dst) bytes from the front of the
// write queue into dst and advances/consumes queue entries.
func (c *Connection) copyFromWriteQueue(dst []byte, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off := 0
	for off < n && len(c.writeQueue) > 0 {
		front := c.writeQueue[0]
		k := n - off
		if k > len(front) {
			k = len(front)
		}
		copy(dst[off:off+k], front[:k])
		off += k
		if k == len(front) {
			c.writeQueue = c.writeQueue[1:]
		} else {
			c.writeQueue[0] = front[k:]
		}
	}
	c.writeBufferSize -= off
	c.writeSem.Give(off)
}

// resendPacket re-serialises timestamp/SACK fields and re-transmits pkt,
// per spec §4.E "Resend". If the retransmission budget is exhausted the
// connection fails with timed_out.
func (c *Connection) resendPacket(pkt *packet, fast bool) {
	limit := c.settings.NumResends
	switch {
	case pkt.seqNr == c.eofSeqNr && c.state == StateFinSent:
		limit = c.settings.FinResends
	case c.state == StateSynSent:
		limit = c.settings.SynResends
	}
	if int(pkt.numTransmissions) >= limit {
		c.fail(KindTimedOut, nil)
		return
	}

	h, err := decodeHeader(pkt.buf)
	if err != nil {
		return
	}
	h.TimestampMicros = nowMicros(time.Now())
	h.TimestampDiffMicro = c.replyMicro
	h.WndSize = c.advertisedWindow()
	h.AckNr = c.ackNr
	h.encode(pkt.buf)

	sack := c.sackBitmap()
	if len(sack) > 0 && pkt.headerSize >= headerLen+len(sack)+2 {
		binary.BigEndian.PutUint16(pkt.buf[2:4], c.sendID)
		pkt.buf[1] = extSack
		encodeSack(pkt.buf[headerLen:], sack)
		// Hex-formatting the bitmap is wasted work unless debug logging
		// for this package is actually enabled, so defer it behind
		// Expensive.
		slog.Debug("uTP resend carries SACK",
			slogutil.ConnID(c.sendID), slogutil.SeqNr(pkt.seqNr),
			slog.Any("bitmap", slogutil.Expensive(func() any { return fmt.Sprintf("%x", sack) })))
	}

	res, _ := c.owner.sendDatagram(c.remoteAddr, pkt.buf[:pkt.size], pkt.mtuProbe && c.settings.DontFragment)
	if res == sendWouldBlock {
		c.stalled = true
		c.owner.subscribeWritable(c)
		return
	}
	if res == sendMessageTooBig && pkt.mtuProbe {
		c.mtuCeiling = onProbeRejected(c.mtuCeiling, pkt.size)
		c.mtuSeq = 0
		c.recomputeMTU()
		c.owner.metrics().mtuProbesRejected.Inc()
		return
	}

	pkt.numTransmissions++
	pkt.sendTime = time.Now()
	pkt.needResend = false
	if fast {
		c.owner.metrics().fastRetransmits.Inc()
	}
}

func (c *Connection) recomputeMTU() {
	c.mtu = probeSize(c.mtuFloor, c.mtuCeiling)
	if c.mtu < c.mtuFloor {
		c.mtu = c.mtuFloor
	}
	c.owner.pool().Resize(c.mtuFloor+headerLen+maxSackBytes+2, c.mtuCeiling+headerLen+maxSackBytes+2)
}

// refreshTimeout resets the RTO deadline after a successful send (spec
// §4.E step 12).
func (c *Connection) refreshTimeout() {
	c.timeout = time.Now().Add(c.packetTimeout())
}

// packetTimeout computes the RTO per spec §4.E "RTO": max(minTimeout,
// mean+2*deviation) plus exponential backoff once timeouts have started,
// with a conservative floor while the SYN handshake is outstanding.
func (c *Connection) packetTimeout() time.Duration {
	floor := c.settings.MinTimeout
	if c.state == StateSynSent {
		if floor < 3*time.Second {
			floor = 3 * time.Second
		}
	}
	base := floor
	if c.rtt.HasSample() {
		us := c.rtt.Mean() + 2*c.rtt.Deviation()
		d := time.Duration(us) * time.Microsecond
		if d > base {
			base = d
		}
	}
	if c.numTimeouts > 0 {
		backoff := time.Duration(1<<uint(c.numTimeouts-1)) * time.Second
		base += backoff
	}
	return base
}

func (c *Connection) scheduleDeferredAck() {
	if !c.deferredAck {
		c.deferredAck = true
		c.owner.deferAck(c)
	}
}

func (c *Connection) maybeCompleteWrite() {
	c.mu.Lock()
	if c.writeHandler == nil {
		c.mu.Unlock()
		return
	}
	empty := len(c.writeQueue) == 0
	large := c.written >= largeReadThreshold
	elapsed := !c.firstWriteByte.IsZero() && time.Since(c.firstWriteByte) >= 100*time.Millisecond
	if !(empty || large || elapsed) {
		c.mu.Unlock()
		return
	}
	h := c.writeHandler
	n := c.written
	c.writeHandler = nil
	c.written = 0
	c.firstWriteByte = time.Time{}
	c.mu.Unlock()
	h(n, nil)
}
