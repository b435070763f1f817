package utp

import (
	"math/rand"
	"time"
)

// Connect starts the SYN_SENT handshake (spec §4.E state machine: NONE
// -> SYN_SENT). recvID is the locally chosen id; uTP's quirk (noted in
// spec §4.E) is that the SYN packet carries recvID as its connection_id,
// not sendID.
func (c *Connection) connect(recvID uint16) {
	c.recvID = recvID
	c.sendID = recvID + 1
	c.seqNr = uint16(rand.Intn(1 << 16))
	c.ackedSeqNr = c.seqNr - 1
	c.fastResendSeqNr = c.seqNr
	c.lossSeqNr = c.seqNr
	c.initiatedLocally = true
	c.setState(StateSynSent)
	c.connectDeadline = time.Now().Add(c.settings.ConnectTimeout)

	h := header{
		Type:         stSyn,
		Version:      protocolVersion,
		ConnectionID: c.recvID,
		SeqNr:        c.seqNr,
		AckNr:        0,
	}
	pkt := c.owner.pool().Get(headerLen)
	pkt.headerSize = headerLen
	pkt.size = headerLen
	h.TimestampMicros = nowMicros(time.Now())
	h.encode(pkt.buf)
	c.owner.sendDatagram(c.remoteAddr, pkt.buf[:pkt.size], false)
	pkt.seqNr = c.seqNr
	pkt.sendTime = time.Now()
	pkt.numTransmissions = 1
	c.outbuf.insert(c.seqNr, pkt)
	c.seqNr++
	c.refreshTimeout()
}

// acceptSyn implements the NONE -> CONNECTED transition on receipt of a
// fresh SYN (spec §4.E state machine): establish ack_nr from the peer's
// seq, pick a random local seq_nr, derive send/recv ids, and reply with
// an immediate ST_STATE ack (the asymmetry the spec notes in §9: SYN
// gets an immediate ack, data gets a deferred one).
func (c *Connection) acceptSyn(h header) {
	c.ackNr = h.SeqNr
	c.seqNr = uint16(rand.Intn(1 << 16))
	c.ackedSeqNr = c.seqNr - 1
	c.fastResendSeqNr = c.seqNr
	c.lossSeqNr = c.seqNr
	c.sendID = h.ConnectionID
	c.recvID = h.ConnectionID + 1
	c.setState(StateConnected)
	c.sendPacket(sendOpts{force: true})
}

// Tick drives the per-connection timer: RTO expiry, probe decay, and
// keep-alive, per spec §4.E "On timer expiry (tick)".
func (c *Connection) Tick(now time.Time) {
	if c.state == StateDelete {
		return
	}
	if c.state == StateSynSent && now.After(c.connectDeadline) {
		c.fail(KindTimedOut, nil)
		return
	}
	if c.timeout.IsZero() || now.Before(c.timeout) {
		return
	}
	c.onTimeout(now)
}

func (c *Connection) onTimeout(now time.Time) {
	c.numTimeouts++
	if c.numTimeouts > c.settings.NumResends {
		c.fail(KindTimedOut, nil)
		return
	}

	onlyProbeInFlight := c.mtuSeq != 0 && c.outbuf.size() == 1 && c.outbuf.at(c.mtuSeq) != nil
	switch {
	case onlyProbeInFlight:
		c.mtuCeiling = onProbeRejected(c.mtuCeiling, probeSize(c.mtuFloor, c.mtuCeiling))
		c.mtuSeq = 0
		c.recomputeMTU()
		c.owner.metrics().mtuProbesRejected.Inc()
	case c.outbuf.size() == 0 && fromFixed(c.cwnd) >= int64(c.mtu):
		newCwnd := fromFixed(c.cwnd) * 2 / 3
		if newCwnd < int64(c.mtu) {
			newCwnd = int64(c.mtu)
		}
		c.cwnd = toFixed(newCwnd)
	default:
		c.cwnd = toFixed(int64(c.mtu))
		c.mtuSeq = 0
		c.lossSeqNr = c.seqNr
		c.slowStart = true
	}
	c.resetDelayHistory()

	resent := false
	for seq := c.ackedSeqNr + 1; lessWrap(seq, c.seqNr); seq++ {
		if pkt := c.outbuf.at(seq); pkt != nil {
			if !pkt.needResend {
				c.bytesInFlight -= int64(pkt.payloadLen())
				if c.bytesInFlight < 0 {
					c.bytesInFlight = 0
				}
			}
			pkt.needResend = true
			if !resent {
				c.resendPacket(pkt, false)
				resent = true
			}
		}
	}
	if !resent {
		if c.state == StateFinSent {
			c.sendPacket(sendOpts{fin: true, force: true})
		} else {
			c.sendPacket(sendOpts{force: true})
		}
	}
	c.refreshTimeout()
}
