package utp

import "time"

// packet is a contiguous buffer holding a 20-byte uTP header, an optional
// extension chain, and payload, exactly as described in spec §3. header
// and payload live in the same backing array (buf); headerSize doubles as
// the read cursor into the payload once the packet is being consumed by
// outgoing-iovec copy or (on the receive side) drained into user buffers.
type packet struct {
	buf        []byte // full wire image: header + extensions + payload
	headerSize int    // header+extensions length; payload starts here
	size       int    // total valid bytes in buf

	seqNr uint16 // seq_nr this packet was sent/received with

	sendTime         time.Time
	numTransmissions uint8 // capped at the resend limit (fits comfortably in 6 bits)
	needResend       bool
	mtuProbe         bool

	slabClass int // which pool slab buf was drawn from, or -1
}

// payloadLen returns the number of payload bytes (size - headerSize).
func (p *packet) payloadLen() int {
	return p.size - p.headerSize
}

func (p *packet) payload() []byte {
	return p.buf[p.headerSize:p.size]
}
