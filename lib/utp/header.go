package utp

import (
	"encoding/binary"
	"fmt"
)

// packetType is the high nibble of the first header byte.
type packetType uint8

const (
	stData  packetType = 0
	stFin   packetType = 1
	stState packetType = 2
	stReset packetType = 3
	stSyn   packetType = 4
)

func (t packetType) String() string {
	switch t {
	case stData:
		return "ST_DATA"
	case stFin:
		return "ST_FIN"
	case stState:
		return "ST_STATE"
	case stReset:
		return "ST_RESET"
	case stSyn:
		return "ST_SYN"
	default:
		return fmt.Sprintf("ST_UNKNOWN(%d)", uint8(t))
	}
}

const (
	protocolVersion = 1
	headerLen       = 20

	extNone = 0
	extSack = 1
)

// header is the fixed 20-byte uTP header described in spec §3/§6.1.
// Field order matches wire order; all multi-byte fields are big-endian.
type header struct {
	Type               packetType
	Version            uint8
	Extension          uint8
	ConnectionID       uint16
	TimestampMicros    uint32
	TimestampDiffMicro uint32
	WndSize            uint32
	SeqNr              uint16
	AckNr              uint16
}

// encode writes the fixed header into dst, which must be at least
// headerLen bytes, and returns the number of bytes written.
func (h *header) encode(dst []byte) int {
	dst[0] = byte(h.Type)<<4 | (h.Version & 0xf)
	dst[1] = h.Extension
	binary.BigEndian.PutUint16(dst[2:4], h.ConnectionID)
	binary.BigEndian.PutUint32(dst[4:8], h.TimestampMicros)
	binary.BigEndian.PutUint32(dst[8:12], h.TimestampDiffMicro)
	binary.BigEndian.PutUint32(dst[12:16], h.WndSize)
	binary.BigEndian.PutUint16(dst[16:18], h.SeqNr)
	binary.BigEndian.PutUint16(dst[18:20], h.AckNr)
	return headerLen
}

// decodeHeader parses the fixed header portion of buf. It does not
// validate semantic fields (type range, version); callers do that as
// part of incoming-packet validation (spec §4.E step 1).
func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerLen {
		return header{}, fmt.Errorf("utp: short header (%d bytes)", len(buf))
	}
	var h header
	h.Type = packetType(buf[0] >> 4)
	h.Version = buf[0] & 0xf
	h.Extension = buf[1]
	h.ConnectionID = binary.BigEndian.Uint16(buf[2:4])
	h.TimestampMicros = binary.BigEndian.Uint32(buf[4:8])
	h.TimestampDiffMicro = binary.BigEndian.Uint32(buf[8:12])
	h.WndSize = binary.BigEndian.Uint32(buf[12:16])
	h.SeqNr = binary.BigEndian.Uint16(buf[16:18])
	h.AckNr = binary.BigEndian.Uint16(buf[18:20])
	return h, nil
}

func (h packetType) valid() bool {
	return h <= stSyn
}

// sackExtension is the decoded selective-ack extension: bit i of Bitmask
// covers sequence number ack_nr+2+i.
type sackExtension struct {
	Bitmask []byte
}

// parseExtensions walks the extension chain starting at buf[headerLen:],
// using the first extension id from the header. It returns the selective
// ack extension if present, and the offset in buf where the payload
// begins.
func parseExtensions(buf []byte, firstExt uint8) (sack *sackExtension, payloadOffset int, err error) {
	off := headerLen
	next := firstExt
	for next != extNone {
		if off+2 > len(buf) {
			return nil, 0, fmt.Errorf("utp: truncated extension header")
		}
		extID := next
		next = buf[off]
		length := int(buf[off+1])
		off += 2
		if off+length > len(buf) {
			return nil, 0, fmt.Errorf("utp: truncated extension body")
		}
		if extID == extSack {
			bm := make([]byte, length)
			copy(bm, buf[off:off+length])
			sack = &sackExtension{Bitmask: bm}
		}
		off += length
	}
	return sack, off, nil
}

// encodeSack serialises the selective-ack extension (next-ext id 0,
// terminating the chain) into dst, returning the number of bytes
// written. dst must have room for 2+len(bitmask) bytes.
func encodeSack(dst []byte, bitmask []byte) int {
	dst[0] = extNone
	dst[1] = byte(len(bitmask))
	copy(dst[2:], bitmask)
	return 2 + len(bitmask)
}

// sackSetBit reports whether bit i ("ack_nr+2+i is present") is set.
func sackSetBit(bitmask []byte, i int) bool {
	byteIdx := i / 8
	if byteIdx >= len(bitmask) {
		return false
	}
	return bitmask[byteIdx]&(1<<uint(i%8)) != 0
}

func sackSetBitInPlace(bitmask []byte, i int) {
	byteIdx := i / 8
	if byteIdx >= len(bitmask) {
		return
	}
	bitmask[byteIdx] |= 1 << uint(i%8)
}
