package utp

import "testing"

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := header{
		Type:               stData,
		Version:            protocolVersion,
		Extension:          extNone,
		ConnectionID:       1234,
		TimestampMicros:    1_000_000,
		TimestampDiffMicro: 5000,
		WndSize:            65536,
		SeqNr:              42,
		AckNr:              41,
	}
	buf := make([]byte, headerLen)
	n := h.encode(buf)
	if n != headerLen {
		t.Fatalf("encode returned %d, want %d", n, headerLen)
	}

	got, err := decodeHeader(buf)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if got != h {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestDecodeHeaderShortBuffer(t *testing.T) {
	if _, err := decodeHeader(make([]byte, headerLen-1)); err == nil {
		t.Error("expected an error decoding a too-short header")
	}
}

func TestPacketTypeValid(t *testing.T) {
	if !stSyn.valid() {
		t.Error("stSyn should be valid")
	}
	if packetType(5).valid() {
		t.Error("packetType(5) should be invalid")
	}
}

func TestSackExtensionRoundTrip(t *testing.T) {
	bitmask := []byte{0b00000101, 0b00000000}
	dst := make([]byte, 2+len(bitmask))
	encodeSack(dst, bitmask)

	buf := make([]byte, headerLen+len(dst))
	h := header{Type: stState, Version: protocolVersion, Extension: extSack}
	h.encode(buf)
	copy(buf[headerLen:], dst)

	sack, payloadOff, err := parseExtensions(buf, h.Extension)
	if err != nil {
		t.Fatalf("parseExtensions: %v", err)
	}
	if sack == nil {
		t.Fatal("expected a parsed sack extension")
	}
	if payloadOff != len(buf) {
		t.Errorf("payloadOff = %d, want %d", payloadOff, len(buf))
	}
	if !sackSetBit(sack.Bitmask, 0) || !sackSetBit(sack.Bitmask, 2) {
		t.Error("expected bits 0 and 2 set")
	}
	if sackSetBit(sack.Bitmask, 1) {
		t.Error("bit 1 should not be set")
	}
}

func TestParseExtensionsNoExtension(t *testing.T) {
	buf := make([]byte, headerLen)
	h := header{Type: stData, Version: protocolVersion, Extension: extNone}
	h.encode(buf)
	sack, off, err := parseExtensions(buf, h.Extension)
	if err != nil {
		t.Fatalf("parseExtensions: %v", err)
	}
	if sack != nil {
		t.Error("expected no sack extension")
	}
	if off != headerLen {
		t.Errorf("payloadOff = %d, want %d", off, headerLen)
	}
}
