package utp

import "testing"

func TestNewPacketBufferRoundsUpToPowerOfTwo(t *testing.T) {
	b := newPacketBuffer(100)
	if b.capacity != 128 {
		t.Errorf("capacity = %d, want 128", b.capacity)
	}
}

func TestPacketBufferInsertAndAt(t *testing.T) {
	b := newPacketBuffer(16)
	p := &packet{seqNr: 5}
	if _, ok := b.insert(5, p); !ok {
		t.Fatal("insert should succeed for the first key")
	}
	if got := b.at(5); got != p {
		t.Errorf("at(5) = %v, want %v", got, p)
	}
	if got := b.at(6); got != nil {
		t.Errorf("at(6) = %v, want nil", got)
	}
}

func TestPacketBufferRemove(t *testing.T) {
	b := newPacketBuffer(16)
	p := &packet{seqNr: 5}
	b.insert(5, p)
	if got := b.remove(5); got != p {
		t.Fatalf("remove(5) = %v, want %v", got, p)
	}
	if got := b.remove(5); got != nil {
		t.Errorf("second remove(5) = %v, want nil", got)
	}
}

func TestPacketBufferOutOfSpanRejected(t *testing.T) {
	b := newPacketBuffer(16)
	b.insert(100, &packet{seqNr: 100})
	if _, ok := b.insert(100+16, &packet{seqNr: 116}); ok {
		t.Error("insert beyond the buffer's span should fail")
	}
}

func TestPacketBufferSizeAndSpan(t *testing.T) {
	b := newPacketBuffer(16)
	b.insert(10, &packet{seqNr: 10})
	b.insert(12, &packet{seqNr: 12})
	if b.size() != 2 {
		t.Errorf("size() = %d, want 2", b.size())
	}
	if span := b.span(); span != 3 {
		t.Errorf("span() = %d, want 3 (covers 10..12)", span)
	}
}

func TestPacketBufferWrapAround(t *testing.T) {
	b := newPacketBuffer(4)
	b.insert(65534, &packet{seqNr: 65534})
	b.insert(65535, &packet{seqNr: 65535})
	if _, ok := b.insert(1, &packet{seqNr: 1}); !ok {
		t.Fatal("insert(1) should be in span after 65534/65535")
	}
	if got := b.at(1); got == nil {
		t.Error("at(1) should find the wrapped insert")
	}
}

func TestPacketBufferCursorAdvancesOnRemove(t *testing.T) {
	b := newPacketBuffer(16)
	b.insert(1, &packet{seqNr: 1})
	b.insert(2, &packet{seqNr: 2})
	b.remove(1)
	if b.cursor != 2 {
		t.Errorf("cursor = %d, want 2 after removing the oldest key", b.cursor)
	}
}
