package utp

// packetBuffer is the sparse, indexed-by-sequence-number ring described
// in spec §3/§4.A. Capacity is a power of two; a key is slotted at
// key & (capacity-1). cursor tracks the oldest key the buffer currently
// considers "in span" so inserts far outside the live window are
// rejected in O(1) rather than silently overwriting unrelated slots.
type packetBuffer struct {
	slots    []*packet
	capacity uint16 // power of two
	mask     uint16
	cursor   uint16 // oldest key in span
	count    int
}

func newPacketBuffer(capacity int) *packetBuffer {
	c := uint16(1)
	for int(c) < capacity {
		c <<= 1
	}
	return &packetBuffer{
		slots:    make([]*packet, c),
		capacity: c,
		mask:     c - 1,
	}
}

// inSpan reports whether key falls within [cursor, cursor+capacity) mod 2^16.
func (b *packetBuffer) inSpan(key uint16) bool {
	return uint16(key-b.cursor) < b.capacity
}

// insert places pkt at key, returning any packet it displaced (the
// reference's "insert can return a displaced entry" behaviour, used by
// callers to detect stomping a still-live packet). Returns false if key
// falls outside the buffer's current span; the caller must drop the
// packet in that case.
func (b *packetBuffer) insert(key uint16, pkt *packet) (displaced *packet, ok bool) {
	if b.count == 0 {
		b.cursor = key
	} else if !b.inSpan(key) {
		return nil, false
	}
	idx := key & b.mask
	displaced = b.slots[idx]
	if displaced == nil {
		b.count++
	}
	b.slots[idx] = pkt
	return displaced, true
}

// at returns the packet stored at key, or nil.
func (b *packetBuffer) at(key uint16) *packet {
	if b.count == 0 || !b.inSpan(key) {
		return nil
	}
	return b.slots[key&b.mask]
}

// remove deletes and returns the packet at key, or nil if none was
// stored there (the "second remove on an already-acked packet returns
// nil" property from spec §8).
func (b *packetBuffer) remove(key uint16) *packet {
	if b.count == 0 || !b.inSpan(key) {
		return nil
	}
	idx := key & b.mask
	pkt := b.slots[idx]
	if pkt == nil {
		return nil
	}
	b.slots[idx] = nil
	b.count--
	if key == b.cursor {
		b.advanceCursor()
	}
	return pkt
}

// advanceCursor walks cursor forward over empty slots, lazily, stopping
// either at the next occupied slot or once the whole span has been swept
// (count == 0).
func (b *packetBuffer) advanceCursor() {
	if b.count == 0 {
		return
	}
	for i := uint16(0); i < b.capacity; i++ {
		c := b.cursor + i
		if b.slots[c&b.mask] != nil {
			b.cursor = c
			return
		}
	}
}

func (b *packetBuffer) size() int { return b.count }

// span returns the number of sequence-number slots between the oldest
// occupied key and the newest, inclusive — used to size the SACK bitmap
// (spec §4.E step 2: sack = ceil(inbuf.span/8)).
func (b *packetBuffer) span() int {
	if b.count == 0 {
		return 0
	}
	var maxOff uint16
	for i := uint16(0); i < b.capacity; i++ {
		if b.slots[(b.cursor+i)&b.mask] != nil {
			maxOff = i
		}
	}
	return int(maxOff) + 1
}
