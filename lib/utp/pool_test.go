package utp

import "testing"

func TestPoolGetSizesBySlab(t *testing.T) {
	p := NewPool(600, 1500)
	pkt := p.Get(10)
	if len(pkt.buf) < 10 {
		t.Fatalf("buf too small: %d", len(pkt.buf))
	}
	if pkt.slabClass != slabHeader {
		t.Errorf("a tiny request should classify into slabHeader, got %d", pkt.slabClass)
	}
}

func TestPoolGetOversizeFallsThrough(t *testing.T) {
	p := NewPool(600, 1500)
	pkt := p.Get(100000)
	if pkt.slabClass != -1 {
		t.Errorf("an oversize request should bypass the slabs, got class %d", pkt.slabClass)
	}
	if len(pkt.buf) != 100000 {
		t.Errorf("buf len = %d, want 100000", len(pkt.buf))
	}
}

func TestPoolPutReusesBuffer(t *testing.T) {
	p := NewPool(600, 1500)
	pkt := p.Get(10)
	buf := pkt.buf
	p.Put(pkt)
	pkt2 := p.Get(10)
	if &pkt2.buf[0] != &buf[0] {
		t.Error("expected Get to reuse the buffer just returned to the slab free list")
	}
}

func TestPoolDecayDropsOneEntry(t *testing.T) {
	p := NewPool(600, 1500)
	a, b := p.Get(10), p.Get(10)
	p.Put(a)
	p.Put(b)
	if got := len(p.slabs[slabHeader].free); got != 2 {
		t.Fatalf("expected 2 free entries before decay, got %d", got)
	}
	p.Decay()
	if got := len(p.slabs[slabHeader].free); got != 1 {
		t.Errorf("expected 1 free entry after one Decay, got %d", got)
	}
}

func TestPoolResizeGrowsDropsStaleSmallerBuffers(t *testing.T) {
	p := NewPool(600, 1500)
	pkt := p.Get(600)
	p.Put(pkt)
	p.Resize(900, 1500)
	if got := len(p.slabs[slabFloor].free); got != 0 {
		t.Errorf("growing the floor slab size should discard undersized cached buffers, got %d free", got)
	}
}
