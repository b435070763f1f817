package utp

import "testing"

func TestLessWrap(t *testing.T) {
	cases := []struct {
		a, b uint16
		want bool
	}{
		{0, 1, true},
		{1, 0, false},
		{0, 0, false},
		{65535, 0, true},
		{0, 65535, false},
		{30000, 40000, true},
		{40000, 30000, false},
	}
	for _, c := range cases {
		if got := lessWrap(c.a, c.b); got != c.want {
			t.Errorf("lessWrap(%d, %d) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestLessEqWrap(t *testing.T) {
	if !lessEqWrap(5, 5) {
		t.Error("expected lessEqWrap(5, 5) to be true")
	}
	if !lessEqWrap(5, 6) {
		t.Error("expected lessEqWrap(5, 6) to be true")
	}
	if lessEqWrap(6, 5) {
		t.Error("expected lessEqWrap(6, 5) to be false")
	}
}

func TestSeqDiff(t *testing.T) {
	if d := seqDiff(10, 15); d != 5 {
		t.Errorf("seqDiff(10, 15) = %d, want 5", d)
	}
	if d := seqDiff(65535, 0); d != 1 {
		t.Errorf("seqDiff(65535, 0) = %d, want 1 (wrap)", d)
	}
}
