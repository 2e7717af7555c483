package pginfo

import "testing"

func TestRounddown(t *testing.T) {
	cases := []struct {
		va   uintptr
		want Upage
	}{
		{0x1000, 0x1000},
		{0x1001, 0x1000},
		{0x1fff, 0x1000},
		{0x2000, 0x2000},
	}
	for _, c := range cases {
		if got := Rounddown(c.va); got != c.want {
			t.Errorf("Rounddown(%#x) = %#x, want %#x", c.va, got, c.want)
		}
	}
}

func TestRoundup(t *testing.T) {
	cases := []struct {
		n    int
		want int
	}{
		{0, 0},
		{1, PGSIZE},
		{PGSIZE, PGSIZE},
		{PGSIZE + 1, 2 * PGSIZE},
	}
	for _, c := range cases {
		if got := Roundup(c.n); got != c.want {
			t.Errorf("Roundup(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestOffset(t *testing.T) {
	if Offset(0x1234) != 0x234 {
		t.Fatalf("Offset(0x1234) = %#x", Offset(0x1234))
	}
}

func TestAligned(t *testing.T) {
	if !Aligned(0x2000) {
		t.Fatal("0x2000 should be aligned")
	}
	if Aligned(0x2001) {
		t.Fatal("0x2001 should not be aligned")
	}
}
