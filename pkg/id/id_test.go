package id

import "testing"

func TestNextIsMonotonic(t *testing.T) {
	g := NewGenerator()
	prev := g.Next()
	for i := 0; i < 10_000; i++ {
		cur := g.Next()
		if cur.Compare(prev) <= 0 {
			t.Fatalf("not increasing: %s then %s", prev, cur)
		}
		prev = cur
	}
}

func TestStringIsHex(t *testing.T) {
	g := NewGenerator()
	s := g.Next().String()
	if len(s) != 32 {
		t.Fatalf("want 32 hex chars, got %d (%q)", len(s), s)
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			t.Fatalf("non-hex char %q in %q", c, s)
		}
	}
}
