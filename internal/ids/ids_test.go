package ids

import "testing"

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("unexpected ulid lengths %q %q", a, b)
	}
	if !(a < b) {
		t.Fatalf("expected monotonic ids, got %q then %q", a, b)
	}
}

func TestNewUUID(t *testing.T) {
	id := NewUUID()
	if !ValidUUID(id) {
		t.Fatalf("NewUUID produced invalid uuid %q", id)
	}
	if ValidUUID("not-a-uuid") {
		t.Fatal("expected invalid uuid to be rejected")
	}
}
