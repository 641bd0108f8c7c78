package usbtransport

import "testing"

func TestSetAddDedupAndOrder(t *testing.T) {
	var s Set
	s.Add(Addr{Bus: 2, Address: 5})
	s.Add(Addr{Bus: 1, Address: 9})
	s.Add(Addr{Bus: 1, Address: 3})
	s.Add(Addr{Bus: 1, Address: 3})

	want := Set{
		{Bus: 1, Address: 3},
		{Bus: 1, Address: 9},
		{Bus: 2, Address: 5},
	}
	if len(s) != len(want) {
		t.Fatalf("expected %d entries, got %d (%v)", len(want), len(s), s)
	}
	for i := range want {
		if s[i] != want[i] {
			t.Errorf("index %d: expected %v, got %v", i, want[i], s[i])
		}
	}
}

func TestSetFind(t *testing.T) {
	var s Set
	s.Add(Addr{Bus: 1, Address: 1})
	s.Add(Addr{Bus: 1, Address: 2})

	if i := s.Find(Addr{Bus: 1, Address: 2}); i != 1 {
		t.Errorf("expected index 1, got %d", i)
	}
	if i := s.Find(Addr{Bus: 9, Address: 9}); i != -1 {
		t.Errorf("expected -1 for missing addr, got %d", i)
	}
}

func TestSetDiff(t *testing.T) {
	var before Set
	before.Add(Addr{Bus: 1, Address: 1})
	before.Add(Addr{Bus: 1, Address: 2})

	var after Set
	after.Add(Addr{Bus: 1, Address: 2})
	after.Add(Addr{Bus: 1, Address: 3})

	added, removed := before.Diff(after)

	if len(added) != 1 || added[0] != (Addr{Bus: 1, Address: 3}) {
		t.Errorf("unexpected added set: %v", added)
	}
	if len(removed) != 1 || removed[0] != (Addr{Bus: 1, Address: 1}) {
		t.Errorf("unexpected removed set: %v", removed)
	}
}

func TestAddrString(t *testing.T) {
	a := Addr{Bus: 1, Address: 7}
	if got, want := a.String(), "Bus 001 Device 007"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
