package cluster

import (
	"slices"
	"testing"
)

func TestShardSet_DefaultsToAll(t *testing.T) {
	s, err := NewShardSet(4, nil)
	if err != nil {
		t.Fatalf("NewShardSet failed: %v", err)
	}
	if got := s.List(); !slices.Equal(got, []uint32{0, 1, 2, 3}) {
		t.Errorf("List() = %v", got)
	}
	if s.String() != "0-3" {
		t.Errorf("String() = %q", s.String())
	}
}

func TestShardSet_Subset(t *testing.T) {
	s, err := NewShardSet(8, []uint32{5, 1, 2, 2, 7})
	if err != nil {
		t.Fatalf("NewShardSet failed: %v", err)
	}
	if !s.Contains(2) || s.Contains(3) {
		t.Error("Contains mismatch")
	}
	if s.String() != "1-2,5,7" {
		t.Errorf("String() = %q", s.String())
	}
	if s.ShardOf(13) != 5 {
		t.Errorf("ShardOf(13) = %d", s.ShardOf(13))
	}
}

func TestShardSet_RejectsOutOfRange(t *testing.T) {
	if _, err := NewShardSet(2, []uint32{2}); err == nil {
		t.Error("shard 2 of 2 should be rejected")
	}
	if _, err := NewShardSet(0, nil); err == nil {
		t.Error("zero shard count should be rejected")
	}
}

func TestParseShardList(t *testing.T) {
	got, err := ParseShardList("0-2, 5,9-9")
	if err != nil {
		t.Fatalf("ParseShardList failed: %v", err)
	}
	if !slices.Equal(got, []uint32{0, 1, 2, 5, 9}) {
		t.Errorf("got %v", got)
	}
	for _, bad := range []string{"x", "3-1", "1-y"} {
		if _, err := ParseShardList(bad); err == nil {
			t.Errorf("ParseShardList(%q) should fail", bad)
		}
	}
	if got, _ := ParseShardList(""); len(got) != 0 {
		t.Errorf("empty spec = %v", got)
	}
}
