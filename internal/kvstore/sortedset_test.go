package kvstore

import "testing"

func TestSortedSetValue_AddScore(t *testing.T) {
	z := NewSortedSet()
	if !z.Add("alice", 10) {
		t.Error("expected new member to report true")
	}
	if z.Add("alice", 20) {
		t.Error("expected score update to report false")
	}
	score, ok := z.Score("alice")
	if !ok || score != 20 {
		t.Errorf("got %v, %v, want 20", score, ok)
	}
}

func TestSortedSetValue_Remove(t *testing.T) {
	z := NewSortedSet()
	z.Add("a", 1)
	if !z.Remove("a") {
		t.Error("expected remove to succeed")
	}
	if z.Remove("a") {
		t.Error("expected second remove to fail")
	}
}

func TestSortedSetValue_Rank(t *testing.T) {
	z := NewSortedSet()
	z.Add("c", 3)
	z.Add("a", 1)
	z.Add("b", 2)

	if r := z.Rank("a"); r != 0 {
		t.Errorf("rank(a) = %d, want 0", r)
	}
	if r := z.Rank("b"); r != 1 {
		t.Errorf("rank(b) = %d, want 1", r)
	}
	if r := z.Rank("c"); r != 2 {
		t.Errorf("rank(c) = %d, want 2", r)
	}
	if r := z.Rank("missing"); r != -1 {
		t.Errorf("rank(missing) = %d, want -1", r)
	}
}

func TestSortedSetValue_RankTieBrokenByMember(t *testing.T) {
	z := NewSortedSet()
	z.Add("z", 5)
	z.Add("a", 5)
	z.Add("m", 5)

	if r := z.Rank("a"); r != 0 {
		t.Errorf("rank(a) = %d, want 0 (tie broken lexically)", r)
	}
	if r := z.Rank("m"); r != 1 {
		t.Errorf("rank(m) = %d, want 1", r)
	}
	if r := z.Rank("z"); r != 2 {
		t.Errorf("rank(z) = %d, want 2", r)
	}
}

func TestSortedSetValue_RangeByRank(t *testing.T) {
	z := NewSortedSet()
	z.Add("a", 1)
	z.Add("b", 2)
	z.Add("c", 3)
	z.Add("d", 4)

	members := z.RangeByRank(1, 2)
	if len(members) != 2 || members[0].Member != "b" || members[1].Member != "c" {
		t.Errorf("unexpected range: %v", members)
	}

	all := z.RangeByRank(0, -1)
	if len(all) != 4 {
		t.Errorf("expected all 4 members, got %d", len(all))
	}
}

func TestSortedSetValue_RangeByScore(t *testing.T) {
	z := NewSortedSet()
	z.Add("a", 1)
	z.Add("b", 2)
	z.Add("c", 3)

	members := z.RangeByScore(2, 3)
	if len(members) != 2 || members[0].Member != "b" || members[1].Member != "c" {
		t.Errorf("unexpected range: %v", members)
	}
}

func TestSortedSetValue_All(t *testing.T) {
	z := NewSortedSet()
	z.Add("x", 5)
	z.Add("y", 1)

	all := z.All()
	if len(all) != 2 || all[0].Member != "y" || all[1].Member != "x" {
		t.Errorf("expected ascending score order, got %v", all)
	}
}

func TestSortedSetValue_LargeInsertPreservesOrder(t *testing.T) {
	z := NewSortedSet()
	for i := 0; i < 200; i++ {
		z.Add(string(rune('A'+(i%26)))+string(rune('a'+(i/26))), float64(200-i))
	}
	all := z.All()
	for i := 1; i < len(all); i++ {
		if all[i-1].Score > all[i].Score {
			t.Fatalf("scores not ascending at index %d: %v > %v", i, all[i-1].Score, all[i].Score)
		}
	}
}
