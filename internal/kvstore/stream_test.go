package kvstore

import "testing"

func TestStreamEntryID_Less(t *testing.T) {
	a := StreamEntryID{Ms: 1, Seq: 0}
	b := StreamEntryID{Ms: 1, Seq: 1}
	c := StreamEntryID{Ms: 2, Seq: 0}

	if !a.Less(b) {
		t.Error("expected a < b")
	}
	if !b.Less(c) {
		t.Error("expected b < c")
	}
	if a.Less(a) {
		t.Error("expected a not less than itself")
	}
}

func TestStreamEntryID_String(t *testing.T) {
	id := StreamEntryID{Ms: 123, Seq: 4}
	if id.String() != "123-4" {
		t.Errorf("got %q, want 123-4", id.String())
	}
}

func TestParseStreamEntryID_FullAuto(t *testing.T) {
	id, auto, err := ParseStreamEntryID("*", 100, 0)
	if err != nil || !auto || id.Ms != 100 || id.Seq != 0 {
		t.Errorf("got %v, %v, %v", id, auto, err)
	}
}

func TestParseStreamEntryID_MsOnly(t *testing.T) {
	id, auto, err := ParseStreamEntryID("100", 0, 0)
	if err != nil || auto || id.Ms != 100 || id.Seq != 0 {
		t.Errorf("got %v, %v, %v", id, auto, err)
	}
}

func TestParseStreamEntryID_MsAutoSeq(t *testing.T) {
	id, auto, err := ParseStreamEntryID("100-*", 0, 7)
	if err != nil || !auto || id.Ms != 100 {
		t.Errorf("got %v, %v, %v", id, auto, err)
	}
}

func TestParseStreamEntryID_Explicit(t *testing.T) {
	id, auto, err := ParseStreamEntryID("100-5", 0, 0)
	if err != nil || auto || id.Ms != 100 || id.Seq != 5 {
		t.Errorf("got %v, %v, %v", id, auto, err)
	}
}

func TestParseStreamEntryID_Invalid(t *testing.T) {
	if _, _, err := ParseStreamEntryID("notanumber", 0, 0); err == nil {
		t.Error("expected error for non-numeric id")
	}
}

func TestStreamValue_AddAndMonotonicity(t *testing.T) {
	s := NewStream()
	if err := s.Add(StreamEntryID{Ms: 1, Seq: 0}, []string{"field"}, [][]byte{[]byte("value")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Add(StreamEntryID{Ms: 1, Seq: 0}, nil, nil); err == nil {
		t.Error("expected error for non-increasing id")
	}
	if err := s.Add(StreamEntryID{Ms: 2, Seq: 0}, nil, nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", s.Len())
	}
}

func TestStreamValue_RejectsZeroZero(t *testing.T) {
	s := NewStream()
	if err := s.Add(StreamEntryID{}, nil, nil); err == nil {
		t.Error("expected error for 0-0 id")
	}
}

func TestStreamValue_NextAutoID(t *testing.T) {
	s := NewStream()
	s.Add(StreamEntryID{Ms: 100, Seq: 0}, nil, nil)

	ms, seq := s.NextAutoID(100)
	if ms != 100 || seq != 1 {
		t.Errorf("expected (100,1) for same-ms tick, got (%d,%d)", ms, seq)
	}

	ms, seq = s.NextAutoID(200)
	if ms != 200 || seq != 0 {
		t.Errorf("expected (200,0) for later tick, got (%d,%d)", ms, seq)
	}
}

func TestStreamValue_Range(t *testing.T) {
	s := NewStream()
	s.Add(StreamEntryID{Ms: 1, Seq: 0}, nil, nil)
	s.Add(StreamEntryID{Ms: 2, Seq: 0}, nil, nil)
	s.Add(StreamEntryID{Ms: 3, Seq: 0}, nil, nil)

	got := s.Range(StreamEntryID{Ms: 2, Seq: 0}, StreamEntryID{Ms: 3, Seq: 0})
	if len(got) != 2 || got[0].ID.Ms != 2 || got[1].ID.Ms != 3 {
		t.Errorf("unexpected range: %v", got)
	}
}

func TestStreamValue_All(t *testing.T) {
	s := NewStream()
	s.Add(StreamEntryID{Ms: 1, Seq: 0}, []string{"f"}, [][]byte{[]byte("v")})
	all := s.All()
	if len(all) != 1 || all[0].Fields[0] != "f" {
		t.Errorf("unexpected entries: %v", all)
	}
}
