package kvstore

import "testing"

func TestSetValue_AddContains(t *testing.T) {
	s := NewSet()
	if !s.Add("a") {
		t.Error("expected new member to report true")
	}
	if s.Add("a") {
		t.Error("expected duplicate add to report false")
	}
	if !s.Contains("a") {
		t.Error("expected member to be present")
	}
	if s.Contains("b") {
		t.Error("expected absent member to report false")
	}
}

func TestSetValue_Remove(t *testing.T) {
	s := NewSet()
	s.Add("a")
	if !s.Remove("a") {
		t.Error("expected remove to succeed")
	}
	if s.Remove("a") {
		t.Error("expected second remove to fail")
	}
}

func TestSetValue_Members(t *testing.T) {
	s := NewSet()
	s.Add("a")
	s.Add("b")
	s.Add("c")
	if len(s.Members()) != 3 {
		t.Errorf("expected 3 members, got %d", len(s.Members()))
	}
	if s.Len() != 3 {
		t.Errorf("expected len 3, got %d", s.Len())
	}
}
