package kvstore

import "testing"

func TestHashValue_SetGet(t *testing.T) {
	h := NewHash()
	if !h.Set("field1", []byte("value1")) {
		t.Error("expected new field to report true")
	}
	if h.Set("field1", []byte("value2")) {
		t.Error("expected overwrite to report false")
	}

	v, ok := h.Get("field1")
	if !ok || string(v) != "value2" {
		t.Errorf("got %q, %v, want value2", v, ok)
	}
}

func TestHashValue_Delete(t *testing.T) {
	h := NewHash()
	h.Set("f", []byte("v"))

	if !h.Delete("f") {
		t.Error("expected delete to succeed")
	}
	if h.Delete("f") {
		t.Error("expected second delete to fail")
	}
	if _, ok := h.Get("f"); ok {
		t.Error("expected field to be gone")
	}
}

func TestHashValue_LenAndKeys(t *testing.T) {
	h := NewHash()
	h.Set("a", []byte("1"))
	h.Set("b", []byte("2"))

	if h.Len() != 2 {
		t.Errorf("expected len 2, got %d", h.Len())
	}
	keys := h.Keys()
	if len(keys) != 2 {
		t.Errorf("expected 2 keys, got %d", len(keys))
	}
}

func TestHashValue_AllIsDefensiveCopy(t *testing.T) {
	h := NewHash()
	h.Set("a", []byte("1"))

	all := h.All()
	all["a"] = []byte("mutated")

	v, _ := h.Get("a")
	if string(v) != "1" {
		t.Errorf("expected internal state unaffected, got %q", v)
	}
}
