package kverr

import "testing"

func TestError_Error(t *testing.T) {
	e := New(WrongType, "Operation against a key holding the wrong kind of value")
	if e.Error() != "WRONGTYPE Operation against a key holding the wrong kind of value" {
		t.Errorf("Error() = %q", e.Error())
	}
}

func TestWrongArity(t *testing.T) {
	e := WrongArity("GET")
	if e.Category != Generic {
		t.Errorf("category = %q, want ERR", e.Category)
	}
	want := "ERR wrong number of arguments for 'GET' command"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
}

func TestUnknownCommand(t *testing.T) {
	e := UnknownCommand("FOO", []string{"bar", "baz"})
	if e.Category != Generic {
		t.Errorf("category = %q, want ERR", e.Category)
	}
}
