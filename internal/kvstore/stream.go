package kvstore

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// StreamEntryID identifies an entry within a stream: a millisecond
// timestamp and a per-millisecond sequence number. IDs are strictly
// increasing within a stream.
type StreamEntryID struct {
	Ms  uint64
	Seq uint64
}

func (id StreamEntryID) String() string {
	return fmt.Sprintf("%d-%d", id.Ms, id.Seq)
}

// Less reports whether id sorts before other.
func (id StreamEntryID) Less(other StreamEntryID) bool {
	if id.Ms != other.Ms {
		return id.Ms < other.Ms
	}
	return id.Seq < other.Seq
}

// ParseStreamEntryID parses the "ms-seq", "ms" (seq defaults to 0), or
// "*" (auto-generate, reported via autoMs/autoSeq) forms.
func ParseStreamEntryID(s string, autoMs uint64, autoSeq uint64) (StreamEntryID, bool, error) {
	if s == "*" {
		return StreamEntryID{Ms: autoMs, Seq: autoSeq}, true, nil
	}

	parts := strings.SplitN(s, "-", 2)
	ms, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return StreamEntryID{}, false, fmt.Errorf("invalid stream ID specified as stream command argument")
	}
	if len(parts) == 1 {
		return StreamEntryID{Ms: ms, Seq: 0}, false, nil
	}
	if parts[1] == "*" {
		return StreamEntryID{Ms: ms}, true, nil
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return StreamEntryID{}, false, fmt.Errorf("invalid stream ID specified as stream command argument")
	}
	return StreamEntryID{Ms: ms, Seq: seq}, false, nil
}

// StreamEntry is one record appended to a stream: an ID and an
// ordered field/value list (order is preserved, duplicate field names
// are permitted as the protocol allows).
type StreamEntry struct {
	ID     StreamEntryID
	Fields []string
	Values [][]byte
}

// StreamValue is an append-only ordered log of entries.
type StreamValue struct {
	entries []StreamEntry
	lastID  StreamEntryID
}

func (*StreamValue) Type() Type { return TypeStream }

// NewStream creates an empty stream.
func NewStream() *StreamValue {
	return &StreamValue{}
}

// Len returns the number of entries.
func (v *StreamValue) Len() int { return len(v.entries) }

// LastID returns the ID of the most recently added entry.
func (v *StreamValue) LastID() StreamEntryID { return v.lastID }

// NextAutoID computes the (ms, seq) pair XADD's "*" form would assign
// given the current wall-clock time in milliseconds.
func (v *StreamValue) NextAutoID(nowMs uint64) (uint64, uint64) {
	if nowMs > v.lastID.Ms {
		return nowMs, 0
	}
	return v.lastID.Ms, v.lastID.Seq + 1
}

// Add appends an entry, rejecting IDs that do not strictly exceed the
// last one.
func (v *StreamValue) Add(id StreamEntryID, fields []string, values [][]byte) error {
	if len(v.entries) > 0 && !v.lastID.Less(id) {
		return fmt.Errorf("The ID specified in XADD is equal or smaller than the target stream top item")
	}
	if id.Ms == 0 && id.Seq == 0 {
		return fmt.Errorf("The ID specified in XADD must be greater than 0-0")
	}
	v.entries = append(v.entries, StreamEntry{ID: id, Fields: fields, Values: values})
	v.lastID = id
	return nil
}

// Range returns entries with ID in [start, end], inclusive, in ID
// order (the log is always appended in increasing ID order, so the
// stored slice is already sorted).
func (v *StreamValue) Range(start, end StreamEntryID) []StreamEntry {
	lo := sort.Search(len(v.entries), func(i int) bool {
		return !v.entries[i].ID.Less(start)
	})
	var out []StreamEntry
	for i := lo; i < len(v.entries) && !end.Less(v.entries[i].ID); i++ {
		out = append(out, v.entries[i])
	}
	return out
}

// All returns every entry in ID order.
func (v *StreamValue) All() []StreamEntry {
	return append([]StreamEntry(nil), v.entries...)
}

// DeleteIDs removes entries whose ID matches one of ids (in "ms-seq"
// form), reporting how many were removed. Unlike Add/Range, deletion
// does not affect LastID: a stream's monotonic ID sequence survives
// XDEL, matching the source's tombstone-by-removal semantics.
func (v *StreamValue) DeleteIDs(ids []string) int {
	want := make(map[StreamEntryID]bool, len(ids))
	for _, s := range ids {
		id, _, err := ParseStreamEntryID(s, 0, 0)
		if err != nil {
			continue
		}
		want[id] = true
	}
	if len(want) == 0 {
		return 0
	}
	out := v.entries[:0]
	removed := 0
	for _, e := range v.entries {
		if want[e.ID] {
			removed++
			continue
		}
		out = append(out, e)
	}
	v.entries = out
	return removed
}
