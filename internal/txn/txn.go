package txn

import "github.com/kvstored/kvstored/internal/kvstore/kverr"

// State is the per-connection transaction state.
type State int

const (
	StateNormal State = iota
	StateQueuing
)

// Command is one queued command awaiting EXEC.
type Command struct {
	Name string
	Args []string
}

// WatchedKey is a snapshot of a key's liveness and version taken at
// WATCH time.
type WatchedKey struct {
	DB      int
	Key     string
	Version uint64
	Alive   bool
}

// KeyChecker reports a key's current liveness and watch version. The
// keyspace satisfies this without txn importing it directly.
type KeyChecker interface {
	KeyAlive(db int, key string) bool
	KeyVersion(db int, key string) uint64
}

// Tx holds one connection's transaction state.
type Tx struct {
	state      State
	queue      []Command
	queueError bool
	watched    []WatchedKey
}

// New creates a Tx in the Normal state.
func New() *Tx {
	return &Tx{}
}

// InMulti reports whether a MULTI is currently open.
func (t *Tx) InMulti() bool { return t.state == StateQueuing }

// Multi opens a transaction, rejecting a nested MULTI.
func (t *Tx) Multi() error {
	if t.InMulti() {
		return kverr.ErrNestedMulti
	}
	t.state = StateQueuing
	t.queue = nil
	t.queueError = false
	return nil
}

// Enqueue appends a validated command to the pending queue.
func (t *Tx) Enqueue(cmd Command) {
	t.queue = append(t.queue, cmd)
}

// SetQueueError marks the transaction for EXECABORT, called when a
// queued command failed arity or existence validation.
func (t *Tx) SetQueueError() {
	t.queueError = true
}

// Discard abandons a transaction and its watches.
func (t *Tx) Discard() error {
	if !t.InMulti() {
		return kverr.ErrDiscardWithoutMulti
	}
	t.state = StateNormal
	t.reset()
	return nil
}

// Watch records the liveness and version of each key at WATCH time.
// WATCH inside MULTI is rejected, matching the protocol's restriction.
func (t *Tx) Watch(db int, keys []string, checker KeyChecker) error {
	if t.InMulti() {
		return kverr.New(kverr.Generic, "WATCH inside MULTI is not allowed")
	}
	for _, key := range keys {
		t.watched = append(t.watched, WatchedKey{
			DB:      db,
			Key:     key,
			Version: checker.KeyVersion(db, key),
			Alive:   checker.KeyAlive(db, key),
		})
	}
	return nil
}

// Unwatch clears the watch set without affecting MULTI state.
func (t *Tx) Unwatch() {
	t.watched = nil
}

// Exec validates the transaction and, if it may proceed, returns the
// queued commands to run under the caller's serializing discipline.
// conflict reports a WATCH version mismatch (null-array reply); err is
// non-nil for EXEC without MULTI or EXECABORT. Exec always clears
// queue/watch state before returning, matching the base spec's "any
// EXEC or DISCARD clears the watch set" rule.
func (t *Tx) Exec(checker KeyChecker) (cmds []Command, conflict bool, err error) {
	if !t.InMulti() {
		return nil, false, kverr.ErrWithoutMulti
	}
	t.state = StateNormal

	if t.queueError {
		t.reset()
		return nil, false, kverr.ErrExecAbort
	}

	for _, wk := range t.watched {
		aliveNow := checker.KeyAlive(wk.DB, wk.Key)
		var dirty bool
		switch {
		case wk.Alive && aliveNow:
			dirty = checker.KeyVersion(wk.DB, wk.Key) != wk.Version
		case !wk.Alive && !aliveNow:
			dirty = false
		default:
			dirty = true
		}
		if dirty {
			t.reset()
			return nil, true, nil
		}
	}

	cmds = t.queue
	t.reset()
	return cmds, false, nil
}

func (t *Tx) reset() {
	t.queue = nil
	t.watched = nil
	t.queueError = false
}
