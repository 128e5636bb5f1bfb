package kvserver

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/kvstored/kvstored/internal/kvstore"
	"github.com/kvstored/kvstored/internal/kvstore/kverr"
	"github.com/kvstored/kvstored/internal/resp"
	"github.com/kvstored/kvstored/internal/txn"
)

// flag marks a command's execution properties, used both for dispatch
// bookkeeping (locking, subscribe-mode restriction) and for reporting
// via COMMAND.
type flag uint8

const (
	flagWrite flag = 1 << iota
	flagBlocking
	flagPubsubAllowed // usable while the connection has active subscriptions
	flagAdmin
)

// handlerFunc executes one command. For non-blocking commands the
// caller (Execute, or the EXEC loop) already holds the appropriate
// s.mu lock; a blocking handler manages its own locking internally.
type handlerFunc func(ctx context.Context, s *Server, c *Conn, args [][]byte)

// command is one dispatch table entry. arity follows the conventional
// encoding: a non-negative value is an exact argument count (including
// the command name itself); a negative value is a minimum.
type command struct {
	name    string
	arity   int
	flags   flag
	handler handlerFunc
}

func (cmd *command) checkArity(args [][]byte) bool {
	if cmd.arity >= 0 {
		return len(args) == cmd.arity
	}
	return len(args) >= -cmd.arity
}

type dispatchTable struct {
	cmds map[string]*command
}

func newDispatchTable() *dispatchTable {
	return &dispatchTable{cmds: make(map[string]*command)}
}

func (t *dispatchTable) register(name string, arity int, flags flag, h handlerFunc) {
	t.cmds[name] = &command{name: name, arity: arity, flags: flags, handler: h}
}

func (t *dispatchTable) lookup(name string) (*command, bool) {
	cmd, ok := t.cmds[name]
	return cmd, ok
}

func (t *dispatchTable) names() []string {
	out := make([]string, 0, len(t.cmds))
	for n := range t.cmds {
		out = append(out, n)
	}
	return out
}

// buildDispatchTable assembles the full command table from each
// value-family's registrar, mirroring §6's requirement that every
// listed command family be reachable through one case-insensitive
// table.
func buildDispatchTable() *dispatchTable {
	t := newDispatchTable()
	registerStringCommands(t)
	registerListCommands(t)
	registerHashCommands(t)
	registerSetCommands(t)
	registerZSetCommands(t)
	registerStreamCommands(t)
	registerHLLCommands(t)
	registerKeyCommands(t)
	registerAdminCommands(t)
	registerPubSubCommands(t)
	registerPersistenceCommands(t)
	registerTxControlCommands(t)
	return t
}

// txControlNames are handled directly by Execute rather than queued
// during MULTI, since they manage the transaction state machine
// itself.
var txControlNames = map[string]bool{
	"MULTI": true, "EXEC": true, "DISCARD": true, "WATCH": true, "UNWATCH": true,
}

// registerTxControlCommands gives MULTI/EXEC/DISCARD/WATCH/UNWATCH
// dispatch table entries so the unknown-command and arity checks at
// the top of Execute see them as recognized before txControlNames
// diverts them to dispatchTxControl; txControlNames intercepts every
// one of these names ahead of cmd.handler, so the handler here never
// runs.
func registerTxControlCommands(t *dispatchTable) {
	t.register("MULTI", 1, 0, txControlUnreachable)
	t.register("EXEC", 1, 0, txControlUnreachable)
	t.register("DISCARD", 1, 0, txControlUnreachable)
	t.register("WATCH", -2, 0, txControlUnreachable)
	t.register("UNWATCH", 1, 0, txControlUnreachable)
}

func txControlUnreachable(context.Context, *Server, *Conn, [][]byte) {
	panic("kvserver: transaction control command reached its dispatch handler")
}

// subscribeModeAllowed mirrors the protocol's restriction that a
// connection with at least one active subscription may only issue
// subscribe management commands plus PING/QUIT/RESET.
var subscribeModeAllowed = map[string]bool{
	"SUBSCRIBE": true, "UNSUBSCRIBE": true, "PSUBSCRIBE": true, "PUNSUBSCRIBE": true,
	"PING": true, "QUIT": true, "RESET": true,
}

// Execute dispatches one already-parsed command for connection c,
// writing its reply directly to c.bw. It never returns an error to the
// caller: protocol-visible failures are written as RESP error replies.
func (s *Server) Execute(ctx context.Context, c *Conn, args [][]byte) {
	name := resp.NormalizeCommandName(args[0])

	if c.subCount > 0 && !subscribeModeAllowed[name] {
		writeErrString(c, "ERR only (P)SUBSCRIBE / (P)UNSUBSCRIBE / PING / QUIT / RESET are allowed in this context")
		return
	}

	cmd, ok := s.dispatch.lookup(name)
	if !ok {
		if c.tx.InMulti() {
			c.tx.SetQueueError()
		}
		stringArgs := make([]string, 0, len(args)-1)
		for _, a := range args[1:] {
			stringArgs = append(stringArgs, string(a))
		}
		writeErr(c, kverr.UnknownCommand(strings.ToLower(name), stringArgs))
		return
	}

	if !cmd.checkArity(args) {
		if c.tx.InMulti() {
			c.tx.SetQueueError()
		}
		writeErr(c, kverr.WrongArity(strings.ToLower(name)))
		return
	}

	if s.RequirePass() != "" && !c.authenticated && name != "AUTH" {
		writeErr(c, kverr.ErrNoAuth)
		return
	}

	if txControlNames[name] {
		s.dispatchTxControl(name, c, args)
		return
	}

	if c.tx.InMulti() {
		qargs := make([]string, len(args)-1)
		for i, a := range args[1:] {
			qargs[i] = string(a)
		}
		c.tx.Enqueue(txn.Command{Name: name, Args: qargs})
		_ = resp.WriteSimpleString(c.bw, "QUEUED")
		return
	}

	if cmd.flags&flagBlocking != 0 {
		cmd.handler(ctx, s, c, args)
		return
	}

	if cmd.flags&flagWrite != 0 {
		s.mu.Lock()
		if s.rejectForOOM() {
			writeErrString(c, "OOM command not allowed when used memory > 'maxmemory'.")
		} else {
			c.hadError = false
			cmd.handler(ctx, s, c, args)
			s.afterWrite(c, args)
		}
		s.mu.Unlock()
	} else {
		s.mu.RLock()
		cmd.handler(ctx, s, c, args)
		s.mu.RUnlock()
	}
}

// rejectForOOM reports whether a write should be refused outright
// under §4.2's noeviction policy: the memory cap is set, exceeded, and
// eviction has no victim to offer instead. Called with s.mu held for
// writing.
func (s *Server) rejectForOOM() bool {
	maxBytes := s.MaxMemoryBytes()
	if maxBytes <= 0 {
		return false
	}
	if s.EvictionPolicy() != kvstore.EvictNoEviction {
		return false
	}
	return s.Keyspace.EstimatedMemory() > maxBytes
}

// afterWrite runs the eviction sweep (if a memory cap and a non-
// noeviction policy are configured) and appends the command to the
// AOF log if it completed without error. Called with s.mu held for
// writing, immediately after a write handler returns.
func (s *Server) afterWrite(c *Conn, args [][]byte) {
	if maxBytes := s.MaxMemoryBytes(); maxBytes > 0 && s.EvictionPolicy() != kvstore.EvictNoEviction {
		s.Keyspace.EvictUntil(c.db, s.EvictionPolicy(), maxBytes)
	}
	if s.AOF != nil && !c.hadError {
		s.appendAOF(c.db, args)
	}
}

// appendAOF writes cmd to the command log, prefixing a SELECT record
// whenever the target database differs from the last one appended so
// replay (which tracks the current database purely from SELECT
// records, per aof.Replay) reconstructs state in the right database.
func (s *Server) appendAOF(db int, args [][]byte) {
	if s.aofLastDB.Load() != int32(db) {
		if err := s.AOF.Append([][]byte{[]byte("SELECT"), []byte(strconv.Itoa(db))}); err != nil {
			s.logger.Error("AOF append failed", "error", err)
			return
		}
		s.aofLastDB.Store(int32(db))
	}
	if err := s.AOF.Append(args); err != nil {
		s.logger.Error("AOF append failed", "error", err)
		return
	}
	_ = s.AOF.MaybeSync()
}

func (s *Server) dispatchTxControl(name string, c *Conn, args [][]byte) {
	switch name {
	case "MULTI":
		if err := c.tx.Multi(); err != nil {
			writeErr(c, err)
			return
		}
		_ = resp.WriteSimpleString(c.bw, "OK")

	case "DISCARD":
		if err := c.tx.Discard(); err != nil {
			writeErr(c, err)
			return
		}
		_ = resp.WriteSimpleString(c.bw, "OK")

	case "WATCH":
		if len(args) < 2 {
			writeErr(c, kverr.WrongArity("watch"))
			return
		}
		keys := make([]string, len(args)-1)
		for i, a := range args[1:] {
			keys[i] = string(a)
		}
		s.mu.RLock()
		err := c.tx.Watch(c.db, keys, s.keyChecker())
		s.mu.RUnlock()
		if err != nil {
			writeErr(c, err)
			return
		}
		_ = resp.WriteSimpleString(c.bw, "OK")

	case "UNWATCH":
		c.tx.Unwatch()
		_ = resp.WriteSimpleString(c.bw, "OK")

	case "EXEC":
		s.execTx(c)
	}
}

// execTx runs a transaction's queued commands atomically under a
// single write lock, so no other connection's command can interleave
// between them.
func (s *Server) execTx(c *Conn) {
	s.mu.Lock()
	cmds, conflict, err := c.tx.Exec(s.keyChecker())
	if err != nil {
		s.mu.Unlock()
		writeErr(c, err)
		return
	}
	if conflict {
		s.mu.Unlock()
		_ = resp.WriteNullArray(c.bw)
		return
	}

	_ = resp.WriteArrayHeader(c.bw, len(cmds))
	for _, qc := range cmds {
		cmdArgs := make([][]byte, 0, len(qc.Args)+1)
		cmdArgs = append(cmdArgs, []byte(qc.Name))
		for _, a := range qc.Args {
			cmdArgs = append(cmdArgs, []byte(a))
		}
		cmdDef, ok := s.dispatch.lookup(resp.NormalizeCommandName(cmdArgs[0]))
		if !ok {
			writeErr(c, kverr.UnknownCommand(strings.ToLower(qc.Name), qc.Args))
			continue
		}
		c.hadError = false
		if cmdDef.flags&flagBlocking != 0 {
			// A blocking command never actually blocks inside MULTI/EXEC:
			// s.mu is already held for the whole transaction here, so
			// calling the normal handler (which locks s.mu itself to
			// park) would deadlock the server permanently. Run its
			// non-blocking fast path instead.
			execTxBlocking(s, c, cmdDef.name, cmdArgs)
		} else {
			cmdDef.handler(context.Background(), s, c, cmdArgs)
		}
		if cmdDef.flags&flagWrite != 0 {
			s.afterWrite(c, cmdArgs)
		}
	}
	s.mu.Unlock()
}

// execTxBlocking runs the non-blocking fast path for a flagBlocking
// command queued inside a transaction, called with s.mu already held
// for writing.
func execTxBlocking(s *Server, c *Conn, name string, args [][]byte) {
	switch name {
	case "BLPOP":
		blockingPopInTx(s, c, args, true)
	case "BRPOP":
		blockingPopInTx(s, c, args, false)
	default:
		writeErr(c, kverr.New(kverr.Generic, "command not supported inside a transaction"))
	}
}

// keyspaceChecker adapts Keyspace to txn.KeyChecker.
type keyspaceChecker struct{ ks *kvstore.Keyspace }

func (k keyspaceChecker) KeyAlive(db int, key string) bool {
	return k.ks.DB(db).Exists(key)
}

func (k keyspaceChecker) KeyVersion(db int, key string) uint64 {
	return k.ks.DB(db).KeyVersion(key)
}

func (s *Server) keyChecker() txn.KeyChecker { return keyspaceChecker{ks: s.Keyspace} }

// --- reply helpers ---

func writeErr(c *Conn, err error) {
	c.hadError = true
	var ke *kverr.Error
	if errors.As(err, &ke) {
		_ = resp.WriteError(c.bw, ke.Error())
		return
	}
	_ = resp.WriteError(c.bw, "ERR "+err.Error())
}

func writeErrString(c *Conn, msg string) {
	c.hadError = true
	_ = resp.WriteError(c.bw, msg)
}

func writeOK(c *Conn) { _ = resp.WriteSimpleString(c.bw, "OK") }

func writeBulkStrings(c *Conn, items []string) {
	_ = resp.WriteArrayHeader(c.bw, len(items))
	for _, it := range items {
		_ = resp.WriteBulkString(c.bw, it)
	}
}

func writeBulkBytes(c *Conn, items [][]byte) {
	_ = resp.WriteArrayHeader(c.bw, len(items))
	for _, it := range items {
		_ = resp.WriteBulk(c.bw, it)
	}
}

func parseInt(b []byte) (int64, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, kverr.ErrNotInteger
	}
	return n, nil
}

func parseFloat(b []byte) (float64, error) {
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return 0, kverr.ErrNotFloat
	}
	return f, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', 17, 64)
}

// db returns the database currently selected by c.
func (s *Server) db(c *Conn) *kvstore.DB { return s.Keyspace.DB(c.db) }

// lookupTyped fetches key from d and asserts it holds a T, returning
// (zero, false, nil) when absent and (zero, false, kverr.ErrWrongType)
// when present under a different type.
func lookupTyped[T kvstore.Value](d *kvstore.DB, key string) (T, bool, error) {
	var zero T
	e, ok := d.Get(key)
	if !ok {
		return zero, false, nil
	}
	v, ok := e.Value.(T)
	if !ok {
		return zero, false, kverr.ErrWrongType
	}
	return v, true, nil
}

// peekTyped is lookupTyped without lazy expiration or LastAccess
// bookkeeping, for inspection commands (OBJECT, DUMP).
func peekTyped[T kvstore.Value](d *kvstore.DB, key string) (T, bool, error) {
	var zero T
	e, ok := d.Peek(key)
	if !ok {
		return zero, false, nil
	}
	v, ok := e.Value.(T)
	if !ok {
		return zero, false, kverr.ErrWrongType
	}
	return v, true, nil
}
