package kvserver

import (
	"context"
	"strings"
	"time"

	"github.com/kvstored/kvstored/internal/kvstore"
	"github.com/kvstored/kvstored/internal/kvstore/kverr"
	"github.com/kvstored/kvstored/internal/resp"
)

func registerListCommands(t *dispatchTable) {
	t.register("LPUSH", -3, flagWrite, cmdLPush)
	t.register("RPUSH", -3, flagWrite, cmdRPush)
	t.register("LPOP", -2, flagWrite, cmdLPop)
	t.register("RPOP", -2, flagWrite, cmdRPop)
	t.register("LLEN", 2, 0, cmdLLen)
	t.register("LRANGE", 4, 0, cmdLRange)
	t.register("LINDEX", 3, 0, cmdLIndex)
	t.register("LSET", 4, flagWrite, cmdLSet)
	t.register("LINSERT", 5, flagWrite, cmdLInsert)
	t.register("LREM", 4, flagWrite, cmdLRem)
	t.register("BLPOP", -3, flagBlocking, cmdBLPop)
	t.register("BRPOP", -3, flagBlocking, cmdBRPop)
}

func getOrCreateList(db *kvstore.DB, key string) (*kvstore.ListValue, bool, error) {
	v, ok, err := lookupTyped[*kvstore.ListValue](db, key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return v, false, nil
	}
	v = kvstore.NewList()
	db.Set(key, &kvstore.Entry{Value: v})
	return v, true, nil
}

func pushHelper(s *Server, c *Conn, args [][]byte, left bool) {
	key := string(args[1])
	db := s.db(c)
	v, created, err := getOrCreateList(db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	elems := args[2:]
	if left {
		v.PushLeft(elems...)
	} else {
		v.PushRight(elems...)
	}
	if !created {
		db.Touch(key)
	}
	s.MarkDirty(int64(len(elems)))
	s.Blocking.Notify(c.db, key)
	_ = resp.WriteInteger(c.bw, int64(v.Len()))
}

func cmdLPush(_ context.Context, s *Server, c *Conn, args [][]byte) { pushHelper(s, c, args, true) }
func cmdRPush(_ context.Context, s *Server, c *Conn, args [][]byte) { pushHelper(s, c, args, false) }

func popHelper(s *Server, c *Conn, args [][]byte, left bool) {
	key := string(args[1])
	db := s.db(c)
	v, ok, err := lookupTyped[*kvstore.ListValue](db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	count := 1
	multi := len(args) == 3
	if multi {
		n, err := parseInt(args[2])
		if err != nil || n < 0 {
			writeErr(c, kverr.ErrNotInteger)
			return
		}
		count = int(n)
	}
	if !ok {
		if multi {
			_ = resp.WriteNullArray(c.bw)
		} else {
			_ = resp.WriteNullBulk(c.bw)
		}
		return
	}

	var popped [][]byte
	for i := 0; i < count; i++ {
		var b []byte
		var ok bool
		if left {
			b, ok = v.PopLeft()
		} else {
			b, ok = v.PopRight()
		}
		if !ok {
			break
		}
		popped = append(popped, b)
	}
	if len(popped) > 0 {
		db.Touch(key)
		s.MarkDirty(int64(len(popped)))
	}
	if v.Len() == 0 {
		db.Del(key)
	}

	if multi {
		writeBulkBytes(c, popped)
		return
	}
	if len(popped) == 0 {
		_ = resp.WriteNullBulk(c.bw)
		return
	}
	_ = resp.WriteBulk(c.bw, popped[0])
}

func cmdLPop(_ context.Context, s *Server, c *Conn, args [][]byte) { popHelper(s, c, args, true) }
func cmdRPop(_ context.Context, s *Server, c *Conn, args [][]byte) { popHelper(s, c, args, false) }

func cmdLLen(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.ListValue](s.db(c), string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteInteger(c.bw, 0)
		return
	}
	_ = resp.WriteInteger(c.bw, int64(v.Len()))
}

func cmdLRange(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.ListValue](s.db(c), string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteArrayHeader(c.bw, 0)
		return
	}
	start, err := parseInt(args[2])
	if err != nil {
		writeErr(c, err)
		return
	}
	stop, err := parseInt(args[3])
	if err != nil {
		writeErr(c, err)
		return
	}
	writeBulkBytes(c, v.Range(int(start), int(stop)))
}

func cmdLIndex(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.ListValue](s.db(c), string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteNullBulk(c.bw)
		return
	}
	idx, err := parseInt(args[2])
	if err != nil {
		writeErr(c, err)
		return
	}
	b, ok := v.Index(int(idx))
	if !ok {
		_ = resp.WriteNullBulk(c.bw)
		return
	}
	_ = resp.WriteBulk(c.bw, b)
}

func cmdLSet(_ context.Context, s *Server, c *Conn, args [][]byte) {
	key := string(args[1])
	db := s.db(c)
	v, ok, err := lookupTyped[*kvstore.ListValue](db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		writeErr(c, kverr.ErrNoSuchKey)
		return
	}
	idx, err := parseInt(args[2])
	if err != nil {
		writeErr(c, err)
		return
	}
	if !v.Set(int(idx), args[3]) {
		writeErr(c, kverr.ErrIndexOutOfRange)
		return
	}
	db.Touch(key)
	s.MarkDirty(1)
	writeOK(c)
}

func cmdLInsert(_ context.Context, s *Server, c *Conn, args [][]byte) {
	key := string(args[1])
	db := s.db(c)
	v, ok, err := lookupTyped[*kvstore.ListValue](db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteInteger(c.bw, 0)
		return
	}
	before := strings.EqualFold(string(args[2]), "BEFORE")
	if !before && !strings.EqualFold(string(args[2]), "AFTER") {
		writeErr(c, kverr.ErrSyntax)
		return
	}
	var inserted bool
	if before {
		inserted = v.InsertBefore(args[3], args[4])
	} else {
		inserted = v.InsertAfter(args[3], args[4])
	}
	if !inserted {
		_ = resp.WriteInteger(c.bw, -1)
		return
	}
	db.Touch(key)
	s.MarkDirty(1)
	_ = resp.WriteInteger(c.bw, int64(v.Len()))
}

func cmdLRem(_ context.Context, s *Server, c *Conn, args [][]byte) {
	key := string(args[1])
	db := s.db(c)
	v, ok, err := lookupTyped[*kvstore.ListValue](db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteInteger(c.bw, 0)
		return
	}
	count, err := parseInt(args[2])
	if err != nil {
		writeErr(c, err)
		return
	}
	n := v.RemoveMatching(args[3], int(count))
	if n > 0 {
		db.Touch(key)
		s.MarkDirty(int64(n))
	}
	if v.Len() == 0 {
		db.Del(key)
	}
	_ = resp.WriteInteger(c.bw, int64(n))
}

// parseBlockingPopArgs splits a BLPOP/BRPOP argument list into its key
// list and timeout, shared by both the blocking path and the
// transaction fast path below.
func parseBlockingPopArgs(args [][]byte) ([]string, time.Duration, error) {
	keys := make([]string, len(args)-2)
	for i, a := range args[1 : len(args)-1] {
		keys[i] = string(a)
	}
	timeoutSec, err := parseFloat(args[len(args)-1])
	if err != nil || timeoutSec < 0 {
		return nil, 0, kverr.New(kverr.Generic, "timeout is not a float or out of range")
	}
	return keys, time.Duration(timeoutSec * float64(time.Second)), nil
}

// popFirstAvailable scans keys in order and pops from the first one
// holding a non-empty list, left or right. It stops and reports the
// first wrong-type key it hits rather than skipping past it: a listed
// key holding the wrong type is a client error, not grounds for trying
// the next key. The caller must already hold s.mu for writing.
func popFirstAvailable(s *Server, c *Conn, keys []string, left bool) (string, []byte, bool, error) {
	db := s.db(c)
	for _, key := range keys {
		v, ok, err := lookupTyped[*kvstore.ListValue](db, key)
		if err != nil {
			return "", nil, false, err
		}
		if !ok {
			continue
		}
		var b []byte
		var popped bool
		if left {
			b, popped = v.PopLeft()
		} else {
			b, popped = v.PopRight()
		}
		if !popped {
			continue
		}
		db.Touch(key)
		s.MarkDirty(1)
		if v.Len() == 0 {
			db.Del(key)
		}
		return key, b, true, nil
	}
	return "", nil, false, nil
}

// blockingPopHelper implements BLPOP/BRPOP: an immediate try across
// every key, then a park-and-retry loop bounded by an optional
// deadline, racing other blocked clients for whichever key is pushed
// to first. It manages its own locking, since flagBlocking commands
// are dispatched outside s.mu (see Execute) precisely so they can
// park without holding the server lock.
func blockingPopHelper(ctx context.Context, s *Server, c *Conn, args [][]byte, left bool) {
	keys, timeout, err := parseBlockingPopArgs(args)
	if err != nil {
		writeErr(c, err)
		return
	}

	s.mu.Lock()
	key, val, ok, err := popFirstAvailable(s, c, keys, left)
	s.mu.Unlock()
	if err != nil {
		writeErr(c, err)
		return
	}
	if ok {
		writeBulkStrings2(c, key, val)
		return
	}

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		w := s.Blocking.RegisterMany(c.db, keys)
		remaining := timeout
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				s.Blocking.UnregisterMany(c.db, keys, w)
				_ = resp.WriteNullArray(c.bw)
				return
			}
		}
		woke := s.Blocking.Wait(ctx, w, remaining)
		s.Blocking.UnregisterMany(c.db, keys, w)
		if !woke {
			_ = resp.WriteNullArray(c.bw)
			return
		}

		s.mu.Lock()
		key, val, ok, err := popFirstAvailable(s, c, keys, left)
		s.mu.Unlock()
		if err != nil {
			writeErr(c, err)
			return
		}
		if ok {
			writeBulkStrings2(c, key, val)
			return
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			_ = resp.WriteNullArray(c.bw)
			return
		}
	}
}

// blockingPopInTx runs BLPOP/BRPOP's non-blocking fast path: queued
// inside MULTI/EXEC, a blocking command never actually parks (matching
// real transactional semantics) and s.mu is already held by execTx for
// the whole transaction, so this tries once against the already-locked
// keyspace and returns immediately, successful or not, instead of
// calling blockingPopHelper (which would try to lock s.mu itself and
// deadlock the server permanently).
func blockingPopInTx(s *Server, c *Conn, args [][]byte, left bool) {
	keys, _, err := parseBlockingPopArgs(args)
	if err != nil {
		writeErr(c, err)
		return
	}
	key, val, ok, err := popFirstAvailable(s, c, keys, left)
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteNullArray(c.bw)
		return
	}
	writeBulkStrings2(c, key, val)
}

func writeBulkStrings2(c *Conn, key string, val []byte) {
	_ = resp.WriteArrayHeader(c.bw, 2)
	_ = resp.WriteBulkString(c.bw, key)
	_ = resp.WriteBulk(c.bw, val)
}

func cmdBLPop(ctx context.Context, s *Server, c *Conn, args [][]byte) {
	blockingPopHelper(ctx, s, c, args, true)
}

func cmdBRPop(ctx context.Context, s *Server, c *Conn, args [][]byte) {
	blockingPopHelper(ctx, s, c, args, false)
}
