package kvserver

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/kvstored/kvstored/internal/kvstore"
	"github.com/kvstored/kvstored/internal/kvstore/kverr"
	"github.com/kvstored/kvstored/internal/resp"
)

func registerStringCommands(t *dispatchTable) {
	t.register("GET", 2, 0, cmdGet)
	t.register("SET", -3, flagWrite, cmdSet)
	t.register("SETNX", 3, flagWrite, cmdSetNX)
	t.register("GETSET", 3, flagWrite, cmdGetSet)
	t.register("APPEND", 3, flagWrite, cmdAppend)
	t.register("STRLEN", 2, 0, cmdStrlen)
	t.register("INCR", 2, flagWrite, cmdIncr)
	t.register("DECR", 2, flagWrite, cmdDecr)
	t.register("INCRBY", 3, flagWrite, cmdIncrBy)
	t.register("DECRBY", 3, flagWrite, cmdDecrBy)
	t.register("INCRBYFLOAT", 3, flagWrite, cmdIncrByFloat)
	t.register("MSET", -3, flagWrite, cmdMSet)
	t.register("MGET", -2, 0, cmdMGet)
	t.register("GETRANGE", 4, 0, cmdGetRange)
	t.register("SETRANGE", 4, flagWrite, cmdSetRange)
	t.register("SETBIT", 4, flagWrite, cmdSetBit)
	t.register("GETBIT", 3, 0, cmdGetBit)
	t.register("BITCOUNT", -2, 0, cmdBitCount)
}

func cmdGet(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.StringValue](s.db(c), string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteNullBulk(c.bw)
		return
	}
	_ = resp.WriteBulk(c.bw, v.Bytes)
}

func cmdSet(_ context.Context, s *Server, c *Conn, args [][]byte) {
	key, val := string(args[1]), args[2]
	db := s.db(c)

	var ttlMs int64
	keepTTL := false
	nx, xx := false, false

	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(string(args[i])) {
		case "NX":
			nx = true
		case "XX":
			xx = true
		case "KEEPTTL":
			keepTTL = true
		case "EX", "PX":
			if i+1 >= len(args) {
				writeErr(c, kverr.ErrSyntax)
				return
			}
			n, err := parseInt(args[i+1])
			if err != nil {
				writeErr(c, err)
				return
			}
			if strings.ToUpper(string(args[i])) == "EX" {
				ttlMs = time.Now().UnixMilli() + n*1000
			} else {
				ttlMs = time.Now().UnixMilli() + n
			}
			i++
		default:
			writeErr(c, kverr.ErrSyntax)
			return
		}
	}

	exists := db.Exists(key)
	if nx && exists {
		_ = resp.WriteNullBulk(c.bw)
		return
	}
	if xx && !exists {
		_ = resp.WriteNullBulk(c.bw)
		return
	}

	if keepTTL && exists {
		if e, ok := db.Peek(key); ok {
			ttlMs = e.ExpireAtMs
		}
	}

	db.Set(key, &kvstore.Entry{Value: kvstore.NewString(val), ExpireAtMs: ttlMs})
	s.MarkDirty(1)
	writeOK(c)
}

func cmdSetNX(_ context.Context, s *Server, c *Conn, args [][]byte) {
	key := string(args[1])
	db := s.db(c)
	if db.Exists(key) {
		_ = resp.WriteInteger(c.bw, 0)
		return
	}
	db.Set(key, &kvstore.Entry{Value: kvstore.NewString(args[2])})
	s.MarkDirty(1)
	_ = resp.WriteInteger(c.bw, 1)
}

func cmdGetSet(_ context.Context, s *Server, c *Conn, args [][]byte) {
	key := string(args[1])
	db := s.db(c)
	old, ok, err := lookupTyped[*kvstore.StringValue](db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	db.Set(key, &kvstore.Entry{Value: kvstore.NewString(args[2])})
	s.MarkDirty(1)
	if !ok {
		_ = resp.WriteNullBulk(c.bw)
		return
	}
	_ = resp.WriteBulk(c.bw, old.Bytes)
}

func cmdAppend(_ context.Context, s *Server, c *Conn, args [][]byte) {
	key := string(args[1])
	db := s.db(c)
	v, ok, err := lookupTyped[*kvstore.StringValue](db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		v = kvstore.NewString(nil)
		db.Set(key, &kvstore.Entry{Value: v})
	}
	v.Bytes = append(v.Bytes, args[2]...)
	db.Touch(key)
	s.MarkDirty(1)
	_ = resp.WriteInteger(c.bw, int64(len(v.Bytes)))
}

func cmdStrlen(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.StringValue](s.db(c), string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteInteger(c.bw, 0)
		return
	}
	_ = resp.WriteInteger(c.bw, int64(len(v.Bytes)))
}

func incrByHelper(s *Server, c *Conn, key string, delta int64) {
	db := s.db(c)
	v, ok, err := lookupTyped[*kvstore.StringValue](db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	var n int64
	if ok {
		n, err = strconv.ParseInt(string(v.Bytes), 10, 64)
		if err != nil {
			writeErr(c, kverr.ErrNotInteger)
			return
		}
	}
	n += delta
	nv := kvstore.NewString([]byte(strconv.FormatInt(n, 10)))
	if ok {
		ttl := int64(0)
		if e, ok := db.Peek(key); ok {
			ttl = e.ExpireAtMs
		}
		db.Set(key, &kvstore.Entry{Value: nv, ExpireAtMs: ttl})
	} else {
		db.Set(key, &kvstore.Entry{Value: nv})
	}
	s.MarkDirty(1)
	_ = resp.WriteInteger(c.bw, n)
}

func cmdIncr(_ context.Context, s *Server, c *Conn, args [][]byte) {
	incrByHelper(s, c, string(args[1]), 1)
}

func cmdDecr(_ context.Context, s *Server, c *Conn, args [][]byte) {
	incrByHelper(s, c, string(args[1]), -1)
}

func cmdIncrBy(_ context.Context, s *Server, c *Conn, args [][]byte) {
	n, err := parseInt(args[2])
	if err != nil {
		writeErr(c, err)
		return
	}
	incrByHelper(s, c, string(args[1]), n)
}

func cmdDecrBy(_ context.Context, s *Server, c *Conn, args [][]byte) {
	n, err := parseInt(args[2])
	if err != nil {
		writeErr(c, err)
		return
	}
	incrByHelper(s, c, string(args[1]), -n)
}

func cmdIncrByFloat(_ context.Context, s *Server, c *Conn, args [][]byte) {
	delta, err := parseFloat(args[2])
	if err != nil {
		writeErr(c, err)
		return
	}
	key := string(args[1])
	db := s.db(c)
	v, ok, err := lookupTyped[*kvstore.StringValue](db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	var f float64
	if ok {
		f, err = strconv.ParseFloat(string(v.Bytes), 64)
		if err != nil {
			writeErr(c, kverr.ErrNotFloat)
			return
		}
	}
	f += delta
	out := formatFloat(f)
	nv := kvstore.NewString([]byte(out))
	if ok {
		ttl := int64(0)
		if e, ok := db.Peek(key); ok {
			ttl = e.ExpireAtMs
		}
		db.Set(key, &kvstore.Entry{Value: nv, ExpireAtMs: ttl})
	} else {
		db.Set(key, &kvstore.Entry{Value: nv})
	}
	s.MarkDirty(1)
	_ = resp.WriteBulkString(c.bw, out)
}

func cmdMSet(_ context.Context, s *Server, c *Conn, args [][]byte) {
	pairs := args[1:]
	if len(pairs)%2 != 0 {
		writeErr(c, kverr.WrongArity("mset"))
		return
	}
	db := s.db(c)
	for i := 0; i < len(pairs); i += 2 {
		db.Set(string(pairs[i]), &kvstore.Entry{Value: kvstore.NewString(pairs[i+1])})
	}
	s.MarkDirty(int64(len(pairs) / 2))
	writeOK(c)
}

func cmdMGet(_ context.Context, s *Server, c *Conn, args [][]byte) {
	db := s.db(c)
	_ = resp.WriteArrayHeader(c.bw, len(args)-1)
	for _, k := range args[1:] {
		v, ok, err := lookupTyped[*kvstore.StringValue](db, string(k))
		if err != nil || !ok {
			_ = resp.WriteNullBulk(c.bw)
			continue
		}
		_ = resp.WriteBulk(c.bw, v.Bytes)
	}
}

func cmdGetRange(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.StringValue](s.db(c), string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteBulkString(c.bw, "")
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
	n := int64(len(v.Bytes))
	lo, hi := clampRange(start, stop, n)
	if lo > hi {
		_ = resp.WriteBulkString(c.bw, "")
		return
	}
	_ = resp.WriteBulk(c.bw, v.Bytes[lo:hi+1])
}

func cmdSetRange(_ context.Context, s *Server, c *Conn, args [][]byte) {
	offset, err := parseInt(args[2])
	if err != nil || offset < 0 {
		writeErr(c, kverr.ErrNotInteger)
		return
	}
	key := string(args[1])
	db := s.db(c)
	v, ok, err := lookupTyped[*kvstore.StringValue](db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		v = kvstore.NewString(nil)
		db.Set(key, &kvstore.Entry{Value: v})
	}
	needed := int(offset) + len(args[3])
	if len(v.Bytes) < needed {
		grown := make([]byte, needed)
		copy(grown, v.Bytes)
		v.Bytes = grown
	}
	copy(v.Bytes[offset:], args[3])
	db.Touch(key)
	s.MarkDirty(1)
	_ = resp.WriteInteger(c.bw, int64(len(v.Bytes)))
}

func cmdSetBit(_ context.Context, s *Server, c *Conn, args [][]byte) {
	pos, err := parseInt(args[2])
	if err != nil || pos < 0 {
		writeErr(c, kverr.ErrNotInteger)
		return
	}
	bitVal, err := parseInt(args[3])
	if err != nil || (bitVal != 0 && bitVal != 1) {
		writeErr(c, kverr.New(kverr.Generic, "bit is not an integer or out of range"))
		return
	}
	key := string(args[1])
	db := s.db(c)
	v, ok, err := lookupTyped[*kvstore.StringValue](db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		v = kvstore.NewString(nil)
		db.Set(key, &kvstore.Entry{Value: v})
	}
	byteIdx := int(pos / 8)
	bitIdx := uint(7 - pos%8)
	if len(v.Bytes) <= byteIdx {
		grown := make([]byte, byteIdx+1)
		copy(grown, v.Bytes)
		v.Bytes = grown
	}
	old := (v.Bytes[byteIdx] >> bitIdx) & 1
	if bitVal == 1 {
		v.Bytes[byteIdx] |= 1 << bitIdx
	} else {
		v.Bytes[byteIdx] &^= 1 << bitIdx
	}
	db.Touch(key)
	s.MarkDirty(1)
	_ = resp.WriteInteger(c.bw, int64(old))
}

func cmdGetBit(_ context.Context, s *Server, c *Conn, args [][]byte) {
	pos, err := parseInt(args[2])
	if err != nil || pos < 0 {
		writeErr(c, kverr.ErrNotInteger)
		return
	}
	v, ok, err := lookupTyped[*kvstore.StringValue](s.db(c), string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	byteIdx := int(pos / 8)
	if !ok || byteIdx >= len(v.Bytes) {
		_ = resp.WriteInteger(c.bw, 0)
		return
	}
	bitIdx := uint(7 - pos%8)
	_ = resp.WriteInteger(c.bw, int64((v.Bytes[byteIdx]>>bitIdx)&1))
}

func cmdBitCount(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.StringValue](s.db(c), string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteInteger(c.bw, 0)
		return
	}
	data := v.Bytes
	if len(args) >= 4 {
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
		lo, hi := clampRange(start, stop, int64(len(data)))
		if lo > hi {
			_ = resp.WriteInteger(c.bw, 0)
			return
		}
		data = data[lo : hi+1]
	}
	var count int64
	for _, b := range data {
		for b != 0 {
			count += int64(b & 1)
			b >>= 1
		}
	}
	_ = resp.WriteInteger(c.bw, count)
}

// clampRange converts Redis-style possibly-negative start/stop indices
// into clamped in-bounds [lo, hi] bounds over a sequence of length n.
// Returns lo > hi for an empty range.
func clampRange(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, -1
	}
	return start, stop
}
