package kvserver

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/kvstored/kvstored/internal/kvstore"
	"github.com/kvstored/kvstored/internal/kvstore/kverr"
	"github.com/kvstored/kvstored/internal/persistence/snapshot"
	"github.com/kvstored/kvstored/internal/resp"
)

// registerKeyCommands wires the type-agnostic key commands: existence,
// expiration, renaming, iteration, and the DUMP/RESTORE serialization
// pair, per §6's command list.
func registerKeyCommands(t *dispatchTable) {
	t.register("DEL", -2, flagWrite, cmdDel)
	t.register("UNLINK", -2, flagWrite, cmdDel)
	t.register("EXISTS", -2, 0, cmdExists)
	t.register("EXPIRE", -3, flagWrite, cmdExpire)
	t.register("PEXPIRE", -3, flagWrite, cmdPExpire)
	t.register("EXPIREAT", -3, flagWrite, cmdExpireAt)
	t.register("PEXPIREAT", -3, flagWrite, cmdPExpireAt)
	t.register("TTL", 2, 0, cmdTTL)
	t.register("PTTL", 2, 0, cmdPTTL)
	t.register("PERSIST", 2, flagWrite, cmdPersist)
	t.register("TYPE", 2, 0, cmdType)
	t.register("RENAME", 3, flagWrite, cmdRename)
	t.register("RENAMENX", 3, flagWrite, cmdRenameNX)
	t.register("KEYS", 2, 0, cmdKeys)
	t.register("SCAN", -2, 0, cmdScan)
	t.register("RANDOMKEY", 1, 0, cmdRandomKey)
	t.register("OBJECT", -2, 0, cmdObject)
	t.register("DUMP", 2, 0, cmdDump)
	t.register("RESTORE", -4, flagWrite, cmdRestore)
	t.register("SORT", -2, flagWrite, cmdSort)
}

func cmdDel(_ context.Context, s *Server, c *Conn, args [][]byte) {
	db := s.db(c)
	n := int64(0)
	for _, a := range args[1:] {
		if db.Del(string(a)) {
			n++
		}
	}
	if n > 0 {
		s.MarkDirty(n)
	}
	_ = resp.WriteInteger(c.bw, n)
}

func cmdExists(_ context.Context, s *Server, c *Conn, args [][]byte) {
	db := s.db(c)
	n := int64(0)
	for _, a := range args[1:] {
		if db.Exists(string(a)) {
			n++
		}
	}
	_ = resp.WriteInteger(c.bw, n)
}

func expireHelper(s *Server, c *Conn, key string, atMs int64) {
	db := s.db(c)
	if db.Expire(key, atMs) {
		s.MarkDirty(1)
		_ = resp.WriteInteger(c.bw, 1)
		return
	}
	_ = resp.WriteInteger(c.bw, 0)
}

func cmdExpire(_ context.Context, s *Server, c *Conn, args [][]byte) {
	n, err := parseInt(args[2])
	if err != nil {
		writeErr(c, err)
		return
	}
	expireHelper(s, c, string(args[1]), time.Now().UnixMilli()+n*1000)
}

func cmdPExpire(_ context.Context, s *Server, c *Conn, args [][]byte) {
	n, err := parseInt(args[2])
	if err != nil {
		writeErr(c, err)
		return
	}
	expireHelper(s, c, string(args[1]), time.Now().UnixMilli()+n)
}

func cmdExpireAt(_ context.Context, s *Server, c *Conn, args [][]byte) {
	n, err := parseInt(args[2])
	if err != nil {
		writeErr(c, err)
		return
	}
	expireHelper(s, c, string(args[1]), n*1000)
}

func cmdPExpireAt(_ context.Context, s *Server, c *Conn, args [][]byte) {
	n, err := parseInt(args[2])
	if err != nil {
		writeErr(c, err)
		return
	}
	expireHelper(s, c, string(args[1]), n)
}

func cmdTTL(_ context.Context, s *Server, c *Conn, args [][]byte) {
	ms := s.db(c).TTLMs(string(args[1]))
	if ms < 0 {
		_ = resp.WriteInteger(c.bw, ms)
		return
	}
	_ = resp.WriteInteger(c.bw, (ms+999)/1000)
}

func cmdPTTL(_ context.Context, s *Server, c *Conn, args [][]byte) {
	_ = resp.WriteInteger(c.bw, s.db(c).TTLMs(string(args[1])))
}

func cmdPersist(_ context.Context, s *Server, c *Conn, args [][]byte) {
	db := s.db(c)
	key := string(args[1])
	if db.Persist(key) {
		s.MarkDirty(1)
		_ = resp.WriteInteger(c.bw, 1)
		return
	}
	_ = resp.WriteInteger(c.bw, 0)
}

func cmdType(_ context.Context, s *Server, c *Conn, args [][]byte) {
	e, ok := s.db(c).Get(string(args[1]))
	if !ok {
		_ = resp.WriteSimpleString(c.bw, "none")
		return
	}
	_ = resp.WriteSimpleString(c.bw, e.Value.Type().String())
}

func cmdRename(_ context.Context, s *Server, c *Conn, args [][]byte) {
	db := s.db(c)
	if !db.Exists(string(args[1])) {
		writeErr(c, kverr.ErrNoSuchKey)
		return
	}
	db.Rename(string(args[1]), string(args[2]))
	s.MarkDirty(1)
	writeOK(c)
}

func cmdRenameNX(_ context.Context, s *Server, c *Conn, args [][]byte) {
	db := s.db(c)
	if !db.Exists(string(args[1])) {
		writeErr(c, kverr.ErrNoSuchKey)
		return
	}
	if db.Exists(string(args[2])) {
		_ = resp.WriteInteger(c.bw, 0)
		return
	}
	db.Rename(string(args[1]), string(args[2]))
	s.MarkDirty(1)
	_ = resp.WriteInteger(c.bw, 1)
}

func cmdKeys(_ context.Context, s *Server, c *Conn, args [][]byte) {
	writeBulkStrings(c, s.db(c).Keys(string(args[1])))
}

func cmdRandomKey(_ context.Context, s *Server, c *Conn, args [][]byte) {
	key, ok := s.db(c).RandomKey()
	if !ok {
		_ = resp.WriteNullBulk(c.bw)
		return
	}
	_ = resp.WriteBulkString(c.bw, key)
}

// cmdScan implements the cursor-based SCAN [MATCH pattern] [COUNT n]
// [TYPE name] iteration described by §6.
func cmdScan(_ context.Context, s *Server, c *Conn, args [][]byte) {
	cursor, err := parseInt(args[1])
	if err != nil {
		writeErr(c, kverr.New(kverr.Generic, "invalid cursor"))
		return
	}
	pattern, typeFilter, count, err := parseScanOptions(args[2:])
	if err != nil {
		writeErr(c, err)
		return
	}
	next, keys := s.db(c).Scan(int(cursor), pattern, typeFilter, count)
	_ = resp.WriteArrayHeader(c.bw, 2)
	_ = resp.WriteBulkString(c.bw, strconv.Itoa(next))
	writeBulkStrings(c, keys)
}

func parseScanOptions(args [][]byte) (pattern, typeFilter string, count int, err error) {
	count = 10
	for i := 0; i < len(args); i++ {
		switch strings.ToUpper(string(args[i])) {
		case "MATCH":
			if i+1 >= len(args) {
				return "", "", 0, kverr.ErrSyntax
			}
			pattern = string(args[i+1])
			i++
		case "COUNT":
			if i+1 >= len(args) {
				return "", "", 0, kverr.ErrSyntax
			}
			n, perr := parseInt(args[i+1])
			if perr != nil || n <= 0 {
				return "", "", 0, kverr.ErrSyntax
			}
			count = int(n)
			i++
		case "TYPE":
			if i+1 >= len(args) {
				return "", "", 0, kverr.ErrSyntax
			}
			typeFilter = string(args[i+1])
			i++
		default:
			return "", "", 0, kverr.ErrSyntax
		}
	}
	return pattern, typeFilter, count, nil
}

// cmdObject implements OBJECT ENCODING/REFCOUNT/IDLETIME/FREQ/HELP.
// Encoding labels are advisory cosmetics, stable for identical inputs
// but not tied to any real internal representation (§9 open question).
func cmdObject(_ context.Context, s *Server, c *Conn, args [][]byte) {
	sub := strings.ToUpper(string(args[1]))
	if sub == "HELP" {
		writeBulkStrings(c, []string{"OBJECT ENCODING|REFCOUNT|IDLETIME <key>"})
		return
	}
	if len(args) < 3 {
		writeErr(c, kverr.WrongArity("object|"+strings.ToLower(sub)))
		return
	}
	key := string(args[2])
	e, ok := s.db(c).Peek(key)
	if !ok {
		writeErr(c, kverr.ErrNoSuchKey)
		return
	}
	switch sub {
	case "ENCODING":
		_ = resp.WriteBulkString(c.bw, objectEncoding(e.Value))
	case "REFCOUNT":
		_ = resp.WriteInteger(c.bw, 1)
	case "IDLETIME":
		idleSec := (time.Now().UnixMilli() - e.LastAccess) / 1000
		if idleSec < 0 {
			idleSec = 0
		}
		_ = resp.WriteInteger(c.bw, idleSec)
	case "FREQ":
		_ = resp.WriteInteger(c.bw, 0)
	default:
		writeErr(c, kverr.New(kverr.Generic, "unknown subcommand '%s'", sub))
	}
}

func objectEncoding(v kvstore.Value) string {
	switch val := v.(type) {
	case *kvstore.StringValue:
		if _, err := strconv.ParseInt(string(val.Bytes), 10, 64); err == nil {
			return "int"
		}
		if len(val.Bytes) <= 44 {
			return "embstr"
		}
		return "raw"
	case *kvstore.ListValue:
		if val.Len() <= 128 {
			return "listpack"
		}
		return "quicklist"
	case *kvstore.HashValue:
		if val.Len() <= 128 {
			return "listpack"
		}
		return "hashtable"
	case *kvstore.SetValue:
		if val.Len() <= 128 {
			return "listpack"
		}
		return "hashtable"
	case *kvstore.SortedSetValue:
		if val.Len() <= 128 {
			return "listpack"
		}
		return "skiplist"
	case *kvstore.StreamValue:
		return "stream"
	case *kvstore.HyperLogLogValue:
		return "raw"
	default:
		return "unknown"
	}
}

func cmdDump(_ context.Context, s *Server, c *Conn, args [][]byte) {
	e, ok := s.db(c).Peek(string(args[1]))
	if !ok {
		_ = resp.WriteNullBulk(c.bw)
		return
	}
	payload, err := snapshot.EncodeDump(e.Value)
	if err != nil {
		writeErr(c, kverr.New(kverr.Generic, "%s", err))
		return
	}
	_ = resp.WriteBulk(c.bw, payload)
}

// cmdRestore implements RESTORE key ttl payload [REPLACE]. ttl is
// milliseconds, 0 meaning no expiry.
func cmdRestore(_ context.Context, s *Server, c *Conn, args [][]byte) {
	key := string(args[1])
	db := s.db(c)

	replace := false
	for _, a := range args[4:] {
		if strings.EqualFold(string(a), "REPLACE") {
			replace = true
		}
	}
	if db.Exists(key) && !replace {
		writeErr(c, kverr.New(kverr.Generic, "BUSYKEY Target key name already exists."))
		return
	}

	ttlMs, err := parseInt(args[2])
	if err != nil {
		writeErr(c, err)
		return
	}

	v, err := snapshot.DecodeDump(args[3])
	if err != nil {
		writeErr(c, kverr.New(kverr.Generic, "Bad data format"))
		return
	}

	var atMs int64
	if ttlMs > 0 {
		atMs = time.Now().UnixMilli() + ttlMs
	}
	db.Set(key, &kvstore.Entry{Value: v, ExpireAtMs: atMs})
	s.MarkDirty(1)
	writeOK(c)
}
