package kvserver

import (
	"context"
	"strconv"

	"github.com/kvstored/kvstored/internal/kvstore"
	"github.com/kvstored/kvstored/internal/kvstore/kverr"
	"github.com/kvstored/kvstored/internal/resp"
)

func registerHashCommands(t *dispatchTable) {
	t.register("HSET", -4, flagWrite, cmdHSet)
	t.register("HSETNX", 4, flagWrite, cmdHSetNX)
	t.register("HGET", 3, 0, cmdHGet)
	t.register("HDEL", -3, flagWrite, cmdHDel)
	t.register("HGETALL", 2, 0, cmdHGetAll)
	t.register("HKEYS", 2, 0, cmdHKeys)
	t.register("HVALS", 2, 0, cmdHVals)
	t.register("HLEN", 2, 0, cmdHLen)
	t.register("HEXISTS", 3, 0, cmdHExists)
	t.register("HMGET", -3, 0, cmdHMGet)
	t.register("HMSET", -4, flagWrite, cmdHMSet)
	t.register("HINCRBY", 4, flagWrite, cmdHIncrBy)
	t.register("HINCRBYFLOAT", 4, flagWrite, cmdHIncrByFloat)
}

func getOrCreateHash(db *kvstore.DB, key string) (*kvstore.HashValue, bool, error) {
	v, ok, err := lookupTyped[*kvstore.HashValue](db, key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return v, false, nil
	}
	v = kvstore.NewHash()
	db.Set(key, &kvstore.Entry{Value: v})
	return v, true, nil
}

func cmdHSet(_ context.Context, s *Server, c *Conn, args [][]byte) {
	if len(args)%2 != 0 {
		writeErr(c, kverr.ErrSyntax)
		return
	}
	key := string(args[1])
	db := s.db(c)
	v, created, err := getOrCreateHash(db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	added := 0
	for i := 2; i < len(args); i += 2 {
		if v.Set(string(args[i]), args[i+1]) {
			added++
		}
	}
	if !created {
		db.Touch(key)
	}
	s.MarkDirty(1)
	_ = resp.WriteInteger(c.bw, int64(added))
}

func cmdHSetNX(_ context.Context, s *Server, c *Conn, args [][]byte) {
	key := string(args[1])
	db := s.db(c)
	v, created, err := getOrCreateHash(db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	if _, exists := v.Get(string(args[2])); exists {
		_ = resp.WriteInteger(c.bw, 0)
		return
	}
	v.Set(string(args[2]), args[3])
	if !created {
		db.Touch(key)
	}
	s.MarkDirty(1)
	_ = resp.WriteInteger(c.bw, 1)
}

func cmdHGet(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.HashValue](s.db(c), string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteNullBulk(c.bw)
		return
	}
	val, exists := v.Get(string(args[2]))
	if !exists {
		_ = resp.WriteNullBulk(c.bw)
		return
	}
	_ = resp.WriteBulk(c.bw, val)
}

func cmdHDel(_ context.Context, s *Server, c *Conn, args [][]byte) {
	key := string(args[1])
	db := s.db(c)
	v, ok, err := lookupTyped[*kvstore.HashValue](db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteInteger(c.bw, 0)
		return
	}
	removed := 0
	for _, f := range args[2:] {
		if v.Delete(string(f)) {
			removed++
		}
	}
	if removed > 0 {
		db.Touch(key)
		s.MarkDirty(int64(removed))
	}
	if v.Len() == 0 {
		db.Del(key)
	}
	_ = resp.WriteInteger(c.bw, int64(removed))
}

func cmdHGetAll(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.HashValue](s.db(c), string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteArrayHeader(c.bw, 0)
		return
	}
	all := v.All()
	_ = resp.WriteArrayHeader(c.bw, len(all)*2)
	for k, val := range all {
		_ = resp.WriteBulkString(c.bw, k)
		_ = resp.WriteBulk(c.bw, val)
	}
}

func cmdHKeys(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.HashValue](s.db(c), string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteArrayHeader(c.bw, 0)
		return
	}
	writeBulkStrings(c, v.Keys())
}

func cmdHVals(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.HashValue](s.db(c), string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteArrayHeader(c.bw, 0)
		return
	}
	all := v.All()
	vals := make([][]byte, 0, len(all))
	for _, val := range all {
		vals = append(vals, val)
	}
	writeBulkBytes(c, vals)
}

func cmdHLen(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.HashValue](s.db(c), string(args[1]))
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

func cmdHExists(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.HashValue](s.db(c), string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteInteger(c.bw, 0)
		return
	}
	if _, exists := v.Get(string(args[2])); exists {
		_ = resp.WriteInteger(c.bw, 1)
		return
	}
	_ = resp.WriteInteger(c.bw, 0)
}

func cmdHMGet(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.HashValue](s.db(c), string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	_ = resp.WriteArrayHeader(c.bw, len(args)-2)
	for _, f := range args[2:] {
		if !ok {
			_ = resp.WriteNullBulk(c.bw)
			continue
		}
		val, exists := v.Get(string(f))
		if !exists {
			_ = resp.WriteNullBulk(c.bw)
			continue
		}
		_ = resp.WriteBulk(c.bw, val)
	}
}

func cmdHMSet(_ context.Context, s *Server, c *Conn, args [][]byte) {
	if len(args)%2 != 0 {
		writeErr(c, kverr.ErrSyntax)
		return
	}
	key := string(args[1])
	db := s.db(c)
	v, created, err := getOrCreateHash(db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	for i := 2; i < len(args); i += 2 {
		v.Set(string(args[i]), args[i+1])
	}
	if !created {
		db.Touch(key)
	}
	s.MarkDirty(1)
	writeOK(c)
}

func cmdHIncrBy(_ context.Context, s *Server, c *Conn, args [][]byte) {
	key := string(args[1])
	field := string(args[2])
	delta, err := parseInt(args[3])
	if err != nil {
		writeErr(c, err)
		return
	}
	db := s.db(c)
	v, created, err := getOrCreateHash(db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	cur := int64(0)
	if existing, ok := v.Get(field); ok {
		cur, err = parseInt(existing)
		if err != nil {
			writeErr(c, err)
			return
		}
	}
	next := cur + delta
	v.Set(field, []byte(strconv.FormatInt(next, 10)))
	if !created {
		db.Touch(key)
	}
	s.MarkDirty(1)
	_ = resp.WriteInteger(c.bw, next)
}

func cmdHIncrByFloat(_ context.Context, s *Server, c *Conn, args [][]byte) {
	key := string(args[1])
	field := string(args[2])
	delta, err := parseFloat(args[3])
	if err != nil {
		writeErr(c, err)
		return
	}
	db := s.db(c)
	v, created, err := getOrCreateHash(db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	cur := 0.0
	if existing, ok := v.Get(field); ok {
		cur, err = parseFloat(existing)
		if err != nil {
			writeErr(c, err)
			return
		}
	}
	next := cur + delta
	out := formatFloat(next)
	v.Set(field, []byte(out))
	if !created {
		db.Touch(key)
	}
	s.MarkDirty(1)
	_ = resp.WriteBulkString(c.bw, out)
}
