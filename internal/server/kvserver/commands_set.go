package kvserver

import (
	"context"
	"math/rand/v2"

	"github.com/kvstored/kvstored/internal/kvstore"
	"github.com/kvstored/kvstored/internal/resp"
)

func registerSetCommands(t *dispatchTable) {
	t.register("SADD", -3, flagWrite, cmdSAdd)
	t.register("SREM", -3, flagWrite, cmdSRem)
	t.register("SISMEMBER", 3, 0, cmdSIsMember)
	t.register("SMEMBERS", 2, 0, cmdSMembers)
	t.register("SCARD", 2, 0, cmdSCard)
	t.register("SPOP", -2, flagWrite, cmdSPop)
	t.register("SRANDMEMBER", -2, 0, cmdSRandMember)
	t.register("SMOVE", 4, flagWrite, cmdSMove)
	t.register("SINTER", -2, 0, cmdSInter)
	t.register("SUNION", -2, 0, cmdSUnion)
	t.register("SDIFF", -2, 0, cmdSDiff)
	t.register("SINTERSTORE", -3, flagWrite, cmdSInterStore)
	t.register("SUNIONSTORE", -3, flagWrite, cmdSUnionStore)
	t.register("SDIFFSTORE", -3, flagWrite, cmdSDiffStore)
}

func getOrCreateSet(db *kvstore.DB, key string) (*kvstore.SetValue, bool, error) {
	v, ok, err := lookupTyped[*kvstore.SetValue](db, key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return v, false, nil
	}
	v = kvstore.NewSet()
	db.Set(key, &kvstore.Entry{Value: v})
	return v, true, nil
}

func cmdSAdd(_ context.Context, s *Server, c *Conn, args [][]byte) {
	key := string(args[1])
	db := s.db(c)
	v, created, err := getOrCreateSet(db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	added := 0
	for _, m := range args[2:] {
		if v.Add(string(m)) {
			added++
		}
	}
	if !created {
		db.Touch(key)
	}
	s.MarkDirty(int64(added))
	_ = resp.WriteInteger(c.bw, int64(added))
}

func cmdSRem(_ context.Context, s *Server, c *Conn, args [][]byte) {
	key := string(args[1])
	db := s.db(c)
	v, ok, err := lookupTyped[*kvstore.SetValue](db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteInteger(c.bw, 0)
		return
	}
	removed := 0
	for _, m := range args[2:] {
		if v.Remove(string(m)) {
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

func cmdSIsMember(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.SetValue](s.db(c), string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	if ok && v.Contains(string(args[2])) {
		_ = resp.WriteInteger(c.bw, 1)
		return
	}
	_ = resp.WriteInteger(c.bw, 0)
}

func cmdSMembers(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.SetValue](s.db(c), string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteArrayHeader(c.bw, 0)
		return
	}
	writeBulkStrings(c, v.Members())
}

func cmdSCard(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.SetValue](s.db(c), string(args[1]))
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

func cmdSPop(_ context.Context, s *Server, c *Conn, args [][]byte) {
	key := string(args[1])
	db := s.db(c)
	v, ok, err := lookupTyped[*kvstore.SetValue](db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	count := 1
	multi := len(args) == 3
	if multi {
		n, err := parseInt(args[2])
		if err != nil || n < 0 {
			writeErr(c, err)
			return
		}
		count = int(n)
	}
	if !ok {
		if multi {
			_ = resp.WriteArrayHeader(c.bw, 0)
		} else {
			_ = resp.WriteNullBulk(c.bw)
		}
		return
	}
	members := v.Members()
	rand.Shuffle(len(members), func(i, j int) { members[i], members[j] = members[j], members[i] })
	if count > len(members) {
		count = len(members)
	}
	picked := members[:count]
	for _, m := range picked {
		v.Remove(m)
	}
	if len(picked) > 0 {
		db.Touch(key)
		s.MarkDirty(int64(len(picked)))
	}
	if v.Len() == 0 {
		db.Del(key)
	}
	if multi {
		writeBulkStrings(c, picked)
		return
	}
	if len(picked) == 0 {
		_ = resp.WriteNullBulk(c.bw)
		return
	}
	_ = resp.WriteBulkString(c.bw, picked[0])
}

func cmdSRandMember(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.SetValue](s.db(c), string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	multi := len(args) == 3
	if !ok {
		if multi {
			_ = resp.WriteArrayHeader(c.bw, 0)
		} else {
			_ = resp.WriteNullBulk(c.bw)
		}
		return
	}
	members := v.Members()
	if !multi {
		if len(members) == 0 {
			_ = resp.WriteNullBulk(c.bw)
			return
		}
		_ = resp.WriteBulkString(c.bw, members[rand.IntN(len(members))])
		return
	}
	n, err := parseInt(args[2])
	if err != nil {
		writeErr(c, err)
		return
	}
	if n >= 0 {
		rand.Shuffle(len(members), func(i, j int) { members[i], members[j] = members[j], members[i] })
		count := int(n)
		if count > len(members) {
			count = len(members)
		}
		writeBulkStrings(c, members[:count])
		return
	}
	count := int(-n)
	out := make([]string, count)
	for i := range out {
		if len(members) == 0 {
			out[i] = ""
			continue
		}
		out[i] = members[rand.IntN(len(members))]
	}
	writeBulkStrings(c, out)
}

func cmdSMove(_ context.Context, s *Server, c *Conn, args [][]byte) {
	srcKey := string(args[1])
	dstKey := string(args[2])
	member := string(args[3])
	db := s.db(c)
	src, ok, err := lookupTyped[*kvstore.SetValue](db, srcKey)
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok || !src.Contains(member) {
		_ = resp.WriteInteger(c.bw, 0)
		return
	}
	dst, created, err := getOrCreateSet(db, dstKey)
	if err != nil {
		writeErr(c, err)
		return
	}
	src.Remove(member)
	dst.Add(member)
	db.Touch(srcKey)
	if !created {
		db.Touch(dstKey)
	}
	if src.Len() == 0 {
		db.Del(srcKey)
	}
	s.MarkDirty(1)
	_ = resp.WriteInteger(c.bw, 1)
}

func (s *Server) loadSets(c *Conn, keys [][]byte) ([]*kvstore.SetValue, error) {
	db := s.db(c)
	out := make([]*kvstore.SetValue, 0, len(keys))
	for _, k := range keys {
		v, ok, err := lookupTyped[*kvstore.SetValue](db, string(k))
		if err != nil {
			return nil, err
		}
		if !ok {
			v = kvstore.NewSet()
		}
		out = append(out, v)
	}
	return out, nil
}

func setIntersect(sets []*kvstore.SetValue) []string {
	if len(sets) == 0 {
		return nil
	}
	var out []string
	for _, m := range sets[0].Members() {
		inAll := true
		for _, other := range sets[1:] {
			if !other.Contains(m) {
				inAll = false
				break
			}
		}
		if inAll {
			out = append(out, m)
		}
	}
	return out
}

func setUnion(sets []*kvstore.SetValue) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, set := range sets {
		for _, m := range set.Members() {
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				out = append(out, m)
			}
		}
	}
	return out
}

func setDiff(sets []*kvstore.SetValue) []string {
	if len(sets) == 0 {
		return nil
	}
	var out []string
	for _, m := range sets[0].Members() {
		excluded := false
		for _, other := range sets[1:] {
			if other.Contains(m) {
				excluded = true
				break
			}
		}
		if !excluded {
			out = append(out, m)
		}
	}
	return out
}

func cmdSInter(_ context.Context, s *Server, c *Conn, args [][]byte) {
	sets, err := s.loadSets(c, args[1:])
	if err != nil {
		writeErr(c, err)
		return
	}
	writeBulkStrings(c, setIntersect(sets))
}

func cmdSUnion(_ context.Context, s *Server, c *Conn, args [][]byte) {
	sets, err := s.loadSets(c, args[1:])
	if err != nil {
		writeErr(c, err)
		return
	}
	writeBulkStrings(c, setUnion(sets))
}

func cmdSDiff(_ context.Context, s *Server, c *Conn, args [][]byte) {
	sets, err := s.loadSets(c, args[1:])
	if err != nil {
		writeErr(c, err)
		return
	}
	writeBulkStrings(c, setDiff(sets))
}

func storeSetResult(s *Server, c *Conn, dstKey string, members []string) {
	db := s.db(c)
	if len(members) == 0 {
		if db.Del(dstKey) {
			s.MarkDirty(1)
		}
		_ = resp.WriteInteger(c.bw, 0)
		return
	}
	result := kvstore.NewSet()
	for _, m := range members {
		result.Add(m)
	}
	db.Set(dstKey, &kvstore.Entry{Value: result})
	s.MarkDirty(1)
	_ = resp.WriteInteger(c.bw, int64(len(members)))
}

func cmdSInterStore(_ context.Context, s *Server, c *Conn, args [][]byte) {
	sets, err := s.loadSets(c, args[2:])
	if err != nil {
		writeErr(c, err)
		return
	}
	storeSetResult(s, c, string(args[1]), setIntersect(sets))
}

func cmdSUnionStore(_ context.Context, s *Server, c *Conn, args [][]byte) {
	sets, err := s.loadSets(c, args[2:])
	if err != nil {
		writeErr(c, err)
		return
	}
	storeSetResult(s, c, string(args[1]), setUnion(sets))
}

func cmdSDiffStore(_ context.Context, s *Server, c *Conn, args [][]byte) {
	sets, err := s.loadSets(c, args[2:])
	if err != nil {
		writeErr(c, err)
		return
	}
	storeSetResult(s, c, string(args[1]), setDiff(sets))
}
