package kvserver

import (
	"context"
	"strings"

	"github.com/kvstored/kvstored/internal/kvstore"
	"github.com/kvstored/kvstored/internal/kvstore/kverr"
	"github.com/kvstored/kvstored/internal/resp"
)

func registerZSetCommands(t *dispatchTable) {
	t.register("ZADD", -4, flagWrite, cmdZAdd)
	t.register("ZSCORE", 3, 0, cmdZScore)
	t.register("ZINCRBY", 4, flagWrite, cmdZIncrBy)
	t.register("ZCARD", 2, 0, cmdZCard)
	t.register("ZCOUNT", 4, 0, cmdZCount)
	t.register("ZRANK", 3, 0, cmdZRank)
	t.register("ZREVRANK", 3, 0, cmdZRevRank)
	t.register("ZREM", -3, flagWrite, cmdZRem)
	t.register("ZRANGE", -4, 0, cmdZRange)
	t.register("ZREVRANGE", -4, 0, cmdZRevRange)
	t.register("ZRANGEBYSCORE", -4, 0, cmdZRangeByScore)
	t.register("ZREVRANGEBYSCORE", -4, 0, cmdZRevRangeByScore)
}

func getOrCreateZSet(db *kvstore.DB, key string) (*kvstore.SortedSetValue, bool, error) {
	v, ok, err := lookupTyped[*kvstore.SortedSetValue](db, key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return v, false, nil
	}
	v = kvstore.NewSortedSet()
	db.Set(key, &kvstore.Entry{Value: v})
	return v, true, nil
}

func cmdZAdd(_ context.Context, s *Server, c *Conn, args [][]byte) {
	rest := args[2:]
	nx, xx := false, false
	i := 0
	for i < len(rest) {
		switch strings.ToUpper(string(rest[i])) {
		case "NX":
			nx = true
			i++
			continue
		case "XX":
			xx = true
			i++
			continue
		case "GT", "LT", "CH":
			i++
			continue
		}
		break
	}
	pairs := rest[i:]
	if len(pairs) == 0 || len(pairs)%2 != 0 {
		writeErr(c, kverr.ErrSyntax)
		return
	}
	key := string(args[1])
	db := s.db(c)
	v, created, err := getOrCreateZSet(db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	added := 0
	for j := 0; j < len(pairs); j += 2 {
		score, err := parseFloat(pairs[j])
		if err != nil {
			writeErr(c, err)
			return
		}
		member := string(pairs[j+1])
		_, exists := v.Score(member)
		if exists && nx {
			continue
		}
		if !exists && xx {
			continue
		}
		if v.Add(member, score) {
			added++
		}
	}
	if !created {
		db.Touch(key)
	}
	s.MarkDirty(1)
	_ = resp.WriteInteger(c.bw, int64(added))
}

func cmdZScore(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.SortedSetValue](s.db(c), string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteNullBulk(c.bw)
		return
	}
	score, exists := v.Score(string(args[2]))
	if !exists {
		_ = resp.WriteNullBulk(c.bw)
		return
	}
	_ = resp.WriteBulkString(c.bw, formatFloat(score))
}

func cmdZIncrBy(_ context.Context, s *Server, c *Conn, args [][]byte) {
	delta, err := parseFloat(args[2])
	if err != nil {
		writeErr(c, err)
		return
	}
	key := string(args[1])
	member := string(args[3])
	db := s.db(c)
	v, created, err := getOrCreateZSet(db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	cur, _ := v.Score(member)
	next := cur + delta
	v.Add(member, next)
	if !created {
		db.Touch(key)
	}
	s.MarkDirty(1)
	_ = resp.WriteBulkString(c.bw, formatFloat(next))
}

func cmdZCard(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.SortedSetValue](s.db(c), string(args[1]))
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

func parseScoreBound(b []byte) (float64, error) {
	s := string(b)
	s = strings.TrimPrefix(s, "(")
	return parseFloat([]byte(s))
}

func cmdZCount(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.SortedSetValue](s.db(c), string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteInteger(c.bw, 0)
		return
	}
	min, err := parseScoreBound(args[2])
	if err != nil {
		writeErr(c, err)
		return
	}
	max, err := parseScoreBound(args[3])
	if err != nil {
		writeErr(c, err)
		return
	}
	_ = resp.WriteInteger(c.bw, int64(len(v.RangeByScore(min, max))))
}

func cmdZRank(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.SortedSetValue](s.db(c), string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteNullBulk(c.bw)
		return
	}
	rank := v.Rank(string(args[2]))
	if rank < 0 {
		_ = resp.WriteNullBulk(c.bw)
		return
	}
	_ = resp.WriteInteger(c.bw, int64(rank))
}

func cmdZRevRank(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.SortedSetValue](s.db(c), string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteNullBulk(c.bw)
		return
	}
	rank := v.Rank(string(args[2]))
	if rank < 0 {
		_ = resp.WriteNullBulk(c.bw)
		return
	}
	_ = resp.WriteInteger(c.bw, int64(v.Len()-1-rank))
}

func cmdZRem(_ context.Context, s *Server, c *Conn, args [][]byte) {
	key := string(args[1])
	db := s.db(c)
	v, ok, err := lookupTyped[*kvstore.SortedSetValue](db, key)
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

func writeZMembers(c *Conn, members []kvstore.Member, withScores bool) {
	if !withScores {
		out := make([]string, len(members))
		for i, m := range members {
			out[i] = m.Member
		}
		writeBulkStrings(c, out)
		return
	}
	_ = resp.WriteArrayHeader(c.bw, len(members)*2)
	for _, m := range members {
		_ = resp.WriteBulkString(c.bw, m.Member)
		_ = resp.WriteBulkString(c.bw, formatFloat(m.Score))
	}
}

func hasWithScores(args [][]byte) bool {
	for _, a := range args {
		if strings.EqualFold(string(a), "WITHSCORES") {
			return true
		}
	}
	return false
}

func cmdZRange(_ context.Context, s *Server, c *Conn, args [][]byte) {
	zrangeHelper(s, c, args, false)
}

func cmdZRevRange(_ context.Context, s *Server, c *Conn, args [][]byte) {
	zrangeHelper(s, c, args, true)
}

func zrangeHelper(s *Server, c *Conn, args [][]byte, rev bool) {
	v, ok, err := lookupTyped[*kvstore.SortedSetValue](s.db(c), string(args[1]))
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
	n := v.Len()
	lo, hi := int(start), int(stop)
	if rev {
		lo, hi = n-1-int(stop), n-1-int(start)
	}
	members := v.RangeByRank(lo, hi)
	if rev {
		for i, j := 0, len(members)-1; i < j; i, j = i+1, j-1 {
			members[i], members[j] = members[j], members[i]
		}
	}
	writeZMembers(c, members, hasWithScores(args[4:]))
}

func cmdZRangeByScore(_ context.Context, s *Server, c *Conn, args [][]byte) {
	zrangeByScoreHelper(s, c, args, false)
}

func cmdZRevRangeByScore(_ context.Context, s *Server, c *Conn, args [][]byte) {
	zrangeByScoreHelper(s, c, args, true)
}

func zrangeByScoreHelper(s *Server, c *Conn, args [][]byte, rev bool) {
	v, ok, err := lookupTyped[*kvstore.SortedSetValue](s.db(c), string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteArrayHeader(c.bw, 0)
		return
	}
	minArg, maxArg := args[2], args[3]
	if rev {
		minArg, maxArg = args[3], args[2]
	}
	min, err := parseScoreBound(minArg)
	if err != nil {
		writeErr(c, err)
		return
	}
	max, err := parseScoreBound(maxArg)
	if err != nil {
		writeErr(c, err)
		return
	}
	members := v.RangeByScore(min, max)
	if rev {
		for i, j := 0, len(members)-1; i < j; i, j = i+1, j-1 {
			members[i], members[j] = members[j], members[i]
		}
	}
	writeZMembers(c, members, hasWithScores(args[4:]))
}
