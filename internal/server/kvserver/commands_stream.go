package kvserver

import (
	"context"
	"strings"
	"time"

	"github.com/kvstored/kvstored/internal/kvstore"
	"github.com/kvstored/kvstored/internal/kvstore/kverr"
	"github.com/kvstored/kvstored/internal/resp"
)

// registerStreamCommands wires the append-only stream log commands:
// XADD, XLEN, XRANGE/XREVRANGE, and XDEL. Consumer groups and blocking
// reads (XREAD BLOCK) are not part of this specification's scope.
func registerStreamCommands(t *dispatchTable) {
	t.register("XADD", -5, flagWrite, cmdXAdd)
	t.register("XLEN", 2, 0, cmdXLen)
	t.register("XRANGE", -4, 0, cmdXRange)
	t.register("XREVRANGE", -4, 0, cmdXRevRange)
	t.register("XDEL", -3, flagWrite, cmdXDel)
}

func getOrCreateStream(db *kvstore.DB, key string) (*kvstore.StreamValue, bool, error) {
	v, ok, err := lookupTyped[*kvstore.StreamValue](db, key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return v, false, nil
	}
	v = kvstore.NewStream()
	db.Set(key, &kvstore.Entry{Value: v})
	return v, true, nil
}

// cmdXAdd implements XADD key [NOMKSTREAM] id field value [field
// value ...]. MAXLEN/MINID trimming is not implemented; every
// appended entry is retained.
func cmdXAdd(_ context.Context, s *Server, c *Conn, args [][]byte) {
	db := s.db(c)
	key := string(args[1])
	i := 2

	noMkStream := false
	if i < len(args) && strings.EqualFold(string(args[i]), "NOMKSTREAM") {
		noMkStream = true
		i++
	}
	// Skip a MAXLEN/MINID trimming clause if present: [~|=] threshold.
	if i < len(args) {
		switch strings.ToUpper(string(args[i])) {
		case "MAXLEN", "MINID":
			i++
			if i < len(args) && (string(args[i]) == "~" || string(args[i]) == "=") {
				i++
			}
			if i < len(args) {
				i++ // threshold value
			}
			if i < len(args) && strings.EqualFold(string(args[i]), "LIMIT") {
				i += 2
			}
		}
	}
	if i >= len(args) {
		writeErr(c, kverr.WrongArity("xadd"))
		return
	}
	idArg := string(args[i])
	i++
	fieldArgs := args[i:]
	if len(fieldArgs) == 0 || len(fieldArgs)%2 != 0 {
		writeErr(c, kverr.WrongArity("xadd"))
		return
	}

	existing, ok, err := lookupTyped[*kvstore.StreamValue](db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok && noMkStream {
		_ = resp.WriteNullBulk(c.bw)
		return
	}

	v, created, err := getOrCreateStream(db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	_ = existing

	nowMs := uint64(time.Now().UnixMilli())
	autoMs, autoSeq := v.NextAutoID(nowMs)
	id, _, err := kvstore.ParseStreamEntryID(idArg, autoMs, autoSeq)
	if err != nil {
		writeErr(c, kverr.New(kverr.Generic, "%s", err))
		return
	}

	fields := make([]string, 0, len(fieldArgs)/2)
	values := make([][]byte, 0, len(fieldArgs)/2)
	for j := 0; j < len(fieldArgs); j += 2 {
		fields = append(fields, string(fieldArgs[j]))
		values = append(values, append([]byte(nil), fieldArgs[j+1]...))
	}

	if err := v.Add(id, fields, values); err != nil {
		writeErr(c, kverr.New(kverr.Generic, "%s", err))
		return
	}
	if !created {
		db.Touch(key)
	}
	s.MarkDirty(1)
	s.Blocking.Notify(c.db, key)
	_ = resp.WriteBulkString(c.bw, id.String())
}

func cmdXLen(_ context.Context, s *Server, c *Conn, args [][]byte) {
	v, ok, err := lookupTyped[*kvstore.StreamValue](s.db(c), string(args[1]))
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

func parseStreamBound(s string, isEnd bool) (kvstore.StreamEntryID, error) {
	switch s {
	case "-":
		return kvstore.StreamEntryID{Ms: 0, Seq: 0}, nil
	case "+":
		return kvstore.StreamEntryID{Ms: ^uint64(0), Seq: ^uint64(0)}, nil
	}
	autoSeq := uint64(0)
	if isEnd {
		autoSeq = ^uint64(0)
	}
	id, _, err := kvstore.ParseStreamEntryID(s, 0, autoSeq)
	if err != nil {
		return kvstore.StreamEntryID{}, err
	}
	return id, nil
}

func writeStreamEntries(c *Conn, entries []kvstore.StreamEntry) {
	_ = resp.WriteArrayHeader(c.bw, len(entries))
	for _, e := range entries {
		_ = resp.WriteArrayHeader(c.bw, 2)
		_ = resp.WriteBulkString(c.bw, e.ID.String())
		_ = resp.WriteArrayHeader(c.bw, len(e.Fields)*2)
		for i, f := range e.Fields {
			_ = resp.WriteBulkString(c.bw, f)
			_ = resp.WriteBulk(c.bw, e.Values[i])
		}
	}
}

func xrangeHelper(s *Server, c *Conn, args [][]byte, rev bool) {
	v, ok, err := lookupTyped[*kvstore.StreamValue](s.db(c), string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteArrayHeader(c.bw, 0)
		return
	}
	startArg, endArg := args[2], args[3]
	if rev {
		startArg, endArg = args[3], args[2]
	}
	start, err := parseStreamBound(string(startArg), false)
	if err != nil {
		writeErr(c, kverr.New(kverr.Generic, "%s", err))
		return
	}
	end, err := parseStreamBound(string(endArg), true)
	if err != nil {
		writeErr(c, kverr.New(kverr.Generic, "%s", err))
		return
	}
	entries := v.Range(start, end)

	count := -1
	if len(args) >= 6 && strings.EqualFold(string(args[4]), "COUNT") {
		n, err := parseInt(args[5])
		if err != nil {
			writeErr(c, err)
			return
		}
		count = int(n)
	}
	if rev {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	if count >= 0 && count < len(entries) {
		entries = entries[:count]
	}
	writeStreamEntries(c, entries)
}

func cmdXRange(_ context.Context, s *Server, c *Conn, args [][]byte) {
	xrangeHelper(s, c, args, false)
}

func cmdXRevRange(_ context.Context, s *Server, c *Conn, args [][]byte) {
	xrangeHelper(s, c, args, true)
}

func cmdXDel(_ context.Context, s *Server, c *Conn, args [][]byte) {
	db := s.db(c)
	v, ok, err := lookupTyped[*kvstore.StreamValue](db, string(args[1]))
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		_ = resp.WriteInteger(c.bw, 0)
		return
	}
	deleted := v.DeleteIDs(idStrings(args[2:]))
	if deleted > 0 {
		db.Touch(string(args[1]))
		s.MarkDirty(int64(deleted))
	}
	_ = resp.WriteInteger(c.bw, int64(deleted))
}

func idStrings(args [][]byte) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = string(a)
	}
	return out
}
