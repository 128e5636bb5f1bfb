package kvserver

import (
	"context"

	"github.com/kvstored/kvstored/internal/kvstore"
	"github.com/kvstored/kvstored/internal/resp"
)

// registerHLLCommands wires the HyperLogLog approximate-cardinality
// commands. HLLs are addressed through the same keyspace as ordinary
// strings but held as a distinct Value variant internally; §3 notes
// the wire type label is "string" (see (Type).String).
func registerHLLCommands(t *dispatchTable) {
	t.register("PFADD", -2, flagWrite, cmdPFAdd)
	t.register("PFCOUNT", -2, 0, cmdPFCount)
	t.register("PFMERGE", -2, flagWrite, cmdPFMerge)
}

func getOrCreateHLL(db *kvstore.DB, key string) (*kvstore.HyperLogLogValue, bool, error) {
	v, ok, err := lookupTyped[*kvstore.HyperLogLogValue](db, key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return v, false, nil
	}
	v = kvstore.NewHyperLogLog()
	db.Set(key, &kvstore.Entry{Value: v})
	return v, true, nil
}

func cmdPFAdd(_ context.Context, s *Server, c *Conn, args [][]byte) {
	db := s.db(c)
	key := string(args[1])
	v, created, err := getOrCreateHLL(db, key)
	if err != nil {
		writeErr(c, err)
		return
	}
	changed := created
	for _, elem := range args[2:] {
		if v.Add(elem) {
			changed = true
		}
	}
	if !created && changed {
		db.Touch(key)
	}
	if changed {
		s.MarkDirty(1)
	}
	if changed {
		_ = resp.WriteInteger(c.bw, 1)
	} else {
		_ = resp.WriteInteger(c.bw, 0)
	}
}

func cmdPFCount(_ context.Context, s *Server, c *Conn, args [][]byte) {
	db := s.db(c)
	if len(args) == 2 {
		v, ok, err := lookupTyped[*kvstore.HyperLogLogValue](db, string(args[1]))
		if err != nil {
			writeErr(c, err)
			return
		}
		if !ok {
			_ = resp.WriteInteger(c.bw, 0)
			return
		}
		_ = resp.WriteInteger(c.bw, int64(v.Count()))
		return
	}

	merged := kvstore.NewHyperLogLog()
	for _, a := range args[1:] {
		v, ok, err := lookupTyped[*kvstore.HyperLogLogValue](db, string(a))
		if err != nil {
			writeErr(c, err)
			return
		}
		if ok {
			merged.Merge(v)
		}
	}
	_ = resp.WriteInteger(c.bw, int64(merged.Count()))
}

// cmdPFMerge implements PFMERGE destkey [sourcekey ...], folding every
// source register set into destkey (creating it if absent, and
// including its own prior contents if it already held an HLL).
func cmdPFMerge(_ context.Context, s *Server, c *Conn, args [][]byte) {
	db := s.db(c)
	destKey := string(args[1])
	dest, _, err := getOrCreateHLL(db, destKey)
	if err != nil {
		writeErr(c, err)
		return
	}
	for _, a := range args[2:] {
		src, ok, err := lookupTyped[*kvstore.HyperLogLogValue](db, string(a))
		if err != nil {
			writeErr(c, err)
			return
		}
		if ok {
			dest.Merge(src)
		}
	}
	db.Touch(destKey)
	s.MarkDirty(1)
	writeOK(c)
}
