package kvserver

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/kvstored/kvstored/internal/kvstore"
	"github.com/kvstored/kvstored/internal/kvstore/kverr"
	"github.com/kvstored/kvstored/internal/resp"
)

// cmdSort implements SORT key [BY pattern] [LIMIT offset count]
// [GET pattern ...] [ASC|DESC] [ALPHA] [STORE dest], the one
// non-trivial command contract called out by §1 among the otherwise
// uniform dispatch shells. BY/GET patterns support the "*"
// placeholder and the "key:*->field" hash-lookup form.
func cmdSort(_ context.Context, s *Server, c *Conn, args [][]byte) {
	db := s.db(c)
	key := string(args[1])

	elements, err := sortableElements(db, key)
	if err != nil {
		writeErr(c, err)
		return
	}

	byPattern := ""
	var getPatterns []string
	desc := false
	alpha := false
	offset, count := 0, -1
	storeKey := ""

	for i := 2; i < len(args); i++ {
		switch strings.ToUpper(string(args[i])) {
		case "ASC":
		case "DESC":
			desc = true
		case "ALPHA":
			alpha = true
		case "BY":
			if i+1 >= len(args) {
				writeErr(c, kverr.ErrSyntax)
				return
			}
			byPattern = string(args[i+1])
			i++
		case "GET":
			if i+1 >= len(args) {
				writeErr(c, kverr.ErrSyntax)
				return
			}
			getPatterns = append(getPatterns, string(args[i+1]))
			i++
		case "LIMIT":
			if i+2 >= len(args) {
				writeErr(c, kverr.ErrSyntax)
				return
			}
			o, err1 := parseInt(args[i+1])
			n, err2 := parseInt(args[i+2])
			if err1 != nil || err2 != nil {
				writeErr(c, kverr.ErrNotInteger)
				return
			}
			offset, count = int(o), int(n)
			i += 2
		case "STORE":
			if i+1 >= len(args) {
				writeErr(c, kverr.ErrSyntax)
				return
			}
			storeKey = string(args[i+1])
			i++
		default:
			writeErr(c, kverr.ErrSyntax)
			return
		}
	}

	// BY with no "*" placeholder skips sorting entirely, matching the
	// documented "sort by nothing" escape hatch.
	skipSort := byPattern != "" && !strings.Contains(byPattern, "*")

	type item struct {
		elem   []byte
		weight string
		numeric float64
	}
	items := make([]item, len(elements))
	for i, e := range elements {
		w := string(e)
		if byPattern != "" {
			w = lookupByPattern(db, byPattern, string(e))
		}
		items[i] = item{elem: e, weight: w}
	}

	if !skipSort {
		if !alpha {
			for i := range items {
				n, err := strconv.ParseFloat(items[i].weight, 64)
				if err != nil {
					writeErr(c, kverr.New(kverr.Generic, "One or more scores can't be converted into double"))
					return
				}
				items[i].numeric = n
			}
			sort.SliceStable(items, func(i, j int) bool {
				if desc {
					return items[i].numeric > items[j].numeric
				}
				return items[i].numeric < items[j].numeric
			})
		} else {
			sort.SliceStable(items, func(i, j int) bool {
				if desc {
					return items[i].weight > items[j].weight
				}
				return items[i].weight < items[j].weight
			})
		}
	}

	if offset > 0 && offset < len(items) {
		items = items[offset:]
	} else if offset >= len(items) {
		items = nil
	}
	if count >= 0 && count < len(items) {
		items = items[:count]
	}

	var out [][]byte
	for _, it := range items {
		if len(getPatterns) == 0 {
			out = append(out, it.elem)
			continue
		}
		for _, gp := range getPatterns {
			if gp == "#" {
				out = append(out, it.elem)
				continue
			}
			val := lookupByPattern(db, gp, string(it.elem))
			if val == "" {
				out = append(out, nil)
			} else {
				out = append(out, []byte(val))
			}
		}
	}

	if storeKey != "" {
		list := kvstore.NewList()
		list.PushRight(out...)
		db.Set(storeKey, &kvstore.Entry{Value: list})
		s.MarkDirty(1)
		_ = resp.WriteInteger(c.bw, int64(len(out)))
		return
	}
	writeBulkBytes(c, out)
}

func sortableElements(db *kvstore.DB, key string) ([][]byte, error) {
	e, ok := db.Get(key)
	if !ok {
		return nil, nil
	}
	switch v := e.Value.(type) {
	case *kvstore.ListValue:
		return v.All(), nil
	case *kvstore.SetValue:
		members := v.Members()
		out := make([][]byte, len(members))
		for i, m := range members {
			out[i] = []byte(m)
		}
		return out, nil
	case *kvstore.SortedSetValue:
		all := v.All()
		out := make([][]byte, len(all))
		for i, m := range all {
			out[i] = []byte(m.Member)
		}
		return out, nil
	default:
		return nil, kverr.ErrWrongType
	}
}

// lookupByPattern substitutes "*" in pattern with elem and, for a
// "->field" suffix, looks the result up as a hash field instead of a
// string key.
func lookupByPattern(db *kvstore.DB, pattern, elem string) string {
	field := ""
	keyPattern := pattern
	if idx := strings.Index(pattern, "->"); idx >= 0 {
		keyPattern = pattern[:idx]
		field = pattern[idx+2:]
	}
	lookupKey := strings.Replace(keyPattern, "*", elem, 1)

	e, ok := db.Peek(lookupKey)
	if !ok {
		return ""
	}
	if field != "" {
		h, ok := e.Value.(*kvstore.HashValue)
		if !ok {
			return ""
		}
		b, ok := h.Get(field)
		if !ok {
			return ""
		}
		return string(b)
	}
	sv, ok := e.Value.(*kvstore.StringValue)
	if !ok {
		return ""
	}
	return string(sv.Bytes)
}
