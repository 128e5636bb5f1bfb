package aof

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kvstored/kvstored/internal/kvstore"
	"github.com/oklog/ulid/v2"
)

func newULID() ulid.ULID {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return ulid.ULID{}
	}
	return id
}

// Rewrite writes a fresh, minimal command log reconstructing the
// current contents of ks and atomically replaces the log at
// cfg.Dir/cfg.Filename with it. It is the implementation behind
// BGREWRITEAOF: rather than replaying every historical write, it emits
// one (or a handful of) commands per live key.
//
// HyperLogLog keys have no minimal command-level reconstruction (there
// is no single command that reproduces an arbitrary dense/sparse HLL
// register set) and are intentionally omitted here; they are carried
// forward by the snapshot path instead.
func Rewrite(cfg Config, ks *kvstore.Keyspace) error {
	tmpPath := filepath.Join(cfg.Dir, fmt.Sprintf("%s.rewrite.%s.tmp", cfg.Filename, newULID()))

	tmpCfg := cfg
	tmpCfg.Filename = filepath.Base(tmpPath)
	tmpCfg.Dir = filepath.Dir(tmpPath)

	w, err := Open(tmpCfg)
	if err != nil {
		return fmt.Errorf("aof: rewrite: open temp log: %w", err)
	}

	if err := writeMinimalCommands(w, ks); err != nil {
		w.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := w.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("aof: rewrite: close temp log: %w", err)
	}

	if err := os.Rename(tmpPath, cfg.path()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("aof: rewrite: rename: %w", err)
	}
	return nil
}

func writeMinimalCommands(w *Writer, ks *kvstore.Keyspace) error {
	for i := 0; i < ks.NumDB(); i++ {
		db := ks.DB(i)
		keys := db.Keys("*")
		if len(keys) == 0 {
			continue
		}

		if err := w.Append([][]byte{[]byte("SELECT"), []byte(strconv.Itoa(i))}); err != nil {
			return err
		}

		for _, key := range keys {
			e, ok := db.Peek(key)
			if !ok {
				continue
			}

			cmds, ok := minimalCommandsFor(key, e.Value)
			if !ok {
				// No minimal form (HyperLogLog); snapshot-only.
				continue
			}
			for _, cmd := range cmds {
				if err := w.Append(cmd); err != nil {
					return err
				}
			}

			if e.HasExpiry() {
				expireCmd := [][]byte{
					[]byte("PEXPIREAT"),
					[]byte(key),
					[]byte(strconv.FormatInt(e.ExpireAtMs, 10)),
				}
				if err := w.Append(expireCmd); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// minimalCommandsFor returns the command(s) that reconstruct v under
// key from empty, or ok=false if no minimal form exists.
func minimalCommandsFor(key string, v kvstore.Value) (cmds [][][]byte, ok bool) {
	switch val := v.(type) {
	case *kvstore.StringValue:
		return [][][]byte{{[]byte("SET"), []byte(key), val.Bytes}}, true

	case *kvstore.ListValue:
		items := val.All()
		cmd := make([][]byte, 0, 2+len(items))
		cmd = append(cmd, []byte("RPUSH"), []byte(key))
		cmd = append(cmd, items...)
		return [][][]byte{cmd}, true

	case *kvstore.HashValue:
		fields := val.All()
		cmd := make([][]byte, 0, 2+2*len(fields))
		cmd = append(cmd, []byte("HSET"), []byte(key))
		for field, fv := range fields {
			cmd = append(cmd, []byte(field), fv)
		}
		return [][][]byte{cmd}, true

	case *kvstore.SetValue:
		members := val.Members()
		cmd := make([][]byte, 0, 2+len(members))
		cmd = append(cmd, []byte("SADD"), []byte(key))
		for _, m := range members {
			cmd = append(cmd, []byte(m))
		}
		return [][][]byte{cmd}, true

	case *kvstore.SortedSetValue:
		members := val.All()
		cmd := make([][]byte, 0, 2+2*len(members))
		cmd = append(cmd, []byte("ZADD"), []byte(key))
		for _, m := range members {
			cmd = append(cmd, []byte(formatScore(m.Score)), []byte(m.Member))
		}
		return [][][]byte{cmd}, true

	case *kvstore.StreamValue:
		entries := val.All()
		cmds := make([][][]byte, 0, len(entries))
		for _, entry := range entries {
			cmd := make([][]byte, 0, 3+2*len(entry.Fields))
			cmd = append(cmd, []byte("XADD"), []byte(key), []byte(entry.ID.String()))
			for i, field := range entry.Fields {
				cmd = append(cmd, []byte(field), entry.Values[i])
			}
			cmds = append(cmds, cmd)
		}
		return cmds, true

	case *kvstore.HyperLogLogValue:
		return nil, false

	default:
		return nil, false
	}
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
