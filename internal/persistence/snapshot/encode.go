package snapshot

import (
	"bufio"

	"github.com/kvstored/kvstored/internal/kvstore"
)

// writeBody encodes every live key across every database in ks,
// terminated by an EOF opcode. Empty databases are skipped entirely,
// matching the reference format.
func writeBody(w *bufio.Writer, ks *kvstore.Keyspace) error {
	for i := 0; i < ks.NumDB(); i++ {
		db := ks.DB(i)
		keys := db.Keys("*")
		if len(keys) == 0 {
			continue
		}

		if err := w.WriteByte(opSelectDB); err != nil {
			return err
		}
		if err := writeLength(w, uint64(i)); err != nil {
			return err
		}

		expires := 0
		for _, key := range keys {
			if e, ok := db.Peek(key); ok && e.HasExpiry() {
				expires++
			}
		}
		if err := w.WriteByte(opResizeDB); err != nil {
			return err
		}
		if err := writeLength(w, uint64(len(keys))); err != nil {
			return err
		}
		if err := writeLength(w, uint64(expires)); err != nil {
			return err
		}

		for _, key := range keys {
			e, ok := db.Peek(key)
			if !ok {
				continue
			}
			if e.HasExpiry() {
				if err := w.WriteByte(opExpireTimeMs); err != nil {
					return err
				}
				if err := writeUint64(w, uint64(e.ExpireAtMs)); err != nil {
					return err
				}
			}

			typeByte, err := typeByteFor(e.Value)
			if err != nil {
				return err
			}
			if err := w.WriteByte(typeByte); err != nil {
				return err
			}
			if err := writeString(w, []byte(key)); err != nil {
				return err
			}
			if err := writeValue(w, e.Value); err != nil {
				return err
			}
		}
	}

	return w.WriteByte(opEOF)
}

func writeValue(w *bufio.Writer, v kvstore.Value) error {
	switch val := v.(type) {
	case *kvstore.StringValue:
		return writeString(w, val.Bytes)
	case *kvstore.ListValue:
		items := val.All()
		if err := writeLength(w, uint64(len(items))); err != nil {
			return err
		}
		for _, item := range items {
			if err := writeString(w, item); err != nil {
				return err
			}
		}
		return nil
	case *kvstore.SetValue:
		members := val.Members()
		if err := writeLength(w, uint64(len(members))); err != nil {
			return err
		}
		for _, m := range members {
			if err := writeString(w, []byte(m)); err != nil {
				return err
			}
		}
		return nil
	case *kvstore.SortedSetValue:
		members := val.All()
		if err := writeLength(w, uint64(len(members))); err != nil {
			return err
		}
		for _, m := range members {
			if err := writeString(w, []byte(m.Member)); err != nil {
				return err
			}
			if err := writeFloat64(w, m.Score); err != nil {
				return err
			}
		}
		return nil
	case *kvstore.HashValue:
		fields := val.All()
		if err := writeLength(w, uint64(len(fields))); err != nil {
			return err
		}
		for field, fv := range fields {
			if err := writeString(w, []byte(field)); err != nil {
				return err
			}
			if err := writeString(w, fv); err != nil {
				return err
			}
		}
		return nil
	case *kvstore.StreamValue:
		entries := val.All()
		if err := writeLength(w, uint64(len(entries))); err != nil {
			return err
		}
		for _, entry := range entries {
			if err := writeUint64(w, entry.ID.Ms); err != nil {
				return err
			}
			if err := writeUint64(w, entry.ID.Seq); err != nil {
				return err
			}
			if err := writeLength(w, uint64(len(entry.Fields))); err != nil {
				return err
			}
			for i, field := range entry.Fields {
				if err := writeString(w, []byte(field)); err != nil {
					return err
				}
				if err := writeString(w, entry.Values[i]); err != nil {
					return err
				}
			}
		}
		return nil
	case *kvstore.HyperLogLogValue:
		return writeString(w, val.MarshalBinary())
	default:
		return errUnsupportedType
	}
}
