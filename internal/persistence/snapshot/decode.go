package snapshot

import (
	"bufio"
	"fmt"
	"io"

	"github.com/kvstored/kvstored/internal/kvstore"
)

// readBody decodes a body produced by writeBody into ks, replacing the
// contents of every database it mentions.
func readBody(r *bufio.Reader, ks *kvstore.Keyspace) (keyCount int64, err error) {
	currentDB := 0
	var pendingExpireAt int64

	for {
		op, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return keyCount, fmt.Errorf("snapshot: truncated body: missing EOF opcode")
			}
			return keyCount, err
		}

		switch op {
		case opEOF:
			return keyCount, nil

		case opSelectDB:
			n, err := readLength(r)
			if err != nil {
				return keyCount, err
			}
			if int(n) >= ks.NumDB() {
				return keyCount, fmt.Errorf("snapshot: db index %d out of range", n)
			}
			currentDB = int(n)

		case opResizeDB:
			if _, err := readLength(r); err != nil {
				return keyCount, err
			}
			if _, err := readLength(r); err != nil {
				return keyCount, err
			}

		case opExpireTimeMs:
			ms, err := readUint64(r)
			if err != nil {
				return keyCount, err
			}
			pendingExpireAt = int64(ms)

		default:
			key, err := readString(r)
			if err != nil {
				return keyCount, err
			}
			value, err := readValue(r, op)
			if err != nil {
				return keyCount, err
			}

			e := &kvstore.Entry{Value: value, ExpireAtMs: pendingExpireAt}
			pendingExpireAt = 0
			ks.DB(currentDB).Set(string(key), e)
			keyCount++
		}
	}
}

func readValue(r *bufio.Reader, typeByte byte) (kvstore.Value, error) {
	switch typeByte {
	case typeString:
		b, err := readString(r)
		if err != nil {
			return nil, err
		}
		return kvstore.NewString(b), nil

	case typeList:
		n, err := readLength(r)
		if err != nil {
			return nil, err
		}
		list := kvstore.NewList()
		for i := uint64(0); i < n; i++ {
			item, err := readString(r)
			if err != nil {
				return nil, err
			}
			list.PushRight(item)
		}
		return list, nil

	case typeSet:
		n, err := readLength(r)
		if err != nil {
			return nil, err
		}
		set := kvstore.NewSet()
		for i := uint64(0); i < n; i++ {
			m, err := readString(r)
			if err != nil {
				return nil, err
			}
			set.Add(string(m))
		}
		return set, nil

	case typeSortedSet:
		n, err := readLength(r)
		if err != nil {
			return nil, err
		}
		zset := kvstore.NewSortedSet()
		for i := uint64(0); i < n; i++ {
			m, err := readString(r)
			if err != nil {
				return nil, err
			}
			score, err := readFloat64(r)
			if err != nil {
				return nil, err
			}
			zset.Add(string(m), score)
		}
		return zset, nil

	case typeHash:
		n, err := readLength(r)
		if err != nil {
			return nil, err
		}
		hash := kvstore.NewHash()
		for i := uint64(0); i < n; i++ {
			field, err := readString(r)
			if err != nil {
				return nil, err
			}
			val, err := readString(r)
			if err != nil {
				return nil, err
			}
			hash.Set(string(field), val)
		}
		return hash, nil

	case typeStream:
		n, err := readLength(r)
		if err != nil {
			return nil, err
		}
		stream := kvstore.NewStream()
		for i := uint64(0); i < n; i++ {
			ms, err := readUint64(r)
			if err != nil {
				return nil, err
			}
			seq, err := readUint64(r)
			if err != nil {
				return nil, err
			}
			fieldCount, err := readLength(r)
			if err != nil {
				return nil, err
			}
			fields := make([]string, fieldCount)
			values := make([][]byte, fieldCount)
			for j := uint64(0); j < fieldCount; j++ {
				field, err := readString(r)
				if err != nil {
					return nil, err
				}
				val, err := readString(r)
				if err != nil {
					return nil, err
				}
				fields[j] = string(field)
				values[j] = val
			}
			id := kvstore.StreamEntryID{Ms: ms, Seq: seq}
			if err := stream.Add(id, fields, values); err != nil {
				return nil, fmt.Errorf("snapshot: replay stream entry: %w", err)
			}
		}
		return stream, nil

	case typeHyperLogLog:
		b, err := readString(r)
		if err != nil {
			return nil, err
		}
		return kvstore.UnmarshalHyperLogLog(b), nil

	default:
		return nil, fmt.Errorf("snapshot: unknown type byte 0x%02x", typeByte)
	}
}
