package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/kvstored/kvstored/internal/kvstore"
)

// Opcodes and type bytes follow the reference RDB-style binary format:
// a length-encoded key/value stream terminated by an EOF opcode. The
// length encoding (top two bits of the first byte select inline 6-bit,
// 14-bit, or 32/64-bit big-endian lengths) is unchanged from that
// format; this package's writer never emits the format's special
// compact-integer string encoding, so the reader does not need to
// decode it either.
const (
	opExpireTimeMs byte = 0xFC
	opResizeDB     byte = 0xFB
	opSelectDB     byte = 0xFE
	opEOF          byte = 0xFF
)

const (
	typeString byte = iota
	typeList
	typeSet
	typeSortedSet
	typeHash
	typeStream
	typeHyperLogLog
)

func typeByteFor(v kvstore.Value) (byte, error) {
	switch v.(type) {
	case *kvstore.StringValue:
		return typeString, nil
	case *kvstore.ListValue:
		return typeList, nil
	case *kvstore.SetValue:
		return typeSet, nil
	case *kvstore.SortedSetValue:
		return typeSortedSet, nil
	case *kvstore.HashValue:
		return typeHash, nil
	case *kvstore.StreamValue:
		return typeStream, nil
	case *kvstore.HyperLogLogValue:
		return typeHyperLogLog, nil
	default:
		return 0, fmt.Errorf("snapshot: unsupported value type %T", v)
	}
}

func writeLength(w *bufio.Writer, n uint64) error {
	switch {
	case n < 64:
		return w.WriteByte(byte(n))
	case n < 16384:
		if err := w.WriteByte(0x40 | byte(n>>8)); err != nil {
			return err
		}
		return w.WriteByte(byte(n))
	case n < 1<<32:
		if err := w.WriteByte(0x80); err != nil {
			return err
		}
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(n))
		_, err := w.Write(buf[:])
		return err
	default:
		if err := w.WriteByte(0x81); err != nil {
			return err
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], n)
		_, err := w.Write(buf[:])
		return err
	}
}

func readLength(r io.Reader) (uint64, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	switch b[0] >> 6 {
	case 0:
		return uint64(b[0] & 0x3F), nil
	case 1:
		var next [1]byte
		if _, err := io.ReadFull(r, next[:]); err != nil {
			return 0, err
		}
		return (uint64(b[0]&0x3F) << 8) | uint64(next[0]), nil
	case 2:
		if b[0] == 0x80 {
			var buf [4]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return 0, err
			}
			return uint64(binary.BigEndian.Uint32(buf[:])), nil
		}
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint64(buf[:]), nil
	default:
		return 0, fmt.Errorf("snapshot: unsupported compact length encoding")
	}
}

func writeString(w *bufio.Writer, b []byte) error {
	if err := writeLength(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readString(r io.Reader) ([]byte, error) {
	n, err := readLength(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFloat64(w *bufio.Writer, f float64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
	_, err := w.Write(buf[:])
	return err
}

func readFloat64(r io.Reader) (float64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(buf[:])), nil
}

func writeUint64(w *bufio.Writer, n uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	_, err := w.Write(buf[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}
