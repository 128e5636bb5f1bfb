package snapshot

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/kvstored/kvstored/internal/kvstore"
	"github.com/kvstored/kvstored/internal/persistence/crc64jones"
)

// dumpVersion is the format tag embedded in EncodeDump's output,
// mirroring the version field the reference DUMP payload carries.
const dumpVersion = 1

// EncodeDump serializes a single value using the same typed
// record encoding the full snapshot uses, trailed by a 2-byte version
// and an 8-byte CRC64 Jones checksum over everything preceding it —
// the DUMP/RESTORE wire format.
func EncodeDump(v kvstore.Value) ([]byte, error) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	typeByte, err := typeByteFor(v)
	if err != nil {
		return nil, err
	}
	if err := w.WriteByte(typeByte); err != nil {
		return nil, err
	}
	if err := writeValue(w, v); err != nil {
		return nil, err
	}
	var versionBuf [2]byte
	binary.BigEndian.PutUint16(versionBuf[:], dumpVersion)
	if _, err := w.Write(versionBuf[:]); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}

	sum := crc64jones.Checksum(buf.Bytes())
	var sumBuf [8]byte
	binary.BigEndian.PutUint64(sumBuf[:], sum)
	buf.Write(sumBuf[:])

	return buf.Bytes(), nil
}

// DecodeDump reverses EncodeDump, validating the trailing checksum
// before reconstructing the value.
func DecodeDump(payload []byte) (kvstore.Value, error) {
	if len(payload) < 1+2+8 {
		return nil, fmt.Errorf("snapshot: dump payload too short")
	}
	body, trailer := payload[:len(payload)-8], payload[len(payload)-8:]
	want := binary.BigEndian.Uint64(trailer)
	if crc64jones.Checksum(body) != want {
		return nil, ErrChecksumMismatch
	}

	typeByte := body[0]
	rest := body[1 : len(body)-2] // drop the type byte and the version tag

	r := bufio.NewReader(bytes.NewReader(rest))
	return readValue(r, typeByte)
}
