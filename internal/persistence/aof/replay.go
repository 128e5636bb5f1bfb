package aof

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kvstored/kvstored/internal/resp"
	"github.com/kvstored/kvstored/pkg/crypto/adaptive"
)

// Replay reads the command log at path and invokes apply for every
// logged command, tracking the current database across SELECT
// commands internally rather than forwarding SELECT to apply. A
// missing file replays as zero commands. A truncated or corrupt tail
// stops replay at the last complete, verifiable frame rather than
// failing the whole load, matching how a crash mid-append is expected
// to be tolerated.
//
// cipher must match whatever Cipher (if any) the log was written
// with; Replay reads the header itself to confirm the log's own
// encrypted flag agrees.
func Replay(path string, cipher adaptive.Cipher, apply func(db int, cmd [][]byte) error) (applied int, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("aof: open: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)

	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(br, hdr); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil
		}
		return 0, fmt.Errorf("aof: read header: %w", err)
	}
	if string(hdr[:len(magic)]) != string(magic) {
		return 0, fmt.Errorf("aof: invalid magic bytes")
	}
	encrypted := hdr[len(magic)] == 1
	if encrypted && cipher == nil {
		return 0, fmt.Errorf("aof: log is encrypted but no cipher is configured")
	}

	currentDB := 0
	for {
		cmd, err := readFrame(br, encrypted, cipher)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return applied, nil
			}
			// Any other decode failure (bad length prefix, failed
			// decrypt/auth, malformed RESP) marks a torn write at the
			// tail of the file; stop here rather than erroring the
			// whole replay.
			return applied, nil
		}
		if cmd == nil {
			continue
		}

		name := resp.NormalizeCommandName(cmd[0])
		if name == "SELECT" && len(cmd) == 2 {
			var db int
			if _, err := fmt.Sscanf(string(cmd[1]), "%d", &db); err == nil {
				currentDB = db
			}
			continue
		}

		if err := apply(currentDB, cmd); err != nil {
			return applied, fmt.Errorf("aof: apply %s: %w", name, err)
		}
		applied++
	}
}

func readFrame(br *bufio.Reader, encrypted bool, cipher adaptive.Cipher) ([][]byte, error) {
	if !encrypted {
		return resp.ReadCommand(br)
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > resp.MaxBulkLen {
		return nil, fmt.Errorf("aof: implausible frame length %d", n)
	}

	ct := make([]byte, n)
	if _, err := io.ReadFull(br, ct); err != nil {
		return nil, err
	}

	plain, err := cipher.Decrypt(ct, magic)
	if err != nil {
		return nil, fmt.Errorf("aof: decrypt: %w", err)
	}
	return resp.ReadCommand(bufio.NewReader(bytes.NewReader(plain)))
}
