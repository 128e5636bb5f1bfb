// Package aof implements the append-only command log: every write
// command is RESP-framed and appended to a file as it executes, so the
// keyspace can be rebuilt by replaying the log from empty. Unlike the
// snapshot package's single whole-keyspace blob, the log grows one
// record at a time and is fsynced according to a configurable policy.
package aof

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kvstored/kvstored/internal/resp"
	"github.com/kvstored/kvstored/pkg/crypto/adaptive"
)

// magic identifies a command-log file and its format version.
var magic = []byte("KVSAOF01")

const headerSize = 8 + 1 // magic + encrypted flag

// FsyncPolicy selects how aggressively the log is flushed to disk.
type FsyncPolicy string

const (
	// FsyncAlways syncs after every appended command.
	FsyncAlways FsyncPolicy = "always"
	// FsyncEverysec syncs at most once per second, driven by the
	// caller's background ticker via MaybeSync.
	FsyncEverysec FsyncPolicy = "everysec"
	// FsyncNo never syncs explicitly, relying on the OS to flush
	// eventually or on a clean shutdown's final Close.
	FsyncNo FsyncPolicy = "no"
)

// ParseFsyncPolicy maps a config string to a FsyncPolicy, defaulting to
// FsyncEverysec for an unrecognized value.
func ParseFsyncPolicy(s string) FsyncPolicy {
	switch strings.ToLower(s) {
	case "always":
		return FsyncAlways
	case "no":
		return FsyncNo
	default:
		return FsyncEverysec
	}
}

// ErrEncryptionMismatch is returned when an existing log's encrypted
// flag does not match whether a Cipher was supplied to open it.
var ErrEncryptionMismatch = errors.New("aof: file encryption setting does not match configured cipher")

// Config configures a Writer.
type Config struct {
	Dir      string
	Filename string
	Policy   FsyncPolicy
	Cipher   adaptive.Cipher
}

func (c Config) path() string { return filepath.Join(c.Dir, c.Filename) }

// Writer appends RESP-framed commands to the log file.
type Writer struct {
	cfg       Config
	encrypted bool

	mu       sync.Mutex
	file     *os.File
	bw       *bufio.Writer
	lastSync time.Time
}

// Open opens or creates the command log at cfg.Dir/cfg.Filename,
// writing the file header on first creation and validating it
// against cfg.Cipher on reopen.
func Open(cfg Config) (*Writer, error) {
	if cfg.Dir == "" || cfg.Filename == "" {
		return nil, fmt.Errorf("aof: dir and filename are required")
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("aof: create dir: %w", err)
	}

	path := cfg.path()
	encrypted := cfg.Cipher != nil

	if stat, err := os.Stat(path); err == nil && stat.Size() > 0 {
		existingEncrypted, err := readHeader(path)
		if err != nil {
			return nil, err
		}
		if existingEncrypted != encrypted {
			return nil, ErrEncryptionMismatch
		}
	} else {
		if err := writeHeader(path, encrypted); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("aof: open: %w", err)
	}

	return &Writer{
		cfg:       cfg,
		encrypted: encrypted,
		file:      f,
		bw:        bufio.NewWriter(f),
		lastSync:  time.Now(),
	}, nil
}

func readHeader(path string) (encrypted bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("aof: open: %w", err)
	}
	defer f.Close()

	hdr := make([]byte, headerSize)
	if _, err := f.Read(hdr); err != nil {
		return false, fmt.Errorf("aof: read header: %w", err)
	}
	if !bytes.Equal(hdr[:len(magic)], magic) {
		return false, fmt.Errorf("aof: invalid magic bytes")
	}
	return hdr[len(magic)] == 1, nil
}

func writeHeader(path string, encrypted bool) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("aof: create: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(magic); err != nil {
		return err
	}
	if _, err := f.Write([]byte{boolByte(encrypted)}); err != nil {
		return err
	}
	return f.Sync()
}

// Append RESP-encodes cmd and writes it to the log, syncing
// immediately under FsyncAlways.
func (w *Writer) Append(cmd [][]byte) error {
	frame, err := encodeFrame(cmd, w.encrypted, w.cfg.Cipher)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.bw.Write(frame); err != nil {
		return fmt.Errorf("aof: write: %w", err)
	}
	if w.cfg.Policy == FsyncAlways {
		if err := w.bw.Flush(); err != nil {
			return err
		}
		w.lastSync = time.Now()
		return w.file.Sync()
	}
	return nil
}

// MaybeSync flushes and fsyncs the log if the configured policy is
// FsyncEverysec and at least a second has passed since the last sync.
// It is a no-op under FsyncAlways (already synced per-write) and
// FsyncNo. Intended to be called from the server's shared background
// ticker rather than a dedicated goroutine of its own.
func (w *Writer) MaybeSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cfg.Policy != FsyncEverysec {
		return nil
	}
	if time.Since(w.lastSync) < time.Second {
		return nil
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}
	w.lastSync = time.Now()
	return w.file.Sync()
}

// Flush writes any buffered data to the underlying file without
// fsyncing.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bw.Flush()
}

// Size reports the current size of the log file in bytes.
func (w *Writer) Size() (int64, error) {
	stat, err := os.Stat(w.cfg.path())
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// Close flushes, syncs, and closes the log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.bw.Flush(); err != nil {
		w.file.Close()
		return err
	}
	_ = w.file.Sync()
	return w.file.Close()
}

func encodeFrame(cmd [][]byte, encrypted bool, cipher adaptive.Cipher) ([]byte, error) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	if err := resp.WriteArrayHeader(bw, len(cmd)); err != nil {
		return nil, err
	}
	for _, arg := range cmd {
		if err := resp.WriteBulk(bw, arg); err != nil {
			return nil, err
		}
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}

	if !encrypted {
		return buf.Bytes(), nil
	}

	ct, err := cipher.Encrypt(buf.Bytes(), magic)
	if err != nil {
		return nil, fmt.Errorf("aof: encrypt: %w", err)
	}

	var framed bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ct)))
	framed.Write(lenBuf[:])
	framed.Write(ct)
	return framed.Bytes(), nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
