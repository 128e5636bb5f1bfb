// Package snapshot implements the point-in-time binary snapshot of the
// keyspace: an RDB-style length-encoded record stream, an optional
// at-rest encryption envelope, a CRC-64 Jones integrity trailer, and
// generation-numbered retention on top of an atomic temp-file rename.
package snapshot

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kvstored/kvstored/internal/kvstore"
	"github.com/kvstored/kvstored/internal/persistence/crc64jones"
	"github.com/kvstored/kvstored/pkg/crypto/adaptive"
)

// magic identifies a snapshot file and its format version.
var magic = []byte("KVSNAP01")

const (
	magicLen       = 8
	checksumSize   = 8               // crc64jones trailer
	envelopeHeader = 1 + magicLen + 8 + 4 // flag + magic + createdAtMs + payload length

	// DefaultRetentionCount is used when Config.RetentionCount is zero.
	DefaultRetentionCount = 3
)

var (
	// ErrInvalidMagic is returned when a file does not start with the
	// expected magic bytes.
	ErrInvalidMagic = errors.New("snapshot: invalid magic bytes")
	// ErrChecksumMismatch is returned when the trailing checksum does
	// not match the file's contents.
	ErrChecksumMismatch = errors.New("snapshot: checksum mismatch")
	// ErrNoSnapshots is returned by Load when no usable snapshot
	// generation exists.
	ErrNoSnapshots = errors.New("snapshot: no snapshots available")
	// ErrEncryptedNoCipher is returned when loading an encrypted
	// snapshot without a configured cipher.
	ErrEncryptedNoCipher = errors.New("snapshot: file is encrypted but no cipher is configured")

	errUnsupportedType = errors.New("snapshot: unsupported value type")
)

// Config configures a Manager.
type Config struct {
	// Dir is the directory holding the snapshot file and its numbered
	// backup generations.
	Dir string
	// Filename is the canonical snapshot file name within Dir (e.g.
	// "dump.rdb"). Backup generations are named Filename.1, Filename.2,
	// and so on, oldest last.
	Filename string
	// RetentionCount is how many prior generations to keep alongside
	// the current snapshot. Zero uses DefaultRetentionCount.
	RetentionCount int
	// Cipher, if non-nil, encrypts the record stream at rest.
	Cipher adaptive.Cipher
}

// Manager saves and loads keyspace snapshots under Config.Dir.
type Manager struct {
	cfg Config
}

// NewManager validates cfg and ensures its directory exists.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("snapshot: dir must not be empty")
	}
	if cfg.Filename == "" {
		return nil, fmt.Errorf("snapshot: filename must not be empty")
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("snapshot: create dir: %w", err)
	}
	if cfg.RetentionCount <= 0 {
		cfg.RetentionCount = DefaultRetentionCount
	}
	return &Manager{cfg: cfg}, nil
}

// Info describes a saved snapshot.
type Info struct {
	Path      string
	Size      int64
	CreatedAt int64 // unix milliseconds
	KeyCount  int64
	Checksum  string // hex-encoded CRC-64 Jones
	Encrypted bool
}

func (m *Manager) path() string { return filepath.Join(m.cfg.Dir, m.cfg.Filename) }

func (m *Manager) generationPath(n int) string {
	return fmt.Sprintf("%s.%d", m.path(), n)
}

// Save writes the full contents of ks to a new snapshot generation,
// rotating older generations and pruning beyond RetentionCount.
func (m *Manager) Save(ks *kvstore.Keyspace) (*Info, error) {
	var body bytes.Buffer
	bw := bufio.NewWriter(&body)
	if err := writeBody(bw, ks); err != nil {
		return nil, fmt.Errorf("snapshot: encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("snapshot: encode: %w", err)
	}

	payload := body.Bytes()
	encrypted := m.cfg.Cipher != nil
	if encrypted {
		enc, err := m.cfg.Cipher.Encrypt(payload, magic)
		if err != nil {
			return nil, fmt.Errorf("snapshot: encrypt: %w", err)
		}
		payload = enc
	}

	now := time.Now()
	var file bytes.Buffer
	file.WriteByte(boolByte(encrypted))
	file.Write(magic)
	var createdAt [8]byte
	binary.BigEndian.PutUint64(createdAt[:], uint64(now.UnixMilli()))
	file.Write(createdAt[:])
	var payloadLen [4]byte
	binary.BigEndian.PutUint32(payloadLen[:], uint32(len(payload)))
	file.Write(payloadLen[:])
	file.Write(payload)

	sum := crc64jones.Checksum(file.Bytes())
	var sumBuf [checksumSize]byte
	binary.BigEndian.PutUint64(sumBuf[:], sum)

	tmpPath := filepath.Join(m.cfg.Dir, fmt.Sprintf("%s.%s.tmp", m.cfg.Filename, newULID()))
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("snapshot: create temp file: %w", err)
	}
	if _, err := f.Write(file.Bytes()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("snapshot: write: %w", err)
	}
	if _, err := f.Write(sumBuf[:]); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("snapshot: write checksum: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("snapshot: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("snapshot: close: %w", err)
	}

	m.rotate()

	if err := os.Rename(tmpPath, m.path()); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("snapshot: rename: %w", err)
	}

	stat, err := os.Stat(m.path())
	if err != nil {
		return nil, err
	}

	return &Info{
		Path:      m.path(),
		Size:      stat.Size(),
		CreatedAt: now.UnixMilli(),
		Checksum:  fmt.Sprintf("%016x", sum),
		Encrypted: encrypted,
	}, nil
}

// rotate shifts Filename -> Filename.1 -> Filename.2 ... discarding
// anything beyond RetentionCount.
func (m *Manager) rotate() {
	oldest := m.generationPath(m.cfg.RetentionCount)
	os.Remove(oldest)

	for n := m.cfg.RetentionCount - 1; n >= 1; n-- {
		src := m.generationPath(n)
		dst := m.generationPath(n + 1)
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, dst)
		}
	}

	if _, err := os.Stat(m.path()); err == nil {
		os.Rename(m.path(), m.generationPath(1))
	}
}

// Load loads the newest usable snapshot generation into ks, falling
// back to older generations if the newest is corrupted.
func (m *Manager) Load(ks *kvstore.Keyspace) (*Info, error) {
	candidates := []string{m.path()}
	for n := 1; n <= m.cfg.RetentionCount; n++ {
		candidates = append(candidates, m.generationPath(n))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		info, err := m.loadFile(path, ks)
		if err == nil {
			return info, nil
		}
		if errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrInvalidMagic) {
			continue
		}
		return nil, err
	}

	return nil, ErrNoSnapshots
}

func (m *Manager) loadFile(path string, ks *kvstore.Keyspace) (*Info, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < envelopeHeader+checksumSize {
		return nil, ErrChecksumMismatch
	}

	body, trailer := raw[:len(raw)-checksumSize], raw[len(raw)-checksumSize:]
	want := binary.BigEndian.Uint64(trailer)
	if crc64jones.Checksum(body) != want {
		return nil, ErrChecksumMismatch
	}

	encrypted := body[0] == 1
	rest := body[1:]
	if !bytes.HasPrefix(rest, magic) {
		return nil, ErrInvalidMagic
	}
	rest = rest[len(magic):]

	createdAt := int64(binary.BigEndian.Uint64(rest[:8]))
	rest = rest[8:]
	payloadLen := binary.BigEndian.Uint32(rest[:4])
	payload := rest[4:]
	if uint32(len(payload)) != payloadLen {
		return nil, fmt.Errorf("snapshot: payload length mismatch")
	}

	if encrypted {
		if m.cfg.Cipher == nil {
			return nil, ErrEncryptedNoCipher
		}
		plain, err := m.cfg.Cipher.Decrypt(payload, magic)
		if err != nil {
			return nil, fmt.Errorf("snapshot: decrypt: %w", err)
		}
		payload = plain
	}

	keyCount, err := readBody(bufio.NewReader(bytes.NewReader(payload)), ks)
	if err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}

	return &Info{
		Path:      path,
		Size:      int64(len(raw)),
		CreatedAt: createdAt,
		KeyCount:  keyCount,
		Checksum:  fmt.Sprintf("%016x", want),
		Encrypted: encrypted,
	}, nil
}

// List reports the current snapshot and any retained generations,
// newest first.
func (m *Manager) List() ([]string, error) {
	var out []string
	if _, err := os.Stat(m.path()); err == nil {
		out = append(out, m.path())
	}
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	prefix := m.cfg.Filename + "."
	var gens []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err != nil {
			continue
		}
		gens = append(gens, n)
	}
	sort.Ints(gens)
	for _, n := range gens {
		out = append(out, m.generationPath(n))
	}
	return out, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func newULID() ulid.ULID {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		// ulid.New only fails on entropy exhaustion or a timestamp
		// past the format's range; fall back to a zero-entropy ID
		// rather than block a snapshot save on it.
		return ulid.ULID{}
	}
	return id
}
