package snapshot

import (
	"os"
	"testing"

	"github.com/kvstored/kvstored/internal/kvstore"
	"github.com/kvstored/kvstored/pkg/crypto/adaptive"
)

func populate(ks *kvstore.Keyspace) {
	db0 := ks.DB(0)
	db0.Set("greeting", &kvstore.Entry{Value: kvstore.NewString([]byte("hello"))})
	db0.Set("counter", &kvstore.Entry{Value: kvstore.NewString([]byte("42")), ExpireAtMs: 99999999999999})

	list := kvstore.NewList()
	list.PushRight([]byte("a"), []byte("b"), []byte("c"))
	db0.Set("mylist", &kvstore.Entry{Value: list})

	hash := kvstore.NewHash()
	hash.Set("field1", []byte("v1"))
	hash.Set("field2", []byte("v2"))
	db0.Set("myhash", &kvstore.Entry{Value: hash})

	set := kvstore.NewSet()
	set.Add("x")
	set.Add("y")
	db0.Set("myset", &kvstore.Entry{Value: set})

	zset := kvstore.NewSortedSet()
	zset.Add("alice", 1.5)
	zset.Add("bob", 2.5)
	db0.Set("myzset", &kvstore.Entry{Value: zset})

	stream := kvstore.NewStream()
	stream.Add(kvstore.StreamEntryID{Ms: 1, Seq: 0}, []string{"f"}, [][]byte{[]byte("v")})
	stream.Add(kvstore.StreamEntryID{Ms: 2, Seq: 0}, []string{"f"}, [][]byte{[]byte("w")})
	db0.Set("mystream", &kvstore.Entry{Value: stream})

	hll := kvstore.NewHyperLogLog()
	hll.Add([]byte("elem1"))
	hll.Add([]byte("elem2"))
	db0.Set("myhll", &kvstore.Entry{Value: hll})

	db1 := ks.DB(1)
	db1.Set("otherdb-key", &kvstore.Entry{Value: kvstore.NewString([]byte("isolated"))})
}

func assertRoundTrip(t *testing.T, original, loaded *kvstore.Keyspace) {
	t.Helper()
	for i := 0; i < original.NumDB(); i++ {
		odb, ldb := original.DB(i), loaded.DB(i)
		for _, key := range odb.Keys("*") {
			oe, ok := odb.Peek(key)
			if !ok {
				continue
			}
			le, ok := ldb.Peek(key)
			if !ok {
				t.Errorf("db %d: key %q missing after round trip", i, key)
				continue
			}
			if oe.Value.Type() != le.Value.Type() {
				t.Errorf("db %d: key %q type = %v, want %v", i, key, le.Value.Type(), oe.Value.Type())
			}
			if oe.ExpireAtMs != le.ExpireAtMs {
				t.Errorf("db %d: key %q ExpireAtMs = %d, want %d", i, key, le.ExpireAtMs, oe.ExpireAtMs)
			}
		}
		if got, want := ldb.Size(), odb.Size(); got != want {
			t.Errorf("db %d: Size() = %d, want %d", i, got, want)
		}
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{Dir: dir, Filename: "dump.rdb"})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ks := kvstore.NewKeyspace(16)
	populate(ks)

	info, err := m.Save(ks)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if info.Encrypted {
		t.Error("expected Encrypted = false")
	}

	loaded := kvstore.NewKeyspace(16)
	loadInfo, err := m.Load(loaded)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loadInfo.KeyCount != 9 {
		t.Errorf("KeyCount = %d, want 9", loadInfo.KeyCount)
	}

	assertRoundTrip(t, ks, loaded)
}

func TestSaveLoad_Encrypted(t *testing.T) {
	dir := t.TempDir()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	cipher, err := adaptive.NewAESGCM(key)
	if err != nil {
		t.Fatalf("NewAESGCM() error = %v", err)
	}

	m, err := NewManager(Config{Dir: dir, Filename: "dump.rdb", Cipher: cipher})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ks := kvstore.NewKeyspace(4)
	populate(ks)

	info, err := m.Save(ks)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !info.Encrypted {
		t.Error("expected Encrypted = true")
	}

	raw, err := os.ReadFile(info.Path)
	if err != nil {
		t.Fatal(err)
	}
	if indexOf(raw, "greeting") >= 0 {
		t.Error("encrypted snapshot should not contain the plaintext key")
	}

	loaded := kvstore.NewKeyspace(4)
	if _, err := m.Load(loaded); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	assertRoundTrip(t, ks, loaded)

	noCipherMgr, err := NewManager(Config{Dir: dir, Filename: "dump.rdb"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := noCipherMgr.Load(kvstore.NewKeyspace(4)); err != ErrEncryptedNoCipher {
		t.Errorf("Load() without cipher error = %v, want ErrEncryptedNoCipher", err)
	}
}

func indexOf(data []byte, needle string) int {
	n := []byte(needle)
	for i := 0; i+len(n) <= len(data); i++ {
		match := true
		for j := range n {
			if data[i+j] != n[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func TestSave_RotatesGenerations(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{Dir: dir, Filename: "dump.rdb", RetentionCount: 2})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ks := kvstore.NewKeyspace(4)
	for i := 0; i < 4; i++ {
		ks.DB(0).Set("k", &kvstore.Entry{Value: kvstore.NewString([]byte{byte(i)})})
		if _, err := m.Save(ks); err != nil {
			t.Fatalf("Save() #%d error = %v", i, err)
		}
	}

	list, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	// Current + 2 retained generations.
	if len(list) != 3 {
		t.Errorf("List() returned %d entries, want 3: %v", len(list), list)
	}
	if _, err := os.Stat(m.generationPath(3)); !os.IsNotExist(err) {
		t.Error("generation beyond RetentionCount should have been pruned")
	}
}

func TestLoad_NoSnapshots(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{Dir: dir, Filename: "dump.rdb"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Load(kvstore.NewKeyspace(4)); err != ErrNoSnapshots {
		t.Errorf("Load() error = %v, want ErrNoSnapshots", err)
	}
}

func TestLoad_CorruptedFallsBackToOlderGeneration(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{Dir: dir, Filename: "dump.rdb", RetentionCount: 2})
	if err != nil {
		t.Fatal(err)
	}

	ks := kvstore.NewKeyspace(4)
	ks.DB(0).Set("gen1", &kvstore.Entry{Value: kvstore.NewString([]byte("first"))})
	if _, err := m.Save(ks); err != nil {
		t.Fatal(err)
	}
	ks.DB(0).Set("gen2", &kvstore.Entry{Value: kvstore.NewString([]byte("second"))})
	if _, err := m.Save(ks); err != nil {
		t.Fatal(err)
	}

	// Corrupt the current (newest) generation.
	f, err := os.OpenFile(m.path(), os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte{0xAB}, 0); err != nil {
		t.Fatal(err)
	}
	f.Close()

	loaded := kvstore.NewKeyspace(4)
	info, err := m.Load(loaded)
	if err != nil {
		t.Fatalf("Load() should fall back to the older generation, got error = %v", err)
	}
	if info.Path != m.generationPath(1) {
		t.Errorf("Load() used %q, want fallback generation %q", info.Path, m.generationPath(1))
	}
	if _, ok := loaded.DB(0).Peek("gen1"); !ok {
		t.Error("expected the older generation's key to be loaded")
	}
}
