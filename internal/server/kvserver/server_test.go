package kvserver

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/kvstored/kvstored/internal/blocking"
	"github.com/kvstored/kvstored/internal/kvstore"
	"github.com/kvstored/kvstored/internal/persistence/aof"
	"github.com/kvstored/kvstored/internal/pubsub"
	"github.com/kvstored/kvstored/internal/txn"
)

// newTestServer builds a Server with no listener, no persistence, and a
// fresh 4-database keyspace, suitable for driving Execute directly.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	ks := kvstore.NewKeyspace(4)
	s := New(DefaultConfig(), ks, pubsub.NewRegistry(), blocking.NewRegistry(), nil, nil, nil)
	return s
}

// newTestConn builds a pre-authenticated Conn whose replies land in the
// returned buffer instead of a network socket.
func newTestConn() (*Conn, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	c := &Conn{
		bw:            bufio.NewWriter(buf),
		tx:            txn.New(),
		authenticated: true,
		subChannels:   make(map[string]bool),
		subPatterns:   make(map[string]bool),
	}
	return c, buf
}

// exec runs one command through s.Execute and returns the raw wire
// reply written for it.
func exec(s *Server, c *Conn, buf *bytes.Buffer, args ...string) string {
	buf.Reset()
	a := make([][]byte, len(args))
	for i, x := range args {
		a[i] = []byte(x)
	}
	s.Execute(context.Background(), c, a)
	_ = c.bw.Flush()
	return buf.String()
}

func TestExecute_Ping(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()

	if got := exec(s, c, buf, "PING"); got != "+PONG\r\n" {
		t.Errorf("PING = %q", got)
	}
	if got := exec(s, c, buf, "PING", "hello"); got != "$5\r\nhello\r\n" {
		t.Errorf("PING hello = %q", got)
	}
}

func TestExecute_SetGet(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()

	if got := exec(s, c, buf, "SET", "foo", "bar"); got != "+OK\r\n" {
		t.Fatalf("SET = %q", got)
	}
	if got := exec(s, c, buf, "GET", "foo"); got != "$3\r\nbar\r\n" {
		t.Errorf("GET = %q", got)
	}
	if got := exec(s, c, buf, "GET", "missing"); got != "$-1\r\n" {
		t.Errorf("GET missing = %q", got)
	}
}

func TestExecute_SetNX(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()

	exec(s, c, buf, "SET", "foo", "bar")
	if got := exec(s, c, buf, "SET", "foo", "baz", "NX"); got != "$-1\r\n" {
		t.Errorf("SET NX on existing key = %q", got)
	}
	if got := exec(s, c, buf, "GET", "foo"); got != "$3\r\nbar\r\n" {
		t.Errorf("value changed despite NX: %q", got)
	}
}

func TestExecute_Incr(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()

	if got := exec(s, c, buf, "INCR", "counter"); got != ":1\r\n" {
		t.Fatalf("INCR = %q", got)
	}
	if got := exec(s, c, buf, "INCRBY", "counter", "9"); got != ":10\r\n" {
		t.Errorf("INCRBY = %q", got)
	}
	if got := exec(s, c, buf, "DECR", "counter"); got != ":9\r\n" {
		t.Errorf("DECR = %q", got)
	}
}

func TestExecute_IncrNotInteger(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()

	exec(s, c, buf, "SET", "greeting", "hello")
	got := exec(s, c, buf, "INCR", "greeting")
	if !bytes.HasPrefix([]byte(got), []byte("-ERR value is not an integer")) {
		t.Errorf("INCR on a non-integer string value = %q, want not-an-integer error", got)
	}
}

func TestExecute_ExpireAndTTL(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()

	exec(s, c, buf, "SET", "foo", "bar")
	if got := exec(s, c, buf, "EXPIRE", "foo", "100"); got != ":1\r\n" {
		t.Fatalf("EXPIRE = %q", got)
	}
	ttl := exec(s, c, buf, "TTL", "foo")
	if ttl == ":-1\r\n" || ttl == ":-2\r\n" {
		t.Errorf("TTL after EXPIRE = %q, want a positive remaining ttl", ttl)
	}
	if got := exec(s, c, buf, "PERSIST", "foo"); got != ":1\r\n" {
		t.Errorf("PERSIST = %q", got)
	}
	if got := exec(s, c, buf, "TTL", "foo"); got != ":-1\r\n" {
		t.Errorf("TTL after PERSIST = %q, want -1", got)
	}
	if got := exec(s, c, buf, "TTL", "nosuchkey"); got != ":-2\r\n" {
		t.Errorf("TTL on missing key = %q, want -2", got)
	}
}

func TestExecute_Del(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()

	exec(s, c, buf, "SET", "a", "1")
	exec(s, c, buf, "SET", "b", "2")
	if got := exec(s, c, buf, "DEL", "a", "b", "c"); got != ":2\r\n" {
		t.Errorf("DEL = %q", got)
	}
}

func TestExecute_HashCommands(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()

	if got := exec(s, c, buf, "HSET", "h", "f1", "v1"); got != ":1\r\n" {
		t.Fatalf("HSET = %q", got)
	}
	if got := exec(s, c, buf, "HGET", "h", "f1"); got != "$2\r\nv1\r\n" {
		t.Errorf("HGET = %q", got)
	}
	if got := exec(s, c, buf, "HGET", "h", "missing"); got != "$-1\r\n" {
		t.Errorf("HGET missing field = %q", got)
	}
}

func TestExecute_SetCommands(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()

	if got := exec(s, c, buf, "SADD", "s", "a", "b", "a"); got != ":2\r\n" {
		t.Fatalf("SADD = %q", got)
	}
	if got := exec(s, c, buf, "SCARD", "s"); got != ":2\r\n" {
		t.Errorf("SCARD = %q", got)
	}
}

func TestExecute_ZSetCommands(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()

	if got := exec(s, c, buf, "ZADD", "z", "1", "one", "2", "two"); got != ":2\r\n" {
		t.Fatalf("ZADD = %q", got)
	}
	if got := exec(s, c, buf, "ZSCORE", "z", "two"); got != "$1\r\n2\r\n" {
		t.Errorf("ZSCORE = %q", got)
	}
	if got := exec(s, c, buf, "ZSCORE", "z", "absent"); got != "$-1\r\n" {
		t.Errorf("ZSCORE missing member = %q", got)
	}
}

func TestExecute_HyperLogLog(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()

	if got := exec(s, c, buf, "PFADD", "hll", "a", "b", "c"); got != ":1\r\n" {
		t.Fatalf("PFADD = %q", got)
	}
	got := exec(s, c, buf, "PFCOUNT", "hll")
	if got != ":3\r\n" {
		t.Errorf("PFCOUNT = %q, want an exact count of 3 distinct elements", got)
	}
}

func TestExecute_Stream(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()

	exec(s, c, buf, "XADD", "stream", "*", "field", "value")
	if got := exec(s, c, buf, "XLEN", "stream"); got != ":1\r\n" {
		t.Errorf("XLEN = %q", got)
	}
}

func TestExecute_UnknownCommand(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()

	got := exec(s, c, buf, "NOTACOMMAND", "x")
	if !bytes.HasPrefix([]byte(got), []byte("-ERR unknown command")) {
		t.Errorf("unknown command reply = %q", got)
	}
}

func TestExecute_WrongArity(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()

	got := exec(s, c, buf, "GET")
	if !bytes.HasPrefix([]byte(got), []byte("-ERR wrong number of arguments")) {
		t.Errorf("wrong-arity reply = %q", got)
	}
}

func TestExecute_SelectOutOfRange(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()

	if got := exec(s, c, buf, "SELECT", "1"); got != "+OK\r\n" {
		t.Fatalf("SELECT 1 = %q", got)
	}
	got := exec(s, c, buf, "SELECT", "99")
	if !bytes.HasPrefix([]byte(got), []byte("-ERR")) {
		t.Errorf("SELECT out of range = %q, want an error", got)
	}
}

func TestExecute_DatabasesAreIsolated(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()

	exec(s, c, buf, "SET", "only-in-zero", "v")
	exec(s, c, buf, "SELECT", "1")
	if got := exec(s, c, buf, "GET", "only-in-zero"); got != "$-1\r\n" {
		t.Errorf("key leaked across databases: %q", got)
	}
}

func TestExecute_DBSizeAndFlush(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()

	exec(s, c, buf, "SET", "a", "1")
	exec(s, c, buf, "SET", "b", "2")
	if got := exec(s, c, buf, "DBSIZE"); got != ":2\r\n" {
		t.Fatalf("DBSIZE = %q", got)
	}
	if got := exec(s, c, buf, "FLUSHDB"); got != "+OK\r\n" {
		t.Errorf("FLUSHDB = %q", got)
	}
	if got := exec(s, c, buf, "DBSIZE"); got != ":0\r\n" {
		t.Errorf("DBSIZE after FLUSHDB = %q", got)
	}
}

func TestExecute_RequirePass(t *testing.T) {
	s := newTestServer(t)
	s.SetRequirePass("secret")
	c, buf := newTestConn()
	c.authenticated = false

	got := exec(s, c, buf, "GET", "foo")
	if !bytes.HasPrefix([]byte(got), []byte("-NOAUTH")) {
		t.Fatalf("unauthenticated GET = %q, want NOAUTH", got)
	}

	if got := exec(s, c, buf, "AUTH", "wrong"); !bytes.HasPrefix([]byte(got), []byte("-ERR invalid password")) {
		t.Errorf("AUTH with wrong password = %q", got)
	}
	if got := exec(s, c, buf, "AUTH", "secret"); got != "+OK\r\n" {
		t.Fatalf("AUTH with correct password = %q", got)
	}
	if got := exec(s, c, buf, "GET", "foo"); got != "$-1\r\n" {
		t.Errorf("GET after successful AUTH = %q", got)
	}
}

func TestExecute_MultiExec(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()

	if got := exec(s, c, buf, "MULTI"); got != "+OK\r\n" {
		t.Fatalf("MULTI = %q", got)
	}
	if got := exec(s, c, buf, "SET", "foo", "bar"); got != "+QUEUED\r\n" {
		t.Fatalf("queued SET = %q", got)
	}
	if got := exec(s, c, buf, "INCR", "counter"); got != "+QUEUED\r\n" {
		t.Fatalf("queued INCR = %q", got)
	}

	got := exec(s, c, buf, "EXEC")
	want := "*2\r\n+OK\r\n:1\r\n"
	if got != want {
		t.Errorf("EXEC = %q, want %q", got, want)
	}
	if got := exec(s, c, buf, "GET", "foo"); got != "$3\r\nbar\r\n" {
		t.Errorf("GET after EXEC = %q", got)
	}
}

func TestExecute_ExecWithoutMulti(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()

	got := exec(s, c, buf, "EXEC")
	if !bytes.HasPrefix([]byte(got), []byte("-ERR EXEC without MULTI")) {
		t.Errorf("EXEC without MULTI = %q", got)
	}
}

func TestExecute_WatchAbortsOnConflict(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()

	exec(s, c, buf, "SET", "watched", "1")
	if got := exec(s, c, buf, "WATCH", "watched"); got != "+OK\r\n" {
		t.Fatalf("WATCH = %q", got)
	}
	exec(s, c, buf, "MULTI")
	exec(s, c, buf, "SET", "watched", "2")

	// A concurrent writer touches the watched key from another connection
	// before this one calls EXEC.
	other, otherBuf := newTestConn()
	exec(s, other, otherBuf, "SET", "watched", "interloper")

	got := exec(s, c, buf, "EXEC")
	if got != "*-1\r\n" {
		t.Errorf("EXEC after a conflicting write = %q, want a null array", got)
	}
}

// TestExecute_BlockingCommandInMultiDoesNotDeadlock guards against
// execTx calling a flagBlocking handler under s.mu: BLPOP inside
// MULTI/EXEC must return immediately (real transactional semantics)
// rather than parking, since s.mu is a non-reentrant lock already held
// for the whole transaction. If this regresses, the call below hangs
// forever rather than failing cleanly, so it's run on its own
// goroutine against a deadline.
func TestExecute_BlockingCommandInMultiDoesNotDeadlock(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()

	exec(s, c, buf, "MULTI")
	exec(s, c, buf, "BLPOP", "nosuchlist", "0")

	done := make(chan string, 1)
	go func() {
		done <- exec(s, c, buf, "EXEC")
	}()

	select {
	case got := <-done:
		want := "*1\r\n*-1\r\n"
		if got != want {
			t.Errorf("EXEC with a queued BLPOP on an empty list = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("EXEC deadlocked on a queued blocking command")
	}

	// The server lock must be usable again afterward — a genuine
	// deadlock would also wedge every later command on any connection.
	if got := exec(s, c, buf, "PING"); got != "+PONG\r\n" {
		t.Errorf("PING after EXEC = %q", got)
	}
}

// TestExecute_BlockingCommandInMultiPopsAvailableValue checks the
// non-deadlocking path still does real work when a value is present,
// not just returning null unconditionally.
func TestExecute_BlockingCommandInMultiPopsAvailableValue(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()

	exec(s, c, buf, "RPUSH", "mylist", "only")
	exec(s, c, buf, "MULTI")
	exec(s, c, buf, "BLPOP", "mylist", "0")

	got := exec(s, c, buf, "EXEC")
	want := "*1\r\n*2\r\n$6\r\nmylist\r\n$4\r\nonly\r\n"
	if got != want {
		t.Errorf("EXEC with a queued BLPOP on a populated list = %q, want %q", got, want)
	}
}

func TestExecute_OOMRejectsWritesUnderNoEviction(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()

	exec(s, c, buf, "SET", "existing", "some starting data to occupy the cap")
	s.SetMaxMemoryBytes(1)
	s.SetEvictionPolicy(kvstore.EvictNoEviction)

	got := exec(s, c, buf, "SET", "foo", "bar")
	if !bytes.HasPrefix([]byte(got), []byte("-OOM")) {
		t.Errorf("SET under exceeded noeviction cap = %q, want an OOM error", got)
	}

	if got := exec(s, c, buf, "GET", "foo"); got != "$-1\r\n" {
		t.Errorf("reads should still be rejected only for writes: %q", got)
	}
}

func TestExecute_SubscribeModeRestrictsCommands(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()
	c.subCount = 1

	got := exec(s, c, buf, "GET", "foo")
	if !bytes.HasPrefix([]byte(got), []byte("-ERR only")) {
		t.Errorf("GET while subscribed = %q, want the subscribe-mode restriction error", got)
	}
	if got := exec(s, c, buf, "PING"); got != "+PONG\r\n" {
		t.Errorf("PING should remain allowed while subscribed: %q", got)
	}
}

func newTestAOFWriter(t *testing.T) (*aof.Writer, string) {
	t.Helper()
	cfg := aof.Config{Dir: t.TempDir(), Filename: "commands.log", Policy: aof.FsyncAlways}
	w, err := aof.Open(cfg)
	if err != nil {
		t.Fatalf("open append only file: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w, filepath.Join(cfg.Dir, cfg.Filename)
}

func TestExecute_AppendOnlyLogReceivesWrites(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()
	w, path := newTestAOFWriter(t)
	s.AOF = w

	exec(s, c, buf, "SET", "foo", "bar")
	exec(s, c, buf, "GET", "foo") // reads never reach the log
	_ = s.AOF.Close()

	var seen [][]byte
	applied, err := aof.Replay(path, nil, func(_ int, cmd [][]byte) error {
		seen = append(seen, bytes.Join(cmd, []byte(" ")))
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected exactly the SET to be logged, got %d records: %q", applied, seen)
	}
	if !bytes.HasPrefix(seen[0], []byte("SET")) {
		t.Errorf("logged record = %q, want a SET", seen[0])
	}
}

func TestExecute_FailedWriteIsNotAppended(t *testing.T) {
	s := newTestServer(t)
	c, buf := newTestConn()
	w, path := newTestAOFWriter(t)
	s.AOF = w

	exec(s, c, buf, "SET", "greeting", "hello")

	// LPUSH against a string-typed key fails with WRONGTYPE and must not
	// be appended even though LPUSH is a write command.
	got := exec(s, c, buf, "LPUSH", "greeting", "x")
	if !bytes.HasPrefix([]byte(got), []byte("-WRONGTYPE")) {
		t.Fatalf("LPUSH on a string value = %q", got)
	}
	_ = s.AOF.Close()

	applied, err := aof.Replay(path, nil, func(_ int, cmd [][]byte) error { return nil })
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if applied != 1 {
		t.Errorf("expected only the successful SET logged, got %d records", applied)
	}
}

func TestNewReplayConn_DiscardsOutputAndIsPreauthenticated(t *testing.T) {
	s := newTestServer(t)
	s.SetRequirePass("secret")
	c := NewReplayConn()

	s.Execute(context.Background(), c, [][]byte{[]byte("SET"), []byte("foo"), []byte("bar")})

	if !c.authenticated {
		t.Fatal("replay connection lost its pre-authenticated state")
	}
	if got, _, err := lookupTyped[*kvstore.StringValue](s.Keyspace.DB(0), "foo"); err != nil || got == nil {
		t.Errorf("replayed write did not apply: value=%v err=%v", got, err)
	}
}

func TestNewReplayConn_WritesDiscarded(t *testing.T) {
	c := NewReplayConn()
	if c.bw == nil {
		t.Fatal("expected a non-nil writer")
	}
	// Writing through c.bw must not panic even though nothing reads it back.
	if _, err := io.Discard.Write([]byte("noop")); err != nil {
		t.Fatal(err)
	}
}
