package kvserver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kvstored/kvstored/internal/infra/buildinfo"
	"github.com/kvstored/kvstored/internal/kvstore"
	"github.com/kvstored/kvstored/internal/kvstore/kverr"
	"github.com/kvstored/kvstored/internal/resp"
	"github.com/kvstored/kvstored/internal/txn"
)

// registerAdminCommands wires connection/session management, server
// introspection, and the runtime CONFIG GET/SET surface named by §6.
func registerAdminCommands(t *dispatchTable) {
	t.register("PING", -1, flagPubsubAllowed, cmdPing)
	t.register("ECHO", 2, 0, cmdEcho)
	t.register("QUIT", 1, flagPubsubAllowed, cmdQuit)
	t.register("SELECT", 2, 0, cmdSelect)
	t.register("SWAPDB", 3, flagWrite|flagAdmin, cmdSwapDB)
	t.register("AUTH", -2, flagPubsubAllowed, cmdAuth)
	t.register("DBSIZE", 1, 0, cmdDBSize)
	t.register("FLUSHDB", -1, flagWrite, cmdFlushDB)
	t.register("FLUSHALL", -1, flagWrite|flagAdmin, cmdFlushAll)
	t.register("INFO", -1, 0, cmdInfo)
	t.register("TIME", 1, 0, cmdTime)
	t.register("COMMAND", -1, 0, cmdCommand)
	t.register("CLIENT", -2, flagPubsubAllowed, cmdClient)
	t.register("CONFIG", -2, flagAdmin, cmdConfig)
	t.register("DEBUG", -2, flagAdmin, cmdDebug)
	t.register("RESET", 1, flagPubsubAllowed, cmdReset)
}

func cmdPing(_ context.Context, s *Server, c *Conn, args [][]byte) {
	if len(args) >= 2 {
		_ = resp.WriteBulk(c.bw, args[1])
		return
	}
	_ = resp.WriteSimpleString(c.bw, "PONG")
}

func cmdEcho(_ context.Context, s *Server, c *Conn, args [][]byte) {
	_ = resp.WriteBulk(c.bw, args[1])
}

func cmdQuit(_ context.Context, s *Server, c *Conn, args [][]byte) {
	c.quit = true
	writeOK(c)
}

func cmdSelect(_ context.Context, s *Server, c *Conn, args [][]byte) {
	n, err := parseInt(args[1])
	if err != nil || n < 0 || int(n) >= s.Keyspace.NumDB() {
		writeErr(c, kverr.New(kverr.Generic, "DB index is out of range"))
		return
	}
	c.db = int(n)
	writeOK(c)
}

func cmdSwapDB(_ context.Context, s *Server, c *Conn, args [][]byte) {
	a, err1 := parseInt(args[1])
	b, err2 := parseInt(args[2])
	if err1 != nil || err2 != nil {
		writeErr(c, kverr.ErrNotInteger)
		return
	}
	if !s.Keyspace.SwapDB(int(a), int(b)) {
		writeErr(c, kverr.New(kverr.Generic, "DB index is out of range"))
		return
	}
	s.MarkDirty(1)
	writeOK(c)
}

func cmdAuth(_ context.Context, s *Server, c *Conn, args [][]byte) {
	required := s.RequirePass()
	if required == "" {
		writeErr(c, kverr.ErrNoPasswordSet)
		return
	}
	pass := args[len(args)-1]
	if string(pass) != required {
		writeErr(c, kverr.ErrInvalidPassword)
		return
	}
	c.authenticated = true
	writeOK(c)
}

func cmdDBSize(_ context.Context, s *Server, c *Conn, args [][]byte) {
	_ = resp.WriteInteger(c.bw, int64(s.db(c).Size()))
}

func cmdFlushDB(_ context.Context, s *Server, c *Conn, args [][]byte) {
	s.db(c).Flush()
	s.MarkDirty(1)
	writeOK(c)
}

func cmdFlushAll(_ context.Context, s *Server, c *Conn, args [][]byte) {
	s.Keyspace.FlushAll()
	s.MarkDirty(1)
	writeOK(c)
}

func cmdTime(_ context.Context, s *Server, c *Conn, args [][]byte) {
	now := time.Now()
	_ = resp.WriteArrayHeader(c.bw, 2)
	_ = resp.WriteBulkString(c.bw, strconv.FormatInt(now.Unix(), 10))
	_ = resp.WriteBulkString(c.bw, strconv.FormatInt(int64(now.Nanosecond()/1000), 10))
}

func cmdCommand(_ context.Context, s *Server, c *Conn, args [][]byte) {
	if len(args) >= 2 && strings.EqualFold(string(args[1]), "COUNT") {
		_ = resp.WriteInteger(c.bw, int64(len(s.dispatch.names())))
		return
	}
	names := s.dispatch.names()
	_ = resp.WriteArrayHeader(c.bw, len(names))
	for _, n := range names {
		cmd, _ := s.dispatch.lookup(n)
		_ = resp.WriteArrayHeader(c.bw, 2)
		_ = resp.WriteBulkString(c.bw, strings.ToLower(n))
		_ = resp.WriteInteger(c.bw, int64(cmd.arity))
	}
}

func cmdClient(_ context.Context, s *Server, c *Conn, args [][]byte) {
	switch strings.ToUpper(string(args[1])) {
	case "GETNAME":
		_ = resp.WriteBulkString(c.bw, c.name)
	case "SETNAME":
		if len(args) != 3 {
			writeErr(c, kverr.WrongArity("client|setname"))
			return
		}
		c.name = string(args[2])
		writeOK(c)
	case "ID":
		_ = resp.WriteInteger(c.bw, int64(c.id))
	case "LIST":
		_ = resp.WriteBulkString(c.bw, fmt.Sprintf("id=%d addr=%s name=%s db=%d", c.id, c.RemoteAddr(), c.name, c.db))
	case "NO-EVICT", "NO-TOUCH":
		writeOK(c)
	default:
		writeErr(c, kverr.New(kverr.Generic, "Unknown CLIENT subcommand or wrong number of arguments"))
	}
}

func cmdReset(_ context.Context, s *Server, c *Conn, args [][]byte) {
	s.PubSub.UnsubscribeAll(c.id)
	c.sub = nil
	c.subChannels = make(map[string]bool)
	c.subPatterns = make(map[string]bool)
	c.subCount = 0
	c.db = 0
	c.authenticated = false
	c.name = ""
	c.tx = txn.New()
	_ = resp.WriteSimpleString(c.bw, "RESET")
}

func cmdInfo(_ context.Context, s *Server, c *Conn, args [][]byte) {
	info := buildinfo.Get()
	var b strings.Builder
	fmt.Fprintf(&b, "# Server\r\nversion:%s\r\ngo_version:%s\r\n\r\n", info.Version, info.GoVersion)
	fmt.Fprintf(&b, "# Clients\r\nconnected_clients:%d\r\n\r\n", s.clientSeq.Load())
	fmt.Fprintf(&b, "# Memory\r\nused_memory:%d\r\nmaxmemory:%d\r\nmaxmemory_policy:%s\r\n\r\n",
		s.Keyspace.EstimatedMemory(), s.MaxMemoryBytes(), evictionPolicyName(s.EvictionPolicy()))
	fmt.Fprintf(&b, "# Persistence\r\nrdb_changes_since_last_save:%d\r\nrdb_last_save_time:%d\r\naof_enabled:%d\r\n\r\n",
		s.Dirty(), s.LastSave(), boolInt(s.AOF != nil))
	b.WriteString("# Keyspace\r\n")
	for i, n := range s.Keyspace.DBSizes() {
		if n == 0 {
			continue
		}
		fmt.Fprintf(&b, "db%d:keys=%d,expires=%d\r\n", i, n, s.Keyspace.ExpiresSizes()[i])
	}
	_ = resp.WriteBulkString(c.bw, b.String())
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func evictionPolicyName(p kvstore.EvictionPolicy) string {
	switch p {
	case kvstore.EvictAllKeysRandom:
		return "allkeys-random"
	case kvstore.EvictVolatileRandom:
		return "volatile-random"
	case kvstore.EvictVolatileTTL:
		return "volatile-ttl"
	default:
		return "noeviction"
	}
}

func parseEvictionPolicy(name string) (kvstore.EvictionPolicy, bool) {
	switch strings.ToLower(name) {
	case "noeviction":
		return kvstore.EvictNoEviction, true
	case "allkeys-random":
		return kvstore.EvictAllKeysRandom, true
	case "volatile-random":
		return kvstore.EvictVolatileRandom, true
	case "volatile-ttl":
		return kvstore.EvictVolatileTTL, true
	default:
		return 0, false
	}
}

// cmdConfig implements the subset of CONFIG GET/SET that maps onto
// live Server state. GET reports maxmemory, maxmemory-policy,
// requirepass, databases, timeout and appendonly; SET accepts only the
// first three. Bind address, storage directory and save rules are
// neither reported nor settable here.
func cmdConfig(_ context.Context, s *Server, c *Conn, args [][]byte) {
	switch strings.ToUpper(string(args[1])) {
	case "GET":
		if len(args) != 3 {
			writeErr(c, kverr.WrongArity("config|get"))
			return
		}
		pattern := strings.ToLower(string(args[2]))
		var out []string
		for k, v := range s.configSnapshot() {
			if kvstore.GlobMatch(pattern, k) {
				out = append(out, k, v)
			}
		}
		writeBulkStrings(c, out)
	case "SET":
		if len(args) != 4 {
			writeErr(c, kverr.WrongArity("config|set"))
			return
		}
		if err := s.configSet(strings.ToLower(string(args[2])), string(args[3])); err != nil {
			writeErr(c, err)
			return
		}
		writeOK(c)
	case "REWRITE", "RESETSTAT":
		writeOK(c)
	default:
		writeErr(c, kverr.New(kverr.Generic, "Unknown CONFIG subcommand or wrong number of arguments"))
	}
}

func (s *Server) configSnapshot() map[string]string {
	return map[string]string{
		"maxmemory":          strconv.FormatInt(s.MaxMemoryBytes(), 10),
		"maxmemory-policy":   evictionPolicyName(s.EvictionPolicy()),
		"requirepass":        s.RequirePass(),
		"databases":          strconv.Itoa(s.Keyspace.NumDB()),
		"timeout":            strconv.Itoa(int(s.cfg.IdleTimeout / time.Second)),
		"appendonly":         strconv.FormatBool(s.AOF != nil),
	}
}

func (s *Server) configSet(key, value string) error {
	switch key {
	case "maxmemory":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return kverr.ErrNotInteger
		}
		s.SetMaxMemoryBytes(n)
	case "maxmemory-policy":
		p, ok := parseEvictionPolicy(value)
		if !ok {
			return kverr.New(kverr.Generic, "Invalid maxmemory policy")
		}
		s.SetEvictionPolicy(p)
	case "requirepass":
		s.SetRequirePass(value)
	default:
		return kverr.New(kverr.Generic, "Unsupported CONFIG parameter: %s", key)
	}
	return nil
}

func cmdDebug(_ context.Context, s *Server, c *Conn, args [][]byte) {
	switch strings.ToUpper(string(args[1])) {
	case "SLEEP":
		if len(args) < 3 {
			writeErr(c, kverr.WrongArity("debug|sleep"))
			return
		}
		secs, err := parseFloat(args[2])
		if err != nil {
			writeErr(c, err)
			return
		}
		time.Sleep(time.Duration(secs * float64(time.Second)))
		writeOK(c)
	case "JSONDUMP", "OBJECT":
		writeOK(c)
	default:
		writeErr(c, kverr.New(kverr.Generic, "unknown DEBUG subcommand"))
	}
}
