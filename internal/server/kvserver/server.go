// Package kvserver implements the RESP-compatible key-value server: the
// TCP accept loop, per-connection state, and the command dispatch table
// wired to the keyspace, transaction, pub/sub, blocking, and
// persistence packages.
package kvserver

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvstored/kvstored/internal/blocking"
	"github.com/kvstored/kvstored/internal/kvstore"
	"github.com/kvstored/kvstored/internal/kvstore/kverr"
	"github.com/kvstored/kvstored/internal/persistence/aof"
	"github.com/kvstored/kvstored/internal/persistence/snapshot"
	"github.com/kvstored/kvstored/internal/pubsub"
	"github.com/kvstored/kvstored/internal/resp"
	"github.com/kvstored/kvstored/internal/txn"
	"golang.org/x/time/rate"
)

// Config holds the server's listener and behavioral configuration.
type Config struct {
	// Address is the RESP listener's bind address, e.g. "127.0.0.1:6379".
	Address string
	// RequirePass, if non-empty, requires AUTH before any other command.
	RequirePass string
	// IdleTimeout closes a connection idle for longer than this (0 disables).
	IdleTimeout time.Duration
	// ReadTimeout bounds a single command read once framing has started.
	ReadTimeout time.Duration
	// WriteTimeout bounds flushing a reply.
	WriteTimeout time.Duration
	// Hz is the background ticker frequency (§4.8) driving active
	// expiration, autosave evaluation, AOF fsync, and eviction sweeps.
	Hz int
	// RateLimit caps commands per second per connecting IP (0 disables).
	RateLimit int
	// SaveRules are (seconds, changes) autosave thresholds, evaluated
	// in order; the first rule whose thresholds are both met fires.
	SaveRules []SaveRule
}

// connLimiter enforces a per-IP command rate limit ahead of dispatch,
// one token bucket per remote address, built on golang.org/x/time/rate
// rather than tracking elapsed time and refill by hand.
type connLimiter struct {
	perSecond int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newConnLimiter(perSecond int) *connLimiter {
	return &connLimiter{perSecond: perSecond, limiters: make(map[string]*rate.Limiter)}
}

func (cl *connLimiter) allow(ip string) bool {
	if cl == nil || cl.perSecond <= 0 {
		return true
	}
	cl.mu.Lock()
	l, ok := cl.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rate.Limit(cl.perSecond), cl.perSecond)
		cl.limiters[ip] = l
	}
	cl.mu.Unlock()
	return l.Allow()
}

// remoteIP strips the port from a Conn's remote address, so every
// connection from the same client IP shares one bucket regardless of
// its ephemeral source port.
func remoteIP(c *Conn) string {
	addr := c.RemoteAddr().String()
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

// SaveRule is one autosave threshold pair: a snapshot is written once
// at least Changes writes have occurred since the last successful save
// and at least Seconds have elapsed since then.
type SaveRule struct {
	Seconds int
	Changes int
}

// activeExpireBudget bounds one active-expiration pass so it stays
// self-throttling under the shared server lock (§4.2).
const activeExpireBudget = 25 * time.Millisecond

// DefaultConfig returns reasonable listener defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:      "127.0.0.1:6379",
		IdleTimeout:  5 * time.Minute,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server is the RESP-compatible key-value server. One Server serializes
// command execution against its Keyspace behind a single
// reader/writer lock, per §5's concurrency model: mutators hold the
// write lock for the duration of one command, pure reads the read
// lock, never suspending mid-mutation.
type Server struct {
	cfg    *Config
	logger *slog.Logger

	mu       sync.RWMutex
	Keyspace *kvstore.Keyspace

	PubSub   *pubsub.Registry
	Blocking *blocking.Registry

	Snapshot *snapshot.Manager
	AOF      *aof.Writer // nil when append-only persistence is disabled
	aofCfg   aof.Config  // retained so BGREWRITEAOF can reopen the log after Rewrite

	dispatch    *dispatchTable
	rateLimiter *connLimiter

	lastSaveUnix atomic.Int64
	dirty        atomic.Int64 // changes since last successful snapshot
	aofLastDB    atomic.Int32 // db index of the most recent AOF-appended command, -1 initially

	clientSeq atomic.Uint64

	// Runtime-tunable settings reachable via CONFIG GET/SET (§6), held
	// outside cfg so they can change without touching the Config the
	// process was started with.
	requirePass    atomic.Pointer[string]
	maxMemoryBytes atomic.Int64
	evictPolicy    atomic.Int32 // kvstore.EvictionPolicy

	ln      net.Listener
	running atomic.Bool
	wg      sync.WaitGroup
}

// New builds a Server over ks, wiring the given registries and
// persistence managers (aofWriter may be nil).
func New(cfg *Config, ks *kvstore.Keyspace, pubsubReg *pubsub.Registry, blockReg *blocking.Registry, snapMgr *snapshot.Manager, aofWriter *aof.Writer, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		Keyspace: ks,
		PubSub:   pubsubReg,
		Blocking: blockReg,
		Snapshot: snapMgr,
		AOF:      aofWriter,
	}
	s.dispatch = buildDispatchTable()
	if cfg.RateLimit > 0 {
		s.rateLimiter = newConnLimiter(cfg.RateLimit)
	}
	pass := cfg.RequirePass
	s.requirePass.Store(&pass)
	s.aofLastDB.Store(-1)
	s.lastSaveUnix.Store(time.Now().Unix())
	return s
}

// SetAOFConfig records the configuration used to (re)open the command
// log, so BGREWRITEAOF can reopen it after Rewrite atomically replaces
// the file on disk.
func (s *Server) SetAOFConfig(cfg aof.Config) { s.aofCfg = cfg }

// RequirePass returns the password currently required by AUTH, the
// live value behind CONFIG SET requirepass.
func (s *Server) RequirePass() string {
	if p := s.requirePass.Load(); p != nil {
		return *p
	}
	return ""
}

// SetRequirePass updates the password required by AUTH.
func (s *Server) SetRequirePass(pass string) { s.requirePass.Store(&pass) }

// MaxMemoryBytes returns the configured memory cap, 0 meaning
// unlimited.
func (s *Server) MaxMemoryBytes() int64 { return s.maxMemoryBytes.Load() }

// SetMaxMemoryBytes updates the memory cap enforced by the eviction
// sweep.
func (s *Server) SetMaxMemoryBytes(n int64) { s.maxMemoryBytes.Store(n) }

// EvictionPolicy returns the policy the eviction sweep uses once
// MaxMemoryBytes is exceeded.
func (s *Server) EvictionPolicy() kvstore.EvictionPolicy {
	return kvstore.EvictionPolicy(s.evictPolicy.Load())
}

// SetEvictionPolicy updates the eviction policy.
func (s *Server) SetEvictionPolicy(p kvstore.EvictionPolicy) { s.evictPolicy.Store(int32(p)) }

// ParseEvictionPolicy maps a CONFIG-style policy name (e.g.
// "allkeys-random") to its EvictionPolicy, for callers (CONFIG SET,
// process startup) outside the command dispatch table.
func ParseEvictionPolicy(name string) (kvstore.EvictionPolicy, bool) { return parseEvictionPolicy(name) }

// MarkDirty increments the change counter used by autosave evaluation,
// called by write handlers after a successful mutation.
func (s *Server) MarkDirty(n int64) { s.dirty.Add(n) }

// Dirty reports the number of changes since the last successful save.
func (s *Server) Dirty() int64 { return s.dirty.Load() }

// ResetDirty zeroes the change counter, called after a successful SAVE.
func (s *Server) ResetDirty() { s.dirty.Store(0) }

// LastSave reports the unix-seconds timestamp of the last successful
// snapshot.
func (s *Server) LastSave() int64 { return s.lastSaveUnix.Load() }

// SetLastSave records the commit time of a successful snapshot.
func (s *Server) SetLastSave(unix int64) { s.lastSaveUnix.Store(unix) }

// Start begins accepting connections. It returns once the listener is
// bound; the accept loop runs in the background until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.ln = ln
	s.running.Store(true)

	s.logger.Info("listening", "address", s.cfg.Address)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.acceptLoop(ctx); err != nil {
			s.logger.Error("accept loop exited", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runTicker(ctx)
	}()
	return nil
}

// runTicker drives the background maintenance work described by §4.8:
// active expiration, eviction sweeps, AOF fsync under the "everysec"
// policy, and autosave rule evaluation, all at the configured Hz.
func (s *Server) runTicker(ctx context.Context) {
	hz := s.cfg.Hz
	if hz <= 0 {
		hz = 10
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.running.Load() {
				return
			}
			s.tick()
		}
	}
}

func (s *Server) tick() {
	s.mu.Lock()
	s.Keyspace.ActiveExpireCycle(activeExpireBudget)
	if maxBytes := s.MaxMemoryBytes(); maxBytes > 0 && s.EvictionPolicy() != kvstore.EvictNoEviction {
		for i := 0; i < s.Keyspace.NumDB(); i++ {
			s.Keyspace.EvictUntil(i, s.EvictionPolicy(), maxBytes)
		}
	}
	s.mu.Unlock()

	if s.AOF != nil {
		if err := s.AOF.MaybeSync(); err != nil {
			s.logger.Error("AOF fsync failed", "error", err)
		}
	}

	s.evaluateAutosave()
}

// evaluateAutosave applies §4.7's autosave rules: the first configured
// rule whose (seconds, changes) thresholds are both satisfied fires a
// background snapshot, resetting the change counter on success.
func (s *Server) evaluateAutosave() {
	if s.Snapshot == nil || len(s.cfg.SaveRules) == 0 {
		return
	}
	dirty := s.Dirty()
	elapsed := time.Now().Unix() - s.LastSave()
	for _, rule := range s.cfg.SaveRules {
		if dirty >= int64(rule.Changes) && elapsed >= int64(rule.Seconds) {
			go func() {
				s.mu.RLock()
				info, err := s.Snapshot.Save(s.Keyspace)
				s.mu.RUnlock()
				if err != nil {
					s.logger.Error("autosave failed", "error", err)
					return
				}
				s.SetLastSave(info.CreatedAt / 1000)
				s.ResetDirty()
			}()
			return
		}
	}
}

// Shutdown stops accepting new connections and waits for in-flight
// connections to drain, or for ctx to be cancelled first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.running.Store(false)
	if s.ln != nil {
		_ = s.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, newConn(nc, s.clientSeq.Add(1)))
		}()
	}
}

// serveConn drives one connection's command execution. Reading and
// executing are split across two goroutines rather than one sequential
// loop: a blocking command (BLPOP/BRPOP) can park the executor for an
// unbounded time, and while parked it isn't reading the socket, so a
// client disconnecting during that wait would otherwise never be
// observed. The dedicated read goroutine keeps watching the socket the
// whole time and cancels connCtx the moment it does, which is exactly
// what unblocks blocking.Registry.Wait and runs its UnregisterMany.
func (s *Server) serveConn(ctx context.Context, c *Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.PubSub.UnsubscribeAll(c.id)
		c.Close()
	}()

	readTimeout, writeTimeout, idleTimeout := s.cfg.ReadTimeout, s.cfg.WriteTimeout, s.cfg.IdleTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}
	if writeTimeout == 0 {
		writeTimeout = 30 * time.Second
	}
	if idleTimeout == 0 {
		idleTimeout = 5 * time.Minute
	}

	cmdCh := make(chan [][]byte)
	go s.readLoop(connCtx, cancel, c, cmdCh, readTimeout, idleTimeout, writeTimeout)

	for {
		select {
		case <-connCtx.Done():
			return
		case args, ok := <-cmdCh:
			if !ok {
				return
			}

			c.bwMu.Lock()
			s.Execute(connCtx, c, args)

			if err := c.netConn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.bwMu.Unlock()
				return
			}
			err := c.bw.Flush()
			c.bwMu.Unlock()
			if err != nil {
				return
			}

			if c.quit {
				return
			}
		}
	}
}

// readLoop owns c.br exclusively, reading one command at a time and
// handing each off to serveConn's executor over cmdCh. It runs
// independently of however long the executor takes to run a command
// (including parking indefinitely inside a blocking command), so a
// read failure — in particular the client closing the connection — is
// always observed promptly and propagated via cancel, instead of only
// being noticed the next time the executor goroutine happens to loop
// back around to a read.
func (s *Server) readLoop(ctx context.Context, cancel context.CancelFunc, c *Conn, cmdCh chan<- [][]byte, readTimeout, idleTimeout, writeTimeout time.Duration) {
	defer func() {
		cancel()
		close(cmdCh)
	}()

	for {
		if err := c.netConn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}
		if _, err := c.br.Peek(1); err != nil {
			if isExpectedCloseErr(err) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Debug("idle timeout", "remote", c.RemoteAddr())
			}
			return
		}

		if err := c.netConn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}

		args, err := resp.ReadCommand(c.br)
		if err != nil {
			if isExpectedCloseErr(err) {
				return
			}
			c.bwMu.Lock()
			_ = c.netConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = resp.WriteError(c.bw, "ERR Protocol error: "+err.Error())
			_ = c.bw.Flush()
			c.bwMu.Unlock()
			return
		}
		if len(args) == 0 {
			continue
		}

		if !s.rateLimiter.allow(remoteIP(c)) {
			c.bwMu.Lock()
			_ = c.netConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = resp.WriteError(c.bw, kverr.New(kverr.Generic, "rate limit exceeded").Error())
			_ = c.bw.Flush()
			c.bwMu.Unlock()
			continue
		}

		select {
		case cmdCh <- args:
		case <-ctx.Done():
			return
		}
	}
}

func isExpectedCloseErr(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ConnState is the authentication and selected-database state exposed
// to callers that need it outside the handler dispatch (e.g. INFO,
// CLIENT LIST).
type ConnState struct {
	DB            int
	Authenticated bool
	Name          string
}

// Conn represents one client connection and its per-connection state:
// selected database, auth flag, transaction, and connection bookkeeping.
// §4.3 calls this out explicitly as per-connection rather than shared.
type Conn struct {
	id      uint64
	netConn net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer
	bwMu    sync.Mutex // guards bw against the async pub/sub delivery goroutine

	db            int
	authenticated bool
	name          string
	tx            *txn.Tx
	quit          bool
	subCount      int // active channel+pattern subscriptions; restricts commands while > 0
	hadError      bool // set by writeErr/writeErrString for the command in flight

	sub         *pubsub.Subscriber // non-nil once this connection has subscribed at least once
	deliverOnce sync.Once
	subChannels map[string]bool
	subPatterns map[string]bool

	closed atomic.Bool
}

func newConn(c net.Conn, id uint64) *Conn {
	return &Conn{
		id:          id,
		netConn:     c,
		br:          bufio.NewReader(c),
		bw:          bufio.NewWriter(c),
		tx:          txn.New(),
		subChannels: make(map[string]bool),
		subPatterns: make(map[string]bool),
	}
}

// NewReplayConn builds a Conn suitable for driving Execute during
// append-only log replay at startup: there is no underlying network
// connection, replies are discarded, and the connection is
// pre-authenticated so a configured requirepass does not block
// replayed writes.
func NewReplayConn() *Conn {
	return &Conn{
		bw:            bufio.NewWriter(io.Discard),
		tx:            txn.New(),
		authenticated: true,
		subChannels:   make(map[string]bool),
		subPatterns:   make(map[string]bool),
	}
}

// startDelivery launches, once per connection, the goroutine that
// drains this connection's pub/sub deliveries and writes them to the
// socket under bwMu so they never tear a frame being written by the
// command-dispatch goroutine.
func (c *Conn) startDelivery() {
	c.deliverOnce.Do(func() {
		go func() {
			for msg := range c.sub.C() {
				c.bwMu.Lock()
				writePubSubMessage(c, msg)
				_ = c.bw.Flush()
				c.bwMu.Unlock()
			}
		}()
	})
}

// Close closes the underlying network connection, safe to call more
// than once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.netConn.Close()
}

// RemoteAddr returns the connection's remote network address.
func (c *Conn) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

// ID returns the connection's unique client ID, used as the pub/sub
// and blocking-waiter registry key.
func (c *Conn) ID() uint64 { return c.id }
