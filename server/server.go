package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/metrics"
	"chatrelay/presence"
	"chatrelay/protocol"

	"go.uber.org/zap"
)

// AccountStore answers the handshake's account questions.
type AccountStore interface {
	UserExists(login string) (bool, error)
	PasswordHash(login string) (string, error)
	PublicKey(login string) (string, error)
	RecordLogin(login, ip string, port int, publicKey string) error
}

type ContactStore interface {
	GetContacts(owner string) ([]string, error)
	AddContact(owner, contact string) error
	DeleteContact(owner, contact string) error
}

type MessageLog interface {
	SaveMessage(sender, recipient, text string, timestamp time.Time) error
}

// Store is everything the relay needs from persistence. *db.DB satisfies it.
type Store interface {
	AccountStore
	ContactStore
	MessageLog
}

type ServerConfig struct {
	Addr             string
	IdleTimeout      time.Duration // 0 disables
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	MaxFrameSize     int
	RateLimit        float64 // requests per second per connection, 0 disables
	RateBurst        int
}

type Server struct {
	store    Store
	config   *ServerConfig
	logger   *zap.Logger
	metrics  *metrics.Metrics
	presence presence.Publisher
	registry *Registry
	routes   map[protocol.Action]route

	// conns is owned by the dispatch loop.
	conns  map[string]*conn
	events chan event
	open   atomic.Int64

	// Presence transitions are published off the dispatch loop, in order.
	presenceEvents chan presence.Event
	published      chan struct{}

	mu       sync.Mutex
	listener net.Listener
	running  bool
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

type Option func(*Server)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithPresence(p presence.Publisher) Option {
	return func(s *Server) { s.presence = p }
}

func New(store Store, config *ServerConfig, logger *zap.Logger, opts ...Option) *Server {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 5 * time.Second
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = protocol.DefaultMaxFrame
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		store:    store,
		config:   config,
		logger:   logger.Named("server"),
		presence: presence.Nop{},
		registry: NewRegistry(),
		conns:    make(map[string]*conn),
		events:   make(chan event, 64),

		presenceEvents: make(chan presence.Event, presenceQueue),
		published:      make(chan struct{}),

		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes = s.routeTable()
	return s
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln and runs the dispatch loop until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	select {
	case <-s.quit:
		s.mu.Unlock()
		ln.Close()
		return errors.New("server is shut down")
	default:
	}
	s.listener = ln
	s.running = true
	s.mu.Unlock()

	s.logger.Info("chat relay started", zap.String("addr", ln.Addr().String()))
	go s.publishLoop()
	go s.acceptLoop(ln)
	s.run()
	return nil
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting, closes every connection and waits for the dispatch
// loop to exit. It is safe to call more than once.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() { close(s.quit) })

	s.mu.Lock()
	ln, running := s.listener, s.running
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	if running {
		<-s.stopped
	}
}

// Stats is a point-in-time view of the relay.
type Stats struct {
	Connections int
	Users       []string
}

func (st Stats) String() string {
	return "connections=" + strconv.Itoa(st.Connections) + ",users=" + strings.Join(st.Users, ";")
}

func (s *Server) Stats() Stats {
	return Stats{
		Connections: int(s.open.Load()),
		Users:       s.registry.Names(),
	}
}

// Online reports whether name currently has an authenticated session.
func (s *Server) Online(name string) bool {
	_, ok := s.registry.Lookup(name)
	return ok
}

// BroadcastListUpdate asks the dispatch loop to push a LIST_UPDATE to every
// authenticated session.
func (s *Server) BroadcastListUpdate() {
	s.post(event{kind: evBroadcast})
}

type eventKind int

const (
	evOpen eventKind = iota
	evMessage
	evInvalid
	evClosed
	evBroadcast
)

type event struct {
	kind eventKind
	nc   net.Conn
	c    *conn
	msg  protocol.Message
	err  error
}

// post hands ev to the dispatch loop; false means the server is shutting down.
func (s *Server) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.quit:
		return false
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if !s.post(event{kind: evOpen, nc: nc}) {
			nc.Close()
			return
		}
	}
}

func (s *Server) tick() time.Duration {
	d := s.config.HandshakeTimeout / 4
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	if d > time.Second {
		d = time.Second
	}
	return d
}

// run is the dispatch loop. It is the only goroutine that touches connection
// state, so handlers run strictly one at a time.
func (s *Server) run() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.tick())
	defer ticker.Stop()

	for {
		select {
		case ev := <-s.events:
			s.handleEvent(ev)
		case now := <-ticker.C:
			s.expireHandshakes(now)
		case <-s.quit:
			for _, c := range s.conns {
				s.closeConn(c, "server shutdown")
			}
			close(s.presenceEvents)
			<-s.published
			s.logger.Info("chat relay stopped")
			return
		}
	}
}

func (s *Server) handleEvent(ev event) {
	switch ev.kind {
	case evOpen:
		c := newConn(ev.nc, s.config)
		s.conns[c.id] = c
		s.open.Add(1)
		s.metrics.ConnOpened()
		s.logger.Info("client connected", zap.String("conn", c.id), zap.String("remote", c.remote))
		go s.readLoop(c)
	case evMessage:
		if ev.c.state == stateClosed {
			return
		}
		s.dispatch(ev.c, ev.msg)
	case evInvalid:
		if ev.c.state == stateClosed {
			return
		}
		s.logger.Warn("malformed request", zap.String("conn", ev.c.id), zap.Error(ev.err))
		if ev.c.state == stateAuthenticating {
			s.abortHandshake(ev.c, nil, "malformed", "malformed request")
			return
		}
		s.reply(ev.c, nil, protocol.NewResponse(protocol.JSONError, "malformed request"))
	case evClosed:
		if ev.c.state == stateClosed {
			return
		}
		reason := "client disconnected"
		if !errors.Is(ev.err, io.EOF) {
			reason = ev.err.Error()
		}
		s.drop(ev.c, reason)
	case evBroadcast:
		s.broadcastListUpdate()
	}
}

// write sends one frame to c under the write deadline.
func (s *Server) write(c *conn, m protocol.Message) error {
	if c.state == stateClosed {
		return net.ErrClosed
	}
	c.nc.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	return protocol.WriteMessage(c.nc, m)
}

// reply answers req on c, echoing its seq. A failed write drops the connection.
func (s *Server) reply(c *conn, req, resp protocol.Message) error {
	if seq, ok := req.Seq(); ok {
		resp.SetSeq(seq)
	}
	if code, ok := resp.Response(); ok {
		s.metrics.Response(code)
	}
	if err := s.write(c, resp); err != nil {
		if c.state != stateClosed {
			s.logger.Warn("reply failed", zap.String("conn", c.id), zap.String("user", c.user), zap.Error(err))
			s.drop(c, "write failed")
		}
		return err
	}
	return nil
}

func (s *Server) replyError(c *conn, req protocol.Message, code int, text string) error {
	return s.reply(c, req, protocol.NewResponse(code, text))
}

// drop closes c and, if it held a session, tells everyone the lists changed.
func (s *Server) drop(c *conn, reason string) {
	if s.closeConn(c, reason) {
		s.broadcastListUpdate()
	}
}

// closeConn ends c's session and closes its socket. It reports whether a
// registered session was removed.
func (s *Server) closeConn(c *conn, reason string) bool {
	if c.state == stateClosed {
		return false
	}
	ended := s.endSession(c)
	c.state = stateClosed
	c.pending = nil
	c.nc.Close()
	delete(s.conns, c.id)
	s.open.Add(-1)
	s.metrics.ConnClosed()
	s.logger.Info("client disconnected",
		zap.String("conn", c.id),
		zap.String("user", c.user),
		zap.String("reason", reason),
		zap.Duration("age", time.Since(c.opened)))
	return ended
}

func (s *Server) endSession(c *conn) bool {
	if c.user == "" {
		return false
	}
	// A name is only released by the connection that holds it.
	if cur, ok := s.registry.Lookup(c.user); !ok || cur != c {
		return false
	}
	s.registry.Unregister(c.user)
	s.metrics.SetSessions(s.registry.Len())
	s.publish(presence.Offline, c.user)
	return true
}

// broadcastListUpdate pushes LIST_UPDATE to every session. Sessions that fail
// the write are closed without a further broadcast.
func (s *Server) broadcastListUpdate() {
	push := protocol.NewResponse(protocol.ListUpdate, "")
	for _, name := range s.registry.Names() {
		c, ok := s.registry.Lookup(name)
		if !ok {
			continue
		}
		if err := s.write(c, push); err != nil {
			s.logger.Warn("list update failed", zap.String("user", name), zap.Error(err))
			s.closeConn(c, "list update failed")
			continue
		}
		s.metrics.Response(protocol.ListUpdate)
	}
}

// presenceQueue is how many transitions may wait for a slow publisher before
// new ones are dropped.
const presenceQueue = 256

// publish queues a presence transition. It never blocks the dispatch loop.
func (s *Server) publish(kind presence.Kind, login string) {
	ev := presence.Event{Kind: kind, Login: login, At: time.Now().UTC()}
	select {
	case s.presenceEvents <- ev:
	default:
		s.metrics.PresenceDropped()
		s.logger.Warn("presence queue full, event dropped", zap.String("user", login), zap.String("kind", string(kind)))
	}
}

// publishLoop hands queued transitions to the publisher until the queue is
// closed and drained.
func (s *Server) publishLoop() {
	defer close(s.published)
	for ev := range s.presenceEvents {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := s.presence.Publish(ctx, ev)
		cancel()
		if err != nil {
			s.logger.Warn("presence publish failed", zap.String("user", ev.Login), zap.String("kind", string(ev.Kind)), zap.Error(err))
		}
	}
}

func (s *Server) expireHandshakes(now time.Time) {
	for _, c := range s.conns {
		if c.state == stateAuthenticating && c.pending != nil && now.After(c.pending.deadline) {
			s.abortHandshake(c, nil, "timeout", fmt.Sprintf("authentication timed out after %s", s.config.HandshakeTimeout))
		}
	}
}
