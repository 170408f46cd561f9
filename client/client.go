// Package client is the relay's client transport: it logs in, keeps the user and
// contact lists current, sends requests synchronously and delivers incoming
// messages to registered handlers from a background receive loop.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/protocol"

	"go.uber.org/zap"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

type Config struct {
	Addr            string
	Login           string
	Password        string
	PublicKey       string
	Status          string
	ConnectAttempts int
	RetryDelay      time.Duration
	RequestTimeout  time.Duration
	MaxFrameSize    int
}

// Incoming is a text message relayed to this user.
type Incoming struct {
	From string
	To   string
	Text string
	Time time.Time
}

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithCache stores the user and contact lists in cache instead of a private
// MemoryCache.
func WithCache(cache ListCache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithDialer replaces the default dialer, which only bounds the dial by
// RequestTimeout.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// link is one established connection and its receive loop.
type link struct {
	nc      net.Conn
	reader  *bufio.Reader
	done    chan struct{}
	closing atomic.Bool // set when the local side ends the link on purpose

	// Guarded by Client.mu. A loss before ready is reported by Connect alone.
	ready bool
	lost  bool
}

type Client struct {
	config Config
	logger *zap.Logger
	cache  ListCache
	dialer Dialer

	mu      sync.Mutex
	state   State
	link    *link
	pending map[uint64]chan protocol.Message
	seq     atomic.Uint64

	// reqMu keeps one synchronous request outstanding; writeMu serializes frames.
	reqMu   sync.Mutex
	writeMu sync.Mutex

	handlersMu sync.RWMutex
	onMessage  []func(Incoming)
	onLists    []func(users, contacts []string)
	onLost     []func(error)
}

func New(config Config, opts ...Option) *Client {
	if config.ConnectAttempts <= 0 {
		config.ConnectAttempts = 5
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = protocol.DefaultMaxFrame
	}
	if config.Status == "" {
		config.Status = "online"
	}

	c := &Client{
		config:  config,
		logger:  zap.NewNop(),
		pending: make(map[uint64]chan protocol.Message),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cache == nil {
		c.cache = NewMemoryCache()
	}
	if c.dialer == nil {
		c.dialer = &net.Dialer{Timeout: config.RequestTimeout}
	}
	c.logger = c.logger.Named("client").With(zap.String("login", config.Login))
	return c
}

func (c *Client) Login() string { return c.config.Login }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) Users() []string    { return c.cache.Users() }
func (c *Client) Contacts() []string { return c.cache.Contacts() }

// OnMessage registers a handler for incoming text messages. Handlers run on the
// receive goroutine in arrival order and must not block on requests of this client.
func (c *Client) OnMessage(h func(Incoming)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onMessage = append(c.onMessage, h)
}

// OnListsUpdated registers a handler called after a server push refreshed the lists.
func (c *Client) OnListsUpdated(h func(users, contacts []string)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onLists = append(c.onLists, h)
}

// OnConnectionLost registers a handler called once when the connection drops
// without Close having been called.
func (c *Client) OnConnectionLost(h func(error)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onLost = append(c.onLost, h)
}

// Connect dials the server, completes the login handshake and loads the user and
// contact lists.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("connect: client is %s", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	nc, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateAuthenticating)
	reader := bufio.NewReader(nc)
	if err := c.handshake(ctx, nc, reader); err != nil {
		nc.Close()
		c.setState(StateDisconnected)
		return err
	}

	l := &link{nc: nc, reader: reader, done: make(chan struct{})}
	c.mu.Lock()
	c.link = l
	c.state = StateConnected
	c.mu.Unlock()
	go c.readLoop(l)
	c.logger.Info("connected", zap.String("addr", c.config.Addr))

	if err := c.RefreshLists(ctx); err != nil {
		c.Close()
		return &BootstrapError{Err: err}
	}
	c.mu.Lock()
	lost := l.lost
	l.ready = true
	c.mu.Unlock()
	if lost {
		return &BootstrapError{Err: ErrConnectionLost}
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= c.config.ConnectAttempts; attempt++ {
		nc, err := c.dialer.DialContext(ctx, "tcp", c.config.Addr)
		if err == nil {
			return nc, nil
		}
		lastErr = err
		c.logger.Warn("connect attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("attempts", c.config.ConnectAttempts),
			zap.Error(err))
		if attempt == c.config.ConnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, &ConnectionError{Addr: c.config.Addr, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(c.config.RetryDelay):
		}
	}
	return nil, &ConnectionError{Addr: c.config.Addr, Attempts: c.config.ConnectAttempts, Err: lastErr}
}

// handshake runs PRESENCE and, if challenged, AUTH before the receive loop starts.
func (c *Client) handshake(ctx context.Context, nc net.Conn, reader *bufio.Reader) error {
	deadline := time.Now().Add(c.config.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	nc.SetDeadline(deadline)
	defer nc.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { nc.SetDeadline(time.Now()) })
	defer stop()

	resp, err := c.exchange(nc, reader, protocol.Presence(c.config.Login, c.config.Status, c.config.PublicKey))
	if err != nil {
		return c.handshakeError(ctx, err)
	}
	code, _ := resp.Response()
	switch code {
	case protocol.OK:
		return nil
	case protocol.AuthProcess:
	default:
		return &ServerRejectedError{Code: code, Reason: resp.Reason()}
	}

	nonce := resp.String(protocol.KeyData)
	if nonce == "" {
		return &AuthenticationError{Reason: "empty challenge"}
	}
	digest := protocol.EncodeDigest(protocol.PasswordHash(c.config.Login, c.config.Password), nonce)
	resp, err = c.exchange(nc, reader, protocol.AuthAnswer(digest))
	if err != nil {
		return c.handshakeError(ctx, err)
	}
	if code, _ := resp.Response(); code != protocol.OK {
		return &AuthenticationError{Reason: resp.Reason()}
	}
	return nil
}

func (c *Client) handshakeError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return &AuthenticationError{Reason: "handshake interrupted", Err: err}
}

// exchange writes m and reads frames until the matching response arrives. It is
// only used while no receive loop runs.
func (c *Client) exchange(nc net.Conn, reader *bufio.Reader, m protocol.Message) (protocol.Message, error) {
	seq := c.seq.Add(1)
	m.SetSeq(seq)
	if err := protocol.WriteMessage(nc, m); err != nil {
		return nil, err
	}
	for {
		resp, err := protocol.ReadMessage(reader, c.config.MaxFrameSize)
		if err != nil {
			return nil, err
		}
		if got, ok := resp.Seq(); ok && got != seq {
			continue
		}
		if resp.IsResponse() {
			return resp, nil
		}
	}
}

func (c *Client) write(l *link, m protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	l.nc.SetWriteDeadline(time.Now().Add(c.config.RequestTimeout))
	return protocol.WriteMessage(l.nc, m)
}

// request sends m and waits for the response carrying the same seq.
func (c *Client) request(ctx context.Context, m protocol.Message) (protocol.Message, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.mu.Lock()
	l := c.link
	if c.state != StateConnected || l == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	seq := c.seq.Add(1)
	ch := make(chan protocol.Message, 1)
	c.pending[seq] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	m.SetSeq(seq)
	if err := c.write(l, m); err != nil {
		c.logger.Warn("write failed", zap.String("action", string(m.Action())), zap.Error(err))
		// The receive loop notices the closed socket and reports the loss.
		l.nc.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-l.done:
		return nil, ErrConnectionLost
	case <-timer.C:
		c.logger.Warn("request timed out", zap.String("action", string(m.Action())))
		c.abort(l)
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// abort drops l without reporting a lost connection; the caller already has its
// error.
func (c *Client) abort(l *link) {
	l.closing.Store(true)
	c.detach(l)
	l.nc.Close()
}

func (c *Client) detach(l *link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == l {
		c.link = nil
		c.state = StateDisconnected
	}
}

// Close sends EXIT, closes the socket and waits for the receive loop. Calling it
// again, or on a client that never connected, is a no-op. It must not be called
// from a message handler.
func (c *Client) Close() error {
	c.mu.Lock()
	l := c.link
	if l == nil {
		c.mu.Unlock()
		return nil
	}
	if !l.closing.CompareAndSwap(false, true) {
		c.mu.Unlock()
		<-l.done
		return nil
	}
	c.state = StateClosing
	c.mu.Unlock()

	if err := c.write(l, protocol.Exit(c.config.Login)); err != nil {
		c.logger.Debug("exit not sent", zap.Error(err))
	}
	l.nc.Close()
	<-l.done
	c.detach(l)
	c.logger.Info("disconnected")
	return nil
}

func (c *Client) readLoop(l *link) {
	defer close(l.done)
	for {
		msg, err := protocol.ReadMessage(l.reader, c.config.MaxFrameSize)
		if err != nil {
			c.mu.Lock()
			l.lost = true
			announce := l.ready
			c.mu.Unlock()
			c.detach(l)
			l.nc.Close()
			if !l.closing.Load() {
				c.logger.Warn("connection lost", zap.Error(err))
				if announce {
					c.notifyLost(fmt.Errorf("%w: %v", ErrConnectionLost, err))
				}
			}
			return
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg protocol.Message) {
	if code, ok := msg.Response(); ok {
		if seq, ok := msg.Seq(); ok {
			c.mu.Lock()
			ch := c.pending[seq]
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- msg:
				default:
				}
				return
			}
		}
		if code == protocol.ListUpdate {
			go c.refreshAndNotify()
			return
		}
		c.logger.Debug("unmatched response", zap.Int("code", code), zap.String("reason", msg.Reason()))
		return
	}

	switch msg.Action() {
	case protocol.ActionMessage:
		to := msg.String(protocol.KeyTo)
		if to != c.config.Login {
			c.logger.Debug("message for another user ignored", zap.String("to", to))
			return
		}
		in := Incoming{
			From: msg.String(protocol.KeyFrom),
			To:   to,
			Text: msg.String(protocol.KeyMessage),
			Time: time.Unix(msg.Time(), 0),
		}
		c.handlersMu.RLock()
		handlers := slices.Clone(c.onMessage)
		c.handlersMu.RUnlock()
		for _, h := range handlers {
			h(in)
		}
	default:
		if !msg.Action().Known() {
			c.logger.Warn("unknown action from server", zap.String("action", string(msg.Action())))
			return
		}
		c.logger.Debug("unexpected message", zap.String("action", string(msg.Action())))
	}
}

func (c *Client) refreshAndNotify() {
	if err := c.RefreshLists(context.Background()); err != nil {
		c.logger.Debug("list refresh failed", zap.Error(err))
		return
	}
	users, contacts := c.cache.Users(), c.cache.Contacts()
	c.handlersMu.RLock()
	handlers := slices.Clone(c.onLists)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(users, contacts)
	}
}

func (c *Client) notifyLost(err error) {
	c.handlersMu.RLock()
	handlers := slices.Clone(c.onLost)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

// RefreshLists re-fetches the online users and this user's contacts into the cache.
func (c *Client) RefreshLists(ctx context.Context) error {
	users, err := c.fetchList(ctx, protocol.ActionGetUsers)
	if err != nil {
		return err
	}
	contacts, err := c.fetchList(ctx, protocol.ActionGetContacts)
	if err != nil {
		return err
	}
	c.cache.SetUsers(users)
	c.cache.SetContacts(contacts)
	return nil
}

func (c *Client) fetchList(ctx context.Context, action protocol.Action) ([]string, error) {
	resp, err := c.request(ctx, protocol.ListRequest(action, c.config.Login))
	if err := expect(string(action), resp, err, protocol.Accepted); err != nil {
		return nil, err
	}
	return resp.Strings(protocol.KeyDataList), nil
}

// SendText sends a text message and waits for the server's acknowledgement.
func (c *Client) SendText(ctx context.Context, to, text string) error {
	resp, err := c.request(ctx, protocol.TextMessage(c.config.Login, to, text))
	return expect("send message", resp, err, protocol.OK)
}

func (c *Client) AddContact(ctx context.Context, name string) error {
	resp, err := c.request(ctx, protocol.ContactRequest(protocol.ActionAddContact, c.config.Login, name))
	if err := expect("add contact", resp, err, protocol.OK); err != nil {
		return err
	}
	contacts := c.cache.Contacts()
	if !slices.Contains(contacts, name) {
		contacts = append(contacts, name)
		slices.Sort(contacts)
		c.cache.SetContacts(contacts)
	}
	return nil
}

func (c *Client) RemoveContact(ctx context.Context, name string) error {
	resp, err := c.request(ctx, protocol.ContactRequest(protocol.ActionDelContact, c.config.Login, name))
	if err := expect("remove contact", resp, err, protocol.OK); err != nil {
		return err
	}
	c.cache.SetContacts(slices.DeleteFunc(c.cache.Contacts(), func(s string) bool { return s == name }))
	return nil
}

// PublicKey asks the server for the key name presented at its last login.
func (c *Client) PublicKey(ctx context.Context, name string) (string, error) {
	resp, err := c.request(ctx, protocol.PublicKeyRequest(name))
	if err := expect("public key", resp, err, protocol.AuthProcess); err != nil {
		return "", err
	}
	return resp.String(protocol.KeyData), nil
}

// expect turns a request outcome into an error unless resp carries want.
// Timeouts and context errors pass through unchanged.
func expect(op string, resp protocol.Message, err error, want int) error {
	if err != nil {
		if errors.Is(err, ErrTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &DeliveryError{Op: op, Err: err}
	}
	code, _ := resp.Response()
	if code != want {
		return &DeliveryError{Op: op, Code: code, Reason: resp.Reason()}
	}
	return nil
}
