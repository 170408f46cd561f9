package server

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatrelay/config"
	"chatrelay/db"
	"chatrelay/metrics"
	"chatrelay/presence"
	"chatrelay/protocol"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testAccounts = map[string]string{
	"alice": "secret",
	"bob2":  "hunter2",
	"carol": "carol-pw",
}

// setupTestServer starts a relay on a loopback port backed by a temporary database.
func setupTestServer(t *testing.T, cfg *ServerConfig, opts ...Option) (*Server, *db.DB) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return setupTestServerOn(t, ln, cfg, opts...)
}

func setupTestServerOn(t *testing.T, ln net.Listener, cfg *ServerConfig, opts ...Option) (*Server, *db.DB) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	for login, password := range testAccounts {
		require.NoError(t, database.CreateUser(login, password))
	}

	if cfg == nil {
		cfg = &ServerConfig{}
	}
	srv := New(database, cfg, zap.NewNop(), opts...)
	go srv.Serve(ln)
	t.Cleanup(srv.Shutdown)

	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, 5*time.Millisecond)
	return srv, database
}

// faultListener hands out connections whose server-side writes can be made to fail.
type faultListener struct {
	net.Listener
	mu    sync.Mutex
	conns []*faultConn
}

func (l *faultListener) Accept() (net.Conn, error) {
	nc, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	fc := &faultConn{Conn: nc}
	l.mu.Lock()
	l.conns = append(l.conns, fc)
	l.mu.Unlock()
	return fc, nil
}

// peer returns the accepted connection whose remote end is c.
func (l *faultListener) peer(c *testClient) *faultConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, fc := range l.conns {
		if fc.RemoteAddr().String() == c.nc.LocalAddr().String() {
			return fc
		}
	}
	return nil
}

type faultConn struct {
	net.Conn
	broken atomic.Bool
}

var errInjected = errors.New("injected write failure")

func (c *faultConn) Write(p []byte) (int, error) {
	if c.broken.Load() {
		return 0, errInjected
	}
	return c.Conn.Write(p)
}

// testClient speaks the wire protocol directly. Messages that do not match what a
// test is waiting for are kept in backlog.
type testClient struct {
	t       *testing.T
	nc      net.Conn
	r       *bufio.Reader
	seq     uint64
	backlog []protocol.Message
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	nc, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	return &testClient{t: t, nc: nc, r: bufio.NewReader(nc)}
}

func (c *testClient) send(m protocol.Message) uint64 {
	c.t.Helper()
	c.seq++
	m.SetSeq(c.seq)
	c.nc.SetWriteDeadline(time.Now().Add(2 * time.Second))
	require.NoError(c.t, protocol.WriteMessage(c.nc, m))
	return c.seq
}

func (c *testClient) sendRaw(payload []byte) {
	c.t.Helper()
	frame := make([]byte, protocol.HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[protocol.HeaderSize:], payload)
	_, err := c.nc.Write(frame)
	require.NoError(c.t, err)
}

func (c *testClient) read() (protocol.Message, error) {
	c.nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	return protocol.ReadMessage(c.r, 0)
}

func (c *testClient) next(match func(protocol.Message) bool) protocol.Message {
	c.t.Helper()
	for i, m := range c.backlog {
		if match(m) {
			c.backlog = append(c.backlog[:i], c.backlog[i+1:]...)
			return m
		}
	}
	for {
		m, err := c.read()
		require.NoError(c.t, err)
		if match(m) {
			return m
		}
		c.backlog = append(c.backlog, m)
	}
}

func (c *testClient) request(m protocol.Message) protocol.Message {
	c.t.Helper()
	seq := c.send(m)
	return c.next(func(m protocol.Message) bool {
		got, ok := m.Seq()
		return ok && got == seq
	})
}

func (c *testClient) nextMessage() protocol.Message {
	c.t.Helper()
	return c.next(func(m protocol.Message) bool { return m.Action() == protocol.ActionMessage })
}

func (c *testClient) nextListUpdate() protocol.Message {
	c.t.Helper()
	return c.next(func(m protocol.Message) bool {
		code, ok := m.Response()
		return ok && code == protocol.ListUpdate
	})
}

// expectClosed reads until the server closes the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	for {
		_, err := c.read()
		if err == nil {
			continue
		}
		var netErr net.Error
		require.False(c.t, errors.As(err, &netErr) && netErr.Timeout(), "connection still open")
		return
	}
}

func assertCode(t *testing.T, resp protocol.Message, want int) {
	t.Helper()
	code, ok := resp.Response()
	require.True(t, ok, "not a response: %v", resp)
	assert.Equal(t, want, code, "reason: %s", resp.Reason())
}

func (c *testClient) presence(name, publicKey string) protocol.Message {
	c.t.Helper()
	return c.request(protocol.Presence(name, "online", publicKey))
}

func login(t *testing.T, srv *Server, name, publicKey string) *testClient {
	t.Helper()
	c := dial(t, srv)
	challenge := c.presence(name, publicKey)
	assertCode(t, challenge, protocol.AuthProcess)
	nonce := challenge.String(protocol.KeyData)
	require.NotEmpty(t, nonce)

	digest := protocol.EncodeDigest(protocol.PasswordHash(name, testAccounts[name]), nonce)
	assertCode(t, c.request(protocol.AuthAnswer(digest)), protocol.OK)
	return c
}

func TestLoginAndUserList(t *testing.T) {
	srv, database := setupTestServer(t, nil)

	alice := login(t, srv, "alice", "PK-A")
	resp := alice.request(protocol.ListRequest(protocol.ActionGetUsers, "alice"))
	assertCode(t, resp, protocol.Accepted)
	assert.Equal(t, []string{"alice"}, resp.Strings(protocol.KeyDataList))

	login(t, srv, "bob2", "")
	alice.nextListUpdate()

	resp = alice.request(protocol.ListRequest(protocol.ActionGetUsers, "alice"))
	assert.Equal(t, []string{"alice", "bob2"}, resp.Strings(protocol.KeyDataList))

	assert.True(t, srv.Online("alice"))
	assert.Equal(t, "connections=2,users=alice;bob2", srv.Stats().String())

	history, err := database.LoginHistory("alice")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "127.0.0.1", history[0].IP)
	assert.NotZero(t, history[0].Port)

	key, err := database.PublicKey("alice")
	require.NoError(t, err)
	assert.Equal(t, "PK-A", key)
}

func TestRelayMessage(t *testing.T) {
	srv, database := setupTestServer(t, nil)
	alice := login(t, srv, "alice", "")
	bob := login(t, srv, "bob2", "")

	assertCode(t, alice.request(protocol.TextMessage("alice", "bob2", "hi")), protocol.OK)

	msg := bob.nextMessage()
	assert.Equal(t, "alice", msg.String(protocol.KeyFrom))
	assert.Equal(t, "bob2", msg.String(protocol.KeyTo))
	assert.Equal(t, "hi", msg.String(protocol.KeyMessage))
	_, hasSeq := msg.Seq()
	assert.False(t, hasSeq)

	saved, err := database.GetMessages("alice", "bob2", 10)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "hi", saved[0].Text)
}

func TestRelayPreservesOrder(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	alice := login(t, srv, "alice", "")
	bob := login(t, srv, "bob2", "")

	const n = 25
	for i := 0; i < n; i++ {
		assertCode(t, alice.request(protocol.TextMessage("alice", "bob2", fmt.Sprintf("m%d", i))), protocol.OK)
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("m%d", i), bob.nextMessage().String(protocol.KeyMessage))
	}
}

func TestMessageToOfflineUser(t *testing.T) {
	srv, database := setupTestServer(t, nil)
	alice := login(t, srv, "alice", "")

	resp := alice.request(protocol.TextMessage("alice", "carol", "anyone?"))
	assertCode(t, resp, protocol.AuthNoUser)
	assert.Contains(t, resp.String(protocol.KeyError), "carol")

	saved, err := database.GetMessages("alice", "carol", 10)
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestForwardFailureDropsRecipient(t *testing.T) {
	srv, _ := setupTestServer(t, &ServerConfig{WriteTimeout: 200 * time.Millisecond, MaxFrameSize: 4 << 20})
	alice := login(t, srv, "alice", "")
	login(t, srv, "carol", "")
	alice.nextListUpdate()

	// carol never reads, so her socket buffers fill up and a forward times out.
	text := strings.Repeat("x", 2<<20)
	var resp protocol.Message
	for i := 0; i < 64; i++ {
		resp = alice.request(protocol.TextMessage("alice", "carol", text))
		if code, _ := resp.Response(); code != protocol.OK {
			break
		}
	}
	assertCode(t, resp, protocol.AuthNoUser)
	assert.Equal(t, "recipient disconnected", resp.Reason())

	assert.False(t, srv.Online("carol"))
	assert.True(t, srv.Online("alice"))
	users := alice.request(protocol.ListRequest(protocol.ActionGetUsers, "alice"))
	assertCode(t, users, protocol.Accepted)
	assert.Equal(t, []string{"alice"}, users.Strings(protocol.KeyDataList))
}

func TestMessageSenderMustMatchSession(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	alice := login(t, srv, "alice", "")
	login(t, srv, "bob2", "")

	assertCode(t, alice.request(protocol.TextMessage("bob2", "alice", "spoof")), protocol.JSONError)
	assertCode(t, alice.request(protocol.NewRequest(protocol.ActionMessage)), protocol.JSONError)
}

func TestWrongPassword(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	c := dial(t, srv)

	challenge := c.presence("alice", "")
	assertCode(t, challenge, protocol.AuthProcess)
	digest := protocol.EncodeDigest(protocol.PasswordHash("alice", "guess"), challenge.String(protocol.KeyData))

	resp := c.request(protocol.AuthAnswer(digest))
	assertCode(t, resp, protocol.JSONError)
	assert.Equal(t, "wrong password", resp.Reason())
	c.expectClosed()

	assert.False(t, srv.Online("alice"))
	login(t, srv, "alice", "")
}

func TestUnknownUser(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	c := dial(t, srv)

	resp := c.presence("mallory", "")
	assertCode(t, resp, protocol.JSONError)
	assert.Equal(t, "user is not registered", resp.Reason())
	c.expectClosed()
}

func TestPresenceRequiresName(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	c := dial(t, srv)

	assertCode(t, c.request(protocol.NewRequest(protocol.ActionPresence)), protocol.JSONError)
	c.expectClosed()
}

func TestNameTaken(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	login(t, srv, "alice", "")

	c := dial(t, srv)
	resp := c.presence("alice", "")
	assertCode(t, resp, protocol.JSONError)
	assert.Equal(t, "name taken", resp.Reason())
	c.expectClosed()
	assert.Equal(t, []string{"alice"}, srv.Stats().Users)
}

func TestConcurrentHandshakeSameName(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	first, second := dial(t, srv), dial(t, srv)

	c1 := first.presence("alice", "")
	c2 := second.presence("alice", "")
	assertCode(t, c1, protocol.AuthProcess)
	assertCode(t, c2, protocol.AuthProcess)
	assert.NotEqual(t, c1.String(protocol.KeyData), c2.String(protocol.KeyData))

	hash := protocol.PasswordHash("alice", testAccounts["alice"])
	assertCode(t, first.request(protocol.AuthAnswer(protocol.EncodeDigest(hash, c1.String(protocol.KeyData)))), protocol.OK)

	resp := second.request(protocol.AuthAnswer(protocol.EncodeDigest(hash, c2.String(protocol.KeyData))))
	assertCode(t, resp, protocol.JSONError)
	assert.Equal(t, "name taken", resp.Reason())
	second.expectClosed()

	// The surviving session is untouched.
	assertCode(t, first.request(protocol.ListRequest(protocol.ActionGetUsers, "alice")), protocol.Accepted)
}

func TestRequestsBeforeLogin(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	c := dial(t, srv)

	resp := c.request(protocol.ListRequest(protocol.ActionGetUsers, "alice"))
	assertCode(t, resp, protocol.JSONError)
	assert.Equal(t, "not authenticated", resp.Reason())

	resp = c.request(protocol.AuthAnswer("Zm9v"))
	assertCode(t, resp, protocol.JSONError)

	// Still usable.
	assertCode(t, c.presence("alice", ""), protocol.AuthProcess)
}

func TestActionDuringHandshakeAborts(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	c := dial(t, srv)

	assertCode(t, c.presence("alice", ""), protocol.AuthProcess)
	assertCode(t, c.request(protocol.ListRequest(protocol.ActionGetUsers, "alice")), protocol.JSONError)
	c.expectClosed()
}

func TestHandshakeTimeout(t *testing.T) {
	srv, _ := setupTestServer(t, &ServerConfig{HandshakeTimeout: 100 * time.Millisecond})
	c := dial(t, srv)

	assertCode(t, c.presence("alice", ""), protocol.AuthProcess)
	resp, err := c.read()
	require.NoError(t, err)
	assertCode(t, resp, protocol.JSONError)
	assert.Contains(t, resp.Reason(), "timed out")
	c.expectClosed()
	assert.False(t, srv.Online("alice"))
}

func TestBadRequests(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	alice := login(t, srv, "alice", "")

	resp := alice.request(protocol.NewRequest("FLY"))
	assertCode(t, resp, protocol.JSONError)
	assert.Equal(t, "bad request", resp.Reason())

	alice.sendRaw([]byte(`{"action": `))
	resp, err := alice.read()
	require.NoError(t, err)
	assertCode(t, resp, protocol.JSONError)

	alice.sendRaw([]byte(`[1, 2]`))
	resp, err = alice.read()
	require.NoError(t, err)
	assertCode(t, resp, protocol.JSONError)

	resp = alice.request(protocol.NewRequest(protocol.ActionJoin))
	assertCode(t, resp, protocol.JSONError)
	assert.Equal(t, "action not supported", resp.Reason())

	assertCode(t, alice.request(protocol.ListRequest(protocol.ActionGetUsers, "alice")), protocol.Accepted)
}

func TestContacts(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	alice := login(t, srv, "alice", "")

	resp := alice.request(protocol.ListRequest(protocol.ActionGetContacts, "alice"))
	assertCode(t, resp, protocol.Accepted)
	assert.Empty(t, resp.Strings(protocol.KeyDataList))

	assertCode(t, alice.request(protocol.ContactRequest(protocol.ActionAddContact, "alice", "bob2")), protocol.OK)
	assertCode(t, alice.request(protocol.ContactRequest(protocol.ActionAddContact, "alice", "carol")), protocol.OK)
	assertCode(t, alice.request(protocol.ContactRequest(protocol.ActionAddContact, "alice", "nobody")), protocol.JSONError)
	assertCode(t, alice.request(protocol.ContactRequest(protocol.ActionAddContact, "bob2", "carol")), protocol.JSONError)

	resp = alice.request(protocol.ListRequest(protocol.ActionGetContacts, "alice"))
	assert.Equal(t, []string{"bob2", "carol"}, resp.Strings(protocol.KeyDataList))

	assertCode(t, alice.request(protocol.ContactRequest(protocol.ActionDelContact, "alice", "bob2")), protocol.OK)
	assertCode(t, alice.request(protocol.ContactRequest(protocol.ActionDelContact, "alice", "bob2")), protocol.JSONError)

	resp = alice.request(protocol.ListRequest(protocol.ActionGetContacts, "alice"))
	assert.Equal(t, []string{"carol"}, resp.Strings(protocol.KeyDataList))
}

func TestPublicKeyRequest(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	login(t, srv, "alice", "PK-A")
	bob := login(t, srv, "bob2", "")

	resp := bob.request(protocol.PublicKeyRequest("alice"))
	assertCode(t, resp, protocol.AuthProcess)
	assert.Equal(t, "PK-A", resp.String(protocol.KeyData))

	assertCode(t, bob.request(protocol.PublicKeyRequest("carol")), protocol.JSONError)
	assertCode(t, bob.request(protocol.PublicKeyRequest("nobody")), protocol.JSONError)
}

func TestExitBroadcastsListUpdate(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	alice := login(t, srv, "alice", "")
	bob := login(t, srv, "bob2", "")
	alice.nextListUpdate()

	bob.send(protocol.Exit("bob2"))
	bob.expectClosed()
	alice.nextListUpdate()

	resp := alice.request(protocol.ListRequest(protocol.ActionGetUsers, "alice"))
	assert.Equal(t, []string{"alice"}, resp.Strings(protocol.KeyDataList))
}

func TestDisconnectReleasesName(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	alice := login(t, srv, "alice", "")
	bob := login(t, srv, "bob2", "")

	bob.nc.Close()
	alice.nextListUpdate()
	require.Eventually(t, func() bool { return !srv.Online("bob2") }, time.Second, 5*time.Millisecond)

	login(t, srv, "bob2", "")
}

func TestRateLimit(t *testing.T) {
	srv, _ := setupTestServer(t, &ServerConfig{RateLimit: 0.001, RateBurst: 2})
	c := dial(t, srv)

	c.request(protocol.ListRequest(protocol.ActionGetUsers, "x"))
	c.request(protocol.ListRequest(protocol.ActionGetUsers, "x"))
	resp := c.request(protocol.ListRequest(protocol.ActionGetUsers, "x"))
	assertCode(t, resp, protocol.JSONError)
	assert.Equal(t, "too many requests", resp.Reason())
}

func TestBroadcastDropsFailedSession(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := &faultListener{Listener: inner}
	srv, _ := setupTestServerOn(t, ln, nil)

	alice := login(t, srv, "alice", "")
	bob := login(t, srv, "bob2", "")
	carol := login(t, srv, "carol", "")

	// Flush the updates from the logins above.
	for name, c := range map[string]*testClient{"alice": alice, "bob2": bob} {
		assertCode(t, c.request(protocol.ListRequest(protocol.ActionGetUsers, name)), protocol.Accepted)
		c.backlog = nil
	}

	fc := ln.peer(carol)
	require.NotNil(t, fc)
	fc.broken.Store(true)

	srv.BroadcastListUpdate()
	alice.nextListUpdate()
	bob.nextListUpdate()
	carol.expectClosed()

	require.Eventually(t, func() bool { return !srv.Online("carol") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "connections=2,users=alice;bob2", srv.Stats().String())

	users := alice.request(protocol.ListRequest(protocol.ActionGetUsers, "alice"))
	assert.Equal(t, []string{"alice", "bob2"}, users.Strings(protocol.KeyDataList))
}

func TestShutdownClosesConnections(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	alice := login(t, srv, "alice", "")

	srv.Shutdown()
	alice.expectClosed()
	assert.Empty(t, srv.Stats().Users)
	srv.Shutdown()
}

func TestPresenceAndMetricsWiring(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	pub, err := presence.NewRedis(zap.NewNop(), config.PresenceRedisConfig{Addr: mr.Addr(), Prefix: "test:"})
	require.NoError(t, err)
	defer pub.Close()
	m := metrics.New(config.MetricsConfig{Namespace: "test"})

	srv, _ := setupTestServer(t, nil, WithPresence(pub), WithMetrics(m))
	alice := login(t, srv, "alice", "")
	bob := login(t, srv, "bob2", "")

	online := func() []string {
		logins, err := pub.Online(context.Background())
		require.NoError(t, err)
		return logins
	}
	require.Eventually(t, func() bool { return len(online()) == 2 }, time.Second, 10*time.Millisecond)

	assertCode(t, alice.request(protocol.TextMessage("alice", "bob2", "hi")), protocol.OK)
	bob.nextMessage()

	bob.send(protocol.Exit("bob2"))
	bob.expectClosed()
	require.Eventually(t, func() bool {
		got := online()
		return len(got) == 1 && got[0] == "alice"
	}, time.Second, 10*time.Millisecond)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				values[f.GetName()] += c.GetValue()
			}
		}
	}
	assert.Equal(t, float64(1), values["test_messages_relayed_total"])
	assert.Equal(t, float64(2), values["test_connections_total"])
}

// stalledPublisher holds every Publish until release is closed.
type stalledPublisher struct {
	presence.Nop
	release chan struct{}
	events  chan presence.Event
}

func (p *stalledPublisher) Publish(_ context.Context, ev presence.Event) error {
	<-p.release
	p.events <- ev
	return nil
}

func TestSlowPresenceDoesNotStallRelay(t *testing.T) {
	pub := &stalledPublisher{release: make(chan struct{}), events: make(chan presence.Event, 16)}
	srv, _ := setupTestServer(t, nil, WithPresence(pub))
	var once sync.Once
	release := func() { once.Do(func() { close(pub.release) }) }
	t.Cleanup(release)

	alice := login(t, srv, "alice", "")
	bob := login(t, srv, "bob2", "")
	assertCode(t, alice.request(protocol.TextMessage("alice", "bob2", "hi")), protocol.OK)
	assert.Equal(t, "hi", bob.nextMessage().String(protocol.KeyMessage))
	assert.Len(t, pub.events, 0)

	release()
	for _, want := range []string{"alice", "bob2"} {
		select {
		case ev := <-pub.events:
			assert.Equal(t, presence.Online, ev.Kind)
			assert.Equal(t, want, ev.Login)
		case <-time.After(time.Second):
			t.Fatalf("no presence event for %s", want)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a, b := &conn{id: "a"}, &conn{id: "b"}

	require.NoError(t, r.Register("zed", a))
	require.NoError(t, r.Register("amy", b))

	err := r.Register("zed", b)
	var taken *NameTakenError
	require.ErrorAs(t, err, &taken)
	assert.Equal(t, "zed", taken.Name)

	got, ok := r.Lookup("zed")
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, []string{"amy", "zed"}, r.Names())

	r.Unregister("zed")
	r.Unregister("zed")
	_, ok = r.Lookup("zed")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}
