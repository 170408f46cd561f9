package server

import (
	"bufio"
	"errors"
	"net"
	"strconv"
	"time"

	"chatrelay/protocol"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type connState int

const (
	stateConnected connState = iota // accepted, not yet authenticated
	stateAuthenticating
	stateAuthenticated
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateAuthenticating:
		return "authenticating"
	case stateAuthenticated:
		return "authenticated"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// handshake holds the challenge issued to a connection in stateAuthenticating.
type handshake struct {
	login     string
	status    string
	publicKey string
	nonce     string
	deadline  time.Time
}

// conn is one client connection. Everything except nc and reader is owned by the
// dispatch loop.
type conn struct {
	id      string
	nc      net.Conn
	reader  *bufio.Reader
	remote  string
	opened  time.Time
	limiter *rate.Limiter

	state   connState
	user    string
	pending *handshake
}

func newConn(nc net.Conn, cfg *ServerConfig) *conn {
	c := &conn{
		id:     uuid.NewString(),
		nc:     nc,
		reader: bufio.NewReader(nc),
		remote: nc.RemoteAddr().String(),
		opened: time.Now(),
		state:  stateConnected,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// hostPort splits the remote address for the login history.
func (c *conn) hostPort() (string, int) {
	host, portStr, err := net.SplitHostPort(c.remote)
	if err != nil {
		return c.remote, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// readLoop frames incoming messages and hands them to the dispatch loop. It owns
// no state and exits on the first transport error.
func (s *Server) readLoop(c *conn) {
	for {
		if s.config.IdleTimeout > 0 {
			c.nc.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}
		msg, err := protocol.ReadMessage(c.reader, s.config.MaxFrameSize)
		if err != nil {
			var decErr *protocol.DecodingError
			if errors.As(err, &decErr) {
				if !s.post(event{kind: evInvalid, c: c, err: err}) {
					return
				}
				continue
			}
			s.post(event{kind: evClosed, c: c, err: err})
			return
		}
		if !s.post(event{kind: evMessage, c: c, msg: msg}) {
			return
		}
	}
}
