package server

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"chatrelay/db"
	"chatrelay/protocol"

	"go.uber.org/zap"
)

type route struct {
	handle    func(c *conn, req protocol.Message)
	needsAuth bool
}

func (s *Server) routeTable() map[protocol.Action]route {
	return map[protocol.Action]route{
		protocol.ActionPresence:     {handle: s.handlePresence},
		protocol.ActionAuth:         {handle: s.handleAuth},
		protocol.ActionMessage:      {handle: s.handleMessage, needsAuth: true},
		protocol.ActionExit:         {handle: s.handleExit, needsAuth: true},
		protocol.ActionJoin:         {handle: s.handleJoin, needsAuth: true},
		protocol.ActionGetUsers:     {handle: s.handleGetUsers, needsAuth: true},
		protocol.ActionGetContacts:  {handle: s.handleGetContacts, needsAuth: true},
		protocol.ActionAddContact:   {handle: s.handleAddContact, needsAuth: true},
		protocol.ActionDelContact:   {handle: s.handleDelContact, needsAuth: true},
		protocol.ActionPublicKeyReq: {handle: s.handlePublicKeyRequest, needsAuth: true},
	}
}

func (s *Server) dispatch(c *conn, req protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic",
				zap.String("conn", c.id),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			s.drop(c, "internal error")
		}
	}()

	action := req.Action()
	if c.limiter != nil && !c.limiter.Allow() {
		s.replyError(c, req, protocol.JSONError, "too many requests")
		return
	}

	// The challenge must be answered before anything else.
	if c.state == stateAuthenticating && action != protocol.ActionAuth {
		s.abortHandshake(c, req, "unexpected_action", "authentication in progress")
		return
	}

	rt, ok := s.routes[action]
	if !ok {
		s.metrics.Request("unknown")
		s.replyError(c, req, protocol.JSONError, "bad request")
		return
	}
	s.metrics.Request(string(action))
	if rt.needsAuth && c.state != stateAuthenticated {
		s.replyError(c, req, protocol.JSONError, "not authenticated")
		return
	}

	start := time.Now()
	rt.handle(c, req)
	s.metrics.ObserveDispatch(string(action), time.Since(start).Seconds())
}

func (s *Server) handleMessage(c *conn, req protocol.Message) {
	from := req.String(protocol.KeyFrom)
	to := req.String(protocol.KeyTo)
	text, ok := req[protocol.KeyMessage].(string)
	if from == "" || to == "" || !ok {
		s.replyError(c, req, protocol.JSONError, "from, to and message are required")
		return
	}
	if from != c.user {
		s.replyError(c, req, protocol.JSONError, "sender does not match session")
		return
	}

	dest, ok := s.registry.Lookup(to)
	if !ok {
		s.metrics.Undeliverable()
		s.replyError(c, req, protocol.AuthNoUser, fmt.Sprintf("user %s is not registered on the server", to))
		return
	}

	if err := s.store.SaveMessage(from, to, text, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to save message", zap.String("from", from), zap.String("to", to), zap.Error(err))
	}

	// seq belongs to the sender's request stream.
	fwd := req.Clone()
	delete(fwd, protocol.KeySeq)
	if err := s.write(dest, fwd); err != nil {
		s.logger.Warn("forward failed", zap.String("from", from), zap.String("to", to), zap.Error(err))
		s.metrics.Undeliverable()
		s.drop(dest, "forward failed")
		s.replyError(c, req, protocol.AuthNoUser, "recipient disconnected")
		return
	}
	s.metrics.Relayed()
	s.logger.Debug("message relayed", zap.String("from", from), zap.String("to", to))
	s.reply(c, req, protocol.NewResponse(protocol.OK, ""))
}

func (s *Server) handleExit(c *conn, req protocol.Message) {
	s.drop(c, "exit")
}

func (s *Server) handleJoin(c *conn, req protocol.Message) {
	s.replyError(c, req, protocol.JSONError, "action not supported")
}

// ownerMatches checks that a list or contact request is made on behalf of the
// session's own user.
func (s *Server) ownerMatches(c *conn, req protocol.Message) bool {
	if req.String(protocol.KeyUserLogin) != c.user {
		s.replyError(c, req, protocol.JSONError, "user_login does not match session")
		return false
	}
	return true
}

func (s *Server) handleGetUsers(c *conn, req protocol.Message) {
	if !s.ownerMatches(c, req) {
		return
	}
	s.reply(c, req, protocol.NewResponse(protocol.Accepted, "").WithList(s.registry.Names()))
}

func (s *Server) handleGetContacts(c *conn, req protocol.Message) {
	if !s.ownerMatches(c, req) {
		return
	}
	contacts, err := s.store.GetContacts(c.user)
	if err != nil {
		s.logger.Error("failed to load contacts", zap.String("user", c.user), zap.Error(err))
		s.replyError(c, req, protocol.JSONError, "contacts unavailable")
		return
	}
	s.reply(c, req, protocol.NewResponse(protocol.Accepted, "").WithList(contacts))
}

func (s *Server) handleAddContact(c *conn, req protocol.Message) {
	if !s.ownerMatches(c, req) {
		return
	}
	contact := req.String(protocol.KeyUserID)
	if contact == "" {
		s.replyError(c, req, protocol.JSONError, "user_id is required")
		return
	}
	if err := s.store.AddContact(c.user, contact); err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			s.replyError(c, req, protocol.JSONError, fmt.Sprintf("user %s not found", contact))
			return
		}
		s.logger.Error("failed to add contact", zap.String("user", c.user), zap.String("contact", contact), zap.Error(err))
		s.replyError(c, req, protocol.JSONError, "failed to add contact")
		return
	}
	s.reply(c, req, protocol.NewResponse(protocol.OK, ""))
}

func (s *Server) handleDelContact(c *conn, req protocol.Message) {
	if !s.ownerMatches(c, req) {
		return
	}
	contact := req.String(protocol.KeyUserID)
	if contact == "" {
		s.replyError(c, req, protocol.JSONError, "user_id is required")
		return
	}
	if err := s.store.DeleteContact(c.user, contact); err != nil {
		if errors.Is(err, db.ErrNoRows) {
			s.replyError(c, req, protocol.JSONError, fmt.Sprintf("%s is not in contacts", contact))
			return
		}
		s.logger.Error("failed to delete contact", zap.String("user", c.user), zap.String("contact", contact), zap.Error(err))
		s.replyError(c, req, protocol.JSONError, "failed to delete contact")
		return
	}
	s.reply(c, req, protocol.NewResponse(protocol.OK, ""))
}

func (s *Server) handlePublicKeyRequest(c *conn, req protocol.Message) {
	name := req.Object(protocol.KeyUser)[protocol.KeyAccountName]
	login, _ := name.(string)
	if login == "" {
		s.replyError(c, req, protocol.JSONError, "user.account_name is required")
		return
	}
	key, err := s.store.PublicKey(login)
	if err != nil && !errors.Is(err, db.ErrUserNotFound) {
		s.logger.Error("failed to load public key", zap.String("user", login), zap.Error(err))
	}
	if err != nil || key == "" {
		s.replyError(c, req, protocol.JSONError, fmt.Sprintf("no public key for %s", login))
		return
	}
	s.reply(c, req, protocol.NewResponse(protocol.AuthProcess, "").WithData(key))
}
