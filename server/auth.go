package server

import (
	"time"

	"chatrelay/presence"
	"chatrelay/protocol"

	"go.uber.org/zap"
)

// handlePresence opens the challenge-response handshake. Every failure closes the
// connection; the name is only claimed once AUTH succeeds.
func (s *Server) handlePresence(c *conn, req protocol.Message) {
	if c.state == stateAuthenticated {
		s.replyError(c, req, protocol.JSONError, "already authenticated")
		return
	}

	user := req.Object(protocol.KeyUser)
	name, _ := user[protocol.KeyAccountName].(string)
	if name == "" {
		s.abortHandshake(c, req, "malformed", "user.account_name is required")
		return
	}
	if _, taken := s.registry.Lookup(name); taken {
		s.abortHandshake(c, req, "name_taken", "name taken")
		return
	}

	exists, err := s.store.UserExists(name)
	if err != nil {
		s.logger.Error("failed to look up user", zap.String("user", name), zap.Error(err))
		s.abortHandshake(c, req, "store_error", "internal error")
		return
	}
	if !exists {
		s.abortHandshake(c, req, "unknown_user", "user is not registered")
		return
	}

	nonce, err := protocol.NewNonce()
	if err != nil {
		s.logger.Error("failed to generate nonce", zap.Error(err))
		s.abortHandshake(c, req, "internal", "internal error")
		return
	}

	status, _ := user[protocol.KeyStatus].(string)
	publicKey, _ := user[protocol.KeyPublicKey].(string)
	c.state = stateAuthenticating
	c.pending = &handshake{
		login:     name,
		status:    status,
		publicKey: publicKey,
		nonce:     nonce,
		deadline:  time.Now().Add(s.config.HandshakeTimeout),
	}
	s.logger.Debug("challenge issued", zap.String("conn", c.id), zap.String("user", name))
	s.reply(c, req, protocol.NewResponse(protocol.AuthProcess, "").WithData(nonce))
}

func (s *Server) handleAuth(c *conn, req protocol.Message) {
	if c.state != stateAuthenticating || c.pending == nil {
		s.replyError(c, req, protocol.JSONError, "no authentication in progress")
		return
	}
	hs := c.pending

	hash, err := s.store.PasswordHash(hs.login)
	if err != nil {
		s.logger.Error("failed to load password hash", zap.String("user", hs.login), zap.Error(err))
		s.abortHandshake(c, req, "store_error", "internal error")
		return
	}
	if !protocol.VerifyDigest(hash, hs.nonce, req.String(protocol.KeyData)) {
		s.abortHandshake(c, req, "wrong_password", "wrong password")
		return
	}
	// Another connection may have completed its handshake for the same name.
	if err := s.registry.Register(hs.login, c); err != nil {
		s.abortHandshake(c, req, "name_taken", "name taken")
		return
	}

	c.state = stateAuthenticated
	c.user = hs.login
	c.pending = nil
	s.metrics.SetSessions(s.registry.Len())

	if err := s.reply(c, req, protocol.NewResponse(protocol.OK, "")); err != nil {
		return
	}

	ip, port := c.hostPort()
	if err := s.store.RecordLogin(c.user, ip, port, hs.publicKey); err != nil {
		s.logger.Warn("failed to record login", zap.String("user", c.user), zap.Error(err))
	}
	s.publish(presence.Online, c.user)
	s.logger.Info("user authenticated",
		zap.String("conn", c.id),
		zap.String("user", c.user),
		zap.String("status", hs.status),
		zap.String("remote", c.remote))
	s.broadcastListUpdate()
}

// abortHandshake rejects the connection with a 400 and closes it. req may be nil
// when there is no request to answer.
func (s *Server) abortHandshake(c *conn, req protocol.Message, reason, text string) {
	s.metrics.AuthFailure(reason)
	s.logger.Info("handshake rejected",
		zap.String("conn", c.id),
		zap.String("remote", c.remote),
		zap.String("reason", reason))
	if err := s.replyError(c, req, protocol.JSONError, text); err != nil {
		return
	}
	s.drop(c, "auth failed: "+reason)
}
