// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package authsession implements the per-connection authentication state
// machine: Fresh -> Authenticating -> Authenticated, with an optional
// Reauthenticating detour back to Authenticated, and a terminal Down state
// reachable from anywhere.
//
// The state field is a string-typed enum and the session exposes explicit
// step functions rather than implicit re-entry: a small set of named
// states plus functions that advance one exchange and report whether the
// session is ready for more input.
package authsession

import (
	"errors"
	"time"

	"code.hybscloud.com/logreceiver/internal/logging"
)

// State names the session's current phase.
type State string

const (
	Fresh             State = "fresh"
	Authenticating    State = "authenticating"
	Authenticated     State = "authenticated"
	Reauthenticating  State = "reauthenticating"
	Down              State = "down"
)

var (
	ErrCleartextNotAllowed  = errors.New("authsession: clear text communication not allowed")
	ErrPrincipalMismatch    = errors.New("authsession: authenticated name mismatch")
	ErrOutOfOrder           = errors.New("authsession: out of order data received")
	ErrAlreadyAuthenticated = errors.New("authsession: already authenticated")
	ErrSessionDown          = errors.New("authsession: session is down")
)

// Request is one authentication exchange read off the wire: the raw
// payload plus whatever the Context needs to validate and authenticate it.
type Request struct {
	Payload []byte
}

// Response is what the Context produces for a Request: either an error, or
// the principal name plus the filter the connection must install once the
// exchange's response has finished draining to the peer.
type Response struct {
	Principal string

	// Filter is non-nil when the exchange negotiated a transport upgrade
	// (e.g. a TLS handshake). It must not be installed on the connection
	// until the response bytes for this exchange have been fully written
	// and, if a Filter was already installed, that filter has been
	// cleanly shut down.
	Filter Filter

	// OutBytes is the bytes to write back to the peer for this exchange.
	OutBytes []byte

	// ExpiresAt is the server-assigned session-expiration deadline. A
	// zero value means the Context does not expire sessions.
	ExpiresAt time.Time
}

// Context is the external collaborator that knows how to validate and
// perform an authentication exchange. It corresponds to the "auth context"
// dependency the connection state machine calls into; production code
// backs it with whatever credential store and negotiation scheme the
// deployment uses, and tests back it with a fake that accepts or rejects by
// table.
type Context interface {
	// IsAuthRequired reports whether a fresh connection must authenticate
	// before issuing any other request.
	IsAuthRequired() bool

	// Authenticate processes one authentication Request and returns the
	// Response to send back, or an error if the exchange fails. The
	// session treats any error, a rejected credential included, as fatal
	// and moves to Down.
	Authenticate(req Request) (Response, error)

	// UpdateCount changes whenever the Context's credential state is
	// refreshed (e.g. a certificate reload). The session uses it to
	// decide whether a Reauthenticating detour is warranted.
	UpdateCount() int
}

// Filter is a transport-level wrapper a Context can ask the connection to
// install after a successful exchange (e.g. to start encrypting the
// stream). It deliberately mirrors crypto/tls.Conn's shape rather than
// wrapping it directly, since most Context implementations terminate TLS
// themselves and only need the session to route bytes through afterward.
type Filter interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	// Shutdown performs a clean half-close of the filter (e.g. a TLS
	// close_notify) without closing the underlying transport. The
	// session must finish Shutdown before installing a replacement
	// Filter.
	Shutdown() error
}

// Session drives one connection's authentication lifecycle. It holds no
// reference to the connection's socket; the connection state machine feeds
// it Requests and carries out whatever Response.OutBytes / Response.Filter
// instructs.
type Session struct {
	ctx   Context
	log   logging.Logger
	state State

	principal   string
	authCount   int       // Context.UpdateCount() observed at last successful auth
	expiresAt   time.Time // session expiration deadline from the last successful auth
	pendingAuth *Request  // queued re-auth request, held until flushed
}

// New returns a Session in the Fresh state. If ctx.IsAuthRequired() is
// false, the session starts Authenticated with an empty principal.
func New(ctx Context, log logging.Logger) *Session {
	s := &Session{ctx: ctx, log: logging.OrDefault(log), state: Fresh}
	if !ctx.IsAuthRequired() {
		s.state = Authenticated
	}
	return s
}

// State reports the session's current phase.
func (s *Session) State() State { return s.state }

// Principal returns the authenticated principal name, or "" before the
// first successful exchange.
func (s *Session) Principal() string { return s.principal }

// RequiresAuthBeforeRequests reports whether the connection must refuse
// ordinary requests until authentication completes.
func (s *Session) RequiresAuthBeforeRequests() bool {
	return s.state == Fresh || s.state == Authenticating
}

// BeginAuthenticate transitions Fresh -> Authenticating and runs one
// exchange. On success the session moves to Authenticated and records the
// principal; the principal can never change on a later call, since a
// session is bound to the name it first authenticated as.
func (s *Session) BeginAuthenticate(req Request) (Response, error) {
	switch s.state {
	case Fresh:
		s.state = Authenticating
	case Authenticating:
		// Continuing a multi-step handshake; state unchanged.
	default:
		return Response{}, ErrAlreadyAuthenticated
	}

	resp, err := s.ctx.Authenticate(req)
	if err != nil {
		s.state = Down
		return Response{}, err
	}
	if resp.Principal == "" {
		// Handshake not yet complete (e.g. more round trips needed).
		return resp, nil
	}
	if s.principal != "" && resp.Principal != s.principal {
		s.state = Down
		return Response{}, ErrPrincipalMismatch
	}
	s.principal = resp.Principal
	s.authCount = s.ctx.UpdateCount()
	s.expiresAt = resp.ExpiresAt
	s.state = Authenticated
	return resp, nil
}

// NeedsReauth reports whether the session must renew: a session that
// requires authentication must renew once the auth context's credential
// state has moved on since the last successful exchange, or once its
// expiration deadline is within reauthTimeout of now. The ack path calls
// this when about to send an ack; a true result sets the REAUTH_REQUIRED
// flag on that ack.
func (s *Session) NeedsReauth(now time.Time, reauthTimeout time.Duration) bool {
	if s.state != Authenticated || !s.ctx.IsAuthRequired() {
		return false
	}
	if s.ctx.UpdateCount() != s.authCount {
		return true
	}
	return !s.expiresAt.IsZero() && !s.expiresAt.After(now.Add(reauthTimeout))
}

// AllowCleartext reports whether a request may proceed without a Filter
// installed. Once any Filter has been installed, cleartext is permanently
// disallowed for the life of the session: downgrade attacks are rejected
// outright rather than silently accepted.
func (s *Session) AllowCleartext(filterInstalled bool, everHadFilter bool) error {
	if everHadFilter && !filterInstalled {
		return ErrCleartextNotAllowed
	}
	return nil
}

// BeginReauthenticate queues a re-authentication request. Per-connection
// response ordering must be preserved: the caller is responsible for
// holding req until every response already in flight has been flushed to
// the peer, then calling ContinueReauthenticate to actually run it. Calling
// BeginReauthenticate from any state other than Authenticated is a caller
// error (out-of-order data).
func (s *Session) BeginReauthenticate(req Request) error {
	if s.state != Authenticated {
		return ErrOutOfOrder
	}
	s.state = Reauthenticating
	s.pendingAuth = &req
	return nil
}

// ContinueReauthenticate runs a previously queued re-authentication once
// the connection has confirmed every prior response was flushed. On
// success the session returns to Authenticated and the principal is
// re-validated (it must not change mid-session).
func (s *Session) ContinueReauthenticate() (Response, error) {
	if s.state != Reauthenticating || s.pendingAuth == nil {
		return Response{}, ErrOutOfOrder
	}
	req := *s.pendingAuth
	s.pendingAuth = nil

	resp, err := s.ctx.Authenticate(req)
	if err != nil {
		s.state = Down
		return Response{}, err
	}
	if resp.Principal != "" && resp.Principal != s.principal {
		s.state = Down
		return Response{}, ErrPrincipalMismatch
	}
	s.authCount = s.ctx.UpdateCount()
	s.expiresAt = resp.ExpiresAt
	s.state = Authenticated
	return resp, nil
}

// Down forces the session into the terminal Down state, e.g. on a
// transport error or protocol violation unrelated to authentication
// itself.
func (s *Session) Down() {
	s.state = Down
}

// IsDown reports whether the session can no longer process requests.
func (s *Session) IsDown() bool { return s.state == Down }
