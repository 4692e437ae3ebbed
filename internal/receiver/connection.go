// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package receiver

import (
	"bytes"
	"errors"
	"io"
	"net"
	"time"

	"code.hybscloud.com/logreceiver/internal/authsession"
	"code.hybscloud.com/logreceiver/internal/block"
	"code.hybscloud.com/logreceiver/internal/framing"
	"code.hybscloud.com/logreceiver/internal/logging"
)

// AuthContext is the external collaborator a connection's authsession.Session
// validates and authenticates against.
type AuthContext = authsession.Context

// RequestDispatcher is the external collaborator for non-block RPCs. The
// wire protocol names only the block announcement and the AUTHENTICATE
// exchange concretely (this is not a generic RPC server), so this is a
// narrow extension point rather than a fully specified command set:
// anything that is neither a block announcement nor an AUTHENTICATE frame
// is handed here verbatim.
//
// Dispatch hands one frame to the command layer and returns without
// waiting for the command to run. done must be called exactly once, with
// the response bytes or an error; it may be called synchronously before
// Dispatch returns, or later from any goroutine once the command
// completes. The connection marshals the completion back onto its own
// goroutine, so a completion that lands while a re-authentication is in
// progress has its response queued behind the re-auth.
type RequestDispatcher interface {
	Dispatch(req []byte, done func(resp []byte, err error))
}

// rejectDispatcher is the default RequestDispatcher: it has nothing to
// dispatch to, so every non-block, non-AUTHENTICATE frame is refused. A
// deployment that wants to accept other RPCs supplies its own
// RequestDispatcher.
type rejectDispatcher struct{}

func (rejectDispatcher) Dispatch(req []byte, done func([]byte, error)) {
	done(nil, errors.New("receiver: no request dispatcher configured"))
}

const authenticatePrefix = "AUTHENTICATE"

// maxRPCHeaderLen caps one text RPC frame (MAX_RPC_HEADER_LEN in the wire
// protocol): a peer that buffers this much without completing a frame is
// misbehaving and is disconnected.
const maxRPCHeaderLen = 4 << 10

type eventKind int

const (
	eventRPC eventKind = iota
	eventBlock
	eventErr
)

type connEvent struct {
	kind       eventKind
	frame      []byte
	blockLen   int
	blockCksum uint32
	blockBody  []byte
	err        error
}

// cmdResult is one command completion delivered by a RequestDispatcher's
// done callback, possibly from another goroutine.
type cmdResult struct {
	resp []byte
	err  error
}

// Connection is the per-connection state machine. Its pump goroutine
// owns the reads and the framing.Reader; its run goroutine is the only
// writer to the transport and the only place authsession/block-validator
// state is touched, so neither needs its own lock.
type Connection struct {
	id       uint64
	conn     net.Conn
	recv     *receiverFacade
	log      logging.Logger
	dialect  RequestDispatcher
	session  *authsession.Session
	validate *block.Validator

	// rw is the active transport: the raw conn until an authentication
	// exchange installs a Filter, then the filter. Only run's goroutine
	// writes or swaps it; pump re-reads it only across the resume
	// rendezvous below, which orders the swap before the next read.
	rw io.ReadWriter

	ackCh  chan []byte
	events chan connEvent
	// cmdDone carries RequestDispatcher completions back onto run's
	// goroutine. Separate from events so a completion can never contend
	// with the frame the pump is trying to deliver.
	cmdDone chan cmdResult
	stop    chan struct{}
	// resume is the rendezvous that releases the pump after each
	// AUTHENTICATE exchange resolves: the pump parks after delivering an
	// auth frame, because a successful exchange may swap the transport
	// out from under the next read.
	resume    chan struct{}
	timeout   time.Duration
	readAhead int

	reauthTimeout    time.Duration
	reauthReported   bool     // last value of session.NeedsReauth sent to the receiver
	pendingResponses [][]byte // queued while session.State() == Reauthenticating
	outstandingCmds  int      // dispatched commands whose done has not fired yet

	// filterInstalled is true once any authsession.Filter has been
	// installed on this connection; it never resets to false, so a later
	// exchange that omits a Filter is recognized as a cleartext downgrade
	// attempt.
	filterInstalled bool
}

// receiverFacade narrows *Receiver down to what a Connection needs rather
// than exposing the whole dispatcher type.
type receiverFacade struct{ r *Receiver }

func newConnection(id uint64, conn net.Conn, authCtx AuthContext, r *Receiver, log logging.Logger) *Connection {
	dispatcher := r.cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = rejectDispatcher{}
	}
	c := &Connection{
		id:            id,
		conn:          conn,
		recv:          &receiverFacade{r: r},
		log:           logging.OrDefault(log),
		dialect:       dispatcher,
		session:       authsession.New(authCtx, log),
		validate:      block.NewValidator(),
		rw:            conn,
		ackCh:         make(chan []byte, 8),
		events:        make(chan connEvent, 1),
		cmdDone:       make(chan cmdResult, 8),
		stop:          make(chan struct{}),
		resume:        make(chan struct{}),
		timeout:       r.cfg.Timeout,
		readAhead:     r.cfg.MaxReadAhead,
		reauthTimeout: r.cfg.ReauthTimeout,
	}
	r.attachOut(id, c.ackCh)
	return c
}

// run is the connection's single protocol goroutine: it owns every write to
// the socket and every read of authsession/validator state.
func (c *Connection) run() {
	defer c.teardown()
	go c.pump()

	reauthPoll := time.NewTicker(reauthPollInterval(c.reauthTimeout))
	defer reauthPoll.Stop()
	c.updateReauthStatus()

	for {
		// Drain command completions first: a synchronous dispatcher's done
		// callback sends to cmdDone from this goroutine, so the channel
		// must never be left to fill up against its own consumer.
		select {
		case res := <-c.cmdDone:
			if !c.handleCmdDone(res) {
				return
			}
			c.updateReauthStatus()
			continue
		default:
		}
		select {
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			if !c.handleEvent(ev) {
				return
			}
			c.updateReauthStatus()
		case res := <-c.cmdDone:
			if !c.handleCmdDone(res) {
				return
			}
			c.updateReauthStatus()
		case line, ok := <-c.ackCh:
			if !ok {
				return
			}
			if err := c.write(line); err != nil {
				c.log.Warnf("connection: write failed: %v", err)
				return
			}
		case <-reauthPoll.C:
			c.updateReauthStatus()
		}
	}
}

// reauthPollInterval bounds how often a connection re-checks whether its
// session's expiry has drifted within reauthTimeout of now, even absent
// any inbound traffic. A quarter of the configured timeout keeps the
// REAUTH_REQUIRED flag from lagging its true deadline by more than that
// margin; disabled reauth (timeout<=0) falls back to a coarse default so
// the ticker still fires for the update-count check.
func reauthPollInterval(reauthTimeout time.Duration) time.Duration {
	if reauthTimeout <= 0 {
		return 30 * time.Second
	}
	if d := reauthTimeout / 4; d >= time.Second {
		return d
	}
	return time.Second
}

// updateReauthStatus recomputes whether the session needs renewal and, if
// the answer changed, tells the receiver so the next ack it sends this
// connection carries (or clears) REAUTH_REQUIRED.
func (c *Connection) updateReauthStatus() {
	needed := c.session.NeedsReauth(time.Now(), c.reauthTimeout)
	if needed == c.reauthReported {
		return
	}
	c.reauthReported = needed
	c.recv.r.reqCh <- reauthStatusReq{connID: c.id, needed: needed}
}

// pump reads frames off the socket and decodes the dual framing, handing
// fully-formed events to run(). It never touches authsession or validator
// state; that belongs solely to run()'s goroutine.
//
// The inactivity timeout is a read deadline refreshed before every
// blocking read: in a one-goroutine-per-connection model, an idle peer
// shows up as the read returning a deadline-exceeded error, which
// translateReadErr below maps to errConnectionTimedOut so handleEvent
// logs "connection timed out" rather than a generic read failure.
func (c *Connection) pump() {
	readAhead := c.readAhead
	if readAhead <= 0 {
		readAhead = maxRPCHeaderLen
	}
	rw := c.rw
	rd := framing.NewReader(rw, framing.WithMaxHeaderLen(maxRPCHeaderLen), framing.WithReadAhead(readAhead))
	for {
		c.setReadDeadline()
		frame, err := rd.ReadRPC()
		if err != nil {
			c.deliverEvent(connEvent{kind: eventErr, err: c.translateReadErr(err)})
			return
		}
		if blockLen, cksum, ok := framing.ParseBlockAnnouncement(frame); ok {
			c.setReadDeadline()
			body, err := rd.ReadBlock(blockLen)
			if err != nil {
				c.deliverEvent(connEvent{kind: eventErr, err: c.translateReadErr(err)})
				return
			}
			if !c.deliverEvent(connEvent{kind: eventBlock, blockLen: blockLen, blockCksum: cksum, blockBody: body}) {
				return
			}
			continue
		}
		isAuth := bytes.HasPrefix(frame, []byte(authenticatePrefix))
		if !c.deliverEvent(connEvent{kind: eventRPC, frame: frame}) {
			return
		}
		if isAuth {
			// Park until the exchange resolves: a successful exchange may
			// install a transport filter, and the next read must go
			// through it. The rendezvous also orders run's swap of c.rw
			// before the re-read below.
			select {
			case <-c.resume:
			case <-c.stop:
				return
			}
			if c.rw != rw {
				rw = c.rw
				rd = framing.NewReader(rw, framing.WithMaxHeaderLen(maxRPCHeaderLen), framing.WithReadAhead(readAhead))
			}
		}
	}
}

// deliverEvent hands ev to run(), giving up if the connection has been torn
// down in the meantime (run no longer drains events once it has exited, so
// an unconditional send would strand this goroutine forever).
func (c *Connection) deliverEvent(ev connEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.stop:
		return false
	}
}

// setReadDeadline refreshes the socket's read deadline ahead of the next
// blocking read, implementing the per-connection inactivity timeout. A
// non-positive timeout disables it.
func (c *Connection) setReadDeadline() {
	if c.timeout <= 0 {
		return
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
}

// translateReadErr maps a deadline-exceeded read error to
// errConnectionTimedOut, leaving every other read error (EOF, reset,
// protocol violation) untouched.
func (c *Connection) translateReadErr(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errConnectionTimedOut
	}
	return err
}

// handleEvent processes one event and reports whether the connection
// should keep running.
func (c *Connection) handleEvent(ev connEvent) bool {
	switch ev.kind {
	case eventErr:
		if errors.Is(ev.err, errConnectionTimedOut) {
			c.log.Warnf("connection timed out")
		} else {
			c.log.Infof("connection closed: %v", ev.err)
		}
		return false
	case eventBlock:
		return c.handleBlock(ev.blockLen, ev.blockCksum, ev.blockBody)
	case eventRPC:
		return c.handleRPC(ev.frame)
	}
	return true
}

var errConnectionTimedOut = errors.New("connection timed out")

func (c *Connection) handleBlock(blockLen int, cksum uint32, body []byte) bool {
	if c.session.RequiresAuthBeforeRequests() {
		c.log.Warnf("out of order data received")
		return false
	}
	// An accepted block always leads to an ack; recompute the renewal
	// decision first so that ack already reflects a credential refresh or
	// an approaching expiry.
	c.updateReauthStatus()
	desc := c.recv.r.free.Acquire()
	empty, err := c.validate.AcceptInto(desc, blockLen, cksum, body)
	if err != nil {
		c.recv.r.free.Release(desc)
		c.log.Warnf("block rejected: %v (first bytes: %s)", err, truncatedPreview(body))
		return false
	}
	if empty {
		// Heartbeat: ack the current frontier without submitting a write.
		c.recv.r.free.Release(desc)
		c.recv.r.reqCh <- sendAckNowReq{connID: c.id}
		return true
	}
	reply := make(chan error, 1)
	c.recv.r.reqCh <- submitBlockReq{connID: c.id, desc: desc, reply: reply}
	if err := <-reply; err != nil {
		c.recv.r.free.Release(desc)
		c.log.Warnf("block rejected by receiver core: %v", err)
		return false
	}
	return true
}

// truncatedPreview renders up to 64 lines' worth of bytes for the rejection
// log line: the body is cut just after its 64th newline. The cut counts
// lines only; a body with fewer than 64 newlines is rendered whole,
// whatever its length.
func truncatedPreview(body []byte) []byte {
	const maxLines = 64
	n := 0
	for i, b := range body {
		if b != '\n' {
			continue
		}
		n++
		if n == maxLines {
			return body[:i+1]
		}
	}
	return body
}

func (c *Connection) handleRPC(frame []byte) bool {
	if bytes.HasPrefix(frame, []byte(authenticatePrefix)) {
		return c.handleAuthenticate(frame)
	}
	if c.session.RequiresAuthBeforeRequests() {
		c.log.Warnf("out of order data received")
		return false
	}
	c.outstandingCmds++
	c.dialect.Dispatch(frame, func(resp []byte, err error) {
		select {
		case c.cmdDone <- cmdResult{resp: resp, err: err}:
		case <-c.stop:
		}
	})
	return true
}

// handleCmdDone processes one command completion on run's goroutine. The
// response is delivered (or queued behind an in-progress re-auth), and a
// re-auth that was held open waiting for this command resumes once the
// in-flight count reaches zero.
func (c *Connection) handleCmdDone(res cmdResult) bool {
	if c.outstandingCmds > 0 {
		c.outstandingCmds--
	}
	if res.err != nil {
		c.log.Warnf("request dispatch failed: %v", res.err)
		return false
	}
	c.deliverResponse(res.resp)
	if c.outstandingCmds == 0 && c.session.State() == authsession.Reauthenticating {
		return c.finishPendingReauth()
	}
	return true
}

// handleAuthenticate processes one AUTHENTICATE RPC. A session that is
// already Authenticated treats a fresh AUTHENTICATE as the peer's response
// to a REAUTH_REQUIRED ack: the exchange must preserve the session's
// principal and, once it completes, flush whatever responses were queued
// behind it. The pump is parked from the moment it delivered this frame
// until resumePump runs, so no further inbound frames can interleave with
// the exchange.
func (c *Connection) handleAuthenticate(frame []byte) bool {
	req := authsession.Request{Payload: frame}

	if c.session.State() == authsession.Authenticated {
		if err := c.session.BeginReauthenticate(req); err != nil {
			c.log.Warnf("reauthenticate failed: %v", err)
			return false
		}
		if c.outstandingCmds > 0 {
			// Hold the exchange open until the in-flight commands
			// resolve; their responses queue behind the re-auth and
			// handleCmdDone finishes it.
			c.log.Debugf("reauthenticate held for %d in-flight command(s)", c.outstandingCmds)
			return true
		}
		return c.finishPendingReauth()
	}

	resp, err := c.session.BeginAuthenticate(req)
	if err != nil {
		c.log.Warnf("authenticate failed: %v", err)
		return false
	}
	ok := c.finishAuthExchange(resp)
	c.updateReauthStatus()
	if ok {
		c.resumePump()
	}
	return ok
}

// finishPendingReauth runs a re-authentication previously opened by
// BeginReauthenticate, once every earlier response has been resolved.
func (c *Connection) finishPendingReauth() bool {
	resp, err := c.session.ContinueReauthenticate()
	if err != nil {
		c.log.Warnf("reauthenticate failed: %v", err)
		return false
	}
	ok := c.finishAuthExchange(resp)
	c.updateReauthStatus()
	if ok {
		c.resumePump()
	}
	return ok
}

// resumePump releases the pump parked behind an AUTHENTICATE frame. The
// pump is guaranteed to be parked (it parks immediately after delivering
// the frame and nothing else unparks it), so the send is a rendezvous,
// not a race.
func (c *Connection) resumePump() {
	select {
	case c.resume <- struct{}{}:
	case <-c.stop:
	}
}

func (c *Connection) finishAuthExchange(resp authsession.Response) bool {
	if resp.Filter == nil {
		// Not upgrading transport on this exchange: reject if a filter was
		// ever installed before. Downgrading from an encrypted filter to
		// cleartext within an authenticated session is not allowed.
		if err := c.session.AllowCleartext(false, c.filterInstalled); err != nil {
			c.log.Warnf("authenticate failed: %v", err)
			return false
		}
	}
	if len(resp.OutBytes) > 0 {
		if err := c.write(resp.OutBytes); err != nil {
			c.log.Warnf("connection: write failed: %v", err)
			return false
		}
	}
	if resp.Filter != nil {
		// Install only after the response has drained: a filter upgrade
		// never races with bytes still in flight under the old transport.
		c.installFilter(resp.Filter)
	}
	c.flushQueuedResponses()
	return true
}

// installFilter makes f the connection's active transport. By the time it
// runs, both directions of the old transport are empty: the exchange's
// response bytes have been written synchronously (c.write returns only
// once they are handed off), and the pump has been parked since it
// delivered the AUTHENTICATE frame, so nothing is mid-read. Any bytes the
// peer pipelined past its AUTHENTICATE are out-of-order handshake data
// and are discarded when the pump rebuilds its reader over f. If a filter
// is already active it is shut down cleanly first, so a replacement
// filter never stacks on a half-open predecessor.
func (c *Connection) installFilter(f authsession.Filter) {
	if old, ok := c.rw.(authsession.Filter); ok {
		if err := old.Shutdown(); err != nil {
			c.log.Warnf("filter shutdown before replacement: %v", err)
		}
	}
	c.rw = f
	c.filterInstalled = true
	c.log.Infof("transport filter installed")
}

// deliverResponse sends resp immediately, unless a re-authentication is in
// progress, in which case it is queued and flushed after the re-auth
// succeeds, preserving the peer's view of an atomic re-auth.
func (c *Connection) deliverResponse(resp []byte) {
	if c.session.State() == authsession.Reauthenticating {
		c.pendingResponses = append(c.pendingResponses, resp)
		return
	}
	if err := c.write(resp); err != nil {
		c.log.Warnf("connection: write failed: %v", err)
	}
}

func (c *Connection) flushQueuedResponses() {
	if len(c.pendingResponses) == 0 {
		return
	}
	pending := c.pendingResponses
	c.pendingResponses = nil
	for _, resp := range pending {
		if err := c.write(resp); err != nil {
			c.log.Warnf("connection: write failed: %v", err)
			return
		}
	}
}

func (c *Connection) write(b []byte) error {
	_, err := c.rw.Write(b)
	return err
}

func (c *Connection) teardown() {
	close(c.stop)
	_ = c.conn.Close()
	c.recv.r.reqCh <- unregisterConnReq{id: c.id}
}
