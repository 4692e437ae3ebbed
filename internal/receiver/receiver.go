// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package receiver implements the receiver core and connection state
// machine: the single-threaded-cooperative dispatcher that owns the
// committed/last-write sequence frontier, the connection table, and the
// write-descriptor free list, plus the per-connection event loop that
// drives authentication, block validation, and ack emission.
//
// One dispatcher goroutine owns all mutable receiver-wide state (no locks
// needed on it), reached only through request/response channels. Each
// connection gets its own reader and writer goroutines that touch no
// receiver-wide state directly except the write-descriptor free list,
// which carries its own lock.
package receiver

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"

	"code.hybscloud.com/logreceiver/internal/block"
	"code.hybscloud.com/logreceiver/internal/logging"
	"code.hybscloud.com/logreceiver/internal/logwriter"
	"code.hybscloud.com/logreceiver/internal/metrics"
	"code.hybscloud.com/logreceiver/internal/panics"
	"code.hybscloud.com/logreceiver/internal/replay"
)

var (
	ErrTooManyConnections = errors.New("receiver: connection limit reached")
	ErrRejectedNotTip     = errors.New("receiver: rejected, block does not start at last_write_seq")
	ErrShuttingDown       = errors.New("receiver: shutting down")
)

// Config holds the receiver-core parameters. The listen address and other
// process-level settings live one layer up, in the config package; these
// are the ones the core itself consults.
type Config struct {
	ServerID           uint32
	MaxConnectionCount int

	// ReauthTimeout is the reAuthTimeout configuration parameter: a
	// session renews once its expiry is within this duration of now.
	ReauthTimeout time.Duration

	// Timeout is the per-connection inactivity timeout. A non-positive
	// value disables it.
	Timeout time.Duration

	// MaxReadAhead is the per-connection read-ahead cap in bytes, already
	// clamped to [512, 64<<20] by the config layer. Non-positive falls
	// back to the framing package default.
	MaxReadAhead int

	// Dispatcher is the external request dispatcher: the collaborator
	// every non-block, non-AUTHENTICATE RPC is handed to. Nil means no
	// deployment-specific RPCs are accepted; every connection falls back
	// to rejectDispatcher.
	Dispatcher RequestDispatcher
}

// connRecord is the receiver's view of one connection: everything the core
// needs in order to route acks and enforce the destroy-only-when-idle
// invariant.
// It never crosses a goroutine boundary except through the dispatcher.
type connRecord struct {
	id           uint64
	out          chan<- []byte
	pendingOps   int
	firstAckSent bool
	down         bool
	// unregistered is set when the connection's goroutine has sent its
	// final message (unregisterConnReq); only then may the record be
	// removed, so a departed connection can never race a message into a
	// dispatcher that has already forgotten it.
	unregistered bool
	reauthNeeded bool
}

// Receiver is the receiver core plus its write-op dispatcher. All
// fields below the request channels except free are owned exclusively by
// run() and must not be touched from any other goroutine; free is a
// lock-protected pool that connection goroutines acquire from directly.
type Receiver struct {
	log     logging.Logger
	writer  logwriter.Writer
	engine  replay.Engine
	cfg     Config
	metrics *metrics.Collectors

	reqCh chan any
	done  chan struct{}

	shutdownOnce sync.Once
	wg           sync.WaitGroup

	committedSeq int64
	lastWriteSeq int64
	// nextSeq runs ahead of committedSeq while a contiguous run of
	// failures is being processed, so that a second failure immediately
	// following a first is recognized as contiguous-with-the-gap rather
	// than out of order.
	nextSeq int64
	// submittedSeq is the high-water mark over every accepted submission.
	// Unlike lastWriteSeq it is never demoted by a failed write, so it is
	// the bound a completion's end_seq is checked against: a write failure
	// cannot retroactively make an already in-flight completion look like
	// the writer invented a sequence.
	submittedSeq int64
	// inflight holds, in submission order, the connection id that submitted
	// each descriptor still at the writer. Completions arrive in the same
	// order, so popping the head credits the right connection's pending-ops
	// count.
	inflight   []uint64
	conns      map[uint64]*connRecord
	nextConnID uint64
	free       block.FreeList

	closing bool
}

// New constructs a Receiver. writer and engine are the external
// collaborators: the log writer persists descriptors; the replay engine
// applies their payload once durable.
func New(cfg Config, writer logwriter.Writer, engine replay.Engine, log logging.Logger, m *metrics.Collectors) *Receiver {
	r := &Receiver{
		log:          logging.OrDefault(log),
		writer:       writer,
		engine:       engine,
		cfg:          cfg,
		metrics:      m,
		reqCh:        make(chan any, 64),
		done:         make(chan struct{}),
		conns:        make(map[uint64]*connRecord),
		committedSeq: 0,
		lastWriteSeq: 0,
		nextSeq:      0,
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Accept admits a newly established socket, refusing and closing it if the
// connection limit is reached.
func (r *Receiver) Accept(conn net.Conn, authCtx AuthContext) {
	reply := make(chan registerResult, 1)
	var res registerResult
	select {
	case r.reqCh <- registerConnReq{reply: reply}:
		res = <-reply
	case <-r.done:
		res = registerResult{err: ErrShuttingDown}
	}
	if res.err != nil {
		r.log.Warnf("receiver: refusing connection from %s: %v", conn.RemoteAddr(), res.err)
		_ = conn.Close()
		return
	}
	// xid gives every connection a globally unique, sortable correlation
	// id for log lines, independent of the numeric id used to key the
	// receiver's internal connection table.
	log := r.log.With("peer", conn.RemoteAddr().String(), "conn", res.id, "xid", xid.New().String())
	c := newConnection(res.id, conn, authCtx, r, log)
	go c.run()
}

// run is the dispatcher goroutine: the single place receiver-wide state is
// read or written.
func (r *Receiver) run() {
	defer r.wg.Done()
	compCh := r.writer.Completions()
	for {
		select {
		case req := <-r.reqCh:
			r.handleRequest(req)
		case comp, ok := <-compCh:
			if !ok {
				// The writer is gone; no further completions can drain
				// pending ops.
				compCh = nil
				continue
			}
			r.handleCompletion(comp)
		case <-r.done:
			r.drainAndExit(compCh)
			return
		}
	}
}

func (r *Receiver) handleRequest(req any) {
	switch m := req.(type) {
	case registerConnReq:
		r.doRegister(m)
	case attachOutReq:
		r.doAttachOut(m)
	case unregisterConnReq:
		r.doUnregister(m.id)
	case submitBlockReq:
		r.doSubmitBlock(m)
	case sendAckNowReq:
		r.sendAck(m.connID)
	case reauthStatusReq:
		r.doReauthStatus(m)
	case frontierReq:
		m.reply <- [2]int64{r.committedSeq, r.lastWriteSeq}
	}
}

// Frontier reports the receiver's current (committed_seq, last_write_seq)
// pair, the same values every ack frame advertises. The answer round-trips
// through the dispatcher goroutine, so it is a consistent snapshot rather
// than a torn read.
func (r *Receiver) Frontier() (committedSeq, lastWriteSeq int64) {
	reply := make(chan [2]int64, 1)
	r.reqCh <- frontierReq{reply: reply}
	v := <-reply
	return v[0], v[1]
}

type frontierReq struct {
	reply chan [2]int64
}

type registerConnReq struct {
	reply chan registerResult
}
type registerResult struct {
	id  uint64
	err error
}
type unregisterConnReq struct{ id uint64 }
type submitBlockReq struct {
	connID uint64
	desc   *block.WriteDescriptor
	reply  chan error
}
type sendAckNowReq struct{ connID uint64 }
type reauthStatusReq struct {
	connID uint64
	needed bool
}

func (r *Receiver) doRegister(m registerConnReq) {
	if r.closing {
		m.reply <- registerResult{err: ErrShuttingDown}
		return
	}
	if len(r.conns) >= r.cfg.MaxConnectionCount {
		m.reply <- registerResult{err: ErrTooManyConnections}
		return
	}
	r.nextConnID++
	id := r.nextConnID
	m.reply <- registerResult{id: id}
	if r.metrics != nil {
		r.metrics.ConnectionCount.Set(float64(len(r.conns) + 1))
	}
	// The out channel is attached by the connection itself via
	// attachOutReq when newConnection builds it; see connection.go.
	r.conns[id] = &connRecord{id: id}
}

// attachOut is called once by a freshly registered connection to hand the
// dispatcher its outbound channel.
func (r *Receiver) attachOut(id uint64, out chan<- []byte) {
	r.reqCh <- attachOutReq{id: id, out: out}
}

type attachOutReq struct {
	id  uint64
	out chan<- []byte
}

func (r *Receiver) doAttachOut(m attachOutReq) {
	c, ok := r.conns[m.id]
	if !ok || c.down {
		// The connection was torn down between registration and its run
		// loop starting; closing the channel makes that run loop exit
		// immediately through its normal path.
		close(m.out)
		return
	}
	c.out = m.out
}

func (r *Receiver) doUnregister(id uint64) {
	c, ok := r.conns[id]
	if !ok {
		return
	}
	c.down = true
	c.unregistered = true
	r.maybeDestroy(c)
}

// maybeDestroy removes a down connection once its pending ops have drained
// (a connection is never destroyed while ops are outstanding) and its
// goroutine has said goodbye.
func (r *Receiver) maybeDestroy(c *connRecord) {
	if !c.down || !c.unregistered || c.pendingOps > 0 {
		return
	}
	delete(r.conns, c.id)
	if r.metrics != nil {
		r.metrics.ConnectionCount.Set(float64(len(r.conns)))
	}
}

// doReauthStatus records whether a connection's session currently needs
// renewal, as computed by the connection's own goroutine. The next ack
// sent to this connection carries REAUTH_REQUIRED accordingly.
func (r *Receiver) doReauthStatus(m reauthStatusReq) {
	c, ok := r.conns[m.connID]
	if !ok {
		return
	}
	c.reauthNeeded = m.needed
}

func (r *Receiver) doOpDone(id uint64) {
	c, ok := r.conns[id]
	if !ok {
		return
	}
	if c.pendingOps > 0 {
		c.pendingOps--
	}
	r.maybeDestroy(c)
}

func (r *Receiver) doSubmitBlock(m submitBlockReq) {
	c, ok := r.conns[m.connID]
	if !ok || c.down {
		m.reply <- ErrShuttingDown
		return
	}
	if m.desc.StartSeq != r.lastWriteSeq || m.desc.EndSeq <= r.lastWriteSeq {
		if r.metrics != nil {
			r.metrics.BlocksRejected.Inc()
		}
		m.reply <- ErrRejectedNotTip
		return
	}
	r.lastWriteSeq = m.desc.EndSeq
	if r.lastWriteSeq > r.submittedSeq {
		r.submittedSeq = r.lastWriteSeq
	}
	if r.metrics != nil {
		r.metrics.LastWriteSeq.Set(float64(r.lastWriteSeq))
	}
	c.pendingOps++
	r.inflight = append(r.inflight, m.connID)
	m.reply <- nil
	r.writer.Submit(m.desc)
}

// handleCompletion post-processes one durable write: it advances the
// committed frontier, replays the payload, and recycles the descriptor.
// Exactly one completion is processed per call since each arrives as a
// separate channel receive; completions arrive in submission order, which
// logwriter.Writer guarantees.
func (r *Receiver) handleCompletion(comp logwriter.Completion) {
	d := comp.Descriptor
	if comp.Err == nil {
		// A success after a failure in the same in-flight run trips this:
		// committed_seq stopped advancing at the gap, so the success's
		// start can no longer line up with it. The log writer's contract
		// is that once a write fails, all later in-flight writes fail too.
		panics.Assert(d.StartSeq == r.committedSeq, "completion out of order: start_seq != committed_seq")
	} else {
		// A failed completion either continues the current gap (start ==
		// nextSeq, the running frontier of the failing streak) or opens a
		// new one at the committed frontier.
		panics.Assert(d.StartSeq == r.nextSeq || d.StartSeq == r.committedSeq, "completion out of order: failed start_seq not contiguous")
	}
	panics.Assert(d.EndSeq <= r.submittedSeq && d.StartSeq <= d.EndSeq, "completion violates sequence bounds")
	r.nextSeq = d.EndSeq

	if comp.Err == nil {
		r.committedSeq = d.EndSeq
		if r.metrics != nil {
			r.metrics.CommittedSeq.Set(float64(r.committedSeq))
		}
		if err := r.engine.Apply(d.StartSeq, d.EndSeq, splitLines(d.Payload, d.LineLengths)); err != nil {
			panics.Invariant("replay engine rejected a committed block: " + err.Error())
		}
	} else {
		// A failed write demotes last_write_seq back to committed_seq:
		// everything still in flight is no longer contiguous and must
		// be rejected so the peer resynchronizes.
		r.lastWriteSeq = r.committedSeq
		if r.metrics != nil {
			r.metrics.LastWriteSeq.Set(float64(r.lastWriteSeq))
		}
	}

	r.opCompleted()
	r.free.Release(d)
	r.broadcastAck()
}

// opCompleted pops the oldest in-flight submission and credits the
// connection that made it, possibly releasing a connection that was held
// open only by this op.
func (r *Receiver) opCompleted() {
	panics.Assert(len(r.inflight) > 0, "completion with no in-flight submission")
	connID := r.inflight[0]
	r.inflight = r.inflight[1:]
	if len(r.inflight) == 0 {
		// No writes outstanding: the next failure, if any, opens its gap
		// at the committed frontier.
		r.nextSeq = r.committedSeq
	}
	r.doOpDone(connID)
}

func splitLines(payload []byte, lineLengths []int) [][]byte {
	lines := make([][]byte, 0, len(lineLengths))
	off := 0
	for _, n := range lineLengths {
		lines = append(lines, payload[off:off+n])
		off += n
	}
	return lines
}

// broadcastAck pings every live connection so each emits a fresh ack with
// the advanced frontier, unconditionally whenever a completion was
// processed.
func (r *Receiver) broadcastAck() {
	for id := range r.conns {
		r.sendAck(id)
	}
}

// sendAck formats and sends the current frontier to one connection. This is
// the only path that writes an ack frame: the public entry points
// (broadcastAck, an empty-block heartbeat) both funnel through it, so there
// is exactly one implementation to reason about.
func (r *Receiver) sendAck(connID uint64) {
	c, ok := r.conns[connID]
	if !ok || c.down || c.out == nil {
		return
	}
	lag := r.lastWriteSeq - r.committedSeq
	if lag < 0 {
		lag = 0
	}
	var flags ackFlags
	if c.reauthNeeded {
		flags |= flagReauthRequired
	}
	var line []byte
	if !c.firstAckSent {
		flags |= flagHasServerID
		line = encodeAck(r.committedSeq, lag, flags, r.cfg.ServerID, checksumForAck(r.cfg.ServerID))
		c.firstAckSent = true
	} else {
		line = encodeAck(r.committedSeq, lag, flags, 0, 0)
	}
	if r.metrics != nil {
		r.metrics.AcksSent.Inc()
	}
	select {
	case c.out <- line:
	default:
		// Connection's writer is backed up; drop rather than block the
		// dispatcher. The peer will notice via the next ack or a timeout.
		r.log.Warnf("receiver: ack dropped for conn=%d, outbound queue full", connID)
	}
}

// Shutdown refuses new connections, synthesizes a teardown for every live
// connection, and waits for in-flight ops to drain before returning. It is
// idempotent: a second call just waits for the first to finish.
func (r *Receiver) Shutdown() {
	r.shutdownOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

// drainAndExit tears down every live connection and keeps servicing the
// request and completion channels until each connection's pending ops have
// drained: the receiver does not go away while connections remain, and a
// connection does not go away while its ops are in flight.
func (r *Receiver) drainAndExit(compCh <-chan logwriter.Completion) {
	r.closing = true
	for _, c := range r.conns {
		c.down = true
		if c.out != nil {
			// Closing the outbound channel is the synthetic NET_ERROR:
			// the connection's run loop sees it and tears down through
			// its normal path.
			close(c.out)
			c.out = nil
		}
	}
	for len(r.conns) > 0 {
		select {
		case req := <-r.reqCh:
			r.handleRequest(req)
		case comp, ok := <-compCh:
			if !ok {
				// The writer died with ops still in flight; their
				// completions will never arrive, so stop holding
				// connections open for them.
				compCh = nil
				r.inflight = nil
				for _, c := range r.conns {
					c.pendingOps = 0
					r.maybeDestroy(c)
				}
				continue
			}
			r.handleCompletion(comp)
		}
	}
}
