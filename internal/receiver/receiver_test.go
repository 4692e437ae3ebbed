// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package receiver

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/logreceiver/internal/authsession"
	"code.hybscloud.com/logreceiver/internal/block"
	"code.hybscloud.com/logreceiver/internal/checksum"
	"code.hybscloud.com/logreceiver/internal/logging"
	"code.hybscloud.com/logreceiver/internal/logwriter"
	"code.hybscloud.com/logreceiver/internal/replay"
)

// fakeWriter is a logwriter.Writer whose completions are driven explicitly
// by the test, so it can simulate both successful and failed durability
// without touching a real file.
type fakeWriter struct {
	submitted   chan *block.WriteDescriptor
	completions chan logwriter.Completion
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{
		submitted:   make(chan *block.WriteDescriptor, 8),
		completions: make(chan logwriter.Completion, 8),
	}
}

func (w *fakeWriter) Submit(d *block.WriteDescriptor)          { w.submitted <- d }
func (w *fakeWriter) Completions() <-chan logwriter.Completion { return w.completions }
func (w *fakeWriter) Close() error                             { return nil }

// complete pops the oldest submitted descriptor and reports it back with
// err. It returns a value snapshot taken before the completion is enqueued:
// the dispatcher releases (and resets) the descriptor into the free list,
// so reading fields off the pointer afterwards would race.
func (w *fakeWriter) complete(t *testing.T, err error) block.WriteDescriptor {
	t.Helper()
	select {
	case d := <-w.submitted:
		snap := *d
		w.completions <- logwriter.Completion{Descriptor: d, Err: err}
		return snap
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for submitted write")
		return block.WriteDescriptor{}
	}
}

// noAuthCtx is an authsession.Context that never requires authentication,
// for tests exercising the block-transfer path independent of auth.
type noAuthCtx struct{}

func (noAuthCtx) IsAuthRequired() bool { return false }
func (noAuthCtx) UpdateCount() int     { return 0 }
func (noAuthCtx) Authenticate(authsession.Request) (authsession.Response, error) {
	return authsession.Response{}, nil
}

// fakeAuthCtx is an authsession.Context whose responses the test can steer
// between exchanges (e.g. dropping a filter to simulate a downgrade
// attempt), guarded by a mutex since Authenticate runs on the connection's
// own goroutine.
type fakeAuthCtx struct {
	mu          sync.Mutex
	principal   string
	filter      authsession.Filter
	updateCount int
	reply       []byte
}

func (f *fakeAuthCtx) IsAuthRequired() bool { return true }

func (f *fakeAuthCtx) UpdateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateCount
}

func (f *fakeAuthCtx) Authenticate(authsession.Request) (authsession.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return authsession.Response{Principal: f.principal, Filter: f.filter, OutBytes: f.reply}, nil
}

func (f *fakeAuthCtx) setFilter(filt authsession.Filter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filt
}

func (f *fakeAuthCtx) bump() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCount++
}

// pipeFilter is an authsession.Filter wrapping the receiver side of a
// net.Pipe. Once installed it is the connection's active transport, so it
// counts the bytes flowing through it and tests can assert post-upgrade
// traffic really is routed through the filter.
type pipeFilter struct {
	conn net.Conn

	mu     sync.Mutex
	reads  int
	writes int
}

func (f *pipeFilter) Read(p []byte) (int, error) {
	n, err := f.conn.Read(p)
	f.mu.Lock()
	f.reads += n
	f.mu.Unlock()
	return n, err
}

func (f *pipeFilter) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.writes += len(p)
	f.mu.Unlock()
	return f.conn.Write(p)
}

func (f *pipeFilter) Shutdown() error { return nil }

func (f *pipeFilter) counts() (reads, writes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads, f.writes
}

// buildBlockFrame encodes one block announcement plus body exactly as a
// primary would send it on the wire: "l:<hexlen> <hexcksum>\r\n\r\n" followed
// by the raw block bytes (header‖body).
func buildBlockFrame(hdr, body string) []byte {
	data := append([]byte(hdr), []byte(body)...)
	hc := checksum.Value([]byte(hdr))
	bc := checksum.Value([]byte(body))
	full := checksum.Combine(hc, bc, int64(len(body)))
	announce := fmt.Sprintf("l:%x %x\r\n\r\n", len(data), full)
	return append([]byte(announce), data...)
}

func newTestReceiver(t *testing.T, serverID uint32) (*Receiver, *fakeWriter, *replay.MemEngine) {
	t.Helper()
	w := newFakeWriter()
	engine := replay.NewMemEngine()
	r := New(Config{ServerID: serverID, MaxConnectionCount: 4}, w, engine, logging.Discard, nil)
	t.Cleanup(r.Shutdown)
	return r, w, engine
}

func dialPipe(t *testing.T, r *Receiver) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	r.Accept(server, noAuthCtx{})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestHappyPathAckCarriesServerIDOnce(t *testing.T) {
	r, w, engine := newTestReceiver(t, 0x10)
	client := dialPipe(t, r)
	reader := bufio.NewReader(client)

	frame := buildBlockFrame("5 5 ", "line1\nline2\nline3\nline4\nline5/\n")
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("write block: %v", err)
	}

	d := w.complete(t, nil)
	if d.StartSeq != 0 || d.EndSeq != 5 {
		t.Fatalf("got start=%d end=%d, want 0,5", d.StartSeq, d.EndSeq)
	}

	ack := mustReadLine(t, reader) + mustReadLine(t, reader)
	want := "A 5 0 2 10 " + fmt.Sprintf("%x", checksumForAck(0x10)) + "\r\n\r\n"
	if ack != want {
		t.Fatalf("got ack %q, want %q", ack, want)
	}
	if got := engine.Applied(); got != 5 {
		t.Fatalf("engine applied=%d, want 5", got)
	}

	// A second, empty (heartbeat) block must ack without a server id and
	// without submitting anything to the writer.
	if _, err := client.Write(buildBlockFrame("", "")); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	ack2 := mustReadLine(t, reader) + mustReadLine(t, reader)
	if want := "A 5 0 0\r\n\r\n"; ack2 != want {
		t.Fatalf("got second ack %q, want %q", ack2, want)
	}
}

func mustReadLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	s, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	return s
}

// TestFailedWriteCascadeDemotesFrontier: once a write fails, committed_seq
// stops advancing and last_write_seq is demoted back to it, so the peer is
// forced to resynchronize. A real log writer fails every write after a
// gap, so both completions here report failure.
func TestFailedWriteCascadeDemotesFrontier(t *testing.T) {
	r, w, _ := newTestReceiver(t, 1)
	client := dialPipe(t, r)
	reader := bufio.NewReader(client)

	if _, err := client.Write(buildBlockFrame("5 5 ", "l1\nl2\nl3\nl4\nl5/\n")); err != nil {
		t.Fatalf("write first block: %v", err)
	}
	if _, err := client.Write(buildBlockFrame("a 5 ", "l1\nl2\nl3\nl4\nl5/\n")); err != nil {
		t.Fatalf("write second block: %v", err)
	}

	// Both blocks must be in flight before the first write fails; otherwise
	// the second submission meets the demoted frontier and is rejected.
	deadline := time.Now().Add(time.Second)
	for _, lastWrite := r.Frontier(); lastWrite != 0xa; _, lastWrite = r.Frontier() {
		if time.Now().After(deadline) {
			t.Fatalf("last_write_seq=%d, want 0xa with both blocks in flight", lastWrite)
		}
		time.Sleep(time.Millisecond)
	}

	w.complete(t, errors.New("EIO"))
	_ = mustReadLine(t, reader)
	_ = mustReadLine(t, reader)

	w.complete(t, errors.New("EIO"))
	_ = mustReadLine(t, reader)
	_ = mustReadLine(t, reader)

	committed, lastWrite := r.Frontier()
	if committed != 0 {
		t.Fatalf("committed_seq=%d, want 0 after both writes failed", committed)
	}
	if lastWrite != 0 {
		t.Fatalf("last_write_seq=%d, want 0 after both writes failed", lastWrite)
	}
}

func TestRejectOutOfOrderBlockClosesConnection(t *testing.T) {
	r, w, _ := newTestReceiver(t, 1)
	client := dialPipe(t, r)
	reader := bufio.NewReader(client)

	if _, err := client.Write(buildBlockFrame("5 5 ", "l1\nl2\nl3\nl4\nl5/\n")); err != nil {
		t.Fatalf("write first block: %v", err)
	}
	w.complete(t, nil)
	_ = mustReadLine(t, reader)
	_ = mustReadLine(t, reader)

	if _, err := client.Write(buildBlockFrame("4 1 ", "l1/\n")); err != nil {
		t.Fatalf("write stale block: %v", err)
	}

	buf := make([]byte, 16)
	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(buf); err == nil {
		t.Fatalf("expected connection to be closed after out-of-order block")
	}
}

// TestInactivityTimeoutClosesIdleConnection: a connection that sends
// nothing within the configured timeout is closed by the receiver side,
// independent of any protocol violation.
func TestInactivityTimeoutClosesIdleConnection(t *testing.T) {
	w := newFakeWriter()
	engine := replay.NewMemEngine()
	r := New(Config{ServerID: 1, MaxConnectionCount: 4, Timeout: 50 * time.Millisecond}, w, engine, logging.Discard, nil)
	t.Cleanup(r.Shutdown)

	client := dialPipe(t, r)

	buf := make([]byte, 1)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(buf); err == nil {
		t.Fatalf("expected idle connection to be closed by the receiver's inactivity timeout")
	}
}

// TestCleartextDowngradeClosesConnection: once a session has had an
// encrypted filter installed, a later exchange that omits one is a
// downgrade attempt, not a valid re-auth, and must close the connection
// rather than silently continuing in cleartext.
func TestCleartextDowngradeClosesConnection(t *testing.T) {
	w := newFakeWriter()
	engine := replay.NewMemEngine()
	r := New(Config{ServerID: 1, MaxConnectionCount: 4}, w, engine, logging.Discard, nil)
	t.Cleanup(r.Shutdown)

	client, server := net.Pipe()
	ctx := &fakeAuthCtx{principal: "alice", filter: &pipeFilter{conn: server}, reply: []byte("OK\r\n")}
	r.Accept(server, ctx)
	t.Cleanup(func() { _ = client.Close() })
	reader := bufio.NewReader(client)

	if _, err := client.Write([]byte("AUTHENTICATE\r\n\r\n")); err != nil {
		t.Fatalf("write authenticate: %v", err)
	}
	if line := mustReadLine(t, reader); line != "OK\r\n" {
		t.Fatalf("got %q, want \"OK\\r\\n\"", line)
	}

	// The peer's second AUTHENTICATE omits the filter this time: a
	// downgrade attempt that must be rejected, not accepted.
	ctx.setFilter(nil)
	if _, err := client.Write([]byte("AUTHENTICATE\r\n\r\n")); err != nil {
		t.Fatalf("write second authenticate: %v", err)
	}

	buf := make([]byte, 16)
	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(buf); err == nil {
		t.Fatalf("expected connection to be closed after cleartext downgrade attempt")
	}
}

// TestReauthRequiredFlagRoundTrip: bumping the auth context's update count
// makes the next ack carry REAUTH_REQUIRED, and a successful
// re-authentication clears it again.
func TestReauthRequiredFlagRoundTrip(t *testing.T) {
	w := newFakeWriter()
	engine := replay.NewMemEngine()
	r := New(Config{ServerID: 1, MaxConnectionCount: 4}, w, engine, logging.Discard, nil)
	t.Cleanup(r.Shutdown)

	ctx := &fakeAuthCtx{principal: "alice", reply: []byte("OK\r\n")}
	client, server := net.Pipe()
	r.Accept(server, ctx)
	t.Cleanup(func() { _ = client.Close() })
	reader := bufio.NewReader(client)

	if _, err := client.Write([]byte("AUTHENTICATE\r\n\r\n")); err != nil {
		t.Fatalf("write authenticate: %v", err)
	}
	if line := mustReadLine(t, reader); line != "OK\r\n" {
		t.Fatalf("got %q, want \"OK\\r\\n\"", line)
	}

	// First heartbeat: server id present, no reauth needed yet.
	if _, err := client.Write(buildBlockFrame("", "")); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	ack := mustReadLine(t, reader) + mustReadLine(t, reader)
	want := "A 0 0 2 1 " + fmt.Sprintf("%x", checksumForAck(1)) + "\r\n\r\n"
	if ack != want {
		t.Fatalf("got first ack %q, want %q", ack, want)
	}

	// A credential refresh bumps the context's update count; the next
	// ack must demand re-authentication.
	ctx.bump()
	if _, err := client.Write(buildBlockFrame("", "")); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	ack = mustReadLine(t, reader) + mustReadLine(t, reader)
	if want := "A 0 0 1\r\n\r\n"; ack != want {
		t.Fatalf("got ack after update-count bump %q, want %q", ack, want)
	}

	// The peer re-authenticates; the flag clears on the following ack.
	if _, err := client.Write([]byte("AUTHENTICATE\r\n\r\n")); err != nil {
		t.Fatalf("write reauthenticate: %v", err)
	}
	if line := mustReadLine(t, reader); line != "OK\r\n" {
		t.Fatalf("got %q, want \"OK\\r\\n\"", line)
	}
	if _, err := client.Write(buildBlockFrame("", "")); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	ack = mustReadLine(t, reader) + mustReadLine(t, reader)
	if want := "A 0 0 0\r\n\r\n"; ack != want {
		t.Fatalf("got ack after reauth %q, want %q", ack, want)
	}
}

// TestInstalledFilterCarriesTraffic: after an authentication exchange
// installs a transport filter, every subsequent inbound frame is read
// through it and every outbound ack is written through it.
func TestInstalledFilterCarriesTraffic(t *testing.T) {
	w := newFakeWriter()
	engine := replay.NewMemEngine()
	r := New(Config{ServerID: 1, MaxConnectionCount: 4}, w, engine, logging.Discard, nil)
	t.Cleanup(r.Shutdown)

	client, server := net.Pipe()
	filt := &pipeFilter{conn: server}
	ctx := &fakeAuthCtx{principal: "alice", filter: filt, reply: []byte("OK\r\n")}
	r.Accept(server, ctx)
	t.Cleanup(func() { _ = client.Close() })
	reader := bufio.NewReader(client)

	if _, err := client.Write([]byte("AUTHENTICATE\r\n\r\n")); err != nil {
		t.Fatalf("write authenticate: %v", err)
	}
	if line := mustReadLine(t, reader); line != "OK\r\n" {
		t.Fatalf("got %q, want \"OK\\r\\n\"", line)
	}

	// A post-upgrade heartbeat must be read, and its ack written, through
	// the installed filter.
	if _, err := client.Write(buildBlockFrame("", "")); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	ack := mustReadLine(t, reader) + mustReadLine(t, reader)
	want := "A 0 0 2 1 " + fmt.Sprintf("%x", checksumForAck(1)) + "\r\n\r\n"
	if ack != want {
		t.Fatalf("got ack %q, want %q", ack, want)
	}

	reads, writes := filt.counts()
	if reads == 0 {
		t.Fatalf("no bytes were read through the installed filter")
	}
	if writes == 0 {
		t.Fatalf("no bytes were written through the installed filter")
	}
}

// signalLogger drops every line but forwards Debugf formats to a channel,
// letting a test wait for a specific internal transition without sleeping.
type signalLogger struct{ debug chan string }

func (signalLogger) Errorf(string, ...any) {}
func (signalLogger) Warnf(string, ...any)  {}
func (signalLogger) Infof(string, ...any)  {}

func (l signalLogger) Debugf(format string, _ ...any) {
	select {
	case l.debug <- format:
	default:
	}
}

func (l signalLogger) With(...any) logging.Logger { return l }

// captureDispatcher records each dispatched frame's done callback so the
// test controls exactly when the command completes.
type captureDispatcher struct{ done chan func([]byte, error) }

func (d *captureDispatcher) Dispatch(req []byte, done func([]byte, error)) {
	d.done <- done
}

// TestResponseQueuedBehindReauth: a command response that completes while a
// re-authentication is in progress is held and emitted after the re-auth
// response, preserving the peer's view of an atomic re-auth.
func TestResponseQueuedBehindReauth(t *testing.T) {
	w := newFakeWriter()
	engine := replay.NewMemEngine()
	disp := &captureDispatcher{done: make(chan func([]byte, error), 1)}
	logCh := make(chan string, 4)
	r := New(Config{ServerID: 1, MaxConnectionCount: 4, Dispatcher: disp}, w, engine, signalLogger{debug: logCh}, nil)
	t.Cleanup(r.Shutdown)

	client, server := net.Pipe()
	ctx := &fakeAuthCtx{principal: "alice", reply: []byte("OK\r\n")}
	r.Accept(server, ctx)
	t.Cleanup(func() { _ = client.Close() })
	reader := bufio.NewReader(client)

	if _, err := client.Write([]byte("AUTHENTICATE\r\n\r\n")); err != nil {
		t.Fatalf("write authenticate: %v", err)
	}
	if line := mustReadLine(t, reader); line != "OK\r\n" {
		t.Fatalf("got %q, want \"OK\\r\\n\"", line)
	}

	// A command goes out and stays in flight.
	if _, err := client.Write([]byte("STAT\r\n\r\n")); err != nil {
		t.Fatalf("write command: %v", err)
	}
	var done func([]byte, error)
	select {
	case done = <-disp.done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	// The re-auth starts while the command is outstanding; the connection
	// holds the exchange open until the command resolves.
	if _, err := client.Write([]byte("AUTHENTICATE\r\n\r\n")); err != nil {
		t.Fatalf("write reauthenticate: %v", err)
	}
	select {
	case <-logCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the re-auth to be held")
	}

	// The command completes mid-re-auth: its response must come out after
	// the re-auth response, not before.
	done([]byte("STAT-OK\r\n"), nil)
	if line := mustReadLine(t, reader); line != "OK\r\n" {
		t.Fatalf("got %q, want the re-auth response first", line)
	}
	if line := mustReadLine(t, reader); line != "STAT-OK\r\n" {
		t.Fatalf("got %q, want the queued command response after the re-auth", line)
	}
}

// TestShutdownIsIdempotent: a second Shutdown is a no-op that returns once
// the first completed, and every live connection is torn down.
func TestShutdownIsIdempotent(t *testing.T) {
	w := newFakeWriter()
	engine := replay.NewMemEngine()
	r := New(Config{ServerID: 1, MaxConnectionCount: 4}, w, engine, logging.Discard, nil)

	client := dialPipe(t, r)

	r.Shutdown()
	r.Shutdown()

	buf := make([]byte, 1)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(buf); err == nil {
		t.Fatalf("expected connection to be closed by shutdown")
	}
}

func TestMaxConnectionCountRefusesAccept(t *testing.T) {
	w := newFakeWriter()
	engine := replay.NewMemEngine()
	r := New(Config{ServerID: 1, MaxConnectionCount: 1}, w, engine, logging.Discard, nil)
	t.Cleanup(r.Shutdown)

	c1 := dialPipe(t, r)
	_ = c1

	client2, server2 := net.Pipe()
	done := make(chan struct{})
	go func() {
		r.Accept(server2, noAuthCtx{})
		close(done)
	}()

	buf := make([]byte, 1)
	_ = client2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := client2.Read(buf)
	if err == nil {
		t.Fatalf("expected refused connection to be closed")
	}
	<-done
}
