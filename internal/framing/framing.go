// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package framing implements the receiver's two multiplexed wire framings:
// CRLF-terminated text RPC frames ending in a blank line, and a binary
// block frame announced by a single-line "l:<hexlen> <hexcksum>\r\n\r\n" RPC.
package framing

import (
	"bufio"
	"errors"
	"io"
)

// ErrHeaderTooLarge reports that the buffered bytes exceeded MaxHeaderLen
// before a frame terminator was found.
var ErrHeaderTooLarge = errors.New("framing: header size exceeds max allowed")

// Options configures a Reader.
type Options struct {
	// MaxHeaderLen caps the number of bytes an RPC frame (including the
	// terminating blank line) may occupy before ReadRPC fails with
	// ErrHeaderTooLarge.
	MaxHeaderLen int

	// ReadAhead sizes the internal buffered reader. It corresponds to the
	// maxReadAhead configuration parameter, clamped by the caller to
	// [512, 64<<20] before being passed here.
	ReadAhead int
}

// Option configures Options.
type Option func(*Options)

// WithMaxHeaderLen sets the RPC header size cap.
func WithMaxHeaderLen(n int) Option {
	return func(o *Options) { o.MaxHeaderLen = n }
}

// WithReadAhead sizes the reader's internal buffer.
func WithReadAhead(n int) Option {
	return func(o *Options) { o.ReadAhead = n }
}

const (
	defaultMaxHeaderLen = 4 << 10
	defaultReadAhead    = 4 << 10
	minBufferSize       = 512
)

var defaultOptions = Options{
	MaxHeaderLen: defaultMaxHeaderLen,
	ReadAhead:    defaultReadAhead,
}

// Reader splits an inbound byte stream into text RPC frames and, once a
// block announcement has been recognized, raw block bodies.
//
// A Reader is not safe for concurrent use; the connection state machine
// owns it and drives it from a single goroutine.
type Reader struct {
	br           *bufio.Reader
	maxHeaderLen int
}

// NewReader wraps r, applying opts over the package defaults.
func NewReader(r io.Reader, opts ...Option) *Reader {
	o := defaultOptions
	for _, fn := range opts {
		fn(&o)
	}
	bufSize := o.ReadAhead
	if bufSize < minBufferSize {
		bufSize = minBufferSize
	}
	return &Reader{
		br:           bufio.NewReaderSize(r, bufSize),
		maxHeaderLen: o.MaxHeaderLen,
	}
}

// ReadRPC reads one complete text RPC frame: zero or more CRLF-terminated
// lines followed by the terminating blank line. The returned bytes hold the
// frame's lines (each still CRLF-terminated) but not the terminating blank
// line itself.
//
// ReadRPC enforces MaxHeaderLen across the whole frame: a connection that
// buffers more than MaxHeaderLen bytes without completing a frame is
// misbehaving, not merely slow.
func (r *Reader) ReadRPC() ([]byte, error) {
	var frame []byte
	for {
		line, err := r.br.ReadSlice('\n')
		if len(line) > 0 {
			if len(frame)+len(line) > r.maxHeaderLen {
				return nil, ErrHeaderTooLarge
			}
			frame = append(frame, line...)
		}
		if err != nil {
			if err == bufio.ErrBufferFull {
				// A single line longer than the buffer: still subject to
				// the header cap, and io buffering is an implementation
				// detail, so keep accumulating via successive fills.
				continue
			}
			return nil, err
		}
		if isBlankLineTerminator(frame) {
			return frame[:len(frame)-2], nil
		}
	}
}

// isBlankLineTerminator reports whether frame ends in "\r\n\r\n" (or the
// degenerate single blank-line frame "\r\n").
func isBlankLineTerminator(frame []byte) bool {
	n := len(frame)
	if n >= 4 && frame[n-4] == '\r' && frame[n-3] == '\n' && frame[n-2] == '\r' && frame[n-1] == '\n' {
		return true
	}
	return n == 2 && frame[0] == '\r' && frame[1] == '\n'
}

// ReadBlock reads exactly n raw block body bytes.
func (r *Reader) ReadBlock(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ParseBlockAnnouncement recognizes the single-line RPC frame that switches
// the connection into block-body mode: "l:<hexlen> <hexcksum>". frame is an
// RPC frame as returned by ReadRPC (no terminating blank line). ok is false
// for any frame that is not a block announcement, in which case the caller
// should parse frame as an ordinary RPC command.
func ParseBlockAnnouncement(frame []byte) (blockLen int, blockCksum uint32, ok bool) {
	if len(frame) < 2 || frame[0] != 'l' || frame[1] != ':' {
		return 0, 0, false
	}
	rest := frame[2:]
	// Trim the single trailing line terminator (\r\n) left by ReadRPC.
	rest = trimCRLF(rest)

	lenTok, rest, found := cutSpace(rest)
	if !found {
		return 0, 0, false
	}
	cksumTok := rest

	l, err := parseHexInt(lenTok)
	if err != nil || l < 0 {
		return 0, 0, false
	}
	c, err := parseHexUint32(cksumTok)
	if err != nil {
		return 0, 0, false
	}
	return int(l), c, true
}

func trimCRLF(b []byte) []byte {
	if n := len(b); n >= 2 && b[n-2] == '\r' && b[n-1] == '\n' {
		return b[:n-2]
	}
	if n := len(b); n >= 1 && b[n-1] == '\n' {
		return b[:n-1]
	}
	return b
}

func cutSpace(b []byte) (tok, rest []byte, found bool) {
	for i, c := range b {
		if c == ' ' || c == '\t' {
			return b[:i], b[i+1:], true
		}
	}
	return nil, nil, false
}

func parseHexInt(b []byte) (int64, error) {
	var v int64
	if len(b) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	for _, c := range b {
		d, ok := hexDigit(c)
		if !ok {
			return 0, io.ErrUnexpectedEOF
		}
		v = v<<4 | int64(d)
	}
	return v, nil
}

func parseHexUint32(b []byte) (uint32, error) {
	var v uint32
	if len(b) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	for _, c := range b {
		d, ok := hexDigit(c)
		if !ok {
			return 0, io.ErrUnexpectedEOF
		}
		v = v<<4 | uint32(d)
	}
	return v, nil
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
