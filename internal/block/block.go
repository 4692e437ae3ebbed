// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package block implements the log-block validator: header parsing,
// sequence-contiguity enforcement, checksum verification, and the
// payload-line split that feeds a write descriptor to the log writer.
package block

import (
	"errors"
	"sync"

	"code.hybscloud.com/logreceiver/internal/checksum"
)

// UnsetSeq is the sentinel meaning "unknown/unset".
const UnsetSeq int64 = -1

// MaxHeaderLen bounds how many leading bytes of a block may be consumed by
// the "<hex end_seq> <hex seq_len>" header before whitespace must appear:
// two hex 64-bit sequence numbers plus separators, with slack for an
// unusually long encoding.
const MaxHeaderLen = 16*2 + 1 + 16

var (
	ErrInvalidBlockHeader    = errors.New("block: invalid block header")
	ErrChecksumMismatch      = errors.New("block: block checksum mismatch")
	ErrInvalidBlockSequence  = errors.New("block: invalid block sequence")
	ErrNoTrailingSlash       = errors.New("block: invalid log block format: no trailing /")
	ErrNegativeBlockLength   = errors.New("block: invalid negative block length")
)

// WriteDescriptor is the control object handed to the log writer and, on
// completion, to the replay engine.
//
// next links free descriptors together in the receiver's free list.
type WriteDescriptor struct {
	StartSeq     int64
	EndSeq       int64
	BodyChecksum uint32
	Payload      []byte
	LineLengths  []int

	// Status is nil on success; any non-nil value marks the write as
	// failed.
	Status error

	next *WriteDescriptor
}

// Reset clears a descriptor for reuse.
func (d *WriteDescriptor) Reset() {
	d.StartSeq = UnsetSeq
	d.EndSeq = UnsetSeq
	d.BodyChecksum = 0
	d.Payload = nil
	d.LineLengths = nil
	d.Status = nil
	d.next = nil
}

// FreeList is a singly-linked pool of WriteDescriptors that avoids
// allocation churn on the block-write hot path. The receiver core owns
// one; connections acquire from it on their own goroutines and the
// dispatcher releases completed descriptors back, so the list carries its
// own lock.
type FreeList struct {
	mu   sync.Mutex
	head *WriteDescriptor
}

// Acquire returns a zeroed WriteDescriptor, reusing one from the free list
// if available.
func (l *FreeList) Acquire() *WriteDescriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head == nil {
		return &WriteDescriptor{}
	}
	d := l.head
	l.head = d.next
	d.next = nil
	return d
}

// Release returns d to the free list after clearing it.
func (l *FreeList) Release(d *WriteDescriptor) {
	d.Reset()
	l.mu.Lock()
	d.next = l.head
	l.head = d
	l.mu.Unlock()
}

// Validator holds the per-connection sequencing state needed to validate a
// stream of blocks: each accepted block's end_seq must not precede the last.
// A Validator is not safe for concurrent use; one belongs to each connection.
type Validator struct {
	lastEndSeq int64
}

// NewValidator returns a Validator with no blocks seen yet.
func NewValidator() *Validator {
	return &Validator{lastEndSeq: UnsetSeq}
}

// Result is the outcome of validating one block frame.
type Result struct {
	// Empty is true when the block carries no payload (a heartbeat ack
	// from the primary): no write descriptor is produced and the caller
	// should send an ack immediately without submitting anything.
	Empty bool

	// Descriptor is populated when Empty is false and validation
	// succeeded.
	Descriptor *WriteDescriptor
}

// Accept validates one fully-buffered block frame. blockLen is the
// announced total length (the hexlen from "l:<hexlen> <hexcksum>"),
// blockCksum its declared checksum, and data holds exactly blockLen bytes.
// It always allocates a fresh WriteDescriptor; callers on the hot path that
// maintain a descriptor pool should use AcceptInto instead.
func (v *Validator) Accept(blockLen int, blockCksum uint32, data []byte) (Result, error) {
	dst := &WriteDescriptor{}
	empty, err := v.AcceptInto(dst, blockLen, blockCksum, data)
	if err != nil {
		return Result{}, err
	}
	if empty {
		return Result{Empty: true}, nil
	}
	return Result{Descriptor: dst}, nil
}

// AcceptInto is Accept, but fills dst in place instead of allocating a new
// WriteDescriptor, so a connection can recycle one from the receiver's free
// list on the hot block-write path.
func (v *Validator) AcceptInto(dst *WriteDescriptor, blockLen int, blockCksum uint32, data []byte) (empty bool, err error) {
	if blockLen < 0 {
		return false, ErrNegativeBlockLength
	}
	if blockLen == 0 {
		return true, nil
	}

	maxHdrLen := blockLen
	if maxHdrLen > MaxHeaderLen {
		maxHdrLen = MaxHeaderLen
	}
	hdrRegion := data[:maxHdrLen]

	endSeq, seqLen, tokLen, ok := parseHeaderTokens(hdrRegion)
	if !ok || seqLen < 0 || endSeq < seqLen {
		return false, ErrInvalidBlockHeader
	}

	hdrLen := tokLen
	for hdrLen < len(hdrRegion) && hdrRegion[hdrLen] <= ' ' {
		hdrLen++
	}
	if hdrLen >= len(hdrRegion) && maxHdrLen < blockLen {
		return false, ErrInvalidBlockHeader
	}

	hdrChecksum := checksum.Value(data[:hdrLen])
	bodyChecksum := checksum.Value(data[hdrLen:blockLen])
	combined := checksum.Combine(hdrChecksum, bodyChecksum, int64(blockLen-hdrLen))
	if combined != blockCksum {
		return false, ErrChecksumMismatch
	}

	if blockLen == hdrLen {
		return true, nil
	}

	if v.lastEndSeq != UnsetSeq && endSeq < v.lastEndSeq {
		return false, ErrInvalidBlockSequence
	}
	startSeq := endSeq - seqLen

	lineLengths, ok := splitLines(data[hdrLen:blockLen])
	if !ok {
		return false, ErrNoTrailingSlash
	}

	v.lastEndSeq = endSeq
	dst.StartSeq = startSeq
	dst.EndSeq = endSeq
	dst.BodyChecksum = bodyChecksum
	dst.Payload = data[hdrLen:blockLen]
	dst.LineLengths = lineLengths
	dst.Status = nil
	return false, nil
}

// parseHeaderTokens parses "<hex end_seq> <hex seq_len>" from the front of
// hdr, returning the byte offset just past the second token.
func parseHeaderTokens(hdr []byte) (endSeq, seqLen int64, tokLen int, ok bool) {
	v1, n1, ok1 := parseHexToken(hdr)
	if !ok1 {
		return 0, 0, 0, false
	}
	rest := hdr[n1:]
	skip := 0
	for skip < len(rest) && rest[skip] <= ' ' {
		skip++
	}
	v2, n2, ok2 := parseHexToken(rest[skip:])
	if !ok2 {
		return 0, 0, 0, false
	}
	return v1, v2, n1 + skip + n2, true
}

// parseHexToken parses a run of hex digits at the start of b.
func parseHexToken(b []byte) (v int64, n int, ok bool) {
	for n < len(b) {
		d, isHex := hexDigit(b[n])
		if !isHex {
			break
		}
		v = v<<4 | int64(d)
		n++
	}
	return v, n, n > 0
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

// splitLines computes the length of each newline-terminated line in body.
// The final character of the final line must be '/'. body is always one
// contiguous slice by the time it gets here; the resulting lengths mark
// record boundaries within Payload.
func splitLines(body []byte) (lineLengths []int, ok bool) {
	start := 0
	for i := 0; i < len(body); i++ {
		if body[i] != '\n' {
			continue
		}
		lineLengths = append(lineLengths, i+1-start)
		start = i + 1
	}
	if start != len(body) {
		// Body does not end on a line boundary.
		return nil, false
	}
	if len(lineLengths) == 0 {
		return nil, false
	}
	if len(body) < 2 || body[len(body)-2] != '/' {
		// The trailing sentinel sits just before the final '\n'.
		return nil, false
	}
	return lineLengths, true
}
