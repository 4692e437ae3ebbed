// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package replay implements the external replay-engine collaborator: the
// state machine that applies committed log records to produce the
// metadata tree, independent of how those records reached durable storage.
//
// The receiver only needs to know the highest sequence number the replay
// engine has applied (Applied) and to be able to hand it newly durable
// records in order (Apply); it does not need to know what the records mean.
package replay

import (
	"errors"
	"sync"
)

// ErrOutOfOrder is returned when Apply is called with a record whose
// StartSeq does not match the engine's current Applied sequence.
var ErrOutOfOrder = errors.New("replay: record does not start at the current applied sequence")

// Engine is the external collaborator contract.
type Engine interface {
	// Apply replays one record's lines, advancing the applied sequence
	// from startSeq to endSeq. It must be called with contiguous,
	// already-durable records in submission order.
	Apply(startSeq, endSeq int64, lines [][]byte) error

	// Applied returns the sequence number up to which records have been
	// applied.
	Applied() int64
}

// MemEngine is a minimal in-memory Engine: it stores every applied line in
// order and tracks the applied sequence, sufficient to drive end-to-end
// tests of the receiver without a real metadata tree.
type MemEngine struct {
	mu      sync.Mutex
	applied int64
	lines   [][]byte
}

// NewMemEngine returns an engine with nothing applied yet.
func NewMemEngine() *MemEngine {
	return &MemEngine{applied: 0}
}

func (e *MemEngine) Apply(startSeq, endSeq int64, lines [][]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if startSeq != e.applied {
		return ErrOutOfOrder
	}
	e.lines = append(e.lines, lines...)
	e.applied = endSeq
	return nil
}

func (e *MemEngine) Applied() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applied
}

// Lines returns a copy of every line applied so far, for test assertions.
func (e *MemEngine) Lines() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]byte, len(e.lines))
	copy(out, e.lines)
	return out
}
