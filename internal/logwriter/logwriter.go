// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package logwriter implements the external log-writer collaborator: the
// durable store the receiver hands validated write descriptors to, which
// reports back, asynchronously and strictly in submission order, whether
// each write became durable.
//
// The on-disk record format is a masked CRC32C, a length, and a payload.
// Writes are already complete in memory (no cross-record fragmentation to
// reassemble) because a block's body fits in one buffer by the time the
// validator hands it over.
package logwriter

import (
	"encoding/binary"
	"io"
	"os"

	"code.hybscloud.com/logreceiver/internal/block"
	"code.hybscloud.com/logreceiver/internal/checksum"
	"code.hybscloud.com/logreceiver/internal/logging"
)

// Completion reports the outcome of one submitted write, in the same order
// writes were submitted. The receiver's dispatch relies on strict ordering
// and treats a violation as a bug, not a recoverable error.
type Completion struct {
	Descriptor *block.WriteDescriptor
	Err        error
}

// Writer is the external collaborator contract. Submit must not block past
// enqueuing; completions arrive later on Completions().
type Writer interface {
	Submit(d *block.WriteDescriptor)
	Completions() <-chan Completion
	Close() error
}

// recordHeaderSize is 4 bytes masked CRC32C + 4 bytes length.
const recordHeaderSize = 8

// FileWriter is the default Writer, appending framed records to a single
// file and fsyncing after every write before reporting completion.
type FileWriter struct {
	f    *os.File
	log  logging.Logger
	in   chan *block.WriteDescriptor
	out  chan Completion
	done chan struct{}
}

// Open creates or appends to the file at path and starts the writer's
// background goroutine.
func Open(path string, log logging.Logger) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	w := &FileWriter{
		f:    f,
		log:  logging.OrDefault(log),
		in:   make(chan *block.WriteDescriptor, 64),
		out:  make(chan Completion, 64),
		done: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *FileWriter) Submit(d *block.WriteDescriptor) {
	w.in <- d
}

func (w *FileWriter) Completions() <-chan Completion {
	return w.out
}

// Close stops accepting new writes and waits for the background goroutine
// to drain and exit.
func (w *FileWriter) Close() error {
	close(w.in)
	<-w.done
	return w.f.Close()
}

func (w *FileWriter) run() {
	defer close(w.done)
	var hdr [recordHeaderSize]byte
	for d := range w.in {
		err := w.writeRecord(&hdr, d.Payload)
		if err != nil {
			w.log.Errorf("log writer: append seq=%d failed: %v", d.EndSeq, err)
		}
		w.out <- Completion{Descriptor: d, Err: err}
	}
}

func (w *FileWriter) writeRecord(hdr *[recordHeaderSize]byte, payload []byte) error {
	crc := checksum.Mask(checksum.Value(payload))
	binary.LittleEndian.PutUint32(hdr[0:4], crc)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))

	if _, err := w.f.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.f.Write(payload); err != nil {
		return err
	}
	return w.f.Sync()
}

// ReadAll replays every record in path in order, calling fn with each
// payload. It stops at the first short record (a torn write left by a
// crash mid-append) rather than treating it as an error, matching the WAL
// reader convention of tolerating a truncated tail.
func ReadAll(path string, fn func(payload []byte) error) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var hdr [recordHeaderSize]byte
	for {
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}
		wantCrc := binary.LittleEndian.Uint32(hdr[0:4])
		n := binary.LittleEndian.Uint32(hdr[4:8])
		payload := make([]byte, n)
		if _, err := io.ReadFull(f, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}
		if checksum.Mask(checksum.Value(payload)) != wantCrc {
			return nil
		}
		if err := fn(payload); err != nil {
			return err
		}
	}
}
