// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package receiver

import (
	"fmt"

	"code.hybscloud.com/logreceiver/internal/checksum"
)

// ackFlags is the bitmask carried in every ack frame.
type ackFlags uint32

const (
	flagReauthRequired ackFlags = 1 << 0
	flagHasServerID    ackFlags = 1 << 1
)

// encodeAck renders one ack frame. When serverID/cksum are meaningful (the
// first ack on a connection) flags already carries flagHasServerID; the
// caller is responsible for that, encodeAck just formats whatever it is
// given.
func encodeAck(committedSeq, lag int64, flags ackFlags, serverID uint32, cksum uint32) []byte {
	if flags&flagHasServerID != 0 {
		return []byte(fmt.Sprintf("A %x %x %x %x %x\r\n\r\n", committedSeq, lag, uint32(flags), serverID, cksum))
	}
	return []byte(fmt.Sprintf("A %x %x %x\r\n\r\n", committedSeq, lag, uint32(flags)))
}

// checksumForAck computes the per-connection checksum sent alongside the
// server id on the first ack: CRC32C of the big-endian server id, so a peer
// can detect a transposed or truncated id without needing to understand the
// ack grammar itself.
func checksumForAck(serverID uint32) uint32 {
	b := []byte{byte(serverID >> 24), byte(serverID >> 16), byte(serverID >> 8), byte(serverID)}
	return checksum.Value(b)
}
