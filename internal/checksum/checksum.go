// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package checksum implements the 32-bit block checksum used to protect log
// blocks on the wire.
//
// The primitive is CRC32C (Castagnoli), computed with hash/crc32, with
// RocksDB-compatible masking for values stored on disk.
// In addition to Value, this package provides Combine: given the
// checksums of two adjacent byte ranges A and B and the length of B, Combine
// returns the checksum of the concatenation A‖B without touching A's bytes
// again. The block validator uses Combine to verify a block whose header
// and body were already consumed separately from the wire.
package checksum

import "hash/crc32"

var table = crc32.MakeTable(crc32.Castagnoli)

// Value returns the CRC32C checksum of data.
func Value(data []byte) uint32 {
	return crc32.Checksum(data, table)
}

// maskDelta is added to a CRC before it is stored on disk, the same
// constant RocksDB uses. Masking
// means a block of all zeros (including a zeroed-out checksum field left by
// a torn write) does not look like a valid checksum of all-zero data.
const maskDelta = 0xa282ead8

// Mask transforms a raw CRC for storage.
func Mask(crc uint32) uint32 {
	return (crc>>15 | crc<<17) + maskDelta
}

// Unmask reverses Mask.
func Unmask(maskedCrc uint32) uint32 {
	rot := maskedCrc - maskDelta
	return rot>>17 | rot<<15
}

// crc32cPolyReflected is the Castagnoli polynomial in reflected (LSB-first)
// form, as used internally by the widely deployed crc32_combine algorithm.
const crc32cPolyReflected uint32 = 0x82f63b78

// Combine returns the CRC32C of A‖B given crcA = Value(A), crcB = Value(B),
// and lenB = len(B). It does not require the bytes of A or B.
//
// This is the standard GF(2)-matrix "CRC combine" construction (as used by
// zlib's crc32_combine), specialized to the Castagnoli polynomial.
func Combine(crcA, crcB uint32, lenB int64) uint32 {
	if lenB <= 0 {
		return crcA
	}

	var even, odd [32]uint32

	// odd holds the operator for appending one zero bit.
	odd[0] = crc32cPolyReflected
	row := uint32(1)
	for n := 1; n < 32; n++ {
		odd[n] = row
		row <<= 1
	}

	gf2MatrixSquare(&even, &odd) // even: two zero bits
	gf2MatrixSquare(&odd, &even) // odd: four zero bits

	crc1 := crcA
	n := lenB
	for {
		gf2MatrixSquare(&even, &odd)
		if n&1 != 0 {
			crc1 = gf2MatrixTimes(&even, crc1)
		}
		n >>= 1
		if n == 0 {
			break
		}
		gf2MatrixSquare(&odd, &even)
		if n&1 != 0 {
			crc1 = gf2MatrixTimes(&odd, crc1)
		}
		n >>= 1
		if n == 0 {
			break
		}
	}
	return crc1 ^ crcB
}

func gf2MatrixTimes(mat *[32]uint32, vec uint32) uint32 {
	var sum uint32
	for i := 0; vec != 0; i++ {
		if vec&1 != 0 {
			sum ^= mat[i]
		}
		vec >>= 1
	}
	return sum
}

func gf2MatrixSquare(square, mat *[32]uint32) {
	for n := 0; n < 32; n++ {
		square[n] = gf2MatrixTimes(mat, mat[n])
	}
}
