package protocol

import (
	"encoding/binary"
	"errors"
)

// maxVarintBytes bounds fragment header varints; the lock never sends more.
const maxVarintBytes = 4

var errInvalidVarint = errors.New("protocol: invalid varint")

// appendVarint appends v as 7-bit little-endian groups with a continuation bit.
func appendVarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// readVarint reads a varint from data, returning value and bytes consumed.
func readVarint(data []byte) (uint64, int, error) {
	val, n := binary.Uvarint(data)
	if n <= 0 || n > maxVarintBytes {
		return 0, 0, errInvalidVarint
	}
	return val, n, nil
}
