// internal/ble/protocol/fragment.go
package protocol

import (
	"errors"
	"fmt"
)

// DefaultMTU is the GATT write size the lock accepts.
const DefaultMTU = 20

// MaxMessageSize is the largest encrypted message a frame can produce:
// security flag, 16-byte IV and the padded plaintext of a full frame.
const MaxMessageSize = 1 + 16 + (headerSize+maxData+crcSize+15)/16*16

var (
	// ErrBadFragment is returned for a fragment whose header cannot be parsed.
	ErrBadFragment = errors.New("protocol: bad fragment header")
	// ErrFragmentGap is returned when a fragment arrives out of order.
	ErrFragmentGap = errors.New("protocol: fragment out of sequence")
	// ErrFragmentOverrun is returned when fragments exceed the announced length.
	ErrFragmentOverrun = errors.New("protocol: fragments exceed announced length")
	// ErrStaleFragment reports that a new message started before the previous
	// one completed. The partial message was dropped.
	ErrStaleFragment = errors.New("protocol: partial message dropped")
)

// Message is one reassembled encrypted message.
type Message struct {
	Version uint8
	Payload []byte
}

// Fragment splits an encrypted message into MTU-sized GATT writes. Every
// fragment starts with a varint packet number; the first also carries the
// varint total length and the protocol version in the upper nibble.
func Fragment(payload []byte, mtu int, version uint8) ([][]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("protocol: fragment: empty payload")
	}
	if version > 0x0F {
		return nil, fmt.Errorf("protocol: fragment: version %d does not fit in a nibble", version)
	}

	var fragments [][]byte
	pos := 0
	for packet := uint64(0); pos < len(payload); packet++ {
		header := appendVarint(nil, packet)
		if packet == 0 {
			header = appendVarint(header, uint64(len(payload)))
			header = append(header, version<<4)
		}
		if len(header) > maxVarintBytes*2+1 {
			return nil, fmt.Errorf("protocol: fragment: payload of %d bytes needs too many packets", len(payload))
		}
		room := mtu - len(header)
		if room <= 0 {
			return nil, fmt.Errorf("protocol: fragment: mtu %d too small for header", mtu)
		}
		end := min(pos+room, len(payload))
		frag := make([]byte, 0, len(header)+end-pos)
		frag = append(frag, header...)
		frag = append(frag, payload[pos:end]...)
		fragments = append(fragments, frag)
		pos = end
	}
	return fragments, nil
}

// Reassembler rebuilds messages from notification fragments. It is not safe
// for concurrent use; the transport feeds it from a single goroutine.
type Reassembler struct {
	active   bool
	next     uint64
	total    int
	version  uint8
	received []byte
}

// Feed consumes one fragment. When ok is true msg holds a complete message.
// A non-nil err describes a dropped fragment or message and is not fatal; it
// can accompany ok when a new single-fragment message replaced a partial one.
func (r *Reassembler) Feed(chunk []byte) (msg Message, ok bool, err error) {
	packet, n, verr := readVarint(chunk)
	if verr != nil {
		r.Reset()
		return Message{}, false, ErrBadFragment
	}
	pos := n

	switch {
	case packet == 0:
		if r.active {
			err = ErrStaleFragment
		}
		total, n, verr := readVarint(chunk[pos:])
		if verr != nil || pos+n >= len(chunk) {
			r.Reset()
			return Message{}, false, ErrBadFragment
		}
		if total == 0 || total > MaxMessageSize {
			r.Reset()
			return Message{}, false, fmt.Errorf("%w: announced length %d", ErrBadFragment, total)
		}
		pos += n
		r.active = true
		r.next = 1
		r.total = int(total)
		r.version = chunk[pos] >> 4
		r.received = nil
		pos++
	case r.active && packet == r.next:
		r.next++
	default:
		r.Reset()
		return Message{}, false, fmt.Errorf("%w: got packet %d", ErrFragmentGap, packet)
	}

	r.received = append(r.received, chunk[pos:]...)
	switch {
	case len(r.received) > r.total:
		r.Reset()
		return Message{}, false, ErrFragmentOverrun
	case len(r.received) == r.total:
		msg = Message{Version: r.version, Payload: r.received}
		r.received = nil
		r.Reset()
		return msg, true, err
	}
	return Message{}, false, err
}

// Reset discards any partial message.
func (r *Reassembler) Reset() {
	r.active = false
	r.next = 0
	r.total = 0
	r.version = 0
	r.received = nil
}

// InProgress reports whether a partial message is buffered.
func (r *Reassembler) InProgress() bool { return r.active }
