// Package protocol implements the lock's encrypted datapoint protocol: frame
// encoding and decoding, datapoint payloads, device pushes and the GATT
// fragment layer.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed is the only error Decode reports. Checksum, padding, length,
// key and version failures are deliberately indistinguishable to callers.
var ErrMalformed = errors.New("protocol: malformed frame")

// Code identifies the operation carried by a frame.
type Code uint16

const (
	CodeDeviceInfo        Code = 0x0000
	CodePair              Code = 0x0001
	CodeSendDatapoints    Code = 0x0002
	CodeDeviceStatus      Code = 0x0003
	CodeReceiveDP         Code = 0x8001
	CodeReceiveTimeDP     Code = 0x8003
	CodeReceiveSignDP     Code = 0x8004
	CodeReceiveSignTimeDP Code = 0x8005
	CodeTime1Request      Code = 0x8011
	CodeTime2Request      Code = 0x8012
)

var codeNames = map[Code]string{
	CodeDeviceInfo:        "DEVICE_INFO",
	CodePair:              "PAIR",
	CodeSendDatapoints:    "SEND_DPS",
	CodeDeviceStatus:      "DEVICE_STATUS",
	CodeReceiveDP:         "RECEIVE_DP",
	CodeReceiveTimeDP:     "RECEIVE_TIME_DP",
	CodeReceiveSignDP:     "RECEIVE_SIGN_DP",
	CodeReceiveSignTimeDP: "RECEIVE_SIGN_TIME_DP",
	CodeTime1Request:      "TIME1_REQ",
	CodeTime2Request:      "TIME2_REQ",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", uint16(c))
}

// Known reports whether c is part of the supported protocol.
func (c Code) Known() bool {
	_, ok := codeNames[c]
	return ok
}

// SecurityFlag selects which key encrypts a frame.
type SecurityFlag uint8

const (
	SecurityAuth    SecurityFlag = 1
	SecurityLogin   SecurityFlag = 4
	SecuritySession SecurityFlag = 5
)

// Supported protocol versions (sent in the first fragment header).
const (
	MinVersion uint8 = 2
	MaxVersion uint8 = 3
)

// SupportedVersion reports whether v is a protocol version this codec speaks.
func SupportedVersion(v uint8) bool {
	return v >= MinVersion && v <= MaxVersion
}

const (
	headerSize = 12 // seq(4) + response_to(4) + code(2) + length(2)
	crcSize    = 2
	maxData    = 0xFFFF
)

// Frame is one decoded protocol message.
type Frame struct {
	Seq        uint32
	ResponseTo uint32 // 0 for requests and device pushes
	Code       Code
	Data       []byte
}

// IsResponse reports whether f answers an earlier frame.
func (f Frame) IsResponse() bool { return f.ResponseTo != 0 }

// Cipher is the block cipher used to protect frames. The vendor scheme is
// AES-128-CBC (see the crypto package); it is an interface so the scheme can
// be replaced and tested against captured traffic.
type Cipher interface {
	IVSize() int
	BlockSize() int
	Encrypt(key, plaintext []byte) (iv, ciphertext []byte, err error)
	Decrypt(key, iv, ciphertext []byte) ([]byte, error)
}

// Keyring resolves the key for a security flag. It returns nil when the key
// is not (yet) available.
type Keyring interface {
	Key(flag SecurityFlag) []byte
}

// Codec encodes and decodes frames with a given cipher.
type Codec struct {
	cipher Cipher
}

// NewCodec creates a Codec. Panics if cipher is nil (programmer error).
func NewCodec(cipher Cipher) *Codec {
	if cipher == nil {
		panic("protocol: NewCodec called with nil cipher")
	}
	return &Codec{cipher: cipher}
}

// Encode serializes, checksums, pads and encrypts f with key, returning
// security_flag || iv || ciphertext.
func (c *Codec) Encode(key []byte, flag SecurityFlag, f Frame) ([]byte, error) {
	if len(key) == 0 {
		return nil, errors.New("protocol: encode: missing key")
	}
	if len(f.Data) > maxData {
		return nil, fmt.Errorf("protocol: encode: data length %d exceeds %d", len(f.Data), maxData)
	}

	bs := c.cipher.BlockSize()
	raw := make([]byte, headerSize, paddedLen(headerSize+len(f.Data)+crcSize, bs))
	binary.BigEndian.PutUint32(raw[0:4], f.Seq)
	binary.BigEndian.PutUint32(raw[4:8], f.ResponseTo)
	binary.BigEndian.PutUint16(raw[8:10], uint16(f.Code))
	binary.BigEndian.PutUint16(raw[10:12], uint16(len(f.Data)))
	raw = append(raw, f.Data...)
	raw = binary.BigEndian.AppendUint16(raw, CRC16(raw))
	for len(raw)%bs != 0 {
		raw = append(raw, 0)
	}

	iv, ciphertext, err := c.cipher.Encrypt(key, raw)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}

	out := make([]byte, 0, 1+len(iv)+len(ciphertext))
	out = append(out, byte(flag))
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decode decrypts and validates a reassembled message. Every failure is
// reported as ErrMalformed.
func (c *Codec) Decode(keys Keyring, version uint8, buf []byte) (Frame, error) {
	if !SupportedVersion(version) {
		return Frame{}, ErrMalformed
	}
	ivSize, bs := c.cipher.IVSize(), c.cipher.BlockSize()
	if len(buf) < 1+ivSize+bs {
		return Frame{}, ErrMalformed
	}
	key := keys.Key(SecurityFlag(buf[0]))
	if key == nil {
		return Frame{}, ErrMalformed
	}
	iv := buf[1 : 1+ivSize]
	ciphertext := buf[1+ivSize:]
	if len(ciphertext)%bs != 0 {
		return Frame{}, ErrMalformed
	}

	raw, err := c.cipher.Decrypt(key, iv, ciphertext)
	if err != nil || len(raw) < headerSize+crcSize {
		return Frame{}, ErrMalformed
	}

	length := int(binary.BigEndian.Uint16(raw[10:12]))
	dataEnd := headerSize + length
	if len(raw) != paddedLen(dataEnd+crcSize, bs) {
		return Frame{}, ErrMalformed
	}
	if binary.BigEndian.Uint16(raw[dataEnd:dataEnd+crcSize]) != CRC16(raw[:dataEnd]) {
		return Frame{}, ErrMalformed
	}
	for _, b := range raw[dataEnd+crcSize:] {
		if b != 0 {
			return Frame{}, ErrMalformed
		}
	}

	data := make([]byte, length)
	copy(data, raw[headerSize:dataEnd])
	return Frame{
		Seq:        binary.BigEndian.Uint32(raw[0:4]),
		ResponseTo: binary.BigEndian.Uint32(raw[4:8]),
		Code:       Code(binary.BigEndian.Uint16(raw[8:10])),
		Data:       data,
	}, nil
}

func paddedLen(n, bs int) int {
	if r := n % bs; r != 0 {
		return n + bs - r
	}
	return n
}
