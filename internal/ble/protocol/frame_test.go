package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/chaz8081/gimdow-ble/internal/ble/crypto"
)

type testKeys map[SecurityFlag][]byte

func (k testKeys) Key(flag SecurityFlag) []byte { return k[flag] }

func newTestKeys(t *testing.T) testKeys {
	t.Helper()
	login, err := crypto.LoginKey("a1b2c3d4e5f6g7h8")
	if err != nil {
		t.Fatal(err)
	}
	session, err := crypto.SessionKey("a1b2c3d4e5f6g7h8", []byte{9, 8, 7, 6, 5, 4})
	if err != nil {
		t.Fatal(err)
	}
	return testKeys{SecurityLogin: login, SecuritySession: session}
}

func TestCRC16Modbus(t *testing.T) {
	if got := CRC16([]byte("123456789")); got != 0x4B37 {
		t.Errorf("CRC16(check) = %#04x, want 0x4b37", got)
	}
	if got := CRC16(nil); got != 0xFFFF {
		t.Errorf("CRC16(nil) = %#04x, want 0xffff", got)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	keys := newTestKeys(t)
	codec := NewCodec(crypto.CBC{})

	tests := []struct {
		name  string
		flag  SecurityFlag
		frame Frame
	}{
		{"empty data", SecurityLogin, Frame{Seq: 1, Code: CodeDeviceInfo}},
		{"response", SecuritySession, Frame{Seq: 7, ResponseTo: 3, Code: CodeSendDatapoints, Data: []byte{0}}},
		{"exactly one block of data", SecuritySession, Frame{Seq: 2, Code: CodeSendDatapoints, Data: bytes.Repeat([]byte{0xAB}, 16)}},
		{"header and crc fill a block", SecuritySession, Frame{Seq: 3, Code: CodePair, Data: []byte{1, 2}}},
		{"large", SecuritySession, Frame{Seq: 0xFFFFFFFF, ResponseTo: 0xFFFFFFFE, Code: CodeReceiveDP, Data: bytes.Repeat([]byte{0x5A}, 300)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := codec.Encode(keys[tt.flag], tt.flag, tt.frame)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if SecurityFlag(buf[0]) != tt.flag {
				t.Errorf("security flag = %d, want %d", buf[0], tt.flag)
			}
			if (len(buf)-17)%16 != 0 {
				t.Errorf("ciphertext length %d not block aligned", len(buf)-17)
			}
			got, err := codec.Decode(keys, 3, buf)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got.Seq != tt.frame.Seq || got.ResponseTo != tt.frame.ResponseTo || got.Code != tt.frame.Code {
				t.Errorf("Decode() header = %+v, want %+v", got, tt.frame)
			}
			if !bytes.Equal(got.Data, tt.frame.Data) {
				t.Errorf("Decode() data = %x, want %x", got.Data, tt.frame.Data)
			}
		})
	}
}

func TestDecodeRejectsTampering(t *testing.T) {
	keys := newTestKeys(t)
	codec := NewCodec(crypto.CBC{})
	buf, err := codec.Encode(keys[SecuritySession], SecuritySession, Frame{Seq: 5, Code: CodeSendDatapoints, Data: []byte{46, 1, 1, 1}})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	// A flipped flag selects the wrong key, a flipped IV bit flips one
	// plaintext bit, and a flipped ciphertext byte garbles a whole block.
	for i := 0; i < len(buf); i++ {
		bad := append([]byte(nil), buf...)
		bad[i] ^= 0x01
		if _, err := codec.Decode(keys, 3, bad); !errors.Is(err, ErrMalformed) {
			t.Errorf("flip byte %d: Decode() error = %v, want ErrMalformed", i, err)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	keys := newTestKeys(t)
	codec := NewCodec(crypto.CBC{})
	good, err := codec.Encode(keys[SecuritySession], SecuritySession, Frame{Seq: 1, Code: CodeDeviceStatus})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	unknownFlag := append([]byte(nil), good...)
	unknownFlag[0] = 9

	// Encrypted with the login key but labeled as session.
	wrongKey, err := codec.Encode(keys[SecurityLogin], SecuritySession, Frame{Seq: 1, Code: CodeDeviceStatus})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	tests := []struct {
		name    string
		version uint8
		buf     []byte
	}{
		{"empty", 3, nil},
		{"flag only", 3, good[:1]},
		{"no ciphertext", 3, good[:17]},
		{"truncated block", 3, good[:len(good)-1]},
		{"unknown security flag", 3, unknownFlag},
		{"wrong key", 3, wrongKey},
		{"unsupported version", 4, good},
		{"version one", 1, good},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := codec.Decode(keys, tt.version, tt.buf); !errors.Is(err, ErrMalformed) {
				t.Errorf("Decode() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestDecodeMissingSessionKey(t *testing.T) {
	keys := newTestKeys(t)
	codec := NewCodec(crypto.CBC{})
	buf, err := codec.Encode(keys[SecuritySession], SecuritySession, Frame{Seq: 1, Code: CodeDeviceStatus})
	if err != nil {
		t.Fatal(err)
	}
	loginOnly := testKeys{SecurityLogin: keys[SecurityLogin]}
	if _, err := codec.Decode(loginOnly, 3, buf); !errors.Is(err, ErrMalformed) {
		t.Errorf("Decode() error = %v, want ErrMalformed", err)
	}
}

func TestEncodeErrors(t *testing.T) {
	codec := NewCodec(crypto.CBC{})
	if _, err := codec.Encode(nil, SecuritySession, Frame{}); err == nil {
		t.Error("Encode() with no key should fail")
	}
	keys := newTestKeys(t)
	big := Frame{Data: make([]byte, 0x10000)}
	if _, err := codec.Encode(keys[SecuritySession], SecuritySession, big); err == nil {
		t.Error("Encode() with oversized data should fail")
	}
}

func TestCodeString(t *testing.T) {
	if got := CodeSendDatapoints.String(); got != "SEND_DPS" {
		t.Errorf("String() = %q", got)
	}
	if got := Code(0x1234).String(); got != "0x1234" {
		t.Errorf("String() = %q", got)
	}
	if Code(0x1234).Known() {
		t.Error("0x1234 should not be known")
	}
}
