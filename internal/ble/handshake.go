package ble

import (
	"fmt"

	blecrypto "github.com/chaz8081/gimdow-ble/internal/ble/crypto"
	"github.com/chaz8081/gimdow-ble/internal/ble/protocol"
)

// Credentials identify one lock. They are issued by the vendor cloud and do
// not change for the lifetime of a connection.
type Credentials struct {
	Address  string // BLE address (MAC, or peripheral UUID on macOS)
	UUID     string
	LocalKey string
	DeviceID string
}

// Validate checks that the credentials can drive a handshake.
func (c Credentials) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("ble: credentials: address is required")
	}
	if len(c.LocalKey) < blecrypto.LocalKeyPrefix {
		return fmt.Errorf("ble: credentials: %w", blecrypto.ErrShortLocalKey)
	}
	if len(c.UUID)+blecrypto.LocalKeyPrefix+len(c.DeviceID) > pairRequestSize {
		return fmt.Errorf("ble: credentials: uuid and device id exceed %d bytes", pairRequestSize-blecrypto.LocalKeyPrefix)
	}
	return nil
}

// KeySchedule derives the handshake keys from the local key. The vendor
// scheme is VendorKeys; it is an interface so it can be validated against
// captured traffic or replaced for other firmware.
type KeySchedule interface {
	LoginKey(localKey string) ([]byte, error)
	SessionKey(localKey string, srand []byte) ([]byte, error)
}

// VendorKeys is the MD5-based key schedule used by the lock firmware.
type VendorKeys struct{}

func (VendorKeys) LoginKey(localKey string) ([]byte, error) {
	return blecrypto.LoginKey(localKey)
}

func (VendorKeys) SessionKey(localKey string, srand []byte) ([]byte, error) {
	return blecrypto.SessionKey(localKey, srand)
}

func defaultCipher() protocol.Cipher { return blecrypto.CBC{} }

// DeviceInfo is what the lock reports in its device-info response.
type DeviceInfo struct {
	DeviceVersion   string
	ProtocolVersion string
	HardwareVersion string
	Protocol        uint8
	Flags           uint8
	Bound           bool
}

const (
	deviceInfoMinLen = 46
	srandLen         = 6
	pairRequestSize  = 44

	pairResultOK            = 0
	pairResultAlreadyPaired = 2
)

// parseDeviceInfo decodes the device-info response, returning the info, the
// random bytes for session key derivation and the auth key.
func parseDeviceInfo(data []byte) (DeviceInfo, []byte, []byte, error) {
	if len(data) < deviceInfoMinLen {
		return DeviceInfo{}, nil, nil, fmt.Errorf("device info: %w: length %d", protocol.ErrMalformed, len(data))
	}
	info := DeviceInfo{
		DeviceVersion:   fmt.Sprintf("%d.%d", data[0], data[1]),
		ProtocolVersion: fmt.Sprintf("%d.%d", data[2], data[3]),
		HardwareVersion: fmt.Sprintf("%d.%d", data[12], data[13]),
		Protocol:        data[2],
		Flags:           data[4],
		Bound:           data[5] != 0,
	}
	srand := append([]byte(nil), data[6:6+srandLen]...)
	authKey := append([]byte(nil), data[14:46]...)
	return info, srand, authKey, nil
}

// pairRequest builds uuid || local_key[:6] || device_id, zero-padded.
func pairRequest(c Credentials) ([]byte, error) {
	lk, err := blecrypto.TrimLocalKey(c.LocalKey)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, pairRequestSize)
	buf = append(buf, c.UUID...)
	buf = append(buf, lk...)
	buf = append(buf, c.DeviceID...)
	if len(buf) > pairRequestSize {
		return nil, fmt.Errorf("pair request is %d bytes, limit %d", len(buf), pairRequestSize)
	}
	for len(buf) < pairRequestSize {
		buf = append(buf, 0)
	}
	return buf, nil
}
