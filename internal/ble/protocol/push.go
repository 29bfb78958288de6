package protocol

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"time"
)

// Push is a parsed device-initiated datapoint report.
type Push struct {
	Code Code
	// Timestamp is the device-reported time, zero when the push has none.
	Timestamp time.Time
	// DPSeq and Flags are set for signed pushes and echoed in the ack.
	DPSeq      uint16
	Flags      uint8
	Datapoints []Datapoint
}

// Signed reports whether the push carries a datapoint sequence to echo.
func (p Push) Signed() bool {
	return p.Code == CodeReceiveSignDP || p.Code == CodeReceiveSignTimeDP
}

// IsPush reports whether code is a device-initiated datapoint report.
func IsPush(code Code) bool {
	switch code {
	case CodeReceiveDP, CodeReceiveTimeDP, CodeReceiveSignDP, CodeReceiveSignTimeDP:
		return true
	}
	return false
}

// IsTimeRequest reports whether code asks the host for the current time.
func IsTimeRequest(code Code) bool {
	return code == CodeTime1Request || code == CodeTime2Request
}

// ParsePush decodes the body of a datapoint push.
func ParsePush(code Code, data []byte) (Push, error) {
	p := Push{Code: code}
	pos := 0

	if p.Signed() {
		if len(data) < 3 {
			return Push{}, fmt.Errorf("%w: signed push too short", ErrMalformed)
		}
		p.DPSeq = binary.BigEndian.Uint16(data[0:2])
		p.Flags = data[2]
		pos = 3
	}

	if code == CodeReceiveTimeDP || code == CodeReceiveSignTimeDP {
		ts, n, err := parseTimestamp(data[pos:])
		if err != nil {
			return Push{}, err
		}
		p.Timestamp = ts
		pos += n
	}

	dps, err := UnmarshalDatapoints(data[pos:])
	if err != nil {
		return Push{}, err
	}
	p.Datapoints = dps
	return p, nil
}

// Ack returns the payload acknowledging p: the echoed sequence and flags for
// signed pushes, empty otherwise.
func (p Push) Ack() []byte {
	if !p.Signed() {
		return nil
	}
	ack := binary.BigEndian.AppendUint16(nil, p.DPSeq)
	return append(ack, p.Flags, 0)
}

// parseTimestamp reads a type-prefixed timestamp: type 0 is 13 ASCII digits
// of milliseconds, type 1 is a big-endian uint32 of seconds.
func parseTimestamp(data []byte) (time.Time, int, error) {
	if len(data) < 1 {
		return time.Time{}, 0, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	switch data[0] {
	case 0:
		if len(data) < 14 {
			return time.Time{}, 0, fmt.Errorf("%w: short millisecond timestamp", ErrMalformed)
		}
		ms, err := strconv.ParseInt(string(data[1:14]), 10, 64)
		if err != nil {
			return time.Time{}, 0, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
		}
		return time.UnixMilli(ms), 14, nil
	case 1:
		if len(data) < 5 {
			return time.Time{}, 0, fmt.Errorf("%w: short second timestamp", ErrMalformed)
		}
		return time.Unix(int64(binary.BigEndian.Uint32(data[1:5])), 0), 5, nil
	default:
		return time.Time{}, 0, fmt.Errorf("%w: timestamp type %d", ErrMalformed, data[0])
	}
}

// TimeResponse builds the answer to a device time request. TIME1 carries
// milliseconds as ASCII digits, TIME2 the broken-down local time; both end
// with the zone offset in hundredths of an hour.
func TimeResponse(code Code, now time.Time) ([]byte, error) {
	_, offset := now.Zone()
	tz := uint16(int16(offset / 36))

	switch code {
	case CodeTime1Request:
		buf := strconv.AppendInt(nil, now.UnixMilli(), 10)
		return binary.BigEndian.AppendUint16(buf, tz), nil
	case CodeTime2Request:
		// Weekday counts from Monday = 0 on the wire.
		weekday := (int(now.Weekday()) + 6) % 7
		buf := []byte{
			byte(now.Year() % 100),
			byte(now.Month()),
			byte(now.Day()),
			byte(now.Hour()),
			byte(now.Minute()),
			byte(now.Second()),
			byte(weekday),
		}
		return binary.BigEndian.AppendUint16(buf, tz), nil
	default:
		return nil, fmt.Errorf("protocol: %s is not a time request", code)
	}
}
