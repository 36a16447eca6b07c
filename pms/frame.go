// Package pms decodes the 32-byte frames a Plantower PMS7003 emits on its UART.
//
// Frame layout (big-endian 16-bit words):
//
//	[0:2]   start bytes 0x42 0x4D ("BM")
//	[2:4]   frame length (28)
//	[10:12] PM1.0
//	[12:14] PM2.5
//	[14:16] PM10.0
//	[16:18] temperature
//	[18:20] humidity
//	[30:32] checksum, sum of bytes [0:30]
//
// Values are passed through in raw sensor units.
package pms

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/eddielth/airmesh/readings"
)

const (
	// FrameLength is the fixed size of a PMS7003 frame
	FrameLength = 32

	StartByte1 = 0x42
	StartByte2 = 0x4D

	checksumOffset = 30
)

var (
	ErrInvalidLength    = errors.New("invalid frame length")
	ErrInvalidHeader    = errors.New("invalid frame header")
	ErrChecksumMismatch = errors.New("frame checksum mismatch")
)

// IsFrameError reports whether err is a recoverable decode failure
func IsFrameError(err error) bool {
	return errors.Is(err, ErrInvalidLength) ||
		errors.Is(err, ErrInvalidHeader) ||
		errors.Is(err, ErrChecksumMismatch)
}

// Decoder turns frames into readings. The zero value verifies checksums.
type Decoder struct {
	// SkipChecksum disables checksum verification, matching sensors wired
	// through adapters that mangle the trailer
	SkipChecksum bool
	// Now stamps decoded readings; defaults to time.Now
	Now func() time.Time
}

// Decode validates and decodes a single frame. Nothing is returned on failure.
func (d Decoder) Decode(frame []byte) (readings.Reading, error) {
	if len(frame) != FrameLength {
		return readings.Reading{}, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidLength, len(frame), FrameLength)
	}
	if frame[0] != StartByte1 || frame[1] != StartByte2 {
		return readings.Reading{}, fmt.Errorf("%w: %02x %02x", ErrInvalidHeader, frame[0], frame[1])
	}
	if !d.SkipChecksum {
		want := binary.BigEndian.Uint16(frame[checksumOffset:])
		if got := Checksum(frame); got != want {
			return readings.Reading{}, fmt.Errorf("%w: frame=%04x computed=%04x", ErrChecksumMismatch, want, got)
		}
	}

	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	return readings.Reading{
		PM1_0:       binary.BigEndian.Uint16(frame[10:12]),
		PM2_5:       binary.BigEndian.Uint16(frame[12:14]),
		PM10_0:      binary.BigEndian.Uint16(frame[14:16]),
		Temperature: float64(binary.BigEndian.Uint16(frame[16:18])),
		Humidity:    float64(binary.BigEndian.Uint16(frame[18:20])),
		Timestamp:   now(),
	}, nil
}

// Decode decodes a frame with checksum verification
func Decode(frame []byte) (readings.Reading, error) {
	return Decoder{}.Decode(frame)
}

// Checksum sums bytes [0:30] with uint16 wrap-around. frame must hold at least 30 bytes.
func Checksum(frame []byte) uint16 {
	var sum uint16
	for _, b := range frame[:checksumOffset] {
		sum += uint16(b)
	}
	return sum
}

// EncodeFrame builds a valid frame carrying r. Temperature and humidity are
// truncated to uint16. Used by tests and the sensor simulator.
func EncodeFrame(r readings.Reading) []byte {
	frame := make([]byte, FrameLength)
	frame[0] = StartByte1
	frame[1] = StartByte2
	binary.BigEndian.PutUint16(frame[2:], FrameLength-4)
	binary.BigEndian.PutUint16(frame[10:], r.PM1_0)
	binary.BigEndian.PutUint16(frame[12:], r.PM2_5)
	binary.BigEndian.PutUint16(frame[14:], r.PM10_0)
	binary.BigEndian.PutUint16(frame[16:], uint16(r.Temperature))
	binary.BigEndian.PutUint16(frame[18:], uint16(r.Humidity))
	binary.BigEndian.PutUint16(frame[checksumOffset:], Checksum(frame))
	return frame
}
