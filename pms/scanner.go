package pms

import (
	"bufio"
	"io"

	"github.com/eddielth/airmesh/readings"
)

// Scanner pulls frames out of a raw serial byte stream, resynchronising on
// the start bytes after garbage or a failed frame.
type Scanner struct {
	r       *bufio.Reader
	dec     Decoder
	skipped int
}

// NewScanner wraps a byte source
func NewScanner(r io.Reader, dec Decoder) *Scanner {
	return &Scanner{
		r:   bufio.NewReaderSize(r, 4*FrameLength),
		dec: dec,
	}
}

// Next blocks until a frame is available and decodes it.
// Decode failures satisfy IsFrameError and the scanner stays usable;
// any other error comes from the underlying reader and is final.
func (s *Scanner) Next() (readings.Reading, error) {
	if err := s.align(); err != nil {
		return readings.Reading{}, err
	}

	frame, err := s.r.Peek(FrameLength)
	if err != nil {
		return readings.Reading{}, err
	}

	reading, err := s.dec.Decode(frame)
	if err != nil {
		// drop only the first start byte, a real header may sit inside this frame
		_, _ = s.r.Discard(1)
		s.skipped++
		return readings.Reading{}, err
	}

	_, _ = s.r.Discard(FrameLength)
	return reading, nil
}

// Skipped returns the number of bytes thrown away while resynchronising
func (s *Scanner) Skipped() int {
	return s.skipped
}

func (s *Scanner) align() error {
	for {
		b, err := s.r.Peek(2)
		if err != nil {
			return err
		}
		if b[0] == StartByte1 && b[1] == StartByte2 {
			return nil
		}
		_, _ = s.r.Discard(1)
		s.skipped++
	}
}
