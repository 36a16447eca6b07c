package pms

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scanResult struct {
	pm25 uint16
	err  error
}

func scanAll(t *testing.T, stream []byte) ([]scanResult, *Scanner) {
	t.Helper()
	s := NewScanner(bytes.NewReader(stream), Decoder{})
	var out []scanResult
	for i := 0; i < 100; i++ {
		r, err := s.Next()
		if err == io.EOF {
			return out, s
		}
		out = append(out, scanResult{pm25: r.PM2_5, err: err})
		if err != nil && !IsFrameError(err) {
			return out, s
		}
	}
	t.Fatal("scanner did not reach EOF")
	return nil, nil
}

func TestScannerCleanStream(t *testing.T) {
	frame := mustHex(t, frameSample)
	stream := append(append([]byte{}, frame...), frame...)
	results, s := scanAll(t, stream)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.err)
		assert.Equal(t, uint16(10), r.pm25)
	}
	assert.Equal(t, 0, s.Skipped())
}

func TestScannerResyncAfterGarbage(t *testing.T) {
	stream := append(mustHex(t, "00ff42"), mustHex(t, frameSample)...)
	results, s := scanAll(t, stream)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].err)
	assert.Equal(t, 3, s.Skipped())
}

func TestScannerResyncAfterCorruptFrame(t *testing.T) {
	// truncated frame whose tail is followed by a good frame: the scanner must
	// not swallow the good frame's header along with the broken one
	broken := mustHex(t, frameSample)[:20]
	stream := append(append([]byte{}, broken...), mustHex(t, frameSample)...)
	results, _ := scanAll(t, stream)
	require.NotEmpty(t, results)
	assert.ErrorIs(t, results[0].err, ErrChecksumMismatch)
	last := results[len(results)-1]
	assert.NoError(t, last.err)
	assert.Equal(t, uint16(10), last.pm25)
}

func TestScannerBadChecksumThenGood(t *testing.T) {
	stream := append(mustHex(t, frameBadSum), mustHex(t, frameSample)...)
	results, _ := scanAll(t, stream)
	require.Len(t, results, 2)
	assert.ErrorIs(t, results[0].err, ErrChecksumMismatch)
	assert.NoError(t, results[1].err)
}

func TestScannerPartialFrameAtEOF(t *testing.T) {
	s := NewScanner(bytes.NewReader(mustHex(t, frameSample)[:31]), Decoder{})
	_, err := s.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, IsFrameError(err))
}
