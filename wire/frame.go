package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// HeaderSize is the length of a frame header: one flag byte followed by a
// big-endian uint32 payload length.
const HeaderSize = 5

// FlagCompressed marks a payload compressed with the stream's encoding.
const FlagCompressed byte = 1 << 0

// Header and trailer names.
const (
	HeaderEncoding = "Rpc-Encoding"
	HeaderTimeout  = "Rpc-Timeout"

	TrailerStatus  = "Rpc-Status"
	TrailerMessage = "Rpc-Message"
	TrailerDetails = "Rpc-Details"
)

// WriteFrame writes payload as one frame. When c is not Identity the
// payload is compressed and the compressed flag set.
func WriteFrame(w io.Writer, payload []byte, c Compressor) error {
	var flags byte
	if c != nil && c.Name() != EncodingIdentity {
		out, err := c.Compress(payload)
		if err != nil {
			return err
		}
		payload = out
		flags |= FlagCompressed
	}
	if uint64(len(payload)) > 1<<32-1 {
		return ErrTooLarge
	}
	var hdr [HeaderSize]byte
	hdr[0] = flags
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one frame from r. It returns io.EOF when r is exhausted
// exactly at a frame boundary and io.ErrUnexpectedEOF for a truncated
// frame. limit bounds the payload size before and after decompression;
// zero means no limit.
func ReadFrame(r io.Reader, c Compressor, limit int) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if limit > 0 && uint64(n) > uint64(limit) {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if hdr[0]&FlagCompressed == 0 {
		return payload, nil
	}
	if c == nil || c.Name() == EncodingIdentity {
		return nil, errors.New("wire: compressed frame without an encoding")
	}
	return c.Decompress(payload, limit)
}

// ParseTimeout parses an rpc-timeout header value such as "250ms" or
// "1.5s". Non-positive durations are rejected.
func ParseTimeout(v string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("wire: invalid timeout %q: %w", v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("wire: invalid timeout %q", v)
	}
	return d, nil
}

// FormatTimeout renders d for the rpc-timeout header.
func FormatTimeout(d time.Duration) string { return d.String() }
