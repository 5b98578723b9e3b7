package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the size of the big-endian length prefix.
const HeaderLen = 4

var (
	ErrShortHeader   = errors.New("frame: short length prefix")
	ErrShortBody     = errors.New("frame: body shorter than declared length")
	ErrFrameTooLarge = errors.New("frame: declared length exceeds max message size")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxMessageSize uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxMessageSize: 1024 * 1024,
	}
}

// ReadFrame reads one length-prefixed body. A declared length above the limit
// is rejected before any body bytes are read.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	var prefix [HeaderLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, err
	}

	n, err := DecodeHeader(prefix[:])
	if err != nil {
		return nil, err
	}
	if limits.MaxMessageSize > 0 && n > limits.MaxMessageSize {
		return nil, fmt.Errorf("%w: declared=%d max=%d", ErrFrameTooLarge, n, limits.MaxMessageSize)
	}

	body := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return nil, ErrShortBody
			}
			return nil, err
		}
	}
	return body, nil
}

// WriteFrame writes prefix and body in a single Write call so that callers
// holding a per-connection lock emit whole frames.
func WriteFrame(w io.Writer, body []byte, limits Limits) error {
	buf, err := EncodeFrame(body, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func EncodeFrame(body []byte, limits Limits) ([]byte, error) {
	if uint64(len(body)) > uint64(^uint32(0)) {
		return nil, ErrFrameTooLarge
	}
	if limits.MaxMessageSize > 0 && uint32(len(body)) > limits.MaxMessageSize {
		return nil, fmt.Errorf("%w: body=%d max=%d", ErrFrameTooLarge, len(body), limits.MaxMessageSize)
	}
	buf := make([]byte, HeaderLen+len(body))
	copy(buf[:HeaderLen], EncodeHeader(uint32(len(body))))
	copy(buf[HeaderLen:], body)
	return buf, nil
}

func EncodeHeader(n uint32) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf, n)
	return buf
}

func DecodeHeader(b []byte) (uint32, error) {
	if len(b) != HeaderLen {
		return 0, fmt.Errorf("frame: invalid length prefix size: %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}
