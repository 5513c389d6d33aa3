package noise

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
)

const headerSize = 4

var (
	ErrInvalidRange   = errors.New("noise range must satisfy 0 <= min <= max <= 65535")
	ErrMalformedFrame = errors.New("malformed noise frame")
)

// Injector pads data with random bytes on both sides. The frame layout is
//
//	[u16 head][u16 tail][head noise][data][tail noise]
//
// with big-endian lengths, each drawn uniformly from [Min, Max].
type Injector struct {
	Min  int
	Max  int
	Rand io.Reader
}

func New(min, max int) (*Injector, error) {
	if min < 0 || max < min || max > math.MaxUint16 {
		return nil, ErrInvalidRange
	}
	return &Injector{Min: min, Max: max, Rand: rand.Reader}, nil
}

func (n *Injector) reader() io.Reader {
	if n.Rand == nil {
		return rand.Reader
	}
	return n.Rand
}

func (n *Injector) length() (int, error) {
	if n.Max == n.Min {
		return n.Min, nil
	}
	v, err := rand.Int(n.reader(), big.NewInt(int64(n.Max-n.Min+1)))
	if err != nil {
		return 0, fmt.Errorf("failed to draw noise length: %w", err)
	}
	return n.Min + int(v.Int64()), nil
}

// Wrap returns a new frame holding data between two runs of noise.
func (n *Injector) Wrap(data []byte) ([]byte, error) {
	if n.Min < 0 || n.Max < n.Min || n.Max > math.MaxUint16 {
		return nil, ErrInvalidRange
	}

	head, err := n.length()
	if err != nil {
		return nil, err
	}
	tail, err := n.length()
	if err != nil {
		return nil, err
	}

	out := make([]byte, headerSize+head+len(data)+tail)
	binary.BigEndian.PutUint16(out[0:2], uint16(head))
	binary.BigEndian.PutUint16(out[2:4], uint16(tail))

	body := out[headerSize:]
	if _, err := io.ReadFull(n.reader(), body[:head]); err != nil {
		return nil, fmt.Errorf("failed to read head noise: %w", err)
	}
	copy(body[head:], data)
	if _, err := io.ReadFull(n.reader(), body[head+len(data):]); err != nil {
		return nil, fmt.Errorf("failed to read tail noise: %w", err)
	}
	return out, nil
}

// Strip returns a copy of the data carried inside a frame produced by Wrap.
func Strip(frame []byte) ([]byte, error) {
	if len(frame) < headerSize {
		return nil, ErrMalformedFrame
	}
	head := int(binary.BigEndian.Uint16(frame[0:2]))
	tail := int(binary.BigEndian.Uint16(frame[2:4]))
	if headerSize+head+tail > len(frame) {
		return nil, ErrMalformedFrame
	}

	data := frame[headerSize+head : len(frame)-tail]
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Overhead is the number of bytes Wrap adds for the given noise lengths.
func Overhead(head, tail int) int {
	return headerSize + head + tail
}
