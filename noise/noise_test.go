package noise

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Range(t *testing.T) {
	testCases := []struct {
		name     string
		min, max int
		wantErr  bool
	}{
		{"zero noise", 0, 0, false},
		{"typical", 8, 64, false},
		{"upper bound", 0, 65535, false},
		{"negative min", -1, 4, true},
		{"max below min", 10, 4, true},
		{"max too large", 0, 65536, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.min, tc.max)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRange)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWrapStrip(t *testing.T) {
	inj, err := New(4, 32)
	require.NoError(t, err)

	for _, data := range [][]byte{
		[]byte("the quick brown fox"),
		{0x00},
		{},
		bytes.Repeat([]byte{0xAB}, 4096),
	} {
		frame, err := inj.Wrap(data)
		require.NoError(t, err)

		head := int(binary.BigEndian.Uint16(frame[0:2]))
		tail := int(binary.BigEndian.Uint16(frame[2:4]))
		assert.GreaterOrEqual(t, head, 4)
		assert.LessOrEqual(t, head, 32)
		assert.GreaterOrEqual(t, tail, 4)
		assert.LessOrEqual(t, tail, 32)
		assert.Len(t, frame, len(data)+Overhead(head, tail))

		got, err := Strip(frame)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, got))
	}
}

func TestWrap_FixedLength(t *testing.T) {
	inj, err := New(16, 16)
	require.NoError(t, err)

	frame, err := inj.Wrap([]byte("abc"))
	require.NoError(t, err)
	assert.Len(t, frame, 3+Overhead(16, 16))
}

func TestWrap_NoiseComesFromReader(t *testing.T) {
	inj := &Injector{Min: 2, Max: 2, Rand: bytes.NewReader(bytes.Repeat([]byte{0xEE}, 4))}

	frame, err := inj.Wrap([]byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x02, 0x00, 0x02, 0xEE, 0xEE, 0x01, 0xEE, 0xEE}, frame)
}

func TestWrap_ShortReader(t *testing.T) {
	inj := &Injector{Min: 8, Max: 8, Rand: bytes.NewReader([]byte{0x01})}
	_, err := inj.Wrap([]byte("data"))
	assert.Error(t, err)
}

func TestStrip_ReturnsCopy(t *testing.T) {
	inj, err := New(1, 1)
	require.NoError(t, err)

	frame, err := inj.Wrap([]byte("xyz"))
	require.NoError(t, err)

	got, err := Strip(frame)
	require.NoError(t, err)
	for i := range frame {
		frame[i] = 0
	}
	assert.Equal(t, []byte("xyz"), got)
}

func TestStrip_Malformed(t *testing.T) {
	testCases := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"short header", []byte{0x00, 0x01, 0x00}},
		{"head past end", []byte{0x00, 0x09, 0x00, 0x00, 0x01}},
		{"tail past end", []byte{0x00, 0x00, 0x00, 0x09, 0x01}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Strip(tc.frame)
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("Strip() error = %v, want ErrMalformedFrame", err)
			}
		})
	}
}
