package reconstruct

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/InsulaLabs/ephemera/fragment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func split(t *testing.T, payload []byte, count int, overlap float64) []fragment.Fragment {
	t.Helper()
	frags, err := fragment.Split("payload-1", payload, fragment.Options{
		Count:          count,
		OverlapPercent: overlap,
		TTL:            time.Minute,
		Now:            func() time.Time { return epoch },
	})
	require.NoError(t, err)
	return frags
}

func payload(n int) []byte {
	b := make([]byte, n)
	r := rand.New(rand.NewSource(42))
	r.Read(b)
	return b
}

func TestReassemble_RoundTrip(t *testing.T) {
	testCases := []struct {
		name    string
		size    int
		count   int
		overlap float64
	}{
		{"tiny", 1, 1, 0},
		{"no overlap", 1000, 7, 0},
		{"ten percent", 1000, 7, 10},
		{"quarter", 4097, 12, 25},
		{"full", 333, 5, 100},
		{"more fragments than bytes", 5, 9, 20},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			src := payload(tc.size)
			frags := split(t, src, tc.count, tc.overlap)

			rand.New(rand.NewSource(7)).Shuffle(len(frags), func(i, j int) {
				frags[i], frags[j] = frags[j], frags[i]
			})

			got, report, err := Reassemble(frags, Options{Now: epoch})
			require.NoError(t, err)
			assert.Equal(t, src, got)
			assert.Equal(t, len(frags), report.Used)
			assert.Equal(t, len(frags), report.Need)
		})
	}
}

func TestReassemble_Expired(t *testing.T) {
	frags := split(t, payload(100), 4, 20)

	t.Run("all expired at expiry timestamp", func(t *testing.T) {
		_, report, err := Reassemble(frags, Options{Now: frags[0].ExpiresAt})
		var quorumErr *ErrQuorumNotMet
		require.True(t, errors.As(err, &quorumErr), "got %v", err)
		assert.Equal(t, 0, quorumErr.Have)
		assert.Equal(t, 4, quorumErr.Need)
		assert.Equal(t, 4, report.Expired)
	})

	t.Run("one expired breaks default quorum", func(t *testing.T) {
		mixed := append([]fragment.Fragment(nil), frags...)
		mixed[2].ExpiresAt = epoch
		_, report, err := Reassemble(mixed, Options{Now: epoch})
		var quorumErr *ErrQuorumNotMet
		require.True(t, errors.As(err, &quorumErr))
		assert.Equal(t, 3, quorumErr.Have)
		assert.Equal(t, 1, report.Expired)
	})
}

func TestReassemble_QuorumBelowTotal(t *testing.T) {
	// With full overlap on equal spans, an inner fragment is covered by its
	// neighbours and may be lost.
	src := payload(90)
	frags := split(t, src, 3, 100)

	remaining := []fragment.Fragment{frags[0], frags[2]}
	got, report, err := Reassemble(remaining, Options{Quorum: 2, Now: epoch})
	require.NoError(t, err)
	assert.Equal(t, src, got)
	assert.Equal(t, 2, report.Used)

	// Losing the first fragment leaves the head uncovered even though the
	// quorum is satisfied.
	_, report, err = Reassemble([]fragment.Fragment{frags[1], frags[2]}, Options{Quorum: 2, Now: epoch})
	var gapErr *ErrCoverageGap
	require.True(t, errors.As(err, &gapErr), "got %v", err)
	assert.Equal(t, 0, gapErr.Start)
	assert.Equal(t, frags[1].Offset, gapErr.End)
	assert.Equal(t, gapErr, report.Gap)
}

func TestReassemble_CoverageGapInMiddle(t *testing.T) {
	frags := split(t, payload(100), 4, 10)
	remaining := []fragment.Fragment{frags[0], frags[1], frags[3]}

	_, _, err := Reassemble(remaining, Options{Quorum: 3, Now: epoch})
	var gapErr *ErrCoverageGap
	require.True(t, errors.As(err, &gapErr), "got %v", err)
	assert.Equal(t, frags[1].End(), gapErr.Start)
	assert.Equal(t, frags[3].Offset, gapErr.End)
}

func TestReassemble_CoverageGapAtTail(t *testing.T) {
	frags := split(t, payload(100), 4, 10)

	_, _, err := Reassemble(frags[:3], Options{Quorum: 3, Now: epoch})
	var gapErr *ErrCoverageGap
	require.True(t, errors.As(err, &gapErr), "got %v", err)
	assert.Equal(t, 100, gapErr.End)
}

func TestReassemble_CorruptFragmentsDropped(t *testing.T) {
	frags := split(t, payload(64), 4, 25)
	frags[1].Data = append([]byte(nil), frags[1].Data...)
	frags[1].Data[0] ^= 0xFF

	_, report, err := Reassemble(frags, Options{Now: epoch})
	var quorumErr *ErrQuorumNotMet
	require.True(t, errors.As(err, &quorumErr))
	assert.Equal(t, 1, report.Corrupt)
}

func TestReassemble_OverlapConflict(t *testing.T) {
	frags := split(t, payload(100), 4, 20)

	// A fragment that verifies against its own checksum but disagrees with
	// its neighbour inside the shared range.
	forged := frags[1]
	forged.Data = append([]byte(nil), forged.Data...)
	forged.Data[0] ^= 0x01
	forged.Checksum = fragment.Checksum(forged.Data)
	frags[1] = forged

	_, _, err := Reassemble(frags, Options{Now: epoch})
	var conflict *ErrOverlapConflict
	require.True(t, errors.As(err, &conflict), "got %v", err)
	assert.Equal(t, forged.Offset, conflict.Offset)
	assert.Equal(t, 1, conflict.Index)
}

func TestReassemble_ForeignAndDuplicate(t *testing.T) {
	src := payload(50)
	frags := split(t, src, 5, 10)

	other, err := fragment.Split("payload-2", payload(70), fragment.Options{Count: 5, TTL: time.Minute, Now: func() time.Time { return epoch }})
	require.NoError(t, err)

	input := append(append([]fragment.Fragment(nil), frags...), other[0], frags[2])
	got, report, err := Reassemble(input, Options{Now: epoch})
	require.NoError(t, err)
	assert.Equal(t, src, got)
	assert.Equal(t, 1, report.Foreign)
	assert.Equal(t, 1, report.Duplicate)
}

func TestReassemble_NoFragments(t *testing.T) {
	_, _, err := Reassemble(nil, Options{})
	assert.ErrorIs(t, err, ErrNoFragments)
}

func TestReassemble_QuorumAboveTotal(t *testing.T) {
	frags := split(t, payload(10), 2, 0)
	_, _, err := Reassemble(frags, Options{Quorum: 3, Now: epoch})
	var quorumErr *ErrQuorumNotMet
	require.True(t, errors.As(err, &quorumErr))
	assert.Equal(t, 3, quorumErr.Need)
}
