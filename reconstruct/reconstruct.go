package reconstruct

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/InsulaLabs/ephemera/fragment"
)

var ErrNoFragments = errors.New("no fragments supplied")

// ErrQuorumNotMet is returned when fewer valid fragments remain than the
// quorum requires.
type ErrQuorumNotMet struct {
	Have int
	Need int
}

func (e *ErrQuorumNotMet) Error() string {
	return fmt.Sprintf("quorum not met: have %d valid fragments, need %d", e.Have, e.Need)
}

// ErrCoverageGap is returned when no valid fragment covers [Start, End).
type ErrCoverageGap struct {
	Start int
	End   int
}

func (e *ErrCoverageGap) Error() string {
	return fmt.Sprintf("payload bytes [%d, %d) are not covered by any valid fragment", e.Start, e.End)
}

// ErrOverlapConflict is returned when two fragments disagree about the
// bytes they share.
type ErrOverlapConflict struct {
	Offset int
	Index  int
}

func (e *ErrOverlapConflict) Error() string {
	return fmt.Sprintf("fragment %d disagrees with its predecessor at offset %d", e.Index, e.Offset)
}

type Options struct {
	// Quorum is the minimum number of valid fragments. Zero or less means
	// every fragment of the payload.
	Quorum int
	Now    time.Time
}

type Report struct {
	Used      int
	Expired   int
	Corrupt   int
	Foreign   int
	Duplicate int
	Need      int
	Gap       *ErrCoverageGap
}

type identity struct {
	payloadID string
	size      int
	total     int
}

func identityOf(f fragment.Fragment) identity {
	return identity{payloadID: f.PayloadID, size: f.PayloadSize, total: f.Total}
}

// majority picks the payload identity carried by the most fragments. Ties go
// to the identity seen first.
func majority(frags []fragment.Fragment) identity {
	counts := make(map[identity]int)
	var order []identity
	for _, f := range frags {
		id := identityOf(f)
		if counts[id] == 0 {
			order = append(order, id)
		}
		counts[id]++
	}

	best := order[0]
	for _, id := range order[1:] {
		if counts[id] > counts[best] {
			best = id
		}
	}
	return best
}

// Reassemble rebuilds a payload from the non-expired, checksum-valid
// fragments in frags. The fragments may arrive in any order.
func Reassemble(frags []fragment.Fragment, opts Options) ([]byte, Report, error) {
	var report Report
	if len(frags) == 0 {
		return nil, report, ErrNoFragments
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	candidates := make([]fragment.Fragment, 0, len(frags))
	for _, f := range frags {
		if f.Expired(now) {
			report.Expired++
			continue
		}
		if !f.Verify() {
			report.Corrupt++
			continue
		}
		candidates = append(candidates, f)
	}

	need := opts.Quorum
	if len(candidates) == 0 {
		if need <= 0 {
			need = frags[0].Total
		}
		report.Need = need
		return nil, report, &ErrQuorumNotMet{Have: 0, Need: need}
	}

	target := majority(candidates)
	if need <= 0 {
		need = target.total
	}
	report.Need = need

	byIndex := make(map[int]bool)
	valid := make([]fragment.Fragment, 0, len(candidates))
	for _, f := range candidates {
		if identityOf(f) != target {
			report.Foreign++
			continue
		}
		if f.Index < 0 || f.Index >= target.total || f.Offset < 0 || f.End() > target.size {
			report.Corrupt++
			continue
		}
		if byIndex[f.Index] {
			report.Duplicate++
			continue
		}
		byIndex[f.Index] = true
		valid = append(valid, f)
	}

	if len(valid) < need {
		return nil, report, &ErrQuorumNotMet{Have: len(valid), Need: need}
	}

	sort.Slice(valid, func(i, j int) bool {
		if valid[i].Offset == valid[j].Offset {
			return valid[i].Index < valid[j].Index
		}
		return valid[i].Offset < valid[j].Offset
	})

	out := make([]byte, target.size)
	cursor := 0
	for _, f := range valid {
		if f.Offset > cursor {
			report.Gap = &ErrCoverageGap{Start: cursor, End: f.Offset}
			return nil, report, report.Gap
		}

		shared := min(cursor, f.End()) - f.Offset
		if shared > 0 && !bytes.Equal(out[f.Offset:f.Offset+shared], f.Data[:shared]) {
			at := f.Offset
			for i := 0; i < shared; i++ {
				if out[f.Offset+i] != f.Data[i] {
					at = f.Offset + i
					break
				}
			}
			return nil, report, &ErrOverlapConflict{Offset: at, Index: f.Index}
		}

		if f.End() > cursor {
			copy(out[cursor:], f.Data[cursor-f.Offset:])
			cursor = f.End()
		}
		report.Used++
	}

	if cursor < target.size {
		report.Gap = &ErrCoverageGap{Start: cursor, End: target.size}
		return nil, report, report.Gap
	}
	return out, report, nil
}
