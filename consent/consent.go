// Package consent provides the consent-period check applied before a
// patient-scoped resource is cached. Consent is expressed as a possibly
// non-continuous set of time periods during which data use is permitted;
// a resource whose clinical date falls outside every period is rejected.
package consent

import (
	"sort"
	"time"
)

// Period is a closed time interval. A zero End means open-ended.
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls within the period.
func (p Period) Contains(t time.Time) bool {
	if t.Before(p.Start) {
		return false
	}
	if p.End.IsZero() {
		return true
	}
	return !t.After(p.End)
}

// Overlaps reports whether the two periods share any instant.
func (p Period) Overlaps(o Period) bool {
	if !p.End.IsZero() && o.Start.After(p.End) {
		return false
	}
	if !o.End.IsZero() && p.Start.After(o.End) {
		return false
	}
	return true
}

// merge returns the union of two overlapping periods.
func (p Period) merge(o Period) Period {
	out := Period{Start: p.Start, End: p.End}
	if o.Start.Before(out.Start) {
		out.Start = o.Start
	}
	if out.End.IsZero() || o.End.IsZero() {
		out.End = time.Time{}
	} else if o.End.After(out.End) {
		out.End = o.End
	}
	return out
}

// NonContinuousPeriod is a normalized union of consent periods: sorted by
// start, non-overlapping.
type NonContinuousPeriod []Period

// Of builds a NonContinuousPeriod from arbitrary periods, merging
// overlaps.
func Of(periods ...Period) NonContinuousPeriod {
	if len(periods) == 0 {
		return nil
	}
	sorted := make([]Period, len(periods))
	copy(sorted, periods)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	out := NonContinuousPeriod{sorted[0]}
	for _, p := range sorted[1:] {
		last := &out[len(out)-1]
		if last.Overlaps(p) {
			*last = last.merge(p)
		} else {
			out = append(out, p)
		}
	}
	return out
}

// IsEmpty reports whether no consent period exists.
func (n NonContinuousPeriod) IsEmpty() bool { return len(n) == 0 }

// Contains reports whether t falls within any consented period.
func (n NonContinuousPeriod) Contains(t time.Time) bool {
	for _, p := range n {
		if p.Contains(t) {
			return true
		}
	}
	return false
}

// Covers reports whether the whole of p lies within a single consented
// period.
func (n NonContinuousPeriod) Covers(p Period) bool {
	for _, c := range n {
		if !p.Start.Before(c.Start) {
			if c.End.IsZero() {
				return true
			}
			if !p.End.IsZero() && !p.End.After(c.End) {
				return true
			}
		}
	}
	return false
}
