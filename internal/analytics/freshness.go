package analytics

import (
	"time"
)

// IsFreshForToday reports whether lastFetchedISO falls on the same calendar
// day as now, both read in loc. Empty or unparsable input is never fresh.
func IsFreshForToday(lastFetchedISO string, loc *time.Location, now time.Time) bool {
	if lastFetchedISO == "" {
		return false
	}
	if loc == nil {
		loc = time.UTC
	}

	fetched, err := time.Parse(time.RFC3339Nano, lastFetchedISO)
	if err != nil {
		return false
	}

	fy, fm, fd := fetched.In(loc).Date()
	ny, nm, nd := now.In(loc).Date()
	return fy == ny && fm == nm && fd == nd
}

// Policy binds the freshness rule to a timezone and a clock.
type Policy struct {
	Location *time.Location
	Now      func() time.Time
}

// NewPolicy returns a policy using the wall clock.
func NewPolicy(loc *time.Location) Policy {
	return Policy{Location: loc, Now: time.Now}
}

func (p Policy) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

// IsFresh applies IsFreshForToday at the policy's current time.
func (p Policy) IsFresh(lastFetchedISO string) bool {
	return IsFreshForToday(lastFetchedISO, p.Location, p.now())
}

// Today returns the current time in the policy's location.
func (p Policy) Today() time.Time {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	return p.now().In(loc)
}
