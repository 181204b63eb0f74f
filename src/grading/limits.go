package grading

import "time"

// Limits is the negotiation layer that produces concrete sandbox/process
// limits from a problem's declared limits and a chosen profile (e.g.
// "strict", "relaxed-for-interpreted-languages"). Unlike process.Limits,
// every field is optional: a zero value means "use whatever the caller
// already had," not "unbounded."
type Limits struct {
	// TimeMillis overrides the time limit, in milliseconds.
	TimeMillis *int
	// MemoryMB overrides the memory limit, in MB.
	MemoryMB *int
	// OutputKB overrides the output limit, in KB.
	OutputKB *int
	// IsDoubleTL doubles the effective time limit for languages known to
	// need extra headroom (e.g. interpreted languages under a profile
	// tuned for compiled ones).
	IsDoubleTL bool
	// Profile records which named limit profile produced these values,
	// for diagnostics.
	Profile string
}

// ExpandedTimeLimit returns the effective time limit after applying
// IsDoubleTL, or nil if no time override is set.
func (l Limits) ExpandedTimeLimit() *time.Duration {
	if l.TimeMillis == nil {
		return nil
	}
	ms := *l.TimeMillis
	if l.IsDoubleTL {
		ms *= 2
	}
	d := time.Duration(ms) * time.Millisecond
	return &d
}
