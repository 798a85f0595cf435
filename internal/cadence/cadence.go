// Package cadence holds the nudge interval table and the eligibility rule
// the nudge scanner applies to every candidate lead.
package cadence

// DefaultIntervals are the minutes of silence required before nudges 1 to 6.
var DefaultIntervals = []int{10, 10, 20, 20, 30, 30}

// DefaultFallback is the interval for every nudge past the table.
const DefaultFallback = 60

// Table maps a nudge number to the silence it requires.
type Table struct {
	intervals []int
	fallback  int
}

// New builds a table. Empty intervals or a non-positive fallback use the defaults.
func New(intervals []int, fallback int) Table {
	if len(intervals) == 0 {
		intervals = DefaultIntervals
	}
	if fallback <= 0 {
		fallback = DefaultFallback
	}
	cp := make([]int, len(intervals))
	copy(cp, intervals)
	return Table{intervals: cp, fallback: fallback}
}

// Default returns the standard cadence.
func Default() Table {
	return New(nil, 0)
}

// Interval returns the minutes required since the last outbound message
// before nudge n (1-based) may be sent.
func (t Table) Interval(n int) int {
	if n < 1 {
		n = 1
	}
	if n <= len(t.intervals) {
		return t.intervals[n-1]
	}
	return t.fallback
}

// Eligible reports whether a lead at step that has been silent for
// minutesSince is due, and which nudge it is due for.
func (t Table) Eligible(step, minutesSince int) (next int, ok bool) {
	if step < 0 {
		step = 0
	}
	next = step + 1
	return next, minutesSince >= t.Interval(next)
}

// Boundaries returns the cumulative minutes, counted from the first
// unanswered message, at which nudges 1..n fall when no reply arrives.
func (t Table) Boundaries(n int) []int {
	out := make([]int, 0, n)
	total := 0
	for i := 1; i <= n; i++ {
		total += t.Interval(i)
		out = append(out, total)
	}
	return out
}
