// Package counter reconciles 32-bit RADIUS octet counters with their
// gigaword overflow counters into exact 64-bit totals.
package counter

// Counter is the reconciled state of one traffic direction of a session.
type Counter struct {
	// Octets and Gigawords are the last raw values reported by the NAS.
	Octets    uint32 `json:"octets"`
	Gigawords uint32 `json:"gigawords"`

	// Total is Octets + Gigawords<<32. It restarts when the NAS resets its
	// counters.
	Total uint64 `json:"total"`

	// Carried accumulates the totals seen before each detected reset.
	Carried uint64 `json:"carried,omitempty"`
}

// Combine returns low + high * 2^32.
func Combine(low, high uint32) uint64 {
	return uint64(low) | uint64(high)<<32
}

// New returns the counter for a first observation.
func New(low, high uint32) Counter {
	return Counter{Octets: low, Gigawords: high, Total: Combine(low, high)}
}

// Update folds a new observation into c. It returns the next state, the
// number of bytes added since c, and whether the observation was a reset.
//
// A wrap (low decreases while gigawords increments) still yields a larger
// total. Any observation whose total is below the previous one is a reset
// on the NAS side: accumulation restarts from the new value and the old
// total moves to Carried, so the delta is never negative.
func (c Counter) Update(low, high uint32) (next Counter, delta uint64, reset bool) {
	total := Combine(low, high)
	next = Counter{Octets: low, Gigawords: high, Total: total, Carried: c.Carried}

	if total >= c.Total {
		return next, total - c.Total, false
	}

	next.Carried += c.Total
	return next, total, true
}

// Bytes returns every byte accounted to the session, including those
// counted before a reset.
func (c Counter) Bytes() uint64 {
	return c.Carried + c.Total
}

// Monotonic reports whether an observation is not below c.
func (c Counter) Monotonic(low, high uint32) bool {
	return Combine(low, high) >= c.Total
}

// Equal reports whether an observation matches the last raw values.
func (c Counter) Equal(low, high uint32) bool {
	return c.Octets == low && c.Gigawords == high
}
