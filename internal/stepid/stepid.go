// Package stepid implements the wrapping 32-bit tick identifier used
// throughout the step pipeline. Every comparison between two StepId
// values must go through the helpers here; a raw `<` on the underlying
// uint32 breaks at the 32-bit rollover.
package stepid

// ID is a 32-bit wrapping monotonically increasing tick identifier.
// There is no wall-clock binding; comparisons use signed-delta
// semantics so the identifier survives overflow.
type ID uint32

// Delta returns a-b as a signed 32-bit difference, the basis for every
// wrapping comparison in this package.
func Delta(a, b ID) int32 {
	return int32(a - b)
}

// Before reports whether a precedes b in wrapping order: a < b iff
// (int32)(a-b) < 0.
func Before(a, b ID) bool {
	return Delta(a, b) < 0
}

// After reports whether a follows b in wrapping order.
func After(a, b ID) bool {
	return Delta(a, b) > 0
}

// BeforeOrEqual reports whether a precedes or equals b.
func BeforeOrEqual(a, b ID) bool {
	return Delta(a, b) <= 0
}

// AfterOrEqual reports whether a follows or equals b.
func AfterOrEqual(a, b ID) bool {
	return Delta(a, b) >= 0
}

// Add returns id advanced by n ticks, wrapping as needed. n may be negative.
func Add(id ID, n int32) ID {
	return ID(int32(id) + n)
}

// Distance returns the number of ticks from a to b, assuming b does not
// precede a. Callers on a known-valid forward range use this instead of
// raw subtraction so intent is explicit.
func Distance(a, b ID) uint32 {
	return uint32(Delta(b, a))
}
