package shaper

import "errors"

// errInvariantViolation is returned when an alloc report claims more than
// was ever requested, which should be impossible under a correct arbiter.
var errInvariantViolation = errors.New("shaper: alloc report exceeds requested count")
