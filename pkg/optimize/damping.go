package optimize

import "math"

// Decision is the outcome of one pair of trial steps.
type Decision int

const (
	// Rejected means both trial steps raised the error
	Rejected Decision = iota

	// AcceptedFirst keeps the step taken at the current damping
	AcceptedFirst

	// AcceptedSecond keeps the step taken at damping·ddamp
	AcceptedSecond
)

func (d Decision) String() string {
	switch d {
	case AcceptedFirst:
		return "accepted"
	case AcceptedSecond:
		return "accepted-rescaled"
	default:
		return "rejected"
	}
}

// Accepted reports whether a step was kept.
func (d Decision) Accepted() bool {
	return d != Rejected
}

const (
	// rejectedCost is the share of the iteration budget a rejected iteration
	// uses up
	rejectedCost = 0.1

	// acceptedCost is the share an accepted iteration uses up
	acceptedCost = 1.0
)

// DampState is the damping factor and its multiplier for one optimiser call.
// It starts from the configured values at the beginning of every call and is
// threaded through each iteration.
type DampState struct {
	Damp  float64
	DDamp float64

	// Counter is the iteration budget used so far
	Counter float64
}

// Decide compares two trial errors against the starting error and adjusts the
// damping:
//   - both worse: if err0 < err1 the multiplier points the wrong way and is
//     inverted, otherwise damp is too large and is multiplied by ddamp²
//   - otherwise err0 wins only when strictly smaller; when err1 wins damp is
//     multiplied by ddamp
func (s *DampState) Decide(errStart, err0, err1 float64) Decision {
	if math.Min(err0, err1) > errStart {
		if err0 < err1 {
			s.DDamp = 1 / s.DDamp
		} else {
			s.Damp *= s.DDamp * s.DDamp
		}
		s.Counter += rejectedCost
		return Rejected
	}

	s.Counter += acceptedCost
	if err0 < err1 {
		return AcceptedFirst
	}
	s.Damp *= s.DDamp
	return AcceptedSecond
}

// Done reports whether the iteration budget is spent.
func (s *DampState) Done(numIter int) bool {
	return s.Counter >= float64(numIter)-1e-9
}
