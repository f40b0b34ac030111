// Package pose picks the reported tag pose out of the two local minima the
// orthogonal-iteration solver can return.
package pose

import (
	iface "AtagDetServer/interface"
	"math"
)

// MaxIterations bounds the solver's refinement loop.
const MaxIterations = 50

type Alternate struct {
	Rotation    [3][3]float64
	Translation [3]float64
	Err         float64
}

type Result struct {
	Rotation    [3][3]float64
	Translation [3]float64
	// Err is the object-space error of the primary solution.
	Err float64
	// Alternate is set only when alternates are reported.
	Alternate *Alternate
	// SolutionIsUnique is false when the solver found no second minimum.
	SolutionIsUnique bool
}

// Disambiguate selects the solution with the lower error as primary, the
// first one on ties. An absent second solution counts as infinite error.
// When reportAlternate is set and there is no second solution, the
// alternate repeats the primary.
func Disambiguate(first iface.PoseSolution, second *iface.PoseSolution, reportAlternate bool) Result {
	err2 := math.Inf(1)
	if second != nil {
		err2 = second.Err
	}

	primary, other := first, second
	if second != nil && first.Err > err2 {
		primary, other = *second, &first
	}

	res := Result{
		Rotation:         primary.R,
		Translation:      primary.T,
		Err:              primary.Err,
		SolutionIsUnique: second != nil,
	}
	if !reportAlternate {
		return res
	}
	if other == nil {
		other = &primary
	}
	res.Alternate = &Alternate{
		Rotation:    other.R,
		Translation: other.T,
		Err:         other.Err,
	}
	return res
}
