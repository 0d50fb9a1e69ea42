// Package linesearch minimises a scalar function of a step length: it first
// brackets a minimum around zero and then refines it with Brent's
// derivative-free method.
package linesearch

import (
	"math"

	"github.com/pkg/errors"
)

const (
	// InitialStep is the half-width of the first trial bracket
	InitialStep = 2.0

	// expandFactor grows the step while the bracket is being extended
	expandFactor = 3.0

	// maxExpand bounds the bracket extension
	maxExpand = 60

	// DefaultTol is the relative tolerance on the abscissa
	DefaultTol = 1.48e-8

	cgold = 0.3819660112501051
	zeps  = 1e-11
)

var (
	// ErrLineSearchFailure means the minimiser returned a point worse than
	// the start under a valid bracket. It signals a logic or precision bug.
	ErrLineSearchFailure = errors.New("line minimisation ended above the starting error")

	// ErrNoBracket means the function kept decreasing while the bracket was
	// extended.
	ErrNoBracket = errors.New("could not bracket a minimum")
)

// Func evaluates the objective at step x.
type Func func(x float64) (float64, error)

// Bracket is a three-point interval with f(B) no larger than f(A) and f(C),
// and B between A and C.
type Bracket struct {
	A, B, C    float64
	FA, FB, FC float64
}

// Result is the outcome of a line search.
type Result struct {
	// X is the best step found and F its value
	X, F float64

	// F0 is the value at step zero
	F0 float64

	Bracket Bracket

	// Evals counts objective evaluations
	Evals int
}

type counter struct {
	f Func
	n int
}

func (c *counter) eval(x float64) (float64, error) {
	c.n++
	return c.f(x)
}

// FindBracket evaluates f at -step, +step and 0. If zero is already the
// lowest the bracket is (-step, 0, step); otherwise the step is tripled
// toward the better endpoint until f stops decreasing and the last three
// points form the bracket.
func FindBracket(f Func, step float64) (Bracket, error) {
	br, _, err := findBracket(&counter{f: f}, step)
	return br, err
}

func findBracket(c *counter, step float64) (Bracket, float64, error) {
	fl, err := c.eval(-step)
	if err != nil {
		return Bracket{}, 0, err
	}
	fr, err := c.eval(step)
	if err != nil {
		return Bracket{}, 0, err
	}
	f0, err := c.eval(0)
	if err != nil {
		return Bracket{}, 0, err
	}

	if f0 <= math.Min(fl, fr) {
		return Bracket{A: -step, B: 0, C: step, FA: fl, FB: f0, FC: fr}, f0, nil
	}

	// walk away from zero on the side that went down
	a, fa := 0.0, f0
	b, fb := step, fr
	if fl < fr {
		b, fb = -step, fl
	}
	for i := 0; i < maxExpand; i++ {
		x := b * expandFactor
		fx, err := c.eval(x)
		if err != nil {
			return Bracket{}, 0, err
		}
		if fx < fb {
			a, fa = b, fb
			b, fb = x, fx
			continue
		}
		return Bracket{A: a, B: b, C: x, FA: fa, FB: fb, FC: fx}, f0, nil
	}
	return Bracket{}, 0, errors.Wrapf(ErrNoBracket, "still decreasing at step %g", b)
}

// Brent refines a bracketed minimum with at most maxIter iterations.
func Brent(f Func, br Bracket, maxIter int, tol float64) (float64, float64, error) {
	x, fx, _, err := brent(&counter{f: f}, br, maxIter, tol)
	return x, fx, err
}

func brent(c *counter, br Bracket, maxIter int, tol float64) (float64, float64, int, error) {
	if tol <= 0 {
		tol = DefaultTol
	}
	a, b := math.Min(br.A, br.C), math.Max(br.A, br.C)
	x, w, v := br.B, br.B, br.B
	fx := br.FB
	fw, fv := fx, fx
	var d, e float64

	iter := 0
	for ; iter < maxIter; iter++ {
		xm := 0.5 * (a + b)
		tol1 := tol*math.Abs(x) + zeps
		tol2 := 2 * tol1
		if math.Abs(x-xm) <= tol2-0.5*(b-a) {
			break
		}

		golden := true
		if math.Abs(e) > tol1 {
			// parabolic fit through x, w, v
			r := (x - w) * (fx - fv)
			q := (x - v) * (fx - fw)
			p := (x-v)*q - (x-w)*r
			q = 2 * (q - r)
			if q > 0 {
				p = -p
			}
			q = math.Abs(q)
			etemp := e
			e = d
			if math.Abs(p) < math.Abs(0.5*q*etemp) && p > q*(a-x) && p < q*(b-x) {
				d = p / q
				u := x + d
				if u-a < tol2 || b-u < tol2 {
					d = math.Copysign(tol1, xm-x)
				}
				golden = false
			}
		}
		if golden {
			if x >= xm {
				e = a - x
			} else {
				e = b - x
			}
			d = cgold * e
		}

		u := x + math.Copysign(math.Max(math.Abs(d), tol1), d)
		fu, err := c.eval(u)
		if err != nil {
			return 0, 0, iter, err
		}

		if fu <= fx {
			if u >= x {
				a = x
			} else {
				b = x
			}
			v, w, x = w, x, u
			fv, fw, fx = fw, fx, fu
			continue
		}
		if u < x {
			a = u
		} else {
			b = u
		}
		if fu <= fw || w == x {
			v, w = w, u
			fv, fw = fw, fu
		} else if fu <= fv || v == x || v == w {
			v, fv = u, fu
		}
	}
	return x, fx, iter, nil
}

// Search brackets and minimises f along the line. A minimum that is worse
// than f(0) is reported as ErrLineSearchFailure; the caller decides which
// step to leave the system at.
func Search(f Func, maxIter int) (Result, error) {
	c := &counter{f: f}
	br, f0, err := findBracket(c, InitialStep)
	if err != nil {
		return Result{}, err
	}
	x, fx, _, err := brent(c, br, maxIter, DefaultTol)
	if err != nil {
		return Result{}, err
	}
	res := Result{X: x, F: fx, F0: f0, Bracket: br, Evals: c.n}
	if !(fx <= f0) {
		return res, errors.Wrapf(ErrLineSearchFailure, "f(%g) = %g > f(0) = %g", x, fx, f0)
	}
	return res, nil
}
