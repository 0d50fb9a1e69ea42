package optimize

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// System is a Gauss-Newton system built from one Jacobian evaluation. It is
// kept across inner steps while the Jacobian does not need recomputing.
type System struct {
	// J has one row per free parameter and one column per measured pixel
	J *mat.Dense

	// JTJ is J·Jᵀ
	JTJ *mat.SymDense

	// Pixels are the flat interior indices J was measured at, nil for all
	Pixels []int
}

// NewSystem forms JTJ from J.
func NewSystem(j *mat.Dense, pixels []int) *System {
	r, _ := j.Dims()
	jtj := mat.NewSymDense(r, nil)
	jtj.SymOuterK(1, j)
	return &System{J: j, JTJ: jtj, Pixels: pixels}
}

// Gradient returns J·residual.
func (s *System) Gradient(residual []float64) (*mat.VecDense, error) {
	r, c := s.J.Dims()
	if len(residual) != c {
		return nil, errors.Errorf("residual has %d pixels, J was measured on %d", len(residual), c)
	}
	g := mat.NewVecDense(r, nil)
	g.MulVec(s.J, mat.NewVecDense(c, residual))
	return g, nil
}

// SolveLM solves the damped normal equations
//
//	(JTJ + damp·diag(JTJ))·δ = -grad
//
// by an SVD least-squares solve. Singular values below minEigval times the
// largest one are dropped from the solution instead of amplifying noise, and
// their count is returned as the number of degenerate directions.
func SolveLM(jtj mat.Symmetric, grad mat.Vector, damp, minEigval float64) ([]float64, int, error) {
	n := jtj.SymmetricDim()
	if grad.Len() != n {
		return nil, 0, errors.Errorf("gradient has %d entries for a %d×%d system", grad.Len(), n, n)
	}
	if minEigval < 0 {
		return nil, 0, errors.Errorf("minimum eigenvalue must be non-negative, got %g", minEigval)
	}

	a := mat.NewDense(n, n, nil)
	a.Copy(jtj)
	for i := 0; i < n; i++ {
		a.Set(i, i, jtj.At(i, i)*(1+damp))
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, 0, errors.New("SVD of the damped normal matrix did not converge")
	}
	rank := svd.Rank(minEigval)
	step := make([]float64, n)
	if rank == 0 {
		return step, n, nil
	}

	rhs := mat.NewVecDense(n, nil)
	rhs.ScaleVec(-1, grad)
	var x mat.VecDense
	svd.SolveVecTo(&x, rhs, rank)
	for i := range step {
		step[i] = x.AtVec(i)
	}
	if floats.HasNaN(step) {
		return nil, 0, errors.New("normal equations produced a NaN step")
	}
	return step, n - rank, nil
}

// addScaled returns base + s·d as a new slice.
func addScaled(base []float64, s float64, d []float64) []float64 {
	out := make([]float64, len(base))
	floats.AddScaledTo(out, base, s, d)
	return out
}

func vec(x []float64) *mat.VecDense {
	return mat.NewVecDense(len(x), x)
}
