package optimize

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"volfit/pkg/config"
	"volfit/pkg/linesearch"
	"volfit/pkg/sampling"
	"volfit/pkg/state"
)

// LineMin minimises the error along p0 + x·direction and leaves the model at
// the best x found. On failure the model is put back at p0.
func (o *Optimizer) LineMin(m state.Model, block state.Block, direction []float64, maxIter int) (linesearch.Result, error) {
	if len(direction) != block.Count() {
		return linesearch.Result{}, errors.Errorf("direction has %d entries for %d parameters", len(direction), block.Count())
	}
	p0 := state.Take(m, block)
	base := p0.Values()
	f := func(x float64) (float64, error) {
		if err := state.UpdateGlobal(m, block, addScaled(base, x, direction)); err != nil {
			return 0, err
		}
		return state.SquaredError(m), nil
	}

	res, err := linesearch.Search(f, maxIter)
	if err != nil {
		return res, multierr.Combine(err, p0.Restore(m))
	}
	if _, err := f(res.X); err != nil {
		return res, multierr.Combine(err, p0.Restore(m))
	}
	return res, nil
}

// ConjGradJTJ measures JTJ once and line-minimises along each of its
// eigenvectors, from the largest eigenvalue to the smallest, for
// opts.NumSweeps passes. Eigenvalues below opts.MinEigval times the largest
// are skipped and reported as degenerate. On failure the model is put back
// at the parameters it had when the call started.
func (o *Optimizer) ConjGradJTJ(m state.Model, block state.Block, opts config.ConjGrad) error {
	if err := state.CheckBlocks(m); err != nil {
		return err
	}
	if len(block) != len(m.Params()) {
		return errors.Errorf("block covers %d parameters, model has %d", len(block), len(m.Params()))
	}
	nparams := block.Count()
	size := m.Inner().Volume()
	npix, err := sampling.NumPixels(opts.Sampling, nparams, size)
	if err != nil {
		return err
	}

	start := state.Take(m, block)
	fail := func(err error) error {
		return multierr.Combine(err, start.Restore(m))
	}

	pixels := sampling.NewSampler(opts.Seed).Sample(npix, size)
	j, err := Jacobian(m, block.Explode(), pixels, opts.Derivative)
	if err != nil {
		return fail(err)
	}
	sys := NewSystem(j, pixels)
	grad, err := sys.Gradient(sampling.Gather(m.Difference(), pixels))
	if err != nil {
		return fail(err)
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(sys.JTJ, true); !ok {
		return fail(errors.New("eigendecomposition of JTJ did not converge"))
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)
	largest := floats.Max(values)

	g := grad.RawVector().Data
	step := 0
	for sweep := 0; sweep < opts.NumSweeps; sweep++ {
		degenerate := 0
		// values are in ascending order
		for a := len(values) - 1; a >= 0; a-- {
			if values[a] <= 0 || values[a] < opts.MinEigval*largest {
				degenerate++
				continue
			}
			direction := mat.Col(nil, a, &vectors)
			floats.Scale(-0.5*floats.Dot(g, direction)/values[a], direction)

			errBefore := state.SquaredError(m)
			res, err := o.LineMin(m, block, direction, opts.LineMaxIter)
			if err != nil {
				return fail(errors.Wrapf(err, "sweep %d along eigenvalue %g", sweep, values[a]))
			}
			o.report(Progress{
				Kind: KindSweep, Iteration: step, Accepted: res.F < errBefore,
				ErrBefore: errBefore, ErrAfter: res.F, Degenerate: degenerate,
			})
			step++
		}
		o.logger.Debugf("sweep %d done, %d degenerate directions, error %.6g", sweep, degenerate, state.SquaredError(m))
	}
	return nil
}
