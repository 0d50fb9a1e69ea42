package optimize

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"volfit/pkg/config"
	"volfit/pkg/sampling"
	"volfit/pkg/state"
)

// Jacobian measures the derivative of the residual at pixels with respect
// to each block by finite differences. Row k of the result belongs to
// blocks[k]. Every parameter of a block is perturbed together.
//
// With opts.Restore each block is put back right after it is measured;
// without it the perturbations accumulate. Either way the parameters are
// back at their starting values when Jacobian returns.
func Jacobian(m state.Model, blocks []state.Block, pixels []int, opts config.Derivative) (j *mat.Dense, err error) {
	if len(blocks) == 0 {
		return nil, errors.New("no blocks to differentiate")
	}
	if opts.Dl == 0 {
		return nil, errors.New("finite-difference step must be non-zero")
	}

	all := state.NewBlock(len(blocks[0]))
	for _, b := range blocks {
		all = all.Or(b)
	}
	guard := state.Take(m, all)
	defer func() {
		if err == nil && opts.Restore {
			return
		}
		if rerr := guard.Restore(m); rerr != nil {
			err = multierr.Combine(err, errors.Wrap(rerr, "restoring parameters after Jacobian"))
		}
	}()

	for k, b := range blocks {
		col, err := derivative(m, b, pixels, opts)
		if err != nil {
			return nil, errors.Wrapf(err, "differentiating parameter %d", k)
		}
		if len(col) == 0 {
			return nil, errors.New("model has no interior pixels")
		}
		if j == nil {
			j = mat.NewDense(len(blocks), len(col), nil)
		}
		j.SetRow(k, col)
	}
	return j, nil
}

func derivative(m state.Model, b state.Block, pixels []int, opts config.Derivative) ([]float64, error) {
	p0 := b.Gather(m.Params())
	measure := func(dl float64) ([]float64, error) {
		p := append([]float64(nil), p0...)
		floats.AddConst(dl, p)
		if err := state.UpdateGlobal(m, b, p); err != nil {
			return nil, err
		}
		return sampling.Gather(m.Difference(), pixels), nil
	}

	var (
		lo, hi []float64
		err    error
		span   = opts.Dl
	)
	if opts.ThreePoint {
		if hi, err = measure(opts.Dl); err != nil {
			return nil, err
		}
		if lo, err = measure(-opts.Dl); err != nil {
			return nil, err
		}
		span = 2 * opts.Dl
	} else {
		lo = sampling.Gather(m.Difference(), pixels)
		if hi, err = measure(opts.Dl); err != nil {
			return nil, err
		}
	}

	if opts.Restore {
		if err := state.UpdateGlobal(m, b, p0); err != nil {
			return nil, err
		}
	}

	floats.Sub(hi, lo)
	floats.Scale(1/span, hi)
	return hi, nil
}
