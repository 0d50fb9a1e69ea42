package optimize

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"volfit/pkg/config"
	"volfit/pkg/sampling"
	"volfit/pkg/state"
)

// LevMarq runs a stochastic Levenberg-Marquardt optimisation of the
// parameters selected by block.
//
// Each iteration tries two steps from the same starting point, one at the
// current damping and one at damping·ddamp, and keeps the better if it
// lowers the error. The Jacobian is re-measured on a fresh pixel sample
// after every accepted iteration; a rejected iteration reuses it with a new
// damping. An accepted iteration optionally continues with a run of steps
// reusing the same J.
func (o *Optimizer) LevMarq(m state.Model, block state.Block, opts config.LevMarq) (DampState, error) {
	ds := DampState{Damp: opts.Damp, DDamp: opts.DDamp}
	if err := state.CheckBlocks(m); err != nil {
		return ds, err
	}
	if len(block) != len(m.Params()) {
		return ds, errors.Errorf("block covers %d parameters, model has %d", len(block), len(m.Params()))
	}
	nparams := block.Count()
	size := m.Inner().Volume()
	npix, err := sampling.NumPixels(opts.Sampling, nparams, size)
	if err != nil {
		return ds, err
	}
	o.logger.Debugf("levmarq: %d parameters, %d of %d pixels, J uses %.3g bytes",
		nparams, min(npix, size), size, sampling.Memory(nparams, min(npix, size)))

	sampler := sampling.NewSampler(opts.Seed)
	blocks := block.Explode()
	start := state.Take(m, block)
	fail := func(err error) (DampState, error) {
		return ds, multierr.Combine(err, start.Restore(m))
	}

	var (
		sys  *System
		grad []float64
	)
	for iter := 0; !ds.Done(opts.NumIter); iter++ {
		p0 := state.Take(m, block)
		errStart := state.SquaredError(m)

		if sys == nil {
			pixels := sampler.Sample(npix, size)
			j, err := Jacobian(m, blocks, pixels, opts.Derivative)
			if err != nil {
				return fail(err)
			}
			sys = NewSystem(j, pixels)
			g, err := sys.Gradient(sampling.Gather(m.Difference(), pixels))
			if err != nil {
				return fail(err)
			}
			grad = g.RawVector().Data
		}

		d0, d1, degenerate, err := trialSteps(sys, grad, ds, opts.MinEigval)
		if err != nil {
			return fail(err)
		}

		err0, err1, err := o.tryPair(m, block, p0.Values(), d0, d1)
		if err != nil {
			return fail(err)
		}

		before := ds
		decision := ds.Decide(errStart, err0, err1)
		switch decision {
		case Rejected:
			if err := p0.Restore(m); err != nil {
				return fail(errors.Wrap(err, "rolling back rejected step"))
			}
			o.logger.Debugf("levmarq %d: bad step, %.6g -> (%.6g, %.6g), damp %.3g ddamp %.3g",
				iter, errStart, err0, err1, ds.Damp, ds.DDamp)
		case AcceptedFirst:
			if err := state.UpdateGlobal(m, block, addScaled(p0.Values(), 1, d0)); err != nil {
				return fail(err)
			}
		}

		errAfter := errStart
		if decision.Accepted() {
			errAfter = min(err0, err1)
			o.logger.Debugf("levmarq %d: good step (%s), %.6g -> %.6g", iter, decision, errStart, errAfter)
		}
		o.report(Progress{
			Kind: KindLevMarq, Iteration: iter, Accepted: decision.Accepted(),
			ErrBefore: errStart, ErrAfter: errAfter,
			Damp: before.Damp, DDamp: before.DDamp, Degenerate: degenerate,
		})

		if !decision.Accepted() {
			continue
		}
		if opts.DoRun {
			if err := o.run(m, block, sys, ds.Damp, opts.MinEigval, opts.RunLength); err != nil {
				return fail(err)
			}
		}
		sys = nil
	}
	return ds, nil
}

// trialSteps solves for the steps at damp and damp·ddamp.
func trialSteps(sys *System, grad []float64, ds DampState, minEigval float64) ([]float64, []float64, int, error) {
	g := vec(grad)
	d0, degenerate, err := SolveLM(sys.JTJ, g, ds.Damp, minEigval)
	if err != nil {
		return nil, nil, 0, err
	}
	d1, _, err := SolveLM(sys.JTJ, g, ds.Damp*ds.DDamp, minEigval)
	if err != nil {
		return nil, nil, 0, err
	}
	return d0, d1, degenerate, nil
}

// tryPair measures the error at p0+d0 and p0+d1, leaving the model at p0+d1.
func (o *Optimizer) tryPair(m state.Model, block state.Block, p0, d0, d1 []float64) (float64, float64, error) {
	if err := state.UpdateGlobal(m, block, addScaled(p0, 1, d0)); err != nil {
		return 0, 0, err
	}
	err0 := state.SquaredError(m)
	if err := state.UpdateGlobal(m, block, addScaled(p0, 1, d1)); err != nil {
		return 0, 0, err
	}
	return err0, state.SquaredError(m), nil
}

// run takes up to n further steps with a fixed J and damping, stopping at
// the first step that raises the error. That step is rolled back.
func (o *Optimizer) run(m state.Model, block state.Block, sys *System, damp, minEigval float64, n int) error {
	for i := 0; i < n; i++ {
		g, err := sys.Gradient(sampling.Gather(m.Difference(), sys.Pixels))
		if err != nil {
			return err
		}
		d, degenerate, err := SolveLM(sys.JTJ, g, damp, minEigval)
		if err != nil {
			return err
		}

		p0 := state.Take(m, block)
		oldErr := state.SquaredError(m)
		if err := state.UpdateGlobal(m, block, addScaled(p0.Values(), 1, d)); err != nil {
			return multierr.Combine(err, p0.Restore(m))
		}
		newErr := state.SquaredError(m)
		accepted := newErr <= oldErr

		o.report(Progress{
			Kind: KindRun, Iteration: i, Accepted: accepted,
			ErrBefore: oldErr, ErrAfter: min(oldErr, newErr),
			Damp: damp, Degenerate: degenerate,
		})
		if !accepted {
			o.logger.Debugf("run stopped after %d steps", i)
			return errors.Wrap(p0.Restore(m), "rolling back run step")
		}
	}
	return nil
}
