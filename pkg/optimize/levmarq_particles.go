package optimize

import (
	"math"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"volfit/pkg/config"
	"volfit/pkg/partition"
	"volfit/pkg/state"
	"volfit/pkg/tile"
)

// ErrStepRestoration means that rolling a group of particles back to its
// snapshot did not bring the error back to its value before the step. The
// model's incremental caches have drifted and are reset.
var ErrStepRestoration = errors.New("step restoration did not recover the starting error")

// LevMarqParticles optimises the position and radius of the given
// particles with an exact Jacobian over the tile they affect. It uses the
// same two-trial damping as LevMarq.
func (o *Optimizer) LevMarqParticles(m state.ParticleModel, particles []int, opts config.Particles) (DampState, error) {
	ds := DampState{Damp: opts.Damp, DDamp: opts.DDamp}
	if err := state.CheckBlocks(m); err != nil {
		return ds, err
	}
	if len(particles) == 0 {
		return ds, nil
	}
	for _, i := range particles {
		if i < 0 || i >= m.NumParticles() {
			return ds, errors.Errorf("particle %d out of range [0, %d)", i, m.NumParticles())
		}
	}

	start := takeGroup(m, particles)
	fail := func(err error) (DampState, error) {
		return ds, multierr.Combine(err, start.restore(m))
	}
	upd := UpdateOptions{FixErrors: opts.FixErrors}

	var (
		sys    *System
		grad   []float64
		region tile.Tile
	)
	for iter := 0; !ds.Done(opts.NumIter); iter++ {
		snap := takeGroup(m, particles)
		p0 := snap.values()
		errStart := state.SquaredError(m)

		if sys == nil {
			region = GroupTile(m, particles)
			j, err := ParticleJacobian(m, particles, region, opts.Derivative)
			if err != nil {
				return fail(err)
			}
			sys = NewSystem(j, nil)
			g, err := sys.Gradient(m.DifferenceIn(region))
			if err != nil {
				return fail(err)
			}
			grad = g.RawVector().Data
		}

		d0, d1, degenerate, err := trialSteps(sys, grad, ds, opts.MinEigval)
		if err != nil {
			return fail(err)
		}
		if _, err := UpdateParticles(m, particles, addScaled(p0, 1, d0), upd); err != nil {
			return fail(err)
		}
		err0 := state.SquaredError(m)
		if _, err := UpdateParticles(m, particles, addScaled(p0, 1, d1), upd); err != nil {
			return fail(err)
		}
		err1 := state.SquaredError(m)

		before := ds
		decision := ds.Decide(errStart, err0, err1)
		switch decision {
		case Rejected:
			if err := o.rollback(m, snap, errStart, opts.Tolerance); err != nil {
				return fail(err)
			}
			o.logger.Debugf("particles %d: bad step, %.6g -> (%.6g, %.6g)", iter, errStart, err0, err1)
		case AcceptedFirst:
			if _, err := UpdateParticles(m, particles, addScaled(p0, 1, d0), upd); err != nil {
				return fail(err)
			}
		}

		errAfter := errStart
		if decision.Accepted() {
			errAfter = state.SquaredError(m)
			o.logger.Debugf("particles %d: good step (%s), %.6g -> %.6g", iter, decision, errStart, errAfter)
		}
		o.report(Progress{
			Kind: KindParticles, Iteration: iter, Accepted: decision.Accepted(),
			ErrBefore: errStart, ErrAfter: errAfter,
			Damp: before.Damp, DDamp: before.DDamp, Degenerate: degenerate,
		})

		if !decision.Accepted() {
			continue
		}
		if opts.DoRun {
			if err := o.runParticles(m, particles, sys, region, ds.Damp, opts); err != nil {
				return fail(err)
			}
		}
		sys = nil
	}
	return ds, nil
}

// runParticles is the particle counterpart of run.
func (o *Optimizer) runParticles(m state.ParticleModel, particles []int, sys *System, region tile.Tile, damp float64, opts config.Particles) error {
	upd := UpdateOptions{FixErrors: opts.FixErrors}
	for i := 0; i < opts.RunLength; i++ {
		g, err := sys.Gradient(m.DifferenceIn(region))
		if err != nil {
			return err
		}
		d, degenerate, err := SolveLM(sys.JTJ, g, damp, opts.MinEigval)
		if err != nil {
			return err
		}

		snap := takeGroup(m, particles)
		oldErr := state.SquaredError(m)
		if _, err := UpdateParticles(m, particles, addScaled(snap.values(), 1, d), upd); err != nil {
			return err
		}
		newErr := state.SquaredError(m)
		accepted := newErr <= oldErr

		o.report(Progress{
			Kind: KindRun, Iteration: i, Accepted: accepted,
			ErrBefore: oldErr, ErrAfter: min(oldErr, newErr),
			Damp: damp, Degenerate: degenerate,
		})
		if !accepted {
			o.logger.Debugf("particle run stopped after %d steps", i)
			return o.rollback(m, snap, oldErr, opts.Tolerance)
		}
	}
	return nil
}

// rollback restores a group snapshot. If the error does not come back to
// within tol of errStart the model is reset.
func (o *Optimizer) rollback(m state.ParticleModel, snap groupSnapshot, errStart, tol float64) error {
	if err := snap.restore(m); err != nil {
		return errors.Wrap(err, "rolling back particles")
	}
	errBack := state.SquaredError(m)
	if math.Abs(errBack-errStart) <= tol {
		return nil
	}

	o.logger.Warnw("resetting model",
		"error", errors.Wrapf(ErrStepRestoration, "%.6g after rollback, %.6g before", errBack, errStart),
		"particles", snap.idx,
	)
	return errors.Wrap(m.Reset(), "resetting model after failed restoration")
}

// LevMarqParticleGroups partitions the particles into boxes and runs
// LevMarqParticles on each group in turn, resetting the model between
// groups. On failure every particle is put back where the call found it.
func (o *Optimizer) LevMarqParticleGroups(m state.ParticleModel, opts config.Groups) error {
	if err := state.CheckBlocks(m); err != nil {
		return err
	}
	all := make([]int, m.NumParticles())
	for i := range all {
		all[i] = i
	}
	start := takeGroup(m, all)
	fail := func(err error) error {
		return multierr.Combine(err, start.restore(m), m.Reset())
	}

	pos := positions(m)
	bounds := tile.FromShape(m.Shape())
	rs := [3]int(opts.RegionSize)
	for a, v := range rs {
		if v <= 0 {
			return errors.Errorf("region size must be positive, got %d along axis %d", v, a)
		}
	}
	if opts.CalcRegionSize {
		rs = partition.AutoRegionSize(pos, bounds, rs, m.Pad(), opts.MaxMem)
		o.logger.Infof("region size %v", rs)
	}

	groups := partition.Separate(pos, bounds, rs)
	o.logger.Debugf("%d particles in %d groups", len(pos), len(groups))
	defer func() { o.group = -1 }()
	for g, group := range groups {
		o.group = g
		errBefore := state.SquaredError(m)
		if _, err := o.LevMarqParticles(m, group, opts.Particles); err != nil {
			return fail(errors.Wrapf(err, "group %d", g))
		}
		if err := m.Reset(); err != nil {
			return fail(errors.Wrapf(err, "resetting after group %d", g))
		}
		errAfter := state.SquaredError(m)
		o.report(Progress{
			Kind: KindGroup, Iteration: g, Accepted: errAfter <= errBefore,
			ErrBefore: errBefore, ErrAfter: errAfter,
		})
	}
	return nil
}
