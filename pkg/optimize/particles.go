package optimize

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"

	"volfit/pkg/config"
	"volfit/pkg/partition"
	"volfit/pkg/state"
	"volfit/pkg/tile"
)

// ParamsPerParticle is the number of free parameters of one particle in the
// particle-local optimiser: z, y, x and radius.
const ParamsPerParticle = 4

// clampEps keeps clamped positions strictly inside the image and radii
// strictly positive.
const clampEps = 1e-6

// ErrInvalidParticleUpdate is returned when an update would move a particle
// outside the image or give it a non-positive radius.
var ErrInvalidParticleUpdate = errors.New("invalid particle update")

// UpdateOptions control UpdateParticles.
type UpdateOptions struct {
	// Relative treats the values as offsets from the current state
	Relative bool

	// FixErrors clamps invalid updates instead of rejecting them
	FixErrors bool
}

func particleValues(p state.Particle) [ParamsPerParticle]float64 {
	a := state.Axes(p.Pos)
	return [ParamsPerParticle]float64{a[0], a[1], a[2], p.Rad}
}

func withValues(p state.Particle, v [ParamsPerParticle]float64) state.Particle {
	p.Pos = state.FromAxes([3]float64{v[0], v[1], v[2]})
	p.Rad = v[3]
	return p
}

func badUpdate(shape [3]int, v [ParamsPerParticle]float64) bool {
	for a := 0; a < 3; a++ {
		if v[a] < 0 || v[a] > float64(shape[a]) {
			return true
		}
	}
	return v[3] <= 0
}

func clampUpdate(shape [3]int, v [ParamsPerParticle]float64) [ParamsPerParticle]float64 {
	for a := 0; a < 3; a++ {
		v[a] = min(max(v[a], clampEps), float64(shape[a])-clampEps)
	}
	v[3] = max(v[3], clampEps)
	return v
}

// UpdateParticles moves the particles idx to the (z, y, x, r) values, four
// per particle, and redraws the affected part of the model image. Every
// update is validated before any particle moves. It returns the tile that
// was redrawn.
func UpdateParticles(m state.ParticleModel, idx []int, values []float64, opts UpdateOptions) (tile.Tile, error) {
	if len(values) != ParamsPerParticle*len(idx) {
		return tile.Tile{}, errors.Errorf("got %d values for %d particles", len(values), len(idx))
	}
	shape := m.Shape()
	targets := make([]state.Particle, len(idx))
	for k, i := range idx {
		if i < 0 || i >= m.NumParticles() {
			return tile.Tile{}, errors.Errorf("particle %d out of range [0, %d)", i, m.NumParticles())
		}
		cur := m.Particle(i)
		var v [ParamsPerParticle]float64
		copy(v[:], values[k*ParamsPerParticle:])
		if opts.Relative {
			c := particleValues(cur)
			for a := range v {
				v[a] += c[a]
			}
		}
		if badUpdate(shape, v) {
			if !opts.FixErrors {
				return tile.Tile{}, errors.Wrapf(ErrInvalidParticleUpdate,
					"particle %d to (%g, %g, %g) radius %g in image %v", i, v[0], v[1], v[2], v[3], shape)
			}
			v = clampUpdate(shape, v)
		}
		targets[k] = withValues(cur, v)
	}
	return setParticles(m, idx, targets)
}

// UpdateParticle sets one particle to an absolute position and radius.
func UpdateParticle(m state.ParticleModel, i int, pos r3.Vector, rad float64, fixErrors bool) (tile.Tile, error) {
	a := state.Axes(pos)
	return UpdateParticles(m, []int{i}, []float64{a[0], a[1], a[2], rad}, UpdateOptions{FixErrors: fixErrors})
}

// setParticles commits targets without validation and redraws the union of
// the affected tiles, grown by one voxel, aligned to even coordinates and
// clipped to the image.
func setParticles(m state.ParticleModel, idx []int, targets []state.Particle) (tile.Tile, error) {
	if len(idx) == 0 {
		return tile.Tile{}, nil
	}
	outers := make([]tile.Tile, 0, len(idx))
	for k, i := range idx {
		tiles := m.TileForChange(m.Particle(i), targets[k])
		if err := m.MoveParticle(i, targets[k]); err != nil {
			return tile.Tile{}, errors.Wrapf(err, "moving particle %d", i)
		}
		outers = append(outers, tiles.Outer)
	}

	outer := tile.Union(outers...).Pad(1).Even().Clip([3]int{}, m.Shape())
	if outer.Empty() {
		return outer, nil
	}
	if err := m.UpdateTile(outer, outer.Inner()); err != nil {
		return outer, errors.Wrap(err, "redrawing tile")
	}
	return outer, nil
}

// GroupTile returns the tile every particle of the group can affect without
// moving, clipped to the image.
func GroupTile(m state.ParticleModel, idx []int) tile.Tile {
	outers := make([]tile.Tile, len(idx))
	for k, i := range idx {
		p := m.Particle(i)
		outers[k] = m.TileForChange(p, p).Outer
	}
	return tile.Union(outers...).Clip([3]int{}, m.Shape())
}

// FindParticlesInBox returns the particles whose centres lie strictly
// inside the box between lo and hi.
func FindParticlesInBox(m state.ParticleModel, lo, hi r3.Vector) []int {
	return partition.InBox(positions(m), state.Axes(lo), state.Axes(hi))
}

func positions(m state.ParticleModel) [][3]float64 {
	out := make([][3]float64, m.NumParticles())
	for i := range out {
		out[i] = state.Axes(m.Particle(i).Pos)
	}
	return out
}

// groupSnapshot holds the state of a group of particles.
type groupSnapshot struct {
	idx   []int
	parts []state.Particle
}

func takeGroup(m state.ParticleModel, idx []int) groupSnapshot {
	s := groupSnapshot{idx: idx, parts: make([]state.Particle, len(idx))}
	for k, i := range idx {
		s.parts[k] = m.Particle(i)
	}
	return s
}

// values returns the group as a flat (z, y, x, r) vector.
func (s groupSnapshot) values() []float64 {
	out := make([]float64, 0, ParamsPerParticle*len(s.parts))
	for _, p := range s.parts {
		v := particleValues(p)
		out = append(out, v[:]...)
	}
	return out
}

func (s groupSnapshot) restore(m state.ParticleModel) error {
	_, err := setParticles(m, s.idx, s.parts)
	return err
}

// ParticleJacobian measures the derivative of the residual over region with
// respect to the z, y, x and radius of every particle in idx. Rows are
// ordered particle by particle. The particles are back at their starting
// state when it returns.
func ParticleJacobian(m state.ParticleModel, idx []int, region tile.Tile, opts config.Derivative) (j *mat.Dense, err error) {
	if len(idx) == 0 {
		return nil, errors.New("no particles to differentiate")
	}
	if region.Empty() {
		return nil, errors.Errorf("empty measurement tile %v", region)
	}
	if opts.Dl == 0 {
		return nil, errors.New("finite-difference step must be non-zero")
	}

	guard := takeGroup(m, idx)
	defer func() {
		if err == nil && opts.Restore {
			return
		}
		if rerr := guard.restore(m); rerr != nil {
			err = multierr.Combine(err, errors.Wrap(rerr, "restoring particles after Jacobian"))
		}
	}()

	for k, i := range idx {
		for a := 0; a < ParamsPerParticle; a++ {
			col, err := particleDerivative(m, i, a, region, opts)
			if err != nil {
				return nil, errors.Wrapf(err, "differentiating particle %d parameter %d", i, a)
			}
			if len(col) == 0 {
				return nil, errors.Errorf("tile %v does not overlap the interior", region)
			}
			if j == nil {
				j = mat.NewDense(ParamsPerParticle*len(idx), len(col), nil)
			}
			j.SetRow(k*ParamsPerParticle+a, col)
		}
	}
	return j, nil
}

func particleDerivative(m state.ParticleModel, i, a int, region tile.Tile, opts config.Derivative) ([]float64, error) {
	p0 := m.Particle(i)
	measure := func(dl float64) ([]float64, error) {
		v := particleValues(p0)
		v[a] += dl
		if _, err := setParticles(m, []int{i}, []state.Particle{withValues(p0, v)}); err != nil {
			return nil, err
		}
		return m.DifferenceIn(region), nil
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
		lo = m.DifferenceIn(region)
		if hi, err = measure(opts.Dl); err != nil {
			return nil, err
		}
	}

	if opts.Restore {
		if _, err := setParticles(m, []int{i}, []state.Particle{p0}); err != nil {
			return nil, err
		}
	}

	for k := range hi {
		hi[k] = (hi[k] - lo[k]) / span
	}
	return hi, nil
}
