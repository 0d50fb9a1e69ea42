package synthetic

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"volfit/pkg/state"
)

// Noisy returns a copy of image with independent Gaussian noise of standard
// deviation sigma added to every voxel.
func Noisy(image []float64, sigma float64, seed uint64) []float64 {
	out := append([]float64(nil), image...)
	if sigma <= 0 {
		return out
	}
	n := distuv.Normal{Mu: 0, Sigma: sigma, Src: rand.NewSource(seed)}
	for i := range out {
		out[i] += n.Rand()
	}
	return out
}

// Jitter returns a copy of particles with every position component moved
// by a uniform offset in [-dpos, dpos] and every radius by one in
// [-drad, drad].
func Jitter(particles []state.Particle, dpos, drad float64, seed uint64) []state.Particle {
	u := distuv.Uniform{Min: -1, Max: 1, Src: rand.NewSource(seed)}
	out := make([]state.Particle, len(particles))
	for i, p := range particles {
		a := state.Axes(p.Pos)
		for k := range a {
			a[k] += dpos * u.Rand()
		}
		p.Pos = state.FromAxes(a)
		p.Rad += drad * u.Rand()
		out[i] = p
	}
	return out
}

// Scatter places n particles of radius rad uniformly at random inside the
// interior of an image of the given shape, at least margin voxels from the
// padding.
func Scatter(n int, shape [3]int, pad int, rad, margin float64, seed uint64) []state.Particle {
	rng := rand.New(rand.NewSource(seed))
	out := make([]state.Particle, n)
	for i := range out {
		var a [3]float64
		for k := range a {
			lo := float64(pad) + margin
			hi := float64(shape[k]-pad) - margin
			a[k] = lo + rng.Float64()*(hi-lo)
		}
		out[i] = state.Particle{Pos: state.FromAxes(a), Rad: rad, Typ: 1}
	}
	return out
}
