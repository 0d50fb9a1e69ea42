// Package sampling chooses the subset of interior pixels a stochastic
// Jacobian is evaluated on, subject to a memory and redundancy budget.
package sampling

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"

	"volfit/pkg/config"
)

// bytesPerValue is the storage cost of one Jacobian entry
const bytesPerValue = 8

// ErrConfiguration is returned when the memory ceiling cannot hold the
// minimum number of pixels the redundancy factor requires.
var ErrConfiguration = errors.New("insufficient max memory for desired redundancy")

// NumPixels returns the number of pixels to sample for nparams free
// parameters out of interiorSize pixels:
//
//	clip(interiorSize/decimate, minRedundant*nparams, maxMem/(8*nparams))
func NumPixels(opts config.Sampling, nparams, interiorSize int) (int, error) {
	if nparams <= 0 {
		return 0, errors.Errorf("need at least one free parameter, got %d", nparams)
	}

	memBound := int(opts.MaxMem / bytesPerValue / float64(nparams))
	redundancyBound := int(opts.MinRedundant * float64(nparams))
	if redundancyBound > memBound {
		return 0, errors.Wrapf(ErrConfiguration, "%d pixels required for redundancy, %d fit in %g bytes",
			redundancyBound, memBound, opts.MaxMem)
	}

	decimateBound := interiorSize
	if opts.Decimate >= 1 {
		decimateBound = int(float64(interiorSize) / opts.Decimate)
	}

	return min(max(decimateBound, redundancyBound), memBound), nil
}

// Sampler draws pixel indices from a seedable source.
type Sampler struct {
	src rand.Source
}

// NewSampler creates a sampler whose draws are fully determined by seed.
func NewSampler(seed uint64) *Sampler {
	return &Sampler{src: rand.NewSource(seed)}
}

// Sample returns n distinct flat indices in [0, size), drawn uniformly. When
// n covers the whole interior it returns nil, meaning every pixel.
func (s *Sampler) Sample(n, size int) []int {
	if n >= size {
		return nil
	}
	idx := make([]int, n)
	sampleuv.WithoutReplacement(idx, size, s.src)
	return idx
}

// Gather picks the values at idx out of a full interior image. A nil idx
// selects every value.
func Gather(image []float64, idx []int) []float64 {
	if idx == nil {
		return append([]float64(nil), image...)
	}
	out := make([]float64, len(idx))
	for k, i := range idx {
		out[k] = image[i]
	}
	return out
}

// Memory returns the Jacobian storage in bytes for the given shape, used for
// reporting.
func Memory(nparams, npixels int) float64 {
	return math.Max(0, float64(nparams)*float64(npixels)*bytesPerValue)
}
