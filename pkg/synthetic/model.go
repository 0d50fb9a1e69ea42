// Package synthetic implements a small image-formation model of
// soft-edged spheres under uniform illumination. It satisfies
// state.ParticleModel and renders exactly, so incremental tile updates give
// the same image as a full redraw.
package synthetic

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"volfit/pkg/state"
	"volfit/pkg/tile"
)

// minWidth and minScale keep the edge profile and the z scale well defined
// when a fit pushes them through zero.
const (
	minWidth = 0.05
	minScale = 1e-3
)

// Options describe the image and the global parameters of a model.
type Options struct {
	// Shape is the (z, y, x) size of the image, padding included
	Shape [3]int

	// Pad is the width of the border excluded from the residual
	Pad int

	// PSF is the half-width of the particle edge profile in voxels
	PSF float64

	// ILM is the illumination, Bkg the background and Off the offset
	ILM float64
	Bkg float64
	Off float64

	// Slab is the occupancy of the coverslip plane at z = Pad
	Slab float64

	// ZScale stretches distances along z, RScale multiplies every radius
	ZScale float64
	RScale float64

	// Sigma is the noise level used by LogLikelihood
	Sigma float64
}

// DefaultOptions returns a 32³ image with unit illumination.
func DefaultOptions() Options {
	return Options{
		Shape:  [3]int{32, 32, 32},
		Pad:    4,
		PSF:    1,
		ILM:    1,
		ZScale: 1,
		RScale: 1,
		Sigma:  0.05,
	}
}

type span struct{ off, n int }

// Model is a rendered sphere image together with the data it is fitted to.
type Model struct {
	shape [3]int
	pad   int

	names  []string
	layout map[string]span
	params []float64
	n      int

	data  []float64
	image []float64
}

// New builds a model of the given particles and renders it. The data starts
// as a copy of the rendered image.
func New(opts Options, particles []state.Particle) (*Model, error) {
	for a, s := range opts.Shape {
		if s <= 2*opts.Pad {
			return nil, errors.Errorf("axis %d of size %d leaves no interior with padding %d", a, s, opts.Pad)
		}
	}
	n := len(particles)
	m := &Model{
		shape:  opts.Shape,
		pad:    opts.Pad,
		n:      n,
		layout: map[string]span{},
	}
	// pos, rad and typ are laid out first, the scalar blocks after them
	off := 0
	for _, b := range []struct {
		name string
		size int
	}{
		{state.BlockPos, 3 * n}, {state.BlockRad, n}, {state.BlockTyp, n},
		{state.BlockPSF, 1}, {state.BlockILM, 1}, {state.BlockBkg, 1}, {state.BlockOff, 1},
		{state.BlockSlab, 1}, {state.BlockZScale, 1}, {state.BlockRScale, 1}, {state.BlockSigma, 1},
	} {
		m.layout[b.name] = span{off: off, n: b.size}
		m.names = append(m.names, b.name)
		off += b.size
	}
	m.params = make([]float64, off)

	for i, p := range particles {
		a := state.Axes(p.Pos)
		copy(m.params[3*i:], a[:])
		m.params[m.layout[state.BlockRad].off+i] = p.Rad
		m.params[m.layout[state.BlockTyp].off+i] = p.Typ
	}
	for name, v := range map[string]float64{
		state.BlockPSF: opts.PSF, state.BlockILM: opts.ILM, state.BlockBkg: opts.Bkg,
		state.BlockOff: opts.Off, state.BlockSlab: opts.Slab, state.BlockZScale: opts.ZScale,
		state.BlockRScale: opts.RScale, state.BlockSigma: opts.Sigma,
	} {
		m.params[m.layout[name].off] = v
	}

	vol := opts.Shape[0] * opts.Shape[1] * opts.Shape[2]
	m.image = make([]float64, vol)
	m.draw(m.bounds())
	m.data = append([]float64(nil), m.image...)
	return m, nil
}

func (m *Model) bounds() tile.Tile {
	return tile.FromShape(m.shape)
}

func (m *Model) scalar(name string) float64 {
	return m.params[m.layout[name].off]
}

// BlockNames implements state.Model.
func (m *Model) BlockNames() []string {
	return append([]string(nil), m.names...)
}

// Params implements state.Model.
func (m *Model) Params() []float64 {
	return append([]float64(nil), m.params...)
}

// Mask implements state.Model. Unknown names select nothing.
func (m *Model) Mask(name string) state.Block {
	b := state.NewBlock(len(m.params))
	s, ok := m.layout[name]
	if !ok {
		return b
	}
	for i := s.off; i < s.off+s.n; i++ {
		b[i] = true
	}
	return b
}

// ParamIndex returns the flat index of element k of the named block.
func (m *Model) ParamIndex(name string, k int) (int, error) {
	s, ok := m.layout[name]
	if !ok || k < 0 || k >= s.n {
		return 0, errors.Errorf("no element %d in block %q", k, name)
	}
	return s.off + k, nil
}

// SetBlock implements state.Model. Every change redraws the whole image.
func (m *Model) SetBlock(name string, values []float64) error {
	s, ok := m.layout[name]
	if !ok {
		return errors.Wrapf(state.ErrUnsupportedParams, "unknown block %q", name)
	}
	if len(values) != s.n {
		return errors.Errorf("block %q has %d values, got %d", name, s.n, len(values))
	}
	copy(m.params[s.off:], values)
	return m.Reset()
}

// Inner implements state.Model.
func (m *Model) Inner() tile.Tile {
	return m.bounds().Pad(-m.pad)
}

// Difference implements state.Model.
func (m *Model) Difference() []float64 {
	return m.DifferenceIn(m.bounds())
}

// DifferenceIn returns data minus model over the part of t inside the
// interior.
func (m *Model) DifferenceIn(t tile.Tile) []float64 {
	t = t.Intersect(m.Inner())
	out := make([]float64, t.Volume())
	b := m.bounds()
	t.Do(func(c [3]int, i int) {
		k := b.Index(c)
		out[i] = m.data[k] - m.image[k]
	})
	return out
}

// Shape implements state.ParticleModel.
func (m *Model) Shape() [3]int { return m.shape }

// Pad implements state.ParticleModel.
func (m *Model) Pad() int { return m.pad }

// NumParticles implements state.ParticleModel.
func (m *Model) NumParticles() int { return m.n }

// Particle implements state.ParticleModel.
func (m *Model) Particle(i int) state.Particle {
	var a [3]float64
	copy(a[:], m.params[3*i:3*i+3])
	return state.Particle{
		Pos: state.FromAxes(a),
		Rad: m.params[m.layout[state.BlockRad].off+i],
		Typ: m.params[m.layout[state.BlockTyp].off+i],
	}
}

// MoveParticle implements state.ParticleModel.
func (m *Model) MoveParticle(i int, p state.Particle) error {
	if i < 0 || i >= m.n {
		return errors.Errorf("particle %d out of range [0, %d)", i, m.n)
	}
	a := state.Axes(p.Pos)
	copy(m.params[3*i:], a[:])
	m.params[m.layout[state.BlockRad].off+i] = p.Rad
	m.params[m.layout[state.BlockTyp].off+i] = p.Typ
	return nil
}

// support returns the tile holding every voxel a particle draws into.
func (m *Model) support(p state.Particle) tile.Tile {
	ext := m.extent(p)
	zs := m.zscale()
	c := state.Axes(p.Pos)
	var t tile.Tile
	for a := 0; a < 3; a++ {
		e := ext
		if a == 0 {
			e /= zs
		}
		t.L[a] = int(math.Floor(c[a] - e))
		t.R[a] = int(math.Floor(c[a]+e)) + 1
	}
	return t
}

func (m *Model) extent(p state.Particle) float64 {
	return math.Abs(p.Rad*m.scalar(state.BlockRScale)) + 2*m.width()
}

func (m *Model) width() float64 {
	return math.Max(math.Abs(m.scalar(state.BlockPSF)), minWidth)
}

func (m *Model) zscale() float64 {
	return math.Max(math.Abs(m.scalar(state.BlockZScale)), minScale)
}

// TileForChange implements state.ParticleModel.
func (m *Model) TileForChange(old, new state.Particle) state.ChangeTiles {
	outer := m.support(old).Union(m.support(new)).Pad(1).Intersect(m.bounds())
	inner := outer.Inner()
	return state.ChangeTiles{
		Outer:    outer,
		Inner:    inner,
		Interior: inner.Intersect(m.Inner()),
	}
}

// UpdateTile implements state.ParticleModel. The model has no blur, so the
// whole outer tile is redrawn and inner only documents the caller's intent.
func (m *Model) UpdateTile(outer, inner tile.Tile) error {
	if outer.Intersect(inner) != inner {
		return errors.Errorf("inner tile %v outside outer tile %v", inner, outer)
	}
	m.draw(outer)
	return nil
}

// Reset implements state.ParticleModel.
func (m *Model) Reset() error {
	m.draw(m.bounds())
	return nil
}

// edge is a smooth step from 1 at s >= 2w to 0 at s <= -2w.
func edge(s, w float64) float64 {
	t := (s + 2*w) / (4 * w)
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

// draw renders the model into every voxel of t.
func (m *Model) draw(t tile.Tile) {
	b := m.bounds()
	t = t.Intersect(b)
	if t.Empty() {
		return
	}
	w := m.width()
	zs := m.zscale()
	rscale := m.scalar(state.BlockRScale)

	occ := make([]float64, t.Volume())
	for i := 0; i < m.n; i++ {
		p := m.Particle(i)
		s := m.support(p).Intersect(t)
		if s.Empty() {
			continue
		}
		c := state.Axes(p.Pos)
		r := p.Rad * rscale
		s.Do(func(v [3]int, _ int) {
			dz := (float64(v[0]) - c[0]) * zs
			dy := float64(v[1]) - c[1]
			dx := float64(v[2]) - c[2]
			d := math.Sqrt(dz*dz + dy*dy + dx*dx)
			occ[t.Index(v)] += p.Typ * edge(r-d, w)
		})
	}

	slab := m.scalar(state.BlockSlab)
	level := m.scalar(state.BlockOff) + m.scalar(state.BlockBkg)
	ilm := m.scalar(state.BlockILM)
	t.Do(func(v [3]int, i int) {
		o := occ[i] + slab*edge(float64(m.pad-v[0]), w)
		m.image[b.Index(v)] = level + ilm*(1-o)
	})
}

// Image returns a copy of the rendered image.
func (m *Model) Image() []float64 {
	return append([]float64(nil), m.image...)
}

// Data returns a copy of the data the model is compared against.
func (m *Model) Data() []float64 {
	return append([]float64(nil), m.data...)
}

// SetData replaces the data the model is compared against.
func (m *Model) SetData(data []float64) error {
	if len(data) != len(m.image) {
		return errors.Errorf("data has %d voxels, image has %d", len(data), len(m.image))
	}
	m.data = append(m.data[:0], data...)
	return nil
}

// LogLikelihood returns the Gaussian log-likelihood of the residual at the
// model's noise level, up to a constant.
func (m *Model) LogLikelihood() float64 {
	d := m.Difference()
	sigma := math.Max(math.Abs(m.scalar(state.BlockSigma)), minWidth*minScale)
	sum := floats.Dot(d, d)
	return -0.5*sum/(sigma*sigma) - float64(len(d))*math.Log(sigma)
}
