// Package state defines the contract between the optimisers and the external
// image-formation model they fit, together with the parameter-block
// bookkeeping and the ordered global update shared by every optimiser.
package state

import (
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"volfit/pkg/tile"
)

// Names of the parameter blocks a model must declare.
const (
	BlockPos    = "pos"
	BlockRad    = "rad"
	BlockTyp    = "typ"
	BlockPSF    = "psf"
	BlockILM    = "ilm"
	BlockBkg    = "bkg"
	BlockOff    = "off"
	BlockSlab   = "slab"
	BlockZScale = "zscale"
	BlockRScale = "rscale"
	BlockSigma  = "sigma"
)

// UpdateOrder is the order in which named blocks are pushed into the model.
// zscale goes first because the object field depends on it; the particle
// blocks follow so the object is rebuilt before any field that is drawn on
// top of it.
var UpdateOrder = []string{
	BlockZScale,
	BlockPos, BlockRad, BlockTyp,
	BlockPSF, BlockILM, BlockBkg, BlockOff, BlockSlab,
	BlockRScale, BlockSigma,
}

// ErrUnsupportedParams is returned when a model declares a parameter set other
// than the one the optimisers know how to update.
var ErrUnsupportedParams = errors.New("model has parameters that are not supported")

// Model is the narrow view of the image-formation model used by the global
// optimisers.
type Model interface {
	// BlockNames lists the declared parameter blocks.
	BlockNames() []string

	// Params returns a copy of the flat parameter vector.
	Params() []float64

	// Mask returns the block selecting the named parameters.
	Mask(name string) Block

	// SetBlock replaces every value of the named block and recomputes all
	// fields derived from it.
	SetBlock(name string, values []float64) error

	// Difference returns data minus model over the interior region in
	// row-major order.
	Difference() []float64

	// Inner is the interior region that Difference covers.
	Inner() tile.Tile
}

// Particle is the object state of one particle.
type Particle struct {
	Pos r3.Vector
	Rad float64
	Typ float64
}

// Axes returns the components of v in (z, y, x) order, matching the order of
// tile coordinates and image shapes.
func Axes(v r3.Vector) [3]float64 {
	return [3]float64{v.Z, v.Y, v.X}
}

// FromAxes is the inverse of Axes.
func FromAxes(a [3]float64) r3.Vector {
	return r3.Vector{X: a[2], Y: a[1], Z: a[0]}
}

// ChangeTiles are the regions affected by moving a particle.
type ChangeTiles struct {
	// Outer bounds every voxel whose model value can change, padding included
	Outer tile.Tile

	// Inner is Outer without its one-voxel boundary
	Inner tile.Tile

	// Interior is the part of Inner that lies within Model.Inner
	Interior tile.Tile
}

// ParticleModel adds the incremental particle primitives used by the
// particle-local optimiser.
type ParticleModel interface {
	Model

	// Shape is the (z, y, x) extent of the image.
	Shape() [3]int

	// Pad is the number of voxels the model pads the image with.
	Pad() int

	NumParticles() int
	Particle(i int) Particle

	// TileForChange computes the tiles affected by moving a particle from old
	// to new without committing anything.
	TileForChange(old, new Particle) ChangeTiles

	// MoveParticle changes the object state of particle i without redrawing
	// the model image.
	MoveParticle(i int, p Particle) error

	// UpdateTile redraws the model image inside the given tiles from the
	// current object state.
	UpdateTile(outer, inner tile.Tile) error

	// DifferenceIn returns data minus model over t in row-major order.
	DifferenceIn(t tile.Tile) []float64

	// Reset discards every incrementally cached field and redraws the model.
	Reset() error
}

// CheckBlocks verifies that the model declares exactly the supported blocks.
func CheckBlocks(m Model) error {
	got := append([]string(nil), m.BlockNames()...)
	want := append([]string(nil), UpdateOrder...)
	sort.Strings(got)
	sort.Strings(want)
	if len(got) != len(want) {
		return errors.Wrapf(ErrUnsupportedParams, "declared %v", got)
	}
	for i := range got {
		if got[i] != want[i] {
			return errors.Wrapf(ErrUnsupportedParams, "declared %v", got)
		}
	}
	return nil
}

// UpdateGlobal sets the parameters selected by block to values and pushes
// every touched named block into the model in UpdateOrder. len(values) must
// equal block.Count().
func UpdateGlobal(m Model, block Block, values []float64) error {
	if err := CheckBlocks(m); err != nil {
		return err
	}
	if len(values) != block.Count() {
		return errors.Errorf("got %d values for a block of %d parameters", len(values), block.Count())
	}

	next := m.Params()
	block.Scatter(next, values)

	for _, name := range UpdateOrder {
		mask := m.Mask(name)
		if !mask.And(block).Any() {
			continue
		}
		if err := m.SetBlock(name, mask.Gather(next)); err != nil {
			return errors.Wrapf(err, "updating block %q", name)
		}
	}
	return nil
}

// SquaredError returns the total squared residual of the model.
func SquaredError(m Model) float64 {
	d := m.Difference()
	return floats.Dot(d, d)
}
