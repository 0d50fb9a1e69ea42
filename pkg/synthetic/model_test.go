package synthetic

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"volfit/pkg/state"
	"volfit/pkg/tile"
)

func sphere(z, y, x, r float64) state.Particle {
	return state.Particle{Pos: r3.Vector{X: x, Y: y, Z: z}, Rad: r, Typ: 1}
}

func newModel(t *testing.T, particles ...state.Particle) *Model {
	t.Helper()
	m, err := New(DefaultOptions(), particles)
	test.That(t, err, test.ShouldBeNil)
	return m
}

func TestDeclaresSupportedBlocks(t *testing.T) {
	m := newModel(t, sphere(16, 16, 16, 4))
	test.That(t, state.CheckBlocks(m), test.ShouldBeNil)
	test.That(t, m.Mask(state.BlockPos).Count(), test.ShouldEqual, 3)
	test.That(t, m.Mask(state.BlockOff).Count(), test.ShouldEqual, 1)
	test.That(t, m.Mask("nope").Any(), test.ShouldBeFalse)

	idx, err := m.ParamIndex(state.BlockRad, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Params()[idx], test.ShouldEqual, 4.0)
	_, err = m.ParamIndex(state.BlockRad, 1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRendersSphere(t *testing.T) {
	m := newModel(t, sphere(16, 16, 16, 4))
	img := m.Image()
	b := tile.FromShape(m.Shape())

	// dark inside, bright far away
	test.That(t, img[b.Index([3]int{16, 16, 16})], test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, img[b.Index([3]int{5, 5, 5})], test.ShouldAlmostEqual, 1, 1e-12)
	edgeValue := img[b.Index([3]int{16, 16, 20})]
	test.That(t, edgeValue, test.ShouldBeBetween, 0.0, 1.0)

	test.That(t, m.Difference(), test.ShouldResemble, make([]float64, m.Inner().Volume()))
}

func TestTileUpdateMatchesFullRedraw(t *testing.T) {
	m := newModel(t, sphere(12, 12, 12, 3), sphere(18, 17, 16, 3.5), sphere(20, 10, 22, 2.5))
	moved := sphere(13.3, 12.6, 11.2, 3.4)

	tiles := m.TileForChange(m.Particle(0), moved)
	test.That(t, m.MoveParticle(0, moved), test.ShouldBeNil)
	test.That(t, m.UpdateTile(tiles.Outer, tiles.Inner), test.ShouldBeNil)
	incremental := m.Image()

	test.That(t, m.Reset(), test.ShouldBeNil)
	test.That(t, m.Image(), test.ShouldResemble, incremental)
	test.That(t, m.Particle(0), test.ShouldResemble, moved)
}

func TestChangeTiles(t *testing.T) {
	m := newModel(t, sphere(16, 16, 16, 4))
	p := m.Particle(0)
	tiles := m.TileForChange(p, p)
	// radius 4 plus an edge of 2 voxels and one voxel of slack
	test.That(t, tiles.Outer, test.ShouldResemble, tile.New([3]int{9, 9, 9}, [3]int{24, 24, 24}))
	test.That(t, tiles.Inner, test.ShouldResemble, tiles.Outer.Inner())
	test.That(t, tiles.Interior, test.ShouldResemble, tiles.Inner.Intersect(m.Inner()))

	far := sphere(1, 1, 1, 4)
	clipped := m.TileForChange(p, far).Outer
	test.That(t, clipped.L, test.ShouldResemble, [3]int{0, 0, 0})
	test.That(t, clipped.R, test.ShouldResemble, [3]int{24, 24, 24})
}

func TestSetBlockRedraws(t *testing.T) {
	m := newModel(t, sphere(16, 16, 16, 4))
	idx, err := m.ParamIndex(state.BlockOff, 0)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, state.UpdateGlobal(m, state.BlockOf(len(m.Params()), idx), []float64{0.25}), test.ShouldBeNil)
	d := m.Difference()
	test.That(t, stat.Mean(d, nil), test.ShouldAlmostEqual, -0.25, 1e-12)
	test.That(t, floats.Max(d), test.ShouldAlmostEqual, -0.25, 1e-12)

	err = m.SetBlock(state.BlockOff, []float64{1, 2})
	test.That(t, err, test.ShouldNotBeNil)
	err = m.SetBlock("nope", nil)
	test.That(t, errors.Is(err, state.ErrUnsupportedParams), test.ShouldBeTrue)
}

func TestDifferenceInClipsToInterior(t *testing.T) {
	m := newModel(t, sphere(16, 16, 16, 4))
	test.That(t, len(m.DifferenceIn(tile.New([3]int{0, 0, 0}, [3]int{6, 6, 6}))), test.ShouldEqual, 8)
	test.That(t, len(m.DifferenceIn(tile.New([3]int{0, 0, 0}, [3]int{3, 3, 3}))), test.ShouldEqual, 0)
	test.That(t, len(m.Difference()), test.ShouldEqual, 24*24*24)
}

func TestSetDataAndLikelihood(t *testing.T) {
	m := newModel(t, sphere(16, 16, 16, 4))
	best := m.LogLikelihood()

	noisy := Noisy(m.Image(), 0.05, 1)
	test.That(t, m.SetData(noisy), test.ShouldBeNil)
	test.That(t, m.LogLikelihood(), test.ShouldBeLessThan, best)
	test.That(t, m.Data(), test.ShouldResemble, noisy)

	_, std := stat.MeanStdDev(m.Difference(), nil)
	test.That(t, std, test.ShouldAlmostEqual, 0.05, 0.005)

	test.That(t, m.SetData([]float64{1}), test.ShouldNotBeNil)
}

func TestNewRejectsSmallImage(t *testing.T) {
	opts := DefaultOptions()
	opts.Shape = [3]int{8, 32, 32}
	_, err := New(opts, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestScatterAndJitter(t *testing.T) {
	shape := [3]int{32, 32, 32}
	ps := Scatter(20, shape, 4, 3, 2, 9)
	test.That(t, len(ps), test.ShouldEqual, 20)
	for _, p := range ps {
		for _, v := range state.Axes(p.Pos) {
			test.That(t, v, test.ShouldBeBetween, 6.0, 26.0)
		}
	}

	moved := Jitter(ps, 0.5, 0.2, 4)
	for i := range ps {
		test.That(t, moved[i].Pos.Sub(ps[i].Pos).Norm(), test.ShouldBeLessThanOrEqualTo, 0.5*1.7321)
		test.That(t, moved[i].Rad-ps[i].Rad, test.ShouldBeBetween, -0.2, 0.2)
	}
	test.That(t, Jitter(ps, 0.5, 0.2, 4), test.ShouldResemble, moved)
}
