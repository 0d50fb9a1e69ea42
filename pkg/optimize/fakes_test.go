package optimize

import (
	"github.com/pkg/errors"

	"volfit/pkg/config"
	"volfit/pkg/state"
	"volfit/pkg/tile"
)

// funcModel is a model with one scalar per block whose residual is a plain
// function of the parameter vector.
type funcModel struct {
	params   []float64
	residual func(p []float64) []float64
	sets     int
}

func newFuncModel(residual func(p []float64) []float64) *funcModel {
	return &funcModel{params: make([]float64, len(state.UpdateOrder)), residual: residual}
}

func (f *funcModel) index(name string) int {
	for i, n := range state.UpdateOrder {
		if n == name {
			return i
		}
	}
	return -1
}

// free returns the block selecting the named scalars.
func (f *funcModel) free(names ...string) state.Block {
	b := state.NewBlock(len(f.params))
	for _, n := range names {
		b[f.index(n)] = true
	}
	return b
}

func (f *funcModel) BlockNames() []string { return append([]string(nil), state.UpdateOrder...) }
func (f *funcModel) Params() []float64    { return append([]float64(nil), f.params...) }

func (f *funcModel) Mask(name string) state.Block {
	b := state.NewBlock(len(f.params))
	if i := f.index(name); i >= 0 {
		b[i] = true
	}
	return b
}

func (f *funcModel) SetBlock(name string, values []float64) error {
	i := f.index(name)
	if i < 0 || len(values) != 1 {
		return errors.Errorf("bad block %q", name)
	}
	f.params[i] = values[0]
	f.sets++
	return nil
}

func (f *funcModel) Difference() []float64 { return f.residual(f.params) }

func (f *funcModel) Inner() tile.Tile {
	return tile.New([3]int{}, [3]int{1, 1, len(f.residual(f.params))})
}

// quadratic has residuals a_i·(3 - off) for a_i = 1..5.
func quadratic(p []float64) []float64 {
	x := p[7]
	out := make([]float64, 5)
	for i := range out {
		out[i] = float64(i+1) * (3 - x)
	}
	return out
}

// cubic has the single residual off³ - 27, whose Gauss-Newton step from a
// small start overshoots far past the root.
func cubic(p []float64) []float64 {
	x := p[7]
	return []float64{x*x*x - 27}
}

// exactLevMarq differentiates on every pixel of a small residual.
func exactLevMarq() config.LevMarq {
	opts := config.DefaultLevMarq()
	opts.Decimate = 1
	opts.Dl = 1e-6
	return opts
}
