package state

// Block is a boolean mask over the flat parameter vector selecting the
// scalar parameters that are free in an optimisation call.
type Block []bool

// NewBlock returns an all-false block over n parameters.
func NewBlock(n int) Block {
	return make(Block, n)
}

// BlockOf returns a block over n parameters with the given indices set.
func BlockOf(n int, idx ...int) Block {
	b := NewBlock(n)
	for _, i := range idx {
		b[i] = true
	}
	return b
}

// Count returns the number of free parameters.
func (b Block) Count() int {
	n := 0
	for _, v := range b {
		if v {
			n++
		}
	}
	return n
}

// Any reports whether at least one parameter is free.
func (b Block) Any() bool {
	for _, v := range b {
		if v {
			return true
		}
	}
	return false
}

// Indices returns the positions of the free parameters in ascending order.
func (b Block) Indices() []int {
	idx := make([]int, 0, len(b))
	for i, v := range b {
		if v {
			idx = append(idx, i)
		}
	}
	return idx
}

// And returns the intersection of two blocks of equal length.
func (b Block) And(o Block) Block {
	out := NewBlock(len(b))
	for i := range b {
		out[i] = b[i] && i < len(o) && o[i]
	}
	return out
}

// Or returns the union of two blocks of equal length.
func (b Block) Or(o Block) Block {
	out := NewBlock(len(b))
	for i := range b {
		out[i] = b[i] || (i < len(o) && o[i])
	}
	return out
}

// Explode splits the block into one single-parameter block per free
// parameter, in ascending parameter order.
func (b Block) Explode() []Block {
	idx := b.Indices()
	out := make([]Block, len(idx))
	for k, i := range idx {
		out[k] = BlockOf(len(b), i)
	}
	return out
}

// Gather copies the values selected by the block out of a full vector.
func (b Block) Gather(params []float64) []float64 {
	out := make([]float64, 0, b.Count())
	for i, v := range b {
		if v {
			out = append(out, params[i])
		}
	}
	return out
}

// Scatter writes values into the positions selected by the block.
// len(values) must equal b.Count().
func (b Block) Scatter(params, values []float64) {
	k := 0
	for i, v := range b {
		if v {
			params[i] = values[k]
			k++
		}
	}
}
