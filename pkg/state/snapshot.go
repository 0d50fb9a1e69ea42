package state

// Snapshot holds the values of a block at one point in time so they can be
// put back on every exit path of a routine that perturbs the model.
type Snapshot struct {
	block  Block
	values []float64
}

// Take records the current values of block.
func Take(m Model, block Block) Snapshot {
	return Snapshot{block: block, values: block.Gather(m.Params())}
}

// Values returns a copy of the recorded values.
func (s Snapshot) Values() []float64 {
	return append([]float64(nil), s.values...)
}

// Block returns the block the snapshot covers.
func (s Snapshot) Block() Block {
	return s.block
}

// Restore pushes the recorded values back into the model.
func (s Snapshot) Restore(m Model) error {
	return UpdateGlobal(m, s.block, s.values)
}

// Equal reports whether the model currently holds the recorded values to
// within tol.
func (s Snapshot) Equal(m Model, tol float64) bool {
	cur := s.block.Gather(m.Params())
	for i := range cur {
		d := cur[i] - s.values[i]
		if d > tol || d < -tol {
			return false
		}
	}
	return true
}
