package config

import (
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RegionSize is a per-axis box size. In YAML it is written either as a
// single integer (a cube) or as a three-element list.
type RegionSize [3]int

// Cube returns a region size with equal sides.
func Cube(n int) RegionSize {
	return RegionSize{n, n, n}
}

// UnmarshalYAML accepts a scalar or a sequence of three integers.
func (r *RegionSize) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var n int
		if err := node.Decode(&n); err != nil {
			return errors.Wrap(err, "region size")
		}
		*r = Cube(n)
		return nil
	case yaml.SequenceNode:
		var s []int
		if err := node.Decode(&s); err != nil {
			return errors.Wrap(err, "region size")
		}
		if len(s) != 3 {
			return errors.Errorf("region size needs 3 values, got %d", len(s))
		}
		copy(r[:], s)
		return nil
	default:
		return errors.New("region size must be an integer or a list of 3 integers")
	}
}

// MarshalYAML writes cubes as a scalar.
func (r RegionSize) MarshalYAML() (interface{}, error) {
	if r[0] == r[1] && r[1] == r[2] {
		return r[0], nil
	}
	return r[:], nil
}
