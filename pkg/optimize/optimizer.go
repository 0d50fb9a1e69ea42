// Package optimize fits the parameters of an image-formation model to data.
//
// It provides three optimisers that share one damping controller and one
// normal-equations solver:
//
//   - LevMarq, a stochastic Levenberg-Marquardt over any block of global
//     parameters, with a Jacobian measured on a random subset of pixels
//   - ConjGradJTJ, a sweep of line searches along the eigenvectors of JTJ
//   - LevMarqParticles, an exact Levenberg-Marquardt over the position and
//     radius of a group of particles, measured on the tile they affect
//
// Every optimiser mutates the model in place and leaves it either at an
// accepted state or at the state it had before the rejected step.
package optimize

import (
	"go.uber.org/zap"
)

// Kinds of progress events.
const (
	KindLevMarq   = "levmarq"
	KindRun       = "run"
	KindSweep     = "sweep"
	KindParticles = "particles"
	KindGroup     = "group"
)

// Progress describes one step of an optimiser.
type Progress struct {
	// Kind is one of the Kind* constants
	Kind string

	// Iteration is the zero-based step number within the call
	Iteration int

	// Group is the partition group being optimised, -1 outside group runs
	Group int

	Accepted  bool
	ErrBefore float64
	ErrAfter  float64

	Damp  float64
	DDamp float64

	// Degenerate counts the directions dropped from the solve
	Degenerate int
}

// ProgressFunc receives a Progress after every step.
type ProgressFunc func(Progress)

// Optimizer runs the fitting routines against a model. It holds no model
// state between calls; the damping state starts from the options of each
// call.
type Optimizer struct {
	logger   *zap.SugaredLogger
	progress ProgressFunc
	group    int
}

// New creates an optimizer logging to logger. A nil logger discards output.
func New(logger *zap.SugaredLogger) *Optimizer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Optimizer{logger: logger, group: -1}
}

// SetProgressCallback installs fn to receive a Progress after every step.
//
// Example usage:
//
//	opt.SetProgressCallback(func(p optimize.Progress) {
//		fmt.Printf("%s %d: %.4g -> %.4g\n", p.Kind, p.Iteration, p.ErrBefore, p.ErrAfter)
//	})
func (o *Optimizer) SetProgressCallback(fn ProgressFunc) {
	o.progress = fn
}

func (o *Optimizer) report(p Progress) {
	p.Group = o.group
	if o.progress != nil {
		o.progress(p)
	}
}
