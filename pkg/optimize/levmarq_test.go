package optimize

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"volfit/pkg/config"
	"volfit/pkg/sampling"
	"volfit/pkg/state"
	"volfit/pkg/synthetic"
)

func collect(o *Optimizer) *[]Progress {
	var events []Progress
	o.SetProgressCallback(func(p Progress) { events = append(events, p) })
	return &events
}

func TestLevMarqQuadratic(t *testing.T) {
	m := newFuncModel(quadratic)
	o := New(zaptest.NewLogger(t).Sugar())
	events := collect(o)

	_, err := o.LevMarq(m, m.free(state.BlockOff), exactLevMarq())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.params[7], test.ShouldAlmostEqual, 3, 1e-4)

	test.That(t, (*events)[0].Kind, test.ShouldEqual, KindLevMarq)
	test.That(t, (*events)[0].Accepted, test.ShouldBeTrue)
	for _, e := range *events {
		test.That(t, e.Group, test.ShouldEqual, -1)
	}
}

func TestLevMarqMonotonic(t *testing.T) {
	truth, err := synthetic.New(synthetic.DefaultOptions(), []state.Particle{
		synthetic.Scatter(1, [3]int{32, 32, 32}, 4, 4, 6, 1)[0],
	})
	test.That(t, err, test.ShouldBeNil)

	opts := synthetic.DefaultOptions()
	opts.ILM = 0.8
	opts.Off = 0.1
	m, err := synthetic.New(opts, []state.Particle{truth.Particle(0)})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.SetData(truth.Image()), test.ShouldBeNil)

	block := m.Mask(state.BlockILM).Or(m.Mask(state.BlockOff))
	o := New(zaptest.NewLogger(t).Sugar())
	events := collect(o)

	start := state.SquaredError(m)
	lm := exactLevMarq()
	_, err = o.LevMarq(m, block, lm)
	test.That(t, err, test.ShouldBeNil)

	prev := start
	for _, e := range *events {
		test.That(t, e.ErrAfter, test.ShouldBeLessThanOrEqualTo, e.ErrBefore)
		test.That(t, e.ErrBefore, test.ShouldBeLessThanOrEqualTo, prev)
		prev = e.ErrAfter
	}
	test.That(t, state.SquaredError(m), test.ShouldBeLessThan, start*1e-6)

	p := m.Params()
	ilm, _ := m.ParamIndex(state.BlockILM, 0)
	off, _ := m.ParamIndex(state.BlockOff, 0)
	test.That(t, p[ilm], test.ShouldAlmostEqual, 1, 1e-3)
	test.That(t, p[off], test.ShouldAlmostEqual, 0, 1e-3)
}

func TestLevMarqRollbackIsExact(t *testing.T) {
	m := newFuncModel(cubic)
	m.params[7] = 0.1
	o := New(zaptest.NewLogger(t).Sugar())

	var (
		events  []Progress
		params  [][]float64
		rejects int
	)
	o.SetProgressCallback(func(p Progress) {
		events = append(events, p)
		params = append(params, m.Params())
	})

	opts := exactLevMarq()
	opts.NumIter = 2
	opts.DoRun = false
	_, err := o.LevMarq(m, m.free(state.BlockOff), opts)
	test.That(t, err, test.ShouldBeNil)

	for i := 0; i+1 < len(events); i++ {
		if events[i].Accepted {
			continue
		}
		rejects++
		test.That(t, events[i].ErrAfter, test.ShouldEqual, events[i].ErrBefore)
		test.That(t, events[i+1].ErrBefore, test.ShouldEqual, events[i].ErrBefore)
		if i > 0 {
			test.That(t, params[i], test.ShouldResemble, params[i-1])
		}
	}
	test.That(t, rejects, test.ShouldBeGreaterThan, 0)
	test.That(t, events[0].Accepted, test.ShouldBeFalse)
	test.That(t, params[0][7], test.ShouldEqual, 0.1)
	test.That(t, math.Abs(cubic(m.params)[0]), test.ShouldBeLessThanOrEqualTo, 26.999)
}

func TestLevMarqDeterministic(t *testing.T) {
	run := func() ([]Progress, []float64) {
		truth, err := synthetic.New(synthetic.DefaultOptions(), synthetic.Scatter(3, [3]int{32, 32, 32}, 4, 3, 4, 2))
		test.That(t, err, test.ShouldBeNil)
		opts := synthetic.DefaultOptions()
		opts.ILM = 0.9
		opts.Bkg = 0.05
		m, err := synthetic.New(opts, synthetic.Scatter(3, [3]int{32, 32, 32}, 4, 3, 4, 2))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, m.SetData(synthetic.Noisy(truth.Image(), 0.02, 3)), test.ShouldBeNil)

		o := New(nil)
		events := collect(o)
		lm := config.DefaultLevMarq()
		lm.Decimate = 50
		lm.Dl = 1e-5
		_, err = o.LevMarq(m, m.Mask(state.BlockILM).Or(m.Mask(state.BlockBkg)), lm)
		test.That(t, err, test.ShouldBeNil)
		return *events, m.Params()
	}

	e1, p1 := run()
	e2, p2 := run()
	test.That(t, len(e1), test.ShouldBeGreaterThan, 0)
	test.That(t, e1, test.ShouldResemble, e2)
	test.That(t, p1, test.ShouldResemble, p2)
}

func TestLevMarqConfigurationError(t *testing.T) {
	residual := func(p []float64) []float64 { return make([]float64, 100000) }
	m := newFuncModel(residual)
	block := m.free(state.UpdateOrder[:10]...)

	opts := exactLevMarq()
	opts.MaxMem = 1e3
	opts.MinRedundant = 1e6
	_, err := New(nil).LevMarq(m, block, opts)
	test.That(t, errors.Is(err, sampling.ErrConfiguration), test.ShouldBeTrue)
	test.That(t, m.sets, test.ShouldEqual, 0)
}

func TestLevMarqUnsupportedModel(t *testing.T) {
	m := &renamedModel{newFuncModel(quadratic)}
	_, err := New(nil).LevMarq(m, state.BlockOf(11, 7), exactLevMarq())
	test.That(t, errors.Is(err, state.ErrUnsupportedParams), test.ShouldBeTrue)
	test.That(t, m.sets, test.ShouldEqual, 0)
}

// renamedModel declares an extra block the optimisers do not know.
type renamedModel struct {
	*funcModel
}

func (r *renamedModel) BlockNames() []string {
	return append(r.funcModel.BlockNames(), "extra")
}

func TestJacobianRestores(t *testing.T) {
	for _, opts := range []config.Derivative{
		{Dl: 1e-6},
		{Dl: 1e-6, Restore: true},
		{Dl: 1e-6, ThreePoint: true},
	} {
		m := newFuncModel(quadratic)
		m.params[7] = 1
		block := m.free(state.BlockOff, state.BlockILM)
		j, err := Jacobian(m, block.Explode(), nil, opts)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, m.params[7], test.ShouldEqual, 1.0)
		test.That(t, m.params[5], test.ShouldEqual, 0.0)

		r, c := j.Dims()
		test.That(t, r, test.ShouldEqual, 2)
		test.That(t, c, test.ShouldEqual, 5)
		for i := 0; i < c; i++ {
			// ilm comes first in parameter order and does not enter the residual
			test.That(t, j.At(0, i), test.ShouldAlmostEqual, 0, 1e-9)
			test.That(t, j.At(1, i), test.ShouldAlmostEqual, -float64(i+1), 1e-6)
		}
	}

	_, err := Jacobian(newFuncModel(quadratic), nil, nil, config.Derivative{Dl: 1e-6})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLineMin(t *testing.T) {
	m := newFuncModel(quadratic)
	block := m.free(state.BlockOff)
	res, err := New(nil).LineMin(m, block, []float64{1}, 50)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.X, test.ShouldAlmostEqual, 3, 1e-5)
	test.That(t, m.params[7], test.ShouldAlmostEqual, 3, 1e-5)

	_, err = New(nil).LineMin(m, block, []float64{1, 2}, 50)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLineMinRestoresOnFailure(t *testing.T) {
	// keeps decreasing forever, so no bracket is found
	m := newFuncModel(func(p []float64) []float64 { return []float64{1 / math.Sqrt(1+math.Abs(p[7]))} })
	m.params[7] = 2
	_, err := New(nil).LineMin(m, m.free(state.BlockOff), []float64{1}, 10)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, m.params[7], test.ShouldEqual, 2.0)
}

func TestConjGradJTJ(t *testing.T) {
	m := newFuncModel(func(p []float64) []float64 {
		return []float64{1 - p[5], 2*(2-p[7]) + (1 - p[5]), 3 * (2 - p[7])}
	})
	o := New(zaptest.NewLogger(t).Sugar())
	events := collect(o)

	opts := config.DefaultConjGrad()
	opts.Decimate = 1
	opts.LineMaxIter = 50
	err := o.ConjGradJTJ(m, m.free(state.BlockILM, state.BlockOff), opts)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.params[5], test.ShouldAlmostEqual, 1, 1e-4)
	test.That(t, m.params[7], test.ShouldAlmostEqual, 2, 1e-4)

	test.That(t, len(*events), test.ShouldEqual, 4)
	for _, e := range *events {
		test.That(t, e.Kind, test.ShouldEqual, KindSweep)
		test.That(t, e.ErrAfter, test.ShouldBeLessThanOrEqualTo, e.ErrBefore+1e-12)
	}
}

func TestConjGradSkipsDegenerateDirections(t *testing.T) {
	// bkg and off enter only through their sum
	m := newFuncModel(func(p []float64) []float64 {
		s := p[6] + p[7]
		return []float64{1 - s, 2 * (1 - s)}
	})
	o := New(nil)
	events := collect(o)

	opts := config.DefaultConjGrad()
	opts.Decimate = 1
	opts.NumSweeps = 1
	opts.MinEigval = 1e-6
	err := o.ConjGradJTJ(m, m.free(state.BlockBkg, state.BlockOff), opts)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.params[6]+m.params[7], test.ShouldAlmostEqual, 1, 1e-4)
	test.That(t, len(*events), test.ShouldEqual, 1)
}

func TestConjGradRestoresStartOnFailure(t *testing.T) {
	// ilm has a clean minimum, off keeps decreasing so its line search fails
	m := newFuncModel(func(p []float64) []float64 {
		return []float64{10 * (1 - p[5]), 1 / math.Sqrt(1+math.Abs(p[7]))}
	})
	m.params[7] = 2
	before := m.Params()
	o := New(zaptest.NewLogger(t).Sugar())
	events := collect(o)

	opts := config.DefaultConjGrad()
	opts.Decimate = 1
	opts.NumSweeps = 1
	err := o.ConjGradJTJ(m, m.free(state.BlockILM, state.BlockOff), opts)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, m.Params(), test.ShouldResemble, before)

	// the ilm direction was minimised before the failure
	test.That(t, len(*events), test.ShouldEqual, 1)
	test.That(t, (*events)[0].Accepted, test.ShouldBeTrue)
}

func TestConjGradRejectsMismatchedBlock(t *testing.T) {
	m := newFuncModel(quadratic)
	block := state.BlockOf(len(m.params)+3, 7)
	err := New(nil).ConjGradJTJ(m, block, config.DefaultConjGrad())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, m.sets, test.ShouldEqual, 0)
}

func TestRunRollsBackWorseStep(t *testing.T) {
	m := newFuncModel(cubic)
	m.params[7] = 0.1
	block := m.free(state.BlockOff)
	pixels := []int{0}
	j, err := Jacobian(m, block.Explode(), pixels, config.Derivative{Dl: 1e-6})
	test.That(t, err, test.ShouldBeNil)
	sys := NewSystem(j, pixels)

	before := m.Params()
	o := New(zaptest.NewLogger(t).Sugar())
	events := collect(o)

	// the undamped step from 0.1 lands far past the root of off³ - 27
	test.That(t, o.run(m, block, sys, 0, 1e-12, 5), test.ShouldBeNil)
	test.That(t, m.Params(), test.ShouldResemble, before)

	test.That(t, len(*events), test.ShouldEqual, 1)
	e := (*events)[0]
	test.That(t, e.Kind, test.ShouldEqual, KindRun)
	test.That(t, e.Accepted, test.ShouldBeFalse)
	test.That(t, e.ErrAfter, test.ShouldEqual, e.ErrBefore)
}
