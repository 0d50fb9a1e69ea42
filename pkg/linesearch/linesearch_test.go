package linesearch

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func parabola(center float64) Func {
	return func(x float64) (float64, error) {
		d := x - center
		return 1 + d*d, nil
	}
}

func TestBracketAlreadyValid(t *testing.T) {
	br, err := FindBracket(parabola(0.3), InitialStep)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, br.A, test.ShouldEqual, -2.0)
	test.That(t, br.B, test.ShouldEqual, 0.0)
	test.That(t, br.C, test.ShouldEqual, 2.0)
}

func TestBracketExtends(t *testing.T) {
	for _, center := range []float64{25, -25, 3.5} {
		br, err := FindBracket(parabola(center), InitialStep)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, br.FB, test.ShouldBeLessThanOrEqualTo, br.FA)
		test.That(t, br.FB, test.ShouldBeLessThanOrEqualTo, br.FC)
		lo, hi := math.Min(br.A, br.C), math.Max(br.A, br.C)
		test.That(t, center, test.ShouldBeBetween, lo, hi)
		test.That(t, br.B, test.ShouldBeBetween, lo, hi)
	}
}

func TestBracketUnbounded(t *testing.T) {
	linear := func(x float64) (float64, error) { return -x, nil }
	_, err := FindBracket(linear, InitialStep)
	test.That(t, errors.Is(err, ErrNoBracket), test.ShouldBeTrue)
}

func TestBrentFindsMinimum(t *testing.T) {
	f := func(x float64) (float64, error) { return math.Cosh(x-1.25) + 0.5, nil }
	res, err := Search(f, 100)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.X, test.ShouldAlmostEqual, 1.25, 1e-5)
	test.That(t, res.F, test.ShouldAlmostEqual, 1.5, 1e-9)
	test.That(t, res.F, test.ShouldBeLessThanOrEqualTo, res.F0)
	test.That(t, res.Evals, test.ShouldBeGreaterThan, 3)
}

func TestSearchFarMinimum(t *testing.T) {
	res, err := Search(parabola(-40), 100)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.X, test.ShouldAlmostEqual, -40, 1e-4)
}

func TestSearchBoundedIterations(t *testing.T) {
	evals := 0
	f := func(x float64) (float64, error) {
		evals++
		return math.Abs(x - 0.7), nil
	}
	res, err := Search(f, 4)
	test.That(t, err, test.ShouldBeNil)
	// three bracket points and at most four refinements
	test.That(t, evals, test.ShouldBeLessThanOrEqualTo, 7)
	test.That(t, res.F, test.ShouldBeLessThanOrEqualTo, res.F0)
}

func TestSearchPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	f := func(x float64) (float64, error) {
		if x > 1 {
			return 0, boom
		}
		return x * x, nil
	}
	_, err := Search(f, 10)
	test.That(t, errors.Is(err, boom), test.ShouldBeTrue)
}

func TestSearchKeepsOptimalStart(t *testing.T) {
	f := func(x float64) (float64, error) {
		if x == 0 {
			return 1, nil
		}
		return 3 + math.Abs(x)*1e-3, nil
	}
	res, err := Search(f, 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.X, test.ShouldEqual, 0.0)
	test.That(t, res.F, test.ShouldEqual, 1.0)
}

func TestSearchFailureOnUnorderedStart(t *testing.T) {
	f := func(x float64) (float64, error) {
		if x == 0 {
			return math.NaN(), nil
		}
		return 1 + x*x, nil
	}
	_, err := Search(f, 10)
	test.That(t, errors.Is(err, ErrLineSearchFailure), test.ShouldBeTrue)
}
