package optimize

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"volfit/pkg/state"
)

// Report holds the fit quality metrics of a model against its data.
type Report struct {
	// Error is the total squared residual
	Error float64

	// RMSE is the root mean square residual per interior pixel. For a good
	// fit it approaches the noise level.
	RMSE float64

	// Mean and StdDev describe the residual distribution. A mean far from
	// zero points at a missing offset or background term.
	Mean   float64
	StdDev float64

	Pixels int
}

// Summarize computes the fit report of m.
func Summarize(m state.Model) Report {
	d := m.Difference()
	r := Report{Pixels: len(d)}
	if len(d) == 0 {
		return r
	}
	r.Error = floats.Dot(d, d)
	r.RMSE = math.Sqrt(r.Error / float64(len(d)))
	r.Mean, r.StdDev = stat.MeanStdDev(d, nil)
	return r
}

func (r Report) String() string {
	return fmt.Sprintf("error %.6g, rmse %.4g, residual mean %.3g std %.3g over %d pixels",
		r.Error, r.RMSE, r.Mean, r.StdDev, r.Pixels)
}

// Similarity compares two images of the same shape.
type Similarity struct {
	RMSE float64

	// SSIM is the global structural similarity index, 1 for identical images
	SSIM float64

	// Correlation is the Pearson correlation of the voxel values
	Correlation float64
}

// Compare computes the similarity of a reconstructed image to a reference.
// Mismatched or empty inputs give the zero Similarity.
func Compare(reference, image []float64) Similarity {
	n := len(reference)
	if n != len(image) || n == 0 {
		return Similarity{}
	}
	var s Similarity
	s.RMSE = floats.Distance(reference, image, 2) / math.Sqrt(float64(n))
	s.SSIM = ssim(reference, image)
	if n > 1 {
		s.Correlation = stat.Correlation(reference, image, nil)
	}
	return s
}

// ssim computes the structural similarity index over the whole image with
// the dynamic range taken from the reference.
func ssim(x, y []float64) float64 {
	const k1, k2 = 0.01, 0.03
	l := floats.Max(x) - floats.Min(x)
	if l == 0 {
		l = 1
	}
	c1 := (k1 * l) * (k1 * l)
	c2 := (k2 * l) * (k2 * l)

	muX := stat.Mean(x, nil)
	muY := stat.Mean(y, nil)
	var varX, varY, cov float64
	if len(x) > 1 {
		varX = stat.Variance(x, nil)
		varY = stat.Variance(y, nil)
		cov = stat.Covariance(x, y, nil)
	}

	num := (2*muX*muY + c1) * (2*cov + c2)
	den := (muX*muX + muY*muY + c1) * (varX + varY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}
