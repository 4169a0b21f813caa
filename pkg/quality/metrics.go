// Package quality scores how well a registered volume matches the fixed volume.
//
// The scores are intensity-based and need no segmentation:
//   - RMSE of the min-max normalised intensities (lower is better)
//   - Pearson correlation (higher is better, at most 1)
//   - global SSIM over the normalised intensities (at most 1)
//   - mutual information from a joint histogram, in bits (higher is better)
//   - absolute difference of the Shannon entropies, in bits (lower is better)
//
// Running Compare on (fixed, moving) and (fixed, deformed) shows whether the
// registration improved the alignment.
package quality

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"deedsreg/internal/models"
	regerrors "deedsreg/pkg/errors"
)

const (
	// entropyBins is the histogram resolution for the marginal entropies
	entropyBins = 256

	// jointBins is the per-axis resolution of the joint histogram
	jointBins = 64
)

// Metrics holds the similarity scores between two volumes.
type Metrics struct {
	RMSE              float64 `yaml:"rmse"`
	Correlation       float64 `yaml:"correlation"`
	SSIM              float64 `yaml:"ssim"`
	MutualInformation float64 `yaml:"mutualInformation"`
	EntropyDiff       float64 `yaml:"entropyDifference"`
}

// String formats the metrics for a log line.
func (m Metrics) String() string {
	return fmt.Sprintf("RMSE=%.4f r=%.4f SSIM=%.4f MI=%.4f dH=%.4f",
		m.RMSE, m.Correlation, m.SSIM, m.MutualInformation, m.EntropyDiff)
}

// Compare scores target against reference. Both volumes must have the same shape.
func Compare(reference, target *models.Volume) (Metrics, error) {
	if reference == nil || target == nil {
		return Metrics{}, regerrors.New(regerrors.ErrCodeInvalidRequest, "both volumes are required")
	}
	if reference.Shape() != target.Shape() || len(reference.Data) != len(target.Data) {
		return Metrics{}, regerrors.NewWithContext(regerrors.ErrCodeInvalidRequest,
			"volumes must have the same shape",
			map[string]any{"reference": reference.Shape(), "target": target.Shape()})
	}
	if len(reference.Data) == 0 {
		return Metrics{}, regerrors.New(regerrors.ErrCodeInvalidRequest, "volumes are empty")
	}

	x := normalize(reference.Data)
	y := normalize(target.Data)

	return Metrics{
		RMSE:              calculateRMSE(x, y),
		Correlation:       calculateCorrelation(x, y),
		SSIM:              calculateSSIM(x, y),
		MutualInformation: calculateMutualInformation(x, y),
		EntropyDiff:       calculateEntropyDifference(x, y),
	}, nil
}

// normalize maps data linearly onto [0, 1]. A constant input maps to zeros.
func normalize(data []float64) []float64 {
	out := make([]float64, len(data))
	lo, hi := floats.Min(data), floats.Max(data)
	if hi <= lo {
		return out
	}
	scale := 1 / (hi - lo)
	for i, v := range data {
		out[i] = (v - lo) * scale
	}
	return out
}

// calculateRMSE computes the root mean square error
func calculateRMSE(x, y []float64) float64 {
	return floats.Distance(x, y, 2) / math.Sqrt(float64(len(x)))
}

// calculateCorrelation returns the Pearson coefficient, or 0 when either
// input has no variance
func calculateCorrelation(x, y []float64) float64 {
	r := stat.Correlation(x, y, nil)
	if math.IsNaN(r) {
		return 0
	}
	return r
}

// calculateSSIM computes the Structural Similarity Index over the whole volume
func calculateSSIM(x, y []float64) float64 {
	// inputs are normalised, so the dynamic range is 1
	const L = 1.0
	const k1 = 0.01
	const k2 = 0.03

	c1 := (k1 * L) * (k1 * L)
	c2 := (k2 * L) * (k2 * L)

	if len(x) < 2 {
		return 0
	}

	muX := stat.Mean(x, nil)
	muY := stat.Mean(y, nil)
	sigmaX := stat.Variance(x, nil)
	sigmaY := stat.Variance(y, nil)
	sigmaXY := stat.Covariance(x, y, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

// calculateMutualInformation estimates I(X;Y) in bits from a joint histogram
// of values already in [0, 1]
func calculateMutualInformation(x, y []float64) float64 {
	n := float64(len(x))
	joint := make([]float64, jointBins*jointBins)
	px := make([]float64, jointBins)
	py := make([]float64, jointBins)

	for i := range x {
		bx, by := bin(x[i], jointBins), bin(y[i], jointBins)
		joint[bx*jointBins+by]++
		px[bx]++
		py[by]++
	}

	mi := 0.0
	for bx := 0; bx < jointBins; bx++ {
		if px[bx] == 0 {
			continue
		}
		for by := 0; by < jointBins; by++ {
			c := joint[bx*jointBins+by]
			if c == 0 {
				continue
			}
			pxy := c / n
			mi += pxy * math.Log2(pxy/((px[bx]/n)*(py[by]/n)))
		}
	}
	return mi
}

// calculateEntropyDifference computes the entropy difference
func calculateEntropyDifference(x, y []float64) float64 {
	return math.Abs(calculateEntropy(x) - calculateEntropy(y))
}

// calculateEntropy computes the Shannon entropy of data in [0, 1]
func calculateEntropy(data []float64) float64 {
	n := len(data)
	if n == 0 {
		return 0
	}

	hist := make([]float64, entropyBins)
	for _, v := range data {
		hist[bin(v, entropyBins)]++
	}

	entropy := 0.0
	for _, count := range hist {
		if count > 0 {
			p := count / float64(n)
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

// bin maps v in [0, 1] onto [0, bins), clamping out-of-range values
func bin(v float64, bins int) int {
	idx := int(v * float64(bins))
	if idx >= bins {
		return bins - 1
	}
	if idx < 0 {
		return 0
	}
	return idx
}
