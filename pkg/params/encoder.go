// Package params translates registration hyperparameters into deeds command-line
// flags.
//
// Multiresolution parameters are stepped: for an initial value p and n pyramid
// levels the flag value is "p x p-1 x ... x p-(n-1)", joined by a literal 'x'.
package params

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"deedsreg/internal/models"
	regerrors "deedsreg/pkg/errors"
)

// Stepped builds the per-level value string, decreasing by 1 per level.
// Stepped(8, 5) == "8x7x6x5x4".
func Stepped(initial, levels int) string {
	values := make([]string, 0, levels)
	for i := 0; i < levels; i++ {
		values = append(values, strconv.Itoa(initial-i))
	}
	return strings.Join(values, "x")
}

// Validate checks that p can be stepped down to the finest level without
// reaching a non-positive value.
func Validate(p models.RegistrationParameters) error {
	if p.NumLevels < 1 {
		return regerrors.NewWithContext(regerrors.ErrCodeInvalidRequest,
			"number of levels must be at least 1",
			map[string]any{"numLevels": p.NumLevels})
	}
	if math.IsNaN(p.Regularisation) || math.IsInf(p.Regularisation, 0) || p.Regularisation < 0 {
		return regerrors.NewWithContext(regerrors.ErrCodeInvalidRequest,
			"regularisation must be a finite non-negative number",
			map[string]any{"regularisation": p.Regularisation})
	}

	stepped := []struct {
		name  string
		value int
	}{
		{"gridSpacing", p.GridSpacing},
		{"maxSearchRadius", p.MaxSearchRadius},
		{"stepQuantisation", p.StepQuantisation},
	}
	for _, s := range stepped {
		if finest := s.value - (p.NumLevels - 1); finest < 1 {
			return regerrors.NewWithContext(regerrors.ErrCodeInvalidRequest,
				fmt.Sprintf("%s %d cannot be stepped over %d levels", s.name, s.value, p.NumLevels),
				map[string]any{s.name: s.value, "numLevels": p.NumLevels, "finest": finest})
		}
	}
	return nil
}

// DeformableFlags returns the deeds parameter tokens:
// -a <reg:.3f> -l <levels> -G <stepped> -L <stepped> -Q <stepped>
func DeformableFlags(p models.RegistrationParameters) []string {
	return []string{
		"-a", fmt.Sprintf("%.3f", p.Regularisation),
		"-l", strconv.Itoa(p.NumLevels),
		"-G", Stepped(p.GridSpacing, p.NumLevels),
		"-L", Stepped(p.MaxSearchRadius, p.NumLevels),
		"-Q", Stepped(p.StepQuantisation, p.NumLevels),
	}
}

// FormatRecord renders the five parameters as comma-separated values with
// five decimals, the params.txt format.
func FormatRecord(p models.RegistrationParameters) string {
	values := p.Values()
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = fmt.Sprintf("%.5f", v)
	}
	return strings.Join(out, ",")
}
