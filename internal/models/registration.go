package models

// MinPathLength is the shortest path string treated as "set". Anything of
// this length or shorter is considered an empty form field and ignored.
const MinPathLength = 4

// RegistrationParameters holds the five DEEDS hyperparameters.
// GridSpacing, MaxSearchRadius and StepQuantisation are initial values for the
// coarsest pyramid level; each finer level uses one less.
type RegistrationParameters struct {
	// Regularisation is the smoothness weight alpha (-a)
	Regularisation float64 `yaml:"regularisation"`

	// NumLevels is the number of pyramid levels (-l)
	NumLevels int `yaml:"numLevels"`

	// GridSpacing is the initial control-point grid spacing (-G)
	GridSpacing int `yaml:"gridSpacing"`

	// MaxSearchRadius is the initial maximum displacement search radius (-L)
	MaxSearchRadius int `yaml:"maxSearchRadius"`

	// StepQuantisation is the initial displacement quantisation step (-Q)
	StepQuantisation int `yaml:"stepQuantisation"`
}

// DefaultRegistrationParameters returns the defaults used by the plugin UI
func DefaultRegistrationParameters() RegistrationParameters {
	return RegistrationParameters{
		Regularisation:   1.6,
		NumLevels:        5,
		GridSpacing:      8,
		MaxSearchRadius:  8,
		StepQuantisation: 5,
	}
}

// Values returns the parameters as the ordered 5-tuple
// (regularisation, numLevels, gridSpacing, maxSearchRadius, stepQuantisation)
func (p RegistrationParameters) Values() []float64 {
	return []float64{
		p.Regularisation,
		float64(p.NumLevels),
		float64(p.GridSpacing),
		float64(p.MaxSearchRadius),
		float64(p.StepQuantisation),
	}
}

// PipelineConfig selects which stages run and where results go
type PipelineConfig struct {
	// IncludeAffineStep runs the linear pre-registration before deeds
	IncludeAffineStep bool `yaml:"includeAffineStep"`

	// PrecomputedAffinePath loads an affine matrix instead of running linear
	PrecomputedAffinePath string `yaml:"precomputedAffinePath"`

	// PrecomputedDeformablePath loads a deformed volume instead of running deeds
	PrecomputedDeformablePath string `yaml:"precomputedDeformablePath"`

	// OutputFolder receives copies of the inputs, results and params.txt
	OutputFolder string `yaml:"outputFolder"`

	// DeleteTemporaryFiles removes the working directory after the run
	DeleteTemporaryFiles bool `yaml:"deleteTemporaryFiles"`
}

// UseAffineFromFile reports whether a precomputed affine matrix is supplied
func (c PipelineConfig) UseAffineFromFile() bool {
	return PathIsSet(c.PrecomputedAffinePath)
}

// UseDeformableFromFile reports whether a precomputed deformed volume is supplied
func (c PipelineConfig) UseDeformableFromFile() bool {
	return PathIsSet(c.PrecomputedDeformablePath)
}

// HasOutputFolder reports whether results should be persisted
func (c PipelineConfig) HasOutputFolder() bool {
	return PathIsSet(c.OutputFolder)
}

// PathIsSet reports whether a path string is long enough to be meaningful
func PathIsSet(path string) bool {
	return len(path) > MinPathLength
}
