package hook

// Config tunes the analysis. Zero fields take the DefaultConfig value.
type Config struct {
	// AnalysisRate is the mono sample rate features are computed at.
	AnalysisRate int
	// WindowSize is the frame length W in samples.
	WindowSize int
	// HopSize is the frame advance H in samples.
	HopSize int
	// EnergySmoothing is the moving-average width, in frames, applied to RMS.
	EnergySmoothing int
	// ThresholdRadius is the half-width, in frames, of the adaptive onset
	// threshold neighbourhood.
	ThresholdRadius int
	// ThresholdK multiplies the local standard deviation.
	ThresholdK float64
	// PeakRadius is the half-width, in frames, a peak must dominate.
	PeakRadius int
	// MinPeakDistance suppresses weaker peaks closer than this many frames.
	MinPeakDistance int
	// MinOnsets below which the uniform grid is added to the candidates.
	MinOnsets int
	// GridStep is the spacing of fallback candidates in seconds.
	GridStep float64

	EnergyWeight   float64
	OnsetWeight    float64
	SpectralWeight float64
}

// DefaultConfig returns the tuned analysis parameters.
func DefaultConfig() Config {
	return Config{
		AnalysisRate:    22050,
		WindowSize:      2048,
		HopSize:         512,
		EnergySmoothing: 5,
		ThresholdRadius: 22,
		ThresholdK:      1.0,
		PeakRadius:      3,
		MinPeakDistance: 43,
		MinOnsets:       3,
		GridStep:        1.0,
		EnergyWeight:    0.4,
		OnsetWeight:     0.3,
		SpectralWeight:  0.3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AnalysisRate <= 0 {
		c.AnalysisRate = d.AnalysisRate
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.HopSize <= 0 {
		c.HopSize = c.WindowSize / 4
	}
	if c.EnergySmoothing <= 0 {
		c.EnergySmoothing = d.EnergySmoothing
	}
	if c.ThresholdRadius <= 0 {
		c.ThresholdRadius = d.ThresholdRadius
	}
	if c.ThresholdK <= 0 {
		c.ThresholdK = d.ThresholdK
	}
	if c.PeakRadius <= 0 {
		c.PeakRadius = d.PeakRadius
	}
	if c.MinPeakDistance <= 0 {
		c.MinPeakDistance = d.MinPeakDistance
	}
	if c.MinOnsets <= 0 {
		c.MinOnsets = d.MinOnsets
	}
	if c.GridStep <= 0 {
		c.GridStep = d.GridStep
	}
	if c.EnergyWeight == 0 && c.OnsetWeight == 0 && c.SpectralWeight == 0 {
		c.EnergyWeight, c.OnsetWeight, c.SpectralWeight = d.EnergyWeight, d.OnsetWeight, d.SpectralWeight
	}
	return c
}
