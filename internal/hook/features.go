package hook

import (
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// features holds the per-frame analysis of one signal.
type features struct {
	fps      float64
	energy   []float64
	flux     []float64
	centroid []float64
}

func (f features) frames() int { return len(f.flux) }

// analyze frames x with centred, zero-padded windows and computes smoothed
// RMS energy, spectral flux and spectral centroid per frame.
func analyze(x []float64, cfg Config) features {
	w, h := cfg.WindowSize, cfg.HopSize
	n := 1 + (len(x)-1)/h
	f := features{
		fps:      float64(cfg.AnalysisRate) / float64(h),
		energy:   make([]float64, n),
		flux:     make([]float64, n),
		centroid: make([]float64, n),
	}

	hann := make([]float64, w)
	for i := range hann {
		hann[i] = 1
	}
	window.Hann(hann)

	fft := fourier.NewFFT(w)
	bins := w/2 + 1
	binHz := float64(cfg.AnalysisRate) / float64(w)
	frame := make([]float64, w)
	windowed := make([]float64, w)
	coeffs := make([]complex128, bins)
	mag := make([]float64, bins)
	prev := make([]float64, bins)

	for i := 0; i < n; i++ {
		offset := i*h - w/2
		for j := range frame {
			k := offset + j
			if k < 0 || k >= len(x) {
				frame[j] = 0
				continue
			}
			frame[j] = x[k]
		}
		f.energy[i] = math.Sqrt(floats.Dot(frame, frame) / float64(w))

		floats.MulTo(windowed, frame, hann)
		coeffs = fft.Coefficients(coeffs, windowed)
		var total, weighted, flux float64
		for k, c := range coeffs {
			m := cmplx.Abs(c)
			mag[k] = m
			total += m
			weighted += float64(k) * binHz * m
			if d := m - prev[k]; d > 0 {
				flux += d
			}
		}
		if i > 0 {
			f.flux[i] = flux
		}
		if total > 0 {
			f.centroid[i] = weighted / total
		}
		prev, mag = mag, prev
	}
	f.energy = movingAverage(f.energy, cfg.EnergySmoothing)
	return f
}

// movingAverage is a centred mean of the given width, truncated at the edges.
func movingAverage(x []float64, width int) []float64 {
	if width <= 1 || len(x) == 0 {
		return x
	}
	sums := prefixSums(x)
	half := width / 2
	out := make([]float64, len(x))
	for i := range x {
		lo, hi := clampRange(i-half, i+half+1, len(x))
		out[i] = (sums[hi] - sums[lo]) / float64(hi-lo)
	}
	return out
}

// onsetPeaks returns frame indices whose flux is a local maximum within
// PeakRadius and exceeds the adaptive threshold, after suppressing weaker
// peaks within MinPeakDistance. The result is in ascending frame order.
func onsetPeaks(flux []float64, cfg Config) []int {
	var found []int
	for i, v := range flux {
		if v <= 0 {
			continue
		}
		lo, hi := clampRange(i-cfg.PeakRadius, i+cfg.PeakRadius+1, len(flux))
		if v < floats.Max(flux[lo:hi]) {
			continue
		}
		lo, hi = clampRange(i-cfg.ThresholdRadius, i+cfg.ThresholdRadius+1, len(flux))
		if hi-lo < 2 {
			continue
		}
		mean, std := stat.MeanStdDev(flux[lo:hi], nil)
		if v <= mean+cfg.ThresholdK*std {
			continue
		}
		found = append(found, i)
	}

	byStrength := append([]int(nil), found...)
	sort.SliceStable(byStrength, func(a, b int) bool {
		return flux[byStrength[a]] > flux[byStrength[b]]
	})
	kept := make([]int, 0, len(byStrength))
	for _, idx := range byStrength {
		suppressed := false
		for _, k := range kept {
			if abs(idx-k) < cfg.MinPeakDistance {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, idx)
		}
	}
	sort.Ints(kept)
	return kept
}

func prefixSums(x []float64) []float64 {
	out := make([]float64, len(x)+1)
	for i, v := range x {
		out[i+1] = out[i] + v
	}
	return out
}

func clampRange(lo, hi, n int) (int, int) {
	if lo < 0 {
		lo = 0
	}
	if hi > n {
		hi = n
	}
	return lo, hi
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
