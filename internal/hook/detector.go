// Package hook finds the most engaging segment of an audio track.
//
// A track is scored at every plausible cut start by three features: loudness
// over the cut, the strength of the onset the cut begins on, and how much the
// timbre moves around it. The highest weighted sum wins.
package hook

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrInsufficientAudio is returned when the track is shorter than the cut.
	ErrInsufficientAudio = errors.New("insufficient audio")
	// ErrInvalidDuration is returned for a non-positive requested duration.
	ErrInvalidDuration = errors.New("requested duration must be positive")
)

const epsilon = 1e-9

// Detector scores candidate cut points. It holds no mutable state and is safe
// for concurrent use.
type Detector struct {
	cfg Config
}

// NewDetector builds a Detector from cfg.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// AnalysisRate is the mono sample rate features are computed at.
func (d *Detector) AnalysisRate() int {
	return d.cfg.AnalysisRate
}

// candidate is one prospective cut start.
type candidate struct {
	frame int
	start float64

	energy   float64
	onset    float64
	spectral float64

	score float64
}

// DetectHook returns the start, in seconds, of the best cut of
// requestedDuration seconds. totalDuration is the source length; when it is
// not positive the decoded length is used.
func (d *Detector) DetectHook(sig Signal, totalDuration, requestedDuration float64) (float64, error) {
	cands, err := d.rank(sig, totalDuration, requestedDuration)
	if err != nil {
		return 0, err
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.score > best.score {
			best = c
		}
	}
	return best.start, nil
}

func (d *Detector) rank(sig Signal, totalDuration, requestedDuration float64) ([]candidate, error) {
	if math.IsNaN(requestedDuration) || requestedDuration <= 0 {
		return nil, ErrInvalidDuration
	}
	if sig.SampleRate <= 0 || sig.Channels <= 0 {
		return nil, fmt.Errorf("invalid signal: rate %d, channels %d", sig.SampleRate, sig.Channels)
	}
	if totalDuration <= 0 {
		totalDuration = sig.Duration()
	}
	if totalDuration < requestedDuration {
		return nil, fmt.Errorf("%w: %.2fs available, %.2fs requested", ErrInsufficientAudio, totalDuration, requestedDuration)
	}
	mono := resample(downmix(sig), sig.SampleRate, d.cfg.AnalysisRate)
	if len(mono) == 0 {
		return nil, fmt.Errorf("%w: no samples decoded", ErrInsufficientAudio)
	}

	feats := analyze(mono, d.cfg)
	cands := d.candidates(feats, totalDuration, requestedDuration)
	d.score(feats, cands, requestedDuration)
	return cands, nil
}

// candidates lists onset peaks that leave room for the cut, adding a uniform
// grid when onsets are scarce. The result is sorted by start.
func (d *Detector) candidates(f features, total, req float64) []candidate {
	latest := total - req
	seen := make(map[int]struct{})
	var out []candidate
	for _, frame := range onsetPeaks(f.flux, d.cfg) {
		start := float64(frame) / f.fps
		if start > latest+epsilon {
			continue
		}
		seen[frame] = struct{}{}
		out = append(out, candidate{frame: frame, start: start})
	}
	if len(out) < d.cfg.MinOnsets {
		for i := 0; ; i++ {
			start := float64(i) * d.cfg.GridStep
			if start > latest+epsilon {
				break
			}
			frame := int(math.Round(start * f.fps))
			if frame >= f.frames() {
				frame = f.frames() - 1
			}
			if _, dup := seen[frame]; dup {
				continue
			}
			seen[frame] = struct{}{}
			out = append(out, candidate{frame: frame, start: start})
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].start < out[b].start })
	return out
}

// score fills the raw sub-scores, normalizes each across all candidates and
// computes the weighted composite.
func (d *Detector) score(f features, cands []candidate, req float64) {
	n := f.frames()
	energySums := prefixSums(f.energy)
	centSums := prefixSums(f.centroid)
	sq := make([]float64, n)
	for i, c := range f.centroid {
		sq[i] = c * c
	}
	centSqSums := prefixSums(sq)
	halfSpan := req * f.fps / 2

	for i := range cands {
		c := &cands[i]

		lo := int(math.Ceil(c.start*f.fps - epsilon))
		hi := int(math.Ceil((c.start+req)*f.fps - epsilon))
		lo, hi = clampRange(lo, hi, n)
		if hi <= lo {
			idx := min(lo, n-1)
			c.energy = f.energy[idx]
		} else {
			c.energy = (energySums[hi] - energySums[lo]) / float64(hi-lo)
		}

		lo, hi = clampRange(c.frame-d.cfg.PeakRadius, c.frame+d.cfg.PeakRadius+1, n)
		for _, v := range f.flux[lo:hi] {
			c.onset = math.Max(c.onset, v)
		}

		lo = int(math.Round(float64(c.frame) - halfSpan))
		hi = int(math.Round(float64(c.frame)+halfSpan)) + 1
		lo, hi = clampRange(lo, hi, n)
		if count := hi - lo; count >= 2 {
			mean := (centSums[hi] - centSums[lo]) / float64(count)
			c.spectral = math.Max(0, (centSqSums[hi]-centSqSums[lo])/float64(count)-mean*mean)
		}
	}

	energy := normalize(cands, func(c *candidate) *float64 { return &c.energy })
	onset := normalize(cands, func(c *candidate) *float64 { return &c.onset })
	spectral := normalize(cands, func(c *candidate) *float64 { return &c.spectral })
	for i := range cands {
		cands[i].score = d.cfg.EnergyWeight*energy[i] +
			d.cfg.OnsetWeight*onset[i] +
			d.cfg.SpectralWeight*spectral[i]
	}
}

// normalize min-max scales one sub-score across the candidates to [0, 1].
// When every value is equal the sub-score contributes nothing.
func normalize(cands []candidate, field func(*candidate) *float64) []float64 {
	out := make([]float64, len(cands))
	if len(cands) == 0 {
		return out
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := range cands {
		v := *field(&cands[i])
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	span := hi - lo
	if span <= 0 {
		return out
	}
	for i := range cands {
		out[i] = (*field(&cands[i]) - lo) / span
	}
	return out
}
