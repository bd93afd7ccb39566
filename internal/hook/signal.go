package hook

import "math"

// Signal is decoded interleaved PCM.
type Signal struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Duration returns the signal length in seconds.
func (s Signal) Duration() float64 {
	if s.SampleRate <= 0 || s.Channels <= 0 {
		return 0
	}
	return float64(len(s.Samples)/s.Channels) / float64(s.SampleRate)
}

// downmix averages the channels of each sample frame.
func downmix(s Signal) []float64 {
	ch := s.Channels
	n := len(s.Samples) / ch
	out := make([]float64, n)
	if ch == 1 {
		for i := range out {
			out[i] = float64(s.Samples[i])
		}
		return out
	}
	scale := 1 / float64(ch)
	for i := range out {
		var sum float64
		for c := 0; c < ch; c++ {
			sum += float64(s.Samples[i*ch+c])
		}
		out[i] = sum * scale
	}
	return out
}

// resample converts x from one rate to another. Decimation averages each
// output sample's input span; upsampling interpolates linearly.
func resample(x []float64, from, to int) []float64 {
	if from == to || len(x) == 0 {
		return x
	}
	ratio := float64(from) / float64(to)
	n := int(math.Floor(float64(len(x)) / ratio))
	if n == 0 {
		n = 1
	}
	out := make([]float64, n)
	if from > to {
		for i := range out {
			lo := int(math.Floor(float64(i) * ratio))
			hi := int(math.Floor(float64(i+1) * ratio))
			if hi > len(x) {
				hi = len(x)
			}
			if hi <= lo {
				hi = lo + 1
			}
			if lo >= len(x) {
				lo, hi = len(x)-1, len(x)
			}
			var sum float64
			for _, v := range x[lo:hi] {
				sum += v
			}
			out[i] = sum / float64(hi-lo)
		}
		return out
	}
	last := len(x) - 1
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= last {
			out[i] = x[last]
			continue
		}
		frac := pos - float64(j)
		out[i] = x[j]*(1-frac) + x[j+1]*frac
	}
	return out
}
