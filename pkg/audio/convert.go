package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Resample converts mono float samples from srcRate to dstRate using linear
// interpolation. If the rates match (or either is invalid) the input is
// returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// DownmixInterleaved averages interleaved multi-channel float samples into
// mono. channels <= 1 returns the input unchanged.
func DownmixInterleaved(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Normaliser brings incoming sample blocks to the mono target rate expected by
// the session. It logs a warning on the first mismatch only. Create one per
// stream; not designed for shared use across goroutines.
type Normaliser struct {
	TargetRate int

	warned sync.Once
}

// Normalise converts samples delivered at rate with the given channel count to
// mono at n.TargetRate.
func (n *Normaliser) Normalise(samples []float32, rate, channels int) []float32 {
	if rate == n.TargetRate && channels <= 1 {
		return samples
	}
	n.warned.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(rate, channels),
			"to", formatString(n.TargetRate, 1),
		)
	})
	return Resample(DownmixInterleaved(samples, channels), rate, n.TargetRate)
}

// formatString returns a human-readable string such as "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
