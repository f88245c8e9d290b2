package audio

import "math"

// NormalizeMode selects how a frame's samples are leveled before they reach
// the ASR client.
type NormalizeMode int

const (
	// NormalizeOff passes samples through unchanged.
	NormalizeOff NormalizeMode = iota
	// NormalizeClip hard-clips samples to [-1.0, 1.0]; no gain is applied.
	NormalizeClip
	// NormalizeAGC matches samples to a target RMS level with a limiter,
	// for callers that want automatic gain control rather than a bare clip.
	NormalizeAGC
)

// ParseNormalizeMode maps a configuration string to a NormalizeMode.
func ParseNormalizeMode(s string) NormalizeMode {
	switch s {
	case "clip":
		return NormalizeClip
	case "agc":
		return NormalizeAGC
	default:
		return NormalizeOff
	}
}

const (
	defaultTargetRMS          = 0.2
	defaultLimiterThresholdDb = -1.0
)

func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}

// normalize applies the selected leveling strategy to samples in place and
// returns the same slice.
func normalize(samples []float32, mode NormalizeMode) []float32 {
	switch mode {
	case NormalizeClip:
		return clipSamples(samples)
	case NormalizeAGC:
		return agcSamples(samples, defaultTargetRMS, dbToLinear(defaultLimiterThresholdDb))
	default:
		return samples
	}
}

// clipSamples hard-clips each sample to [-1.0, 1.0] without applying gain.
func clipSamples(samples []float32) []float32 {
	for i, s := range samples {
		if s > 1.0 {
			samples[i] = 1.0
		} else if s < -1.0 {
			samples[i] = -1.0
		}
	}
	return samples
}

// agcSamples matches samples to targetRMS and limits the result to
// limiterThreshold, mirroring the level-matching behavior of a classic
// automatic-gain-control normalizer.
func agcSamples(samples []float32, targetRMS, limiterThreshold float64) []float32 {
	rms := calculateRMS(samples)
	if rms == 0 {
		return samples
	}
	gain := targetRMS / rms
	for i, s := range samples {
		v := float64(s) * gain
		if v > limiterThreshold {
			v = limiterThreshold
		} else if v < -limiterThreshold {
			v = -limiterThreshold
		}
		samples[i] = float32(v)
	}
	return samples
}

// calculateRMS computes the root-mean-square level of float32 samples in
// [-1.0, 1.0].
func calculateRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0.0
	}
	sum := 0.0
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
