package audio

import (
	resampling "github.com/tphakala/go-audio-resampling"
)

// resampler wraps a windowed-sinc polyphase resampler whose internal delay
// line persists across calls to Process, so splitting one logical stream
// across many small pushes produces the same output as one large push.
type resampler struct {
	inputRate  int
	outputRate int
	impl       resampling.Resampler
}

// newResampler builds a mono resampler from inputRate to outputRate. If the
// rates match, Process is a no-op passthrough.
func newResampler(inputRate, outputRate int) (*resampler, error) {
	if inputRate == outputRate {
		return &resampler{inputRate: inputRate, outputRate: outputRate}, nil
	}

	cfg := &resampling.Config{
		InputRate:  float64(inputRate),
		OutputRate: float64(outputRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	}
	impl, err := resampling.New(cfg)
	if err != nil {
		return nil, err
	}
	return &resampler{inputRate: inputRate, outputRate: outputRate, impl: impl}, nil
}

// Process resamples a chunk of mono float32 samples in [-1.0, 1.0],
// consuming and updating the resampler's internal delay-line state.
func (r *resampler) Process(in []float32) ([]float32, error) {
	if r.impl == nil {
		return in, nil
	}

	buf := make([]float64, len(in))
	for i, s := range in {
		buf[i] = float64(s)
	}

	out, err := r.impl.Process(buf)
	if err != nil {
		return nil, err
	}

	result := make([]float32, len(out))
	for i, s := range out {
		result[i] = float32(s)
	}
	return result, nil
}
