// Package audio implements the Frame Assembler: it turns PCM S16LE chunks of
// arbitrary size into fixed-duration mono float32 frames ready for an ASR
// client, resampling and leveling them on the way.
package audio

import (
	"errors"
	"fmt"
)

// ErrInvalidPcmAlignment is returned when a chunk's byte length is odd, i.e.
// does not divide evenly into whole S16LE samples.
var ErrInvalidPcmAlignment = errors.New("audio: pcm chunk is not aligned to whole samples")

// ErrEmptyChunk is returned when Push is called with zero bytes.
var ErrEmptyChunk = errors.New("audio: pcm chunk is empty")

// Frame is one fixed-duration slice of mono float32 samples in [-1.0, 1.0],
// tagged with its position in the session's output stream.
type Frame struct {
	Seq     uint64
	Samples []float32
}

// Config configures an Assembler.
type Config struct {
	InputSampleRateHz  int
	InputChannels      int
	TargetSampleRateHz int
	TargetFrameSamples int // samples per output frame, at TargetSampleRateHz
	NormalizeMode      NormalizeMode
}

// Assembler runs the unpack -> mono-mix -> resample -> normalize -> frame
// pipeline for a single session. It is not safe for concurrent use; a
// session's producer goroutine owns it exclusively.
type Assembler struct {
	cfg       Config
	resampler *resampler
	carry     *sampleRingBuffer
	nextSeq   uint64

	// pendingBytes holds raw PCM bytes left over from the last Push that
	// didn't fill a whole interleaved channel-frame (InputChannels S16LE
	// samples). It is always shorter than one channel-frame and its length
	// is always even, since Push rejects an odd-length chunk outright.
	pendingBytes []byte
}

// NewAssembler builds an Assembler for the given input/output audio profile.
func NewAssembler(cfg Config) (*Assembler, error) {
	if cfg.InputChannels <= 0 {
		return nil, fmt.Errorf("audio: input channels must be positive, got %d", cfg.InputChannels)
	}
	if cfg.TargetFrameSamples <= 0 {
		return nil, fmt.Errorf("audio: target frame samples must be positive, got %d", cfg.TargetFrameSamples)
	}

	rs, err := newResampler(cfg.InputSampleRateHz, cfg.TargetSampleRateHz)
	if err != nil {
		return nil, fmt.Errorf("audio: building resampler: %w", err)
	}

	return &Assembler{
		cfg:       cfg,
		resampler: rs,
		carry:     newSampleRingBuffer(cfg.TargetFrameSamples * 8),
	}, nil
}

// Push unpacks a PCM S16LE chunk, mono-mixes, resamples, normalizes, and
// returns every complete frame the chunk produced, in sequence order. The
// resampler's delay-line state persists across calls, so output is
// independent of how the caller chose to split the byte stream.
//
// pcm's length must be a multiple of 2 (whole S16LE samples); it need not be
// a multiple of a full interleaved channel-frame. A sample left over at a
// channel-frame boundary is carried internally and prepended to the next
// Push, rather than rejected.
func (a *Assembler) Push(pcm []byte) ([]Frame, error) {
	if len(pcm) == 0 {
		return nil, ErrEmptyChunk
	}
	if len(pcm)%2 != 0 {
		return nil, ErrInvalidPcmAlignment
	}

	combined := pcm
	if len(a.pendingBytes) > 0 {
		combined = append(a.pendingBytes, pcm...)
		a.pendingBytes = nil
	}

	bytesPerFrame := 2 * a.cfg.InputChannels
	usable := len(combined) - len(combined)%bytesPerFrame
	if usable < len(combined) {
		a.pendingBytes = append([]byte(nil), combined[usable:]...)
	}
	combined = combined[:usable]

	if len(combined) == 0 {
		return nil, nil
	}

	mono := interleavedToMono(combined, a.cfg.InputChannels)

	resampled, err := a.resampler.Process(mono)
	if err != nil {
		return nil, fmt.Errorf("audio: resampling: %w", err)
	}

	normalize(resampled, a.cfg.NormalizeMode)

	// The carry buffer holds only a few frames, so a large chunk is fed
	// through it in pieces, draining complete frames after each piece.
	var frames []Frame
	for len(resampled) > 0 {
		n := a.carry.Write(resampled)
		resampled = resampled[n:]
		frames = append(frames, a.drainFrames()...)
	}
	return frames, nil
}

// Flush drains any samples remaining in the carry buffer as one final frame,
// zero-padded to TargetFrameSamples, or returns nil if there is nothing
// pending. Any raw bytes still held in pendingBytes (a channel-frame that
// never completed) are zero-padded to a full channel-frame and folded in
// first, so a session's very last partial sample is not silently dropped.
func (a *Assembler) Flush() *Frame {
	if len(a.pendingBytes) > 0 {
		bytesPerFrame := 2 * a.cfg.InputChannels
		padded := make([]byte, bytesPerFrame)
		copy(padded, a.pendingBytes)
		a.pendingBytes = nil

		mono := interleavedToMono(padded, a.cfg.InputChannels)
		if resampled, err := a.resampler.Process(mono); err == nil {
			normalize(resampled, a.cfg.NormalizeMode)
			if a.carry.Space() >= len(resampled) {
				a.carry.Write(resampled)
			}
		}
	}

	remaining := a.carry.Available()
	if remaining == 0 {
		return nil
	}

	buf := make([]float32, a.cfg.TargetFrameSamples)
	n := a.carry.Read(buf)
	_ = n // buf is already zero-padded past n by make()

	frame := Frame{Seq: a.nextSeq, Samples: buf}
	a.nextSeq++
	return &frame
}

func (a *Assembler) drainFrames() []Frame {
	var frames []Frame
	for a.carry.Available() >= a.cfg.TargetFrameSamples {
		buf := make([]float32, a.cfg.TargetFrameSamples)
		a.carry.Read(buf)
		frames = append(frames, Frame{Seq: a.nextSeq, Samples: buf})
		a.nextSeq++
	}
	return frames
}

// interleavedToMono unpacks little-endian S16LE samples and averages them
// across channels into float32 samples in [-1.0, 1.0].
func interleavedToMono(pcm []byte, channels int) []float32 {
	sampleCount := len(pcm) / 2
	frameCount := sampleCount / channels
	out := make([]float32, frameCount)

	for f := 0; f < frameCount; f++ {
		var sum int32
		for c := 0; c < channels; c++ {
			idx := (f*channels + c) * 2
			s := int16(pcm[idx]) | int16(pcm[idx+1])<<8
			sum += int32(s)
		}
		avg := float32(sum) / float32(channels)
		out[f] = avg / 32768.0
	}
	return out
}
