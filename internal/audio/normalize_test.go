package audio

import "testing"

func TestClipSamples(t *testing.T) {
	samples := []float32{0.5, 1.5, -1.5, -0.3, 1.0}
	clipSamples(samples)

	expected := []float32{0.5, 1.0, -1.0, -0.3, 1.0}
	for i := range samples {
		if samples[i] != expected[i] {
			t.Errorf("index %d: expected %v, got %v", i, expected[i], samples[i])
		}
	}
}

func TestAgcSamples_Silence(t *testing.T) {
	samples := []float32{0, 0, 0}
	out := agcSamples(samples, 0.2, 0.9)
	for _, s := range out {
		if s != 0 {
			t.Errorf("expected silence to stay silent, got %v", s)
		}
	}
}

func TestAgcSamples_MatchesTargetRMSRoughly(t *testing.T) {
	samples := []float32{0.05, -0.05, 0.05, -0.05}
	agcSamples(samples, 0.2, 0.9)
	rms := calculateRMS(samples)
	if rms < 0.19 || rms > 0.21 {
		t.Errorf("expected RMS near 0.2, got %v", rms)
	}
}

func TestCalculateRMS_Empty(t *testing.T) {
	if calculateRMS(nil) != 0 {
		t.Error("expected RMS of empty slice to be 0")
	}
}

func TestParseNormalizeMode(t *testing.T) {
	cases := map[string]NormalizeMode{
		"clip": NormalizeClip,
		"agc":  NormalizeAGC,
		"off":  NormalizeOff,
		"":     NormalizeOff,
	}
	for in, want := range cases {
		if got := ParseNormalizeMode(in); got != want {
			t.Errorf("ParseNormalizeMode(%q) = %v, want %v", in, got, want)
		}
	}
}
