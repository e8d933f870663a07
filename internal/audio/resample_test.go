package audio

import "testing"

func TestResamplerIdentity(t *testing.T) {
	r := newResampler(16000, 16000)
	in := []int16{1, 2, 3, 4}
	out := r.process(in)
	if len(out) != len(in) {
		t.Fatalf("identity resample changed length: %d", len(out))
	}
}

func TestResamplerHalvesRate(t *testing.T) {
	r := newResampler(32000, 16000)
	in := make([]int16, 3200) // 100ms at 32kHz
	for i := range in {
		in[i] = int16(i % 100)
	}
	out := r.process(in)
	// 100ms at 16kHz, within one sample of boundary carry.
	if len(out) < 1599 || len(out) > 1601 {
		t.Fatalf("expected ~1600 samples, got %d", len(out))
	}
}

func TestResamplerContinuousAcrossBlocks(t *testing.T) {
	whole := newResampler(48000, 16000)
	split := newResampler(48000, 16000)

	in := make([]int16, 4800)
	for i := range in {
		in[i] = int16((i * 7) % 1000)
	}
	wholeOut := whole.process(in)
	splitOut := append([]int16{}, split.process(in[:1700])...)
	splitOut = append(splitOut, split.process(in[1700:])...)

	if len(wholeOut) != len(splitOut) {
		t.Fatalf("split processing changed length: %d vs %d", len(wholeOut), len(splitOut))
	}
	for i := range wholeOut {
		if wholeOut[i] != splitOut[i] {
			t.Fatalf("sample %d differs: %d vs %d", i, wholeOut[i], splitOut[i])
		}
	}
}

func TestResamplerUpsamples(t *testing.T) {
	r := newResampler(16000, 48000)
	out := r.process(make([]int16, 160))
	if len(out) < 477 || len(out) > 480 {
		t.Fatalf("expected ~480 samples, got %d", len(out))
	}
}

func TestDownmixAverages(t *testing.T) {
	in := []int16{100, 200, -50, 50}
	out := downmix(in, 2)
	if len(out) != 2 || out[0] != 150 || out[1] != 0 {
		t.Fatalf("unexpected downmix: %v", out)
	}
	if got := downmix(in, 1); len(got) != 4 {
		t.Fatalf("mono passthrough changed length")
	}
}

func TestSampleByteRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768}
	got := samplesFromBytes(bytesFromSamples(in))
	for i := range in {
		if got[i] != in[i] {
			t.Fatalf("sample %d: %d != %d", i, got[i], in[i])
		}
	}
}
