package audio

import "math"

// resampler converts int16 PCM between sample rates with linear
// interpolation. It carries the last sample and a fractional position
// across blocks so frame boundaries stay continuous.
type resampler struct {
	from, to int
	pos      float64
	last     int16
	primed   bool
}

func newResampler(from, to int) *resampler {
	return &resampler{from: from, to: to}
}

func (r *resampler) reset() {
	r.pos = 0
	r.last = 0
	r.primed = false
}

func (r *resampler) process(in []int16) []int16 {
	if r.from == r.to || len(in) == 0 {
		return in
	}
	ext := make([]int16, 0, len(in)+1)
	if r.primed {
		ext = append(ext, r.last)
	}
	ext = append(ext, in...)
	if len(ext) < 2 {
		r.last = ext[0]
		r.primed = true
		return nil
	}

	step := float64(r.from) / float64(r.to)
	out := make([]int16, 0, int(float64(len(in))/step)+2)
	x := r.pos
	for {
		i := int(x)
		if i+1 >= len(ext) {
			break
		}
		frac := x - float64(i)
		v := float64(ext[i])*(1-frac) + float64(ext[i+1])*frac
		out = append(out, int16(math.Round(v)))
		x += step
	}
	r.pos = x - float64(len(ext)-1)
	r.last = ext[len(ext)-1]
	r.primed = true
	return out
}

// downmix averages interleaved multi-channel int16 samples to mono.
func downmix(in []int16, channels int) []int16 {
	if channels <= 1 {
		return in
	}
	frames := len(in) / channels
	out := make([]int16, frames)
	idx := 0
	for f := 0; f < frames; f++ {
		acc := 0
		for c := 0; c < channels; c++ {
			acc += int(in[idx])
			idx++
		}
		out[f] = int16(acc / channels)
	}
	return out
}

// bytesFromSamples converts int16 samples to little-endian PCM bytes.
func bytesFromSamples(in []int16) []byte {
	out := make([]byte, len(in)*2)
	for i, s := range in {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// samplesFromBytes converts little-endian PCM bytes to int16 samples.
func samplesFromBytes(in []byte) []int16 {
	out := make([]int16, len(in)/2)
	for i := range out {
		out[i] = int16(in[2*i]) | int16(in[2*i+1])<<8
	}
	return out
}
