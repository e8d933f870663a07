//go:build portaudio

package doctor

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"subteksto/internal/audio"
	"subteksto/internal/config"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const probeDuration = 2 * time.Second

// probeCapture records a short sample from the configured input device
// (the system default when no index is set), writes it to a WAV file for
// inspection, and reports signal levels.
func probeCapture(cfg *config.Config) []Result {
	drv, err := audio.NewDriver()
	if err != nil {
		return []Result{{Name: "probe capture", Pass: false, Detail: err.Error()}}
	}
	defer drv.Close()

	idx := cfg.Audio.DeviceIndex
	if idx < 0 {
		if idx, err = drv.DefaultInputIndex(); err != nil {
			return []Result{{Name: "probe capture", Pass: false, Detail: err.Error()}}
		}
	}

	rate := cfg.Audio.SampleRate
	var mu sync.Mutex
	var samples []int16
	stream, err := drv.Open(idx, rate, 1, rate/10, func(block []int16) {
		mu.Lock()
		samples = append(samples, block...)
		mu.Unlock()
	}, func(error) {})
	if err != nil {
		return []Result{{Name: "probe capture", Pass: false, Detail: err.Error()}}
	}
	time.Sleep(probeDuration)
	stream.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(samples) == 0 {
		return []Result{{Name: "probe capture", Pass: false, Detail: "no samples captured; is the device muted or held by another process?"}}
	}

	results := []Result{{
		Name: "probe capture", Pass: true,
		Detail: fmt.Sprintf("%d samples in %s from device %d", len(samples), probeDuration, idx),
	}}
	results = append(results, analyseLevels(samples))

	path, err := writeProbeWAV(samples, rate)
	if err != nil {
		results = append(results, Result{Name: "probe wav", Pass: false, Detail: err.Error()})
	} else {
		results = append(results, Result{Name: "probe wav", Pass: true, Detail: path})
	}
	return results
}

func analyseLevels(samples []int16) Result {
	var sum float64
	peak := 0.0
	for _, s := range samples {
		f := math.Abs(float64(s))
		sum += f * f
		if f > peak {
			peak = f
		}
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	rmsDB, peakDB := math.Inf(-1), math.Inf(-1)
	if rms > 0 {
		rmsDB = 20 * math.Log10(rms/32767.0)
	}
	if peak > 0 {
		peakDB = 20 * math.Log10(peak/32767.0)
	}
	detail := fmt.Sprintf("rms %.1f dBFS, peak %.1f dBFS", rmsDB, peakDB)
	if rmsDB <= -55 {
		return Result{Name: "signal level", Pass: false, Detail: detail + " (near silence; check loopback routing)"}
	}
	return Result{Name: "signal level", Pass: true, Detail: detail}
}

func writeProbeWAV(samples []int16, rate int) (string, error) {
	path := filepath.Join(os.TempDir(), "subteksto-probe.wav")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		buf.Data[i] = int(s)
	}
	if err := enc.Write(buf); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return path, nil
}
