package audio

import (
	"sync"
	"testing"
	"time"

	"subteksto/internal/config"
	"subteksto/internal/logging"
)

// fakeDriver simulates a host with a switchable default device.
type fakeDriver struct {
	mu       sync.Mutex
	devices  []DeviceInfo
	defIdx   int
	opens    []int
	cb       func([]int16)
	failOpen bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		devices: []DeviceInfo{
			{Index: 0, Name: "Loopback Monitor", MaxInputChannels: 2, DefaultSampleRate: 48000},
			{Index: 1, Name: "Builtin Mic", MaxInputChannels: 1, DefaultSampleRate: 16000},
		},
	}
}

func (d *fakeDriver) Devices() ([]DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DeviceInfo{}, d.devices...), nil
}

func (d *fakeDriver) DefaultInputIndex() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.defIdx, nil
}

func (d *fakeDriver) Open(deviceIndex, sampleRate, channels, framesPerBuffer int, cb func([]int16), onError func(error)) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failOpen {
		return nil, errNoInputDevices
	}
	d.opens = append(d.opens, deviceIndex)
	d.cb = cb
	return fakeStream{}, nil
}

func (d *fakeDriver) Close() error { return nil }

func (d *fakeDriver) push(block []int16) {
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	if cb != nil {
		cb(block)
	}
}

func (d *fakeDriver) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.opens)
}

func (d *fakeDriver) lastOpen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.opens) == 0 {
		return -1
	}
	return d.opens[len(d.opens)-1]
}

type fakeStream struct{}

func (fakeStream) Close() error { return nil }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Audio.SampleRate = 16000
	cfg.Audio.ChunkSeconds = 0.01 // 160 samples per frame
	cfg.Audio.CheckInterval = 0.02
	return cfg
}

func TestSourceEmitsFixedFramesWithMonotonicIndex(t *testing.T) {
	drv := newFakeDriver()
	src := NewSource(testConfig(), drv, logging.NewTestLogger())
	if err := src.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer src.Stop()

	// 2.5 frames worth of samples, split oddly across blocks.
	drv.push(make([]int16, 100))
	drv.push(make([]int16, 200))
	drv.push(make([]int16, 100))

	want := 160 * 2 // bytes
	for i := 0; i < 2; i++ {
		select {
		case f := <-src.Frames():
			if len(f.PCM) != want {
				t.Fatalf("frame %d: %d bytes, want %d", i, len(f.PCM), want)
			}
			if f.Index != uint64(i) {
				t.Fatalf("frame %d: index %d", i, f.Index)
			}
			if f.SampleRate != 16000 {
				t.Fatalf("frame %d: rate %d", i, f.SampleRate)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
}

func TestSourceResamplesDeviceRate(t *testing.T) {
	cfg := testConfig()
	cfg.Audio.DeviceSampleRate = 32000
	drv := newFakeDriver()
	src := NewSource(cfg, drv, logging.NewTestLogger())
	if err := src.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer src.Stop()

	// One pipeline frame needs 160 samples at 16k = 320 device samples.
	drv.push(make([]int16, 400))

	select {
	case f := <-src.Frames():
		if len(f.PCM) != 320 {
			t.Fatalf("resampled frame is %d bytes, want 320", len(f.PCM))
		}
	case <-time.After(time.Second):
		t.Fatalf("no frame after resample")
	}
}

func TestSourceDropsOldestOnOverflow(t *testing.T) {
	drv := newFakeDriver()
	src := NewSource(testConfig(), drv, logging.NewTestLogger())
	if err := src.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer src.Stop()

	for i := 0; i < frameQueueSize+8; i++ {
		drv.push(make([]int16, 160))
	}
	if src.Overflow() == 0 {
		t.Fatalf("expected overflow counter to advance")
	}
	// The oldest frames were shed: the first readable index is > 0.
	f := <-src.Frames()
	if f.Index == 0 {
		t.Fatalf("expected oldest frame to have been dropped")
	}
}

func TestSourceRebindsWhenDefaultDeviceChanges(t *testing.T) {
	drv := newFakeDriver()
	src := NewSource(testConfig(), drv, logging.NewTestLogger())
	if err := src.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer src.Stop()

	if got := drv.lastOpen(); got != 0 {
		t.Fatalf("expected initial bind to default device 0, got %d", got)
	}

	drv.mu.Lock()
	drv.defIdx = 1
	drv.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if drv.lastOpen() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("source never re-bound to new default device; last open %d", drv.lastOpen())
}

func TestSourceWarnsOnClippingInput(t *testing.T) {
	cfg := testConfig()
	cfg.Audio.ClipHoldSeconds = 0.02 // two 10ms frames
	drv := newFakeDriver()
	src := NewSource(cfg, drv, logging.NewTestLogger())
	if err := src.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer src.Stop()

	loud := make([]int16, 160)
	for i := range loud {
		loud[i] = 32767
	}
	for i := 0; i < 4; i++ {
		drv.push(loud)
	}
	if src.lastClipWarn.IsZero() {
		t.Fatalf("sustained full-scale input should raise a clip warning")
	}

	// A quiet frame resets the accumulator.
	quiet := make([]int16, 160)
	for i := range quiet {
		quiet[i] = 100
	}
	drv.push(quiet)
	if src.clipAccum != 0 {
		t.Fatalf("clip accumulator should reset on non-clipping input")
	}
}

func TestSourceWarnsOnSilentInput(t *testing.T) {
	cfg := testConfig()
	cfg.Audio.SilenceHoldSeconds = 0.02
	drv := newFakeDriver()
	src := NewSource(cfg, drv, logging.NewTestLogger())
	if err := src.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer src.Stop()

	for i := 0; i < 4; i++ {
		drv.push(make([]int16, 160))
	}
	if src.lastSilenceWarn.IsZero() {
		t.Fatalf("sustained silence should raise a level warning")
	}
}

func TestSourceClampsLevelThresholds(t *testing.T) {
	cfg := testConfig()
	cfg.Audio.ClipThresholdDBFS = 3.0    // above full scale
	cfg.Audio.SilenceThresholdDBFS = 0.0 // would flag everything as silence
	src := NewSource(cfg, newFakeDriver(), logging.NewTestLogger())
	if src.clipThreshold != 0.0 {
		t.Fatalf("clip threshold not clamped: %g", src.clipThreshold)
	}
	if src.silenceThreshold != -1.0 {
		t.Fatalf("silence threshold not clamped: %g", src.silenceThreshold)
	}
}

func TestSourceKeepsPinnedIndexDespiteDefaultChange(t *testing.T) {
	cfg := testConfig()
	cfg.Audio.DeviceIndex = 1
	drv := newFakeDriver()
	src := NewSource(cfg, drv, logging.NewTestLogger())
	if err := src.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer src.Stop()

	if got := drv.lastOpen(); got != 1 {
		t.Fatalf("expected bind to pinned device 1, got %d", got)
	}
	opens := drv.openCount()

	drv.mu.Lock()
	drv.defIdx = 0
	drv.mu.Unlock()
	// Keep frames flowing so the silence health check stays satisfied.
	for i := 0; i < 10; i++ {
		drv.push(make([]int16, 160))
		time.Sleep(10 * time.Millisecond)
	}
	if drv.openCount() != opens {
		t.Fatalf("pinned source re-bound on default change")
	}
}
