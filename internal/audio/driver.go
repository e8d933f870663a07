package audio

import "time"

// Frame is one fixed-duration chunk of mono PCM16 audio at the pipeline
// sample rate. Index increases strictly within a capture session and
// resets to 0 when the source restarts.
type Frame struct {
	PCM        []byte
	SampleRate int
	Index      uint64
	CapturedAt time.Time
}

// DeviceInfo describes one enumerable input device.
type DeviceInfo struct {
	Index             int
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
	Default           bool
}

// Driver abstracts the platform audio host so that the capture source can
// be exercised in tests without PortAudio.
type Driver interface {
	// Devices enumerates the host's devices, including ones without
	// input channels; callers filter on MaxInputChannels.
	Devices() ([]DeviceInfo, error)
	// DefaultInputIndex resolves the current system default input device.
	DefaultInputIndex() (int, error)
	// Open starts capture on the given device. The callback receives
	// interleaved int16 samples at the device sample rate until the
	// stream is closed; onError reports asynchronous stream failures.
	Open(deviceIndex, sampleRate, channels, framesPerBuffer int, cb func([]int16), onError func(error)) (Stream, error)
	// Close releases the host API.
	Close() error
}

// Stream is one open capture stream.
type Stream interface {
	Close() error
}
