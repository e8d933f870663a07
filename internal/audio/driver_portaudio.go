//go:build portaudio

package audio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

// NewDriver initialises PortAudio and returns the host driver.
func NewDriver() (Driver, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	return &paDriver{}, nil
}

type paDriver struct{}

func (d *paDriver) Close() error {
	return portaudio.Terminate()
}

func (d *paDriver) Devices() ([]DeviceInfo, error) {
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	def, _ := portaudio.DefaultInputDevice()
	out := make([]DeviceInfo, 0, len(devs))
	for i, dev := range devs {
		out = append(out, DeviceInfo{
			Index:             i,
			Name:              dev.Name,
			MaxInputChannels:  dev.MaxInputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
			Default:           def != nil && dev.Name == def.Name,
		})
	}
	return out, nil
}

func (d *paDriver) DefaultInputIndex() (int, error) {
	def, err := portaudio.DefaultInputDevice()
	if err != nil {
		return -1, fmt.Errorf("default input: %w", err)
	}
	devs, err := portaudio.Devices()
	if err != nil {
		return -1, fmt.Errorf("list devices: %w", err)
	}
	for i, dev := range devs {
		if dev.Name == def.Name {
			return i, nil
		}
	}
	return -1, errNoInputDevices
}

func (d *paDriver) Open(deviceIndex, sampleRate, channels, framesPerBuffer int, cb func([]int16), onError func(error)) (Stream, error) {
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	if deviceIndex < 0 || deviceIndex >= len(devs) {
		return nil, fmt.Errorf("device index %d out of range", deviceIndex)
	}
	dev := devs[deviceIndex]
	if dev.MaxInputChannels < channels {
		return nil, fmt.Errorf("device %q has no input channels", dev.Name)
	}

	buf := make([]int16, framesPerBuffer*channels)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: framesPerBuffer,
	}, &buf)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("start stream: %w", err)
	}

	ps := &paStream{stream: stream}
	ps.wg.Add(1)
	go func() {
		defer ps.wg.Done()
		for {
			if ps.closed.Load() {
				return
			}
			if err := stream.Read(); err != nil {
				if errors.Is(err, portaudio.InputOverflowed) {
					continue
				}
				if !ps.closed.Load() {
					onError(err)
				}
				return
			}
			block := make([]int16, len(buf))
			copy(block, buf)
			cb(block)
		}
	}()
	return ps, nil
}

type paStream struct {
	stream *portaudio.Stream
	closed atomic.Bool
	wg     sync.WaitGroup
}

func (s *paStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.stream.Abort()
	s.wg.Wait()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	return err
}
