package audio

import (
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"subteksto/internal/config"

	"github.com/sirupsen/logrus"
)

const (
	frameQueueSize    = 32
	bindGracePeriod   = 1500 * time.Millisecond
	retryBackoffMin   = 500 * time.Millisecond
	retryBackoffMax   = 5 * time.Second
	levelWarnCooldown = 15 * time.Second
)

// Source captures PCM16 mono frames from an input device, resampling to
// the pipeline rate and re-binding the device when it disappears, goes
// silent, or the system default changes.
type Source struct {
	cfg    *config.Config
	drv    Driver
	logger *logrus.Logger

	frames chan Frame

	mu         sync.Mutex // guards stream bind/unbind
	stream     Stream
	boundIndex int
	boundAt    time.Time

	rs        *resampler
	leftover  []byte
	frameSize int // bytes per emitted frame

	frameIndex atomic.Uint64
	lastFrame  atomic.Int64 // unix nanos of last emitted frame
	streamErr  atomic.Bool
	overflow   atomic.Uint64

	silenceThreshold float64 // dBFS
	silenceHold      float64 // seconds
	clipThreshold    float64 // dBFS
	clipHold         float64 // seconds
	silenceAccum     float64
	clipAccum        float64
	lastSilenceWarn  time.Time
	lastClipWarn     time.Time

	deadTimeout time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewSource builds a Source over the given driver. Call Start to begin
// capture.
func NewSource(cfg *config.Config, drv Driver, logger *logrus.Logger) *Source {
	deviceRate := cfg.Audio.DeviceSampleRate
	if deviceRate == 0 {
		deviceRate = cfg.Audio.SampleRate
	}
	targetSamples := int(math.Round(float64(cfg.Audio.SampleRate) * cfg.Audio.ChunkSeconds))
	if targetSamples < 1 {
		targetSamples = 1
	}
	s := &Source{
		cfg:              cfg,
		drv:              drv,
		logger:           logger,
		frames:           make(chan Frame, frameQueueSize),
		boundIndex:       -1,
		rs:               newResampler(deviceRate, cfg.Audio.SampleRate),
		frameSize:        targetSamples * 2,
		silenceThreshold: cfg.Audio.SilenceThresholdDBFS,
		silenceHold:      cfg.Audio.SilenceHoldSeconds,
		clipThreshold:    cfg.Audio.ClipThresholdDBFS,
		clipHold:         cfg.Audio.ClipHoldSeconds,
		deadTimeout:      maxDuration(5*time.Second, time.Duration(cfg.Audio.ChunkSeconds*4*float64(time.Second))),
		stop:             make(chan struct{}),
	}
	// Keep the thresholds on the sane side of full scale.
	if s.silenceThreshold > -1.0 {
		s.silenceThreshold = -1.0
	}
	if s.clipThreshold > 0.0 {
		s.clipThreshold = 0.0
	}
	if s.silenceHold <= 0 {
		s.silenceHold = 10.0
	}
	if s.clipHold <= 0 {
		s.clipHold = 2.0
	}
	return s
}

// Frames yields captured frames in order. The channel closes after Stop.
func (s *Source) Frames() <-chan Frame { return s.frames }

// Overflow reports how many frames were dropped to keep up with realtime.
func (s *Source) Overflow() uint64 { return s.overflow.Load() }

// Start binds the initial device and launches the re-bind supervisor.
// A failed initial bind is not fatal; the supervisor keeps retrying with
// backoff until Stop.
func (s *Source) Start() error {
	if err := s.rebind(); err != nil {
		s.logger.Warnf("audio: initial device bind failed, will retry: %v", err)
	}
	s.wg.Add(1)
	go s.supervise()
	return nil
}

// Stop tears down the capture stream and closes the frame channel.
func (s *Source) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.mu.Lock()
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.logger.Debugf("audio: close stream: %v", err)
		}
		s.stream = nil
	}
	s.mu.Unlock()
	close(s.frames)
}

func (s *Source) supervise() {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.Audio.CheckInterval * float64(time.Second))
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	backoff := retryBackoffMin
	var nextAttempt time.Time

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		if !time.Now().After(nextAttempt) {
			continue
		}

		reason := s.rebindReason()
		if reason == "" {
			backoff = retryBackoffMin
			continue
		}
		s.logger.Warnf("audio: %s, re-binding input device", reason)
		if err := s.rebind(); err != nil {
			s.logger.Errorf("audio: re-bind failed: %v (next attempt in %s)", err, backoff)
			nextAttempt = time.Now().Add(backoff)
			backoff = minDuration(backoff*2, retryBackoffMax)
			continue
		}
		backoff = retryBackoffMin
	}
}

// rebindReason decides whether a re-bind is due: stream error, silence
// past the dead-stream timeout, or a changed default device when no
// explicit index is pinned.
func (s *Source) rebindReason() string {
	s.mu.Lock()
	stream := s.stream
	boundIndex := s.boundIndex
	boundAt := s.boundAt
	s.mu.Unlock()

	if stream == nil {
		return "no active capture stream"
	}
	if s.streamErr.Load() {
		return "capture stream reported an error"
	}
	if time.Since(boundAt) > bindGracePeriod {
		last := s.lastFrame.Load()
		ref := boundAt.UnixNano()
		if last > ref {
			ref = last
		}
		if time.Since(time.Unix(0, ref)) > s.deadTimeout {
			return "no audio frames for " + s.deadTimeout.String()
		}
	}
	if s.cfg.Audio.DeviceIndex < 0 && s.cfg.Audio.DeviceName == "" {
		if def, err := s.drv.DefaultInputIndex(); err == nil && def != boundIndex {
			return "default input device changed"
		}
	}
	return ""
}

// rebind tears down the current stream and binds the preferred device,
// falling back across the enumeration in order. Bind and unbind are
// serialized so the capture callback never races a teardown.
func (s *Source) rebind() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.logger.Debugf("audio: close old stream: %v", err)
		}
		s.stream = nil
	}
	s.rs.reset()
	s.leftover = s.leftover[:0]
	s.silenceAccum = 0
	s.clipAccum = 0
	s.streamErr.Store(false)

	deviceRate := s.cfg.Audio.DeviceSampleRate
	if deviceRate == 0 {
		deviceRate = s.cfg.Audio.SampleRate
	}
	blockFrames := int(math.Round(float64(deviceRate) * s.cfg.Audio.ChunkSeconds))
	if blockFrames < 1 {
		blockFrames = 1
	}

	var lastErr error
	for _, cand := range s.candidates() {
		stream, err := s.drv.Open(cand, deviceRate, s.cfg.Audio.Channels, blockFrames, s.onBlock, s.onStreamError)
		if err != nil {
			lastErr = err
			s.logger.Warnf("audio: open device %d: %v", cand, err)
			continue
		}
		s.stream = stream
		s.boundIndex = cand
		s.boundAt = time.Now()
		s.lastFrame.Store(s.boundAt.UnixNano())
		s.logger.Infof("audio: capturing from device %d at %d Hz", cand, deviceRate)
		return nil
	}
	if lastErr == nil {
		lastErr = errNoInputDevices
	}
	return lastErr
}

// candidates returns device indexes to try, preferred first, in a
// deterministic order without duplicates.
func (s *Source) candidates() []int {
	var out []int
	seen := map[int]bool{}
	add := func(idx int) {
		if idx >= 0 && !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}

	if s.cfg.Audio.DeviceIndex >= 0 {
		add(s.cfg.Audio.DeviceIndex)
	}
	if s.cfg.Audio.DeviceName != "" {
		if idx, ok := s.resolveByName(s.cfg.Audio.DeviceName); ok {
			add(idx)
		}
	}
	if def, err := s.drv.DefaultInputIndex(); err == nil {
		add(def)
	}
	add(s.boundIndex)
	if devs, err := s.drv.Devices(); err == nil {
		for _, d := range devs {
			if d.MaxInputChannels > 0 {
				add(d.Index)
			}
		}
	}
	return out
}

func (s *Source) resolveByName(substr string) (int, bool) {
	devs, err := s.drv.Devices()
	if err != nil {
		return 0, false
	}
	needle := strings.ToLower(substr)
	for _, d := range devs {
		if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), needle) {
			return d.Index, true
		}
	}
	return 0, false
}

func (s *Source) onStreamError(err error) {
	s.logger.Warnf("audio: stream error: %v", err)
	s.streamErr.Store(true)
}

// onBlock runs on the driver's capture goroutine: downmix, resample,
// assemble fixed-size frames and publish them with drop-oldest overflow.
func (s *Source) onBlock(in []int16) {
	mono := downmix(in, s.cfg.Audio.Channels)
	data := bytesFromSamples(s.rs.process(mono))
	if len(data) == 0 {
		return
	}
	s.leftover = append(s.leftover, data...)
	for len(s.leftover) >= s.frameSize {
		pcm := make([]byte, s.frameSize)
		copy(pcm, s.leftover[:s.frameSize])
		s.leftover = s.leftover[s.frameSize:]
		s.publish(pcm)
	}
}

func (s *Source) publish(pcm []byte) {
	s.analyseLevels(pcm)
	frame := Frame{
		PCM:        pcm,
		SampleRate: s.cfg.Audio.SampleRate,
		Index:      s.frameIndex.Add(1) - 1,
		CapturedAt: time.Now(),
	}
	s.lastFrame.Store(frame.CapturedAt.UnixNano())
	select {
	case s.frames <- frame:
	default:
		// Queue full: shed the oldest frame to keep up with realtime.
		select {
		case <-s.frames:
			s.overflow.Add(1)
		default:
		}
		select {
		case s.frames <- frame:
		default:
			s.overflow.Add(1)
		}
	}
}

// analyseLevels warns when the input stays below the silence floor long
// enough to suggest broken loopback routing, or pins near full scale
// long enough to suggest the source is clipping.
func (s *Source) analyseLevels(pcm []byte) {
	samples := samplesFromBytes(pcm)
	if len(samples) == 0 {
		return
	}
	var sum float64
	peak := 0.0
	for _, v := range samples {
		f := float64(v)
		sum += f * f
		if a := math.Abs(f); a > peak {
			peak = a
		}
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	level := math.Inf(-1)
	if rms > 0 {
		level = 20 * math.Log10(rms/32767.0)
	}
	peakDB := math.Inf(-1)
	if peak > 0 {
		peakDB = 20 * math.Log10(peak/32767.0)
	}
	dur := float64(len(samples)) / float64(s.cfg.Audio.SampleRate)

	if level <= s.silenceThreshold {
		s.silenceAccum += dur
		if s.silenceAccum >= s.silenceHold && time.Since(s.lastSilenceWarn) >= levelWarnCooldown {
			s.logger.Warnf("audio: input below %.0f dBFS for %.0fs; verify loopback routing or input gain", s.silenceThreshold, s.silenceAccum)
			s.lastSilenceWarn = time.Now()
			s.silenceAccum = 0
		}
	} else {
		s.silenceAccum = 0
	}

	if peakDB >= s.clipThreshold {
		s.clipAccum += dur
		if s.clipAccum >= s.clipHold && time.Since(s.lastClipWarn) >= levelWarnCooldown {
			s.logger.Warnf("audio: input peaking at %.1f dBFS for %.1fs; attenuate the source to prevent clipping", peakDB, s.clipAccum)
			s.lastClipWarn = time.Now()
			s.clipAccum = 0
		}
	} else {
		s.clipAccum = 0
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
