//go:build !portaudio

package audio

import "errors"

// NewDriver fails in builds without the PortAudio host.
func NewDriver() (Driver, error) {
	return nil, errors.New("audio capture requires a build with -tags portaudio")
}
