//go:build !portaudio

package doctor

import "subteksto/internal/config"

func probeCapture(cfg *config.Config) []Result {
	return []Result{{
		Name:   "probe capture",
		Pass:   false,
		Detail: "build with -tags portaudio to record a probe sample",
	}}
}
