//go:build !whisper

package asr

import (
	"errors"

	"subteksto/internal/config"

	"github.com/sirupsen/logrus"
)

func newWindowedBackend(cfg *config.Config, logger *logrus.Logger) (Backend, error) {
	return nil, errors.New("the local_large backend requires a build with -tags whisper")
}
