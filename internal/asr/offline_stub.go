//go:build !vosk

package asr

import (
	"errors"

	"subteksto/internal/config"

	"github.com/sirupsen/logrus"
)

func newOfflineBackend(cfg *config.Config, logger *logrus.Logger) (Backend, error) {
	return nil, errors.New("the local_offline backend requires a build with -tags vosk")
}
