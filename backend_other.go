//go:build !linux

package fpgadma

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/fpgadma/config"
)

func openUIOBackend(_ *logrus.Logger, _ *config.C) (*backend, error) {
	return nil, errors.New("the uio backend is only available on linux")
}
