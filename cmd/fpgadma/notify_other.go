//go:build !linux

package main

import "github.com/sirupsen/logrus"

func notifyReady(_ *logrus.Logger) {}

func notifyStopping(_ *logrus.Logger) {}
