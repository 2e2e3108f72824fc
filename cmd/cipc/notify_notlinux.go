//go:build !linux

package main

import (
	"github.com/sirupsen/logrus"
	"github.com/slackhq/cipc"
)

func notifyReady(_ *logrus.Logger, _ *cipc.Control) {
	// No init service to notify
}
