// Package test holds helpers shared by the tests of every package.
package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a silent logger unless TEST_LOGS is set. TEST_LOGS=1
// logs at info, 2 at debug and 3 at trace; a level name such as warn is
// also accepted.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	switch v {
	case "":
		l.SetOutput(io.Discard)
	case "1":
		l.SetLevel(logrus.InfoLevel)
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		lvl, err := logrus.ParseLevel(v)
		if err != nil {
			lvl = logrus.InfoLevel
		}
		l.SetLevel(lvl)
	}

	return l
}
