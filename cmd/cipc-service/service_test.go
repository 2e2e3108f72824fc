package main

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingServiceLogger struct {
	errors   []string
	warnings []string
}

func (r *recordingServiceLogger) Error(v ...any) error {
	r.errors = append(r.errors, v[0].(string))
	return nil
}

func (r *recordingServiceLogger) Warning(v ...any) error {
	r.warnings = append(r.warnings, v[0].(string))
	return nil
}

func (r *recordingServiceLogger) Info(v ...any) error { return nil }

func (r *recordingServiceLogger) Errorf(format string, a ...any) error { return nil }

func (r *recordingServiceLogger) Warningf(format string, a ...any) error { return nil }

func (r *recordingServiceLogger) Infof(format string, a ...any) error { return nil }

func TestServiceHook(t *testing.T) {
	sl := &recordingServiceLogger{}
	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{DisableTimestamp: true, DisableColors: true}
	l.Out = &discard{}
	l.AddHook(serviceHook{sl: sl})

	l.Info("Transport is configured")
	l.WithField("ring", "acl_h2d").Warn("Can not send message, ring is full")
	l.WithError(errors.New("timed out")).Error("Device bring-up failed")

	require.Len(t, sl.warnings, 1)
	assert.Contains(t, sl.warnings[0], "ring=acl_h2d")
	require.Len(t, sl.errors, 1)
	assert.Contains(t, sl.errors[0], `msg="Device bring-up failed"`)
	assert.Contains(t, sl.errors[0], `error="timed out"`)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
