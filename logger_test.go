package cipc

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/cipc/config"
	"github.com/slackhq/cipc/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigLogger(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)

	require.NoError(t, configLogger(l, c))
	assert.Equal(t, logrus.InfoLevel, l.Level)
	tf, ok := l.Formatter.(*logrus.TextFormatter)
	require.True(t, ok)
	assert.False(t, tf.FullTimestamp)

	require.NoError(t, c.LoadString("logging:\n  level: DEBUG\n  format: json\n  disable_timestamp: true"))
	require.NoError(t, configLogger(l, c))
	assert.Equal(t, logrus.DebugLevel, l.Level)
	jf, ok := l.Formatter.(*logrus.JSONFormatter)
	require.True(t, ok)
	assert.True(t, jf.DisableTimestamp)

	require.NoError(t, c.LoadString("logging:\n  timestamp_format: 2006-01-02"))
	require.NoError(t, configLogger(l, c))
	tf, ok = l.Formatter.(*logrus.TextFormatter)
	require.True(t, ok)
	assert.True(t, tf.FullTimestamp)
	assert.Equal(t, "2006-01-02", tf.TimestampFormat)

	assert.False(t, l.ReportCaller)

	require.NoError(t, c.LoadString("logging:\n  report_caller: yes"))
	require.NoError(t, configLogger(l, c))
	assert.True(t, l.ReportCaller)

	require.NoError(t, c.LoadString("logging:\n  level: loud"))
	assert.ErrorContains(t, configLogger(l, c), "possible levels")

	// An invalid format leaves the logger alone
	require.NoError(t, c.LoadString("logging:\n  level: warn\n  format: xml"))
	assert.ErrorContains(t, configLogger(l, c), "unknown log format")
	assert.Equal(t, logrus.InfoLevel, l.Level)
}
