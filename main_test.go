package cipc

import (
	"testing"

	"github.com/slackhq/cipc/config"
	"github.com/slackhq/cipc/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain_ConfigTest(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString(`
logging:
  level: debug
device:
  path: /sys/bus/pci/devices/0000:01:00.0
rings:
  acl_d2h:
    entries: 64
`))

	ctrl, err := Main(c, true, "1.2.3", l, nil)
	require.NoError(t, err)
	require.NotNil(t, ctrl)
	assert.Nil(t, ctrl.rs, "nothing is allocated in test mode")
}

func TestMain_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		conf string
		err  string
	}{
		{
			name: "logging level",
			conf: "logging: {level: loud}",
			err:  "Failed to configure the logger",
		},
		{
			name: "ring entries",
			conf: "rings: {hci_h2d: {entries: 1}}",
			err:  "Invalid ring configuration",
		},
		{
			name: "interrupt mode",
			conf: "device: {interrupts: msi}",
			err:  "device.interrupts was not understood",
		},
		{
			name: "stats type",
			conf: "stats: {type: statsd, interval: 10s}",
			err:  "stats.type was not understood",
		},
		{
			name: "info listener",
			conf: "info: {listen: '0.0.0.0:8080'}",
			err:  "loopback",
		},
		{
			name: "missing device",
			conf: "device: {interrupts: poll}",
			err:  "device.path must be set",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := test.NewLogger()
			c := config.NewC(l)
			require.NoError(t, c.LoadString(tt.conf))

			_, err := Main(c, false, "", l, nil)
			assert.ErrorContains(t, err, tt.err)
		})
	}
}

func TestMain_WithRegisters(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString("device: {interrupts: poll, poll_interval: 5ms}"))

	ctrl, err := Main(c, false, "", l, &recordingRegs{})
	require.NoError(t, err)
	require.NotNil(t, ctrl.rs)
	assert.NotZero(t, ctrl.rs.ContextAddr())
	assert.NotNil(t, ctrl.reloadFn)
	assert.Nil(t, ctrl.statsStart)

	ctrl.Stop()
}
