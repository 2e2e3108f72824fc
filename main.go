package cipc

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/cipc/config"
	"github.com/slackhq/cipc/dma"
	"github.com/slackhq/cipc/pcie"
	"github.com/slackhq/cipc/util"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

// Main builds a Control from configuration. regs overrides device.path, for
// embedders that reach the registers some other way.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger, regs pcie.Registers) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}

		if changed := c.Changed("device", "transport", "rings"); len(changed) > 0 {
			l.WithField("keys", changed).Warn("Configuration changes require a restart to take effect")
		}
	})

	cfg, err := NewRingSetConfigFromConfig(c)
	if err != nil {
		return nil, util.NewContextualError("Invalid ring configuration", nil, err)
	}

	mode := c.GetString("device.interrupts", "poll")
	interval := c.GetDuration("device.poll_interval", DefaultPollInterval)
	irqFD := c.GetInt("device.interrupt_fd", 0)
	if mode != "poll" && mode != "eventfd" {
		return nil, util.NewContextualError("device.interrupts was not understood", m{"interrupts": mode}, ErrInvalidConfig)
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	// Only validates, the listener needs the Control built below.
	if _, err := startInfo(l, c, true, nil); err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start info listener", err)
	}

	if configTest {
		return &Control{l: l}, nil
	}

	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
	// All non system modifying configuration consumption should live above this line
	// device registers, dma memory and interrupts are below
	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

	var dev *pcie.Device
	if regs == nil {
		path := c.GetString("device.path", "")
		if path == "" {
			return nil, util.NewContextualError("device.path must be set", nil, ErrInvalidConfig)
		}

		dev, err = pcie.Open(l, path)
		if err != nil {
			return nil, util.NewContextualError("Failed to open device", m{"path": path}, err)
		}
		regs = dev
	}

	src, err := newInterruptSource(mode, irqFD, interval)
	if err != nil {
		if dev != nil {
			_ = dev.Close()
		}
		return nil, util.NewContextualError("Failed to set up interrupts", m{"interrupts": mode}, err)
	}

	alloc := dma.NewAllocator(nil)
	ctrl, err := NewControl(l, regs, alloc, src, cfg)
	if err != nil {
		_ = alloc.Close()
		_ = src.Close()
		if dev != nil {
			_ = dev.Close()
		}
		return nil, util.NewContextualError("Failed to allocate rings", nil, err)
	}

	if dev != nil {
		ctrl.closers = append(ctrl.closers, dev)
	}

	ctrl.infoStart, err = startInfo(l, c, false, ctrl)
	if err != nil {
		ctrl.Stop()
		return nil, util.ContextualizeIfNeeded("Failed to start info listener", err)
	}
	ctrl.statsStart = statsStart
	ctrl.reloadFn = c.CatchHUP

	l.WithField("mode", mode).
		WithField("context", fmt.Sprintf("0x%x", ctrl.rs.ContextAddr())).
		Info("Transport is configured")

	return ctrl, nil
}
