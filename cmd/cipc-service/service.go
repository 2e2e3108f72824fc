package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/cipc"
	"github.com/slackhq/cipc/config"
)

var logger service.Logger

// serviceHook copies warnings and errors into the system service log, where
// an operator looks first when the transport stops.
type serviceHook struct {
	sl service.Logger
}

func (h serviceHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (h serviceHook) Fire(e *logrus.Entry) error {
	msg, err := e.String()
	if err != nil {
		return err
	}
	if e.Level == logrus.WarnLevel {
		return h.sl.Warning(msg)
	}
	return h.sl.Error(msg)
}

type program struct {
	configPath *string
	configTest *bool
	build      string
	control    *cipc.Control
}

func (p *program) Start(s service.Service) error {
	// Start should not block.
	logger.Info("cipc service starting.")

	l := logrus.New()
	l.Out = os.Stdout
	if !service.Interactive() {
		l.AddHook(serviceHook{sl: logger})
	}

	c := config.NewC(l)
	if err := c.Load(*p.configPath); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctrl, err := cipc.Main(c, *p.configTest, p.build, l, nil)
	if err != nil {
		return err
	}

	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to bring up the device: %w", err)
	}
	p.control = ctrl
	return nil
}

func (p *program) Stop(s service.Service) error {
	logger.Info("cipc service stopping.")
	if p.control != nil {
		p.control.Stop()
		p.control = nil
	}
	return nil
}

func doService(configPath *string, configTest *bool, build string, serviceFlag *string) {
	if *configPath == "" {
		ex, err := os.Executable()
		if err != nil {
			panic(err)
		}
		*configPath = filepath.Join(filepath.Dir(ex), "config.yml")
	}

	svcConfig := &service.Config{
		Name:        "cipc",
		DisplayName: "Converged IPC Bluetooth Transport",
		Description: "Host side ring transport for Converged IPC Bluetooth controllers",
		Arguments:   []string{"-service", "run", "-config", *configPath},
		// The device has to be bound to a userspace capable driver first.
		Dependencies: []string{"After=systemd-udev-settle.service"},
	}

	prg := &program{
		configPath: configPath,
		configTest: configTest,
		build:      build,
	}

	s, err := service.New(prg, svcConfig)
	if err != nil {
		log.Fatal(err)
	}

	errs := make(chan error, 5)
	logger, err = s.Logger(errs)
	if err != nil {
		log.Fatal(err)
	}

	go func() {
		for err := range errs {
			if err != nil {
				log.Print(err)
			}
		}
	}()

	if *serviceFlag == "run" {
		if err := s.Run(); err != nil {
			logger.Error(err)
		}
		return
	}

	if err := service.Control(s, *serviceFlag); err != nil {
		log.Printf("Valid actions: %q\n", service.ControlAction)
		log.Fatal(err)
	}
}
