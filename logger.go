package cipc

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/cipc/config"
)

var logFormats = []string{"text", "json"}

// configLogger applies the logging.* settings to l. It runs at startup and
// on every config reload; l is left untouched if any setting is invalid.
func configLogger(l *logrus.Logger, c *config.C) error {
	level, err := logrus.ParseLevel(strings.ToLower(c.GetString("logging.level", "info")))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}

	f, err := newLogFormatter(c)
	if err != nil {
		return err
	}

	l.SetLevel(level)
	l.SetFormatter(f)
	l.SetReportCaller(c.GetBool("logging.report_caller", false))
	return nil
}

func newLogFormatter(c *config.C) (logrus.Formatter, error) {
	disableTimestamp := c.GetBool("logging.disable_timestamp", false)
	timestampFormat := c.GetString("logging.timestamp_format", "")
	fullTimestamp := timestampFormat != ""
	if !fullTimestamp {
		timestampFormat = time.RFC3339
	}

	switch format := strings.ToLower(c.GetString("logging.format", "text")); format {
	case "text":
		return &logrus.TextFormatter{
			TimestampFormat:  timestampFormat,
			FullTimestamp:    fullTimestamp,
			DisableTimestamp: disableTimestamp,
		}, nil
	case "json":
		return &logrus.JSONFormatter{
			TimestampFormat:  timestampFormat,
			DisableTimestamp: disableTimestamp,
		}, nil
	default:
		return nil, fmt.Errorf("unknown log format `%s`. possible formats: %s", format, logFormats)
	}
}
