// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Profile selects defaults for a kind of process.
type Profile int

const (
	// ProfileRuntime is info level text with timestamps.
	ProfileRuntime Profile = iota
	// ProfileTest is debug level text without timestamps.
	ProfileTest
)

const (
	EnvLevel   = "NEARBYCHAT_LOG_LEVEL"
	EnvFormat  = "NEARBYCHAT_LOG_FORMAT"
	EnvNoColor = "NEARBYCHAT_LOG_NOCOLOR"
)

// New returns a logger writing to out. Environment variables override the
// profile defaults.
func New(profile Profile, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	if out == nil {
		out = os.Stderr
	}
	logger.SetOutput(out)

	text := &logrus.TextFormatter{FullTimestamp: true}
	level := logrus.InfoLevel
	if profile == ProfileTest {
		text.DisableTimestamp = true
		level = logrus.DebugLevel
	}
	if os.Getenv(EnvNoColor) != "" {
		text.DisableColors = true
	}
	logger.SetFormatter(text)
	if strings.EqualFold(os.Getenv(EnvFormat), "json") {
		logger.SetFormatter(&logrus.JSONFormatter{DisableTimestamp: text.DisableTimestamp})
	}

	logger.SetLevel(level)
	if raw := os.Getenv(EnvLevel); raw != "" {
		_ = SetLevel(logger, raw)
	}
	return logger
}

// SetLevel applies a level name. "off" silences the logger.
func SetLevel(logger *logrus.Logger, name string) error {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "off" {
		logger.SetOutput(io.Discard)
		logger.SetLevel(logrus.PanicLevel)
		return nil
	}
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	return nil
}
