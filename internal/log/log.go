// Package log provides the shared logrus logger and its setup for the CLI,
// whose trace callback writes the compressor's traces to it.
package log

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logger = logrus.New()

// Setup configures the shared logger. An empty file path keeps stdout only;
// otherwise output is duplicated to a size-rotated log file.
func Setup(level string, file string) error {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	writers := []io.Writer{os.Stdout}
	if file != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // MB
			MaxBackups: 3,
			MaxAge:     14, // days
		})
	}
	logger.SetOutput(io.MultiWriter(writers...))
	return nil
}

// Logger returns the shared logger.
func Logger() *logrus.Logger { return logger }
