package config

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger returns a prefixed logger writing to the configured log file
// with rotation, or to stderr when no log file is set. The returned closer
// is non-nil only when a file is in use.
func (c *Config) NewLogger(prefix string) (*log.Logger, io.Closer) {
	if c.LogFile == "" {
		return log.New(os.Stderr, prefix, log.LstdFlags), nil
	}

	rotator := &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	return log.New(rotator, prefix, log.LstdFlags), rotator
}
