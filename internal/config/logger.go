package config

import (
	"io"
	"log"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger returns a logger writing to the rotated log file.
// The returned closer releases the file.
func NewLogger(cfg *Config) (*log.Logger, io.Closer) {
	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAge,
	}
	return log.New(rotator, "", log.LstdFlags|log.Lmicroseconds), rotator
}
