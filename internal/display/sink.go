package display

import (
	"fmt"
	"log"

	"github.com/lowaak/smart-trainer/cadence-monitor/internal/ftms"
)

// Sink receives operator-facing updates. Implementations must not block
// for long; wrap slow ones in Async.
type Sink interface {
	OnStatus(text string)
	OnReading(reading ftms.Reading)
}

// FormatCadence renders the cadence-like value, or "--" when absent
func FormatCadence(r ftms.Reading) string {
	if !r.HasCadence {
		return "--"
	}
	return fmt.Sprintf("%.2f", r.Cadence)
}

// FormatPower renders the power-like value, or "--" when absent
func FormatPower(r ftms.Reading) string {
	if !r.HasPower {
		return "--"
	}
	return fmt.Sprintf("%.1f", r.Power)
}

func FormatReading(r ftms.Reading) string {
	return fmt.Sprintf("Cadence: %s  Power: %s", FormatCadence(r), FormatPower(r))
}

// LogSink writes every update to a logger
type LogSink struct {
	logger *log.Logger
}

func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		panic("LogSink: logger cannot be nil")
	}
	return &LogSink{logger: logger}
}

func (l *LogSink) OnStatus(text string) {
	l.logger.Printf("Status: %s", text)
}

func (l *LogSink) OnReading(r ftms.Reading) {
	l.logger.Printf("Reading: %s", FormatReading(r))
}

// SinkFuncs adapts plain functions to Sink. Nil fields are skipped.
type SinkFuncs struct {
	Status  func(text string)
	Reading func(reading ftms.Reading)
}

func (f SinkFuncs) OnStatus(text string) {
	if f.Status != nil {
		f.Status(text)
	}
}

func (f SinkFuncs) OnReading(r ftms.Reading) {
	if f.Reading != nil {
		f.Reading(r)
	}
}
