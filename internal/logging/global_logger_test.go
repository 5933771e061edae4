package logging

import (
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestSetLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected log.Level
	}{
		{"debug", "debug", log.DebugLevel},
		{"debug uppercase", "DEBUG", log.DebugLevel},
		{"verbose maps to debug", "verbose", log.DebugLevel},
		{"info", "info", log.InfoLevel},
		{"info mixed case", "Info", log.InfoLevel},
		{"warn", "warn", log.WarnLevel},
		{"warning alias", "warning", log.WarnLevel},
		{"warning uppercase", "WARNING", log.WarnLevel},
		{"error", "error", log.ErrorLevel},
		{"quiet maps to fatal", "quiet", log.FatalLevel},
		{"silent maps to fatal", "SILENT", log.FatalLevel},
		{"surrounding whitespace", "  debug  ", log.DebugLevel},
		{"unknown falls back to info", "chatty", log.InfoLevel},
		{"empty falls back to info", "", log.InfoLevel},
		{"numeric falls back to info", "3", log.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Start from a level no input maps to, so a missed switch arm
			// cannot pass by accident.
			log.SetLevel(log.PanicLevel)

			SetLogLevel(tt.input)

			if got := log.GetLevel(); got != tt.expected {
				t.Errorf("SetLogLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSetupBaseLoggerDefaultsToInfo(t *testing.T) {
	log.SetLevel(log.PanicLevel)
	SetupBaseLogger()
	if got := log.GetLevel(); got != log.InfoLevel {
		t.Errorf("level after SetupBaseLogger = %v, want %v", got, log.InfoLevel)
	}
}
