package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "text", &buf)

	logger.Info("relay connected", KeyServerURL, "wss://relay.example/ws")

	output := buf.String()
	if !strings.Contains(output, "relay connected") {
		t.Errorf("expected output to contain message, got: %s", output)
	}
	if !strings.Contains(output, "server_url=wss://relay.example/ws") {
		t.Errorf("expected output to contain server_url attr, got: %s", output)
	}
}

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "json", &buf)

	logger.Info("frame dropped", KeyDeviceID, "dev-1")

	output := buf.String()
	if !strings.Contains(output, `"msg":"frame dropped"`) {
		t.Errorf("expected JSON output with msg field, got: %s", output)
	}
	if !strings.Contains(output, `"device_id":"dev-1"`) {
		t.Errorf("expected JSON output with device_id field, got: %s", output)
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		name         string
		configLevel  string
		logLevel     slog.Level
		shouldAppear bool
	}{
		{"debug at debug level", "debug", slog.LevelDebug, true},
		{"debug at info level", "info", slog.LevelDebug, false},
		{"info at info level", "info", slog.LevelInfo, true},
		{"info at warn level", "warn", slog.LevelInfo, false},
		{"warn at warning alias", "warning", slog.LevelWarn, true},
		{"warn at error level", "error", slog.LevelWarn, false},
		{"error at error level", "error", slog.LevelError, true},
		{"unknown level defaults to info", "loud", slog.LevelInfo, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(tc.configLevel, "text", &buf)
			logger.Log(context.Background(), tc.logLevel, "probe")

			appeared := strings.Contains(buf.String(), "probe")
			if appeared != tc.shouldAppear {
				t.Errorf("appeared = %v, want %v", appeared, tc.shouldAppear)
			}
		})
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}

	logger := NopLogger()
	if OrNop(logger) != logger {
		t.Error("OrNop should return the given logger")
	}
}

func TestShort(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"abc", "abc"},
		{"0123456789abcdef", "01234567"},
	}
	for _, tc := range tests {
		if got := Short(tc.in); got != tc.want {
			t.Errorf("Short(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
