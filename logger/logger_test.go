package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"trace":   zerolog.TraceLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	l := Component(New(&buf, zerolog.DebugLevel), "transport")
	l.Debug().Msg("hello")
	if !strings.Contains(buf.String(), `"component":"transport"`) {
		t.Errorf("Expected component field, got %s", buf.String())
	}
}

func TestInitWithOptions_File(t *testing.T) {
	prev := Default()
	defer SetDefault(prev)

	path := filepath.Join(t.TempDir(), "test.log")
	t.Setenv("LOG_LEVEL", "debug")
	l, err := InitWithOptions(path, false)
	if err != nil {
		t.Fatalf("InitWithOptions failed: %v", err)
	}
	if l.GetLevel() != zerolog.DebugLevel {
		t.Errorf("Expected debug level, got %v", l.GetLevel())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), "Logger initialized") {
		t.Errorf("Expected init line in log file, got %s", data)
	}
}

func TestDefaultIsSilentUntilSet(t *testing.T) {
	prev := Default()
	defer SetDefault(prev)

	SetDefault(zerolog.Nop())
	if Default().GetLevel() != zerolog.Disabled {
		t.Errorf("Expected disabled default logger, got %v", Default().GetLevel())
	}
}
