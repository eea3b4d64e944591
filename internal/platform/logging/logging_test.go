package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewProductionDefaultsToInfo(t *testing.T) {
	logger, err := New("production", "")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("production logger should not enable debug")
	}
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("production logger should enable info")
	}
}

func TestNewDevelopmentEnablesDebug(t *testing.T) {
	logger, err := New("dev", "")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("development logger should enable debug")
	}
}

func TestNewLevelOverride(t *testing.T) {
	logger, err := New("production", "debug")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug level override")
	}
	if _, err := New("production", "loud"); err == nil {
		t.Fatal("expected invalid level error")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("expected nop logger")
	}
}
