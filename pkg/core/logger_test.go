package core

import (
	"testing"
)

func TestNewLogger(t *testing.T) {
	for _, env := range []string{"development", "test", "production"} {
		t.Run(env, func(t *testing.T) {
			logger, err := NewLogger(env)
			if err != nil {
				t.Fatalf("NewLogger(%q) error: %v", env, err)
			}
			if logger == nil {
				t.Fatal("NewLogger() should not return nil")
			}

			// Test that logger methods don't panic
			logger.Error("test error")
			logger.Errorf("test error: %s", "message")
			logger.Warn("test warning")
			logger.Warnf("test warning: %s", "message")
			logger.Info("test info")
			logger.Infof("test info: %s", "message")
			logger.Debug("test debug")
			logger.Debugf("test debug: %s", "message")
		})
	}
}

func TestNamed(t *testing.T) {
	named := Named(NewNopLogger(), "transport")
	if named == nil {
		t.Fatal("Named() should not return nil")
	}
	named.Info("scoped")
}
