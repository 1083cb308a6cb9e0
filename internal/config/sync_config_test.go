package config

import (
	"testing"
	"time"
)

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	cfg := &SyncConfig{BackoffBaseMs: 2000, BackoffMaxMs: 300000}

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{9, 300 * time.Second}, // capped
		{60, 300 * time.Second},
	}
	for _, tc := range cases {
		if got := cfg.BackoffDelay(tc.attempts); got != tc.want {
			t.Errorf("BackoffDelay(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestDefaultSyncConfig(t *testing.T) {
	cfg := DefaultSyncConfig()
	if cfg.MaxAttempts != 5 {
		t.Errorf("expected 5 max attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.ConflictResolution != ConflictFlag {
		t.Errorf("expected flag conflict policy, got %s", cfg.ConflictResolution)
	}
	if cfg.OpTimeout() != 30*time.Second {
		t.Errorf("expected 30s op timeout, got %v", cfg.OpTimeout())
	}
}
