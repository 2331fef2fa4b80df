package collab

import (
	"testing"
	"time"
)

func TestBackoffDelay_Bounds(t *testing.T) {
	base := time.Second
	tests := []struct {
		name    string
		attempt int
		jitter  time.Duration
		want    time.Duration
	}{
		{name: "attempt 0 no jitter", attempt: 0, jitter: 0, want: time.Second},
		{name: "attempt 0 max jitter", attempt: 0, jitter: 999 * time.Millisecond, want: 1999 * time.Millisecond},
		{name: "attempt 3 doubles", attempt: 3, jitter: 0, want: 8 * time.Second},
		{name: "attempt 4 with jitter", attempt: 4, jitter: 500 * time.Millisecond, want: 16500 * time.Millisecond},
		{name: "attempt 5 hits cap", attempt: 5, jitter: 0, want: 30 * time.Second},
		{name: "jitter never exceeds cap", attempt: 5, jitter: 999 * time.Millisecond, want: 30 * time.Second},
		{name: "huge attempt stays capped", attempt: 40, jitter: 123 * time.Millisecond, want: 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := backoffDelay(base, tt.attempt, tt.jitter)
			if got != tt.want {
				t.Errorf("backoffDelay(%v, %d, %v) = %v, want %v", base, tt.attempt, tt.jitter, got, tt.want)
			}
		})
	}
}

// For every attempt n the delay lies in [base*2^n, base*2^n + 1s], capped at
// 30s.
func TestBackoffDelay_Envelope(t *testing.T) {
	base := 250 * time.Millisecond
	for attempt := 0; attempt < 12; attempt++ {
		for _, jitter := range []time.Duration{0, 500 * time.Millisecond, 999 * time.Millisecond} {
			got := backoffDelay(base, attempt, jitter)
			lo := base << uint(attempt)
			hi := lo + ReconnectJitter
			if lo > MaxReconnectDelay {
				lo = MaxReconnectDelay
			}
			if hi > MaxReconnectDelay {
				hi = MaxReconnectDelay
			}
			if got < lo || got > hi {
				t.Errorf("attempt %d jitter %v: delay %v outside [%v, %v]", attempt, jitter, got, lo, hi)
			}
		}
	}
}

func TestDefaultClientConfig(t *testing.T) {
	cfg := DefaultClientConfig()
	if cfg.DisableReconnect {
		t.Error("reconnect must default to enabled")
	}
	if cfg.ReconnectInterval != time.Second {
		t.Errorf("ReconnectInterval = %v, want 1s", cfg.ReconnectInterval)
	}
	if cfg.MaxReconnectAttempts != 10 {
		t.Errorf("MaxReconnectAttempts = %d, want 10", cfg.MaxReconnectAttempts)
	}
	if cfg.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v, want 30s", cfg.PingInterval)
	}
	if cfg.LockTimeout != 5*time.Second {
		t.Errorf("LockTimeout = %v, want 5s", cfg.LockTimeout)
	}
}

func TestConfigWithDefaults_FillsZeroValues(t *testing.T) {
	cfg := (&ClientConfig{URL: "ws://example.test/ws"}).withDefaults()
	if cfg.ReconnectInterval != DefaultReconnectInterval {
		t.Errorf("ReconnectInterval = %v, want %v", cfg.ReconnectInterval, DefaultReconnectInterval)
	}
	if cfg.Logger == nil {
		t.Error("Logger must be defaulted")
	}
	if cfg.URL != "ws://example.test/ws" {
		t.Error("set fields must be preserved")
	}
}
