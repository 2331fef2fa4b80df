package collab

import (
	"log/slog"
	"time"
)

// ClientConfig controls connection establishment, reconnection, and
// keepalive behavior for a Client.
type ClientConfig struct {
	// URL is the WebSocket endpoint. http(s) schemes are normalized to
	// ws(s) before dialing. The connection credential is appended as a
	// "token" query parameter.
	URL string

	// Token is a static connection credential. Ignored when TokenURL is set.
	Token string

	// TokenURL, when set, is POSTed to before each dial to exchange
	// SessionToken for a short-lived connection credential.
	TokenURL string

	// SessionToken is the credential presented to TokenURL.
	SessionToken string

	// DisableReconnect turns off automatic reconnection after abnormal
	// closes. The zero value keeps reconnection enabled, so a hand-built
	// config gets the same behavior as DefaultClientConfig.
	DisableReconnect bool

	// ReconnectInterval is the base backoff delay. Attempt n waits
	// ReconnectInterval*2^n plus up to 1s of jitter, capped at 30s.
	// Default: 1 second.
	ReconnectInterval time.Duration

	// MaxReconnectAttempts bounds consecutive failed attempts before the
	// client parks in StateError. Default: 10.
	MaxReconnectAttempts int

	// PingInterval is how often a keepalive ping envelope is sent while
	// connected. Default: 30 seconds.
	PingInterval time.Duration

	// HandshakeTimeout bounds the WebSocket dial. Default: 10 seconds.
	HandshakeTimeout time.Duration

	// LockTimeout is the default deadline for RequestLock when the caller
	// passes zero. Default: 5 seconds.
	LockTimeout time.Duration

	// Debug lowers the log level so per-frame events are emitted.
	Debug bool

	// Logger receives lifecycle and frame events. Defaults to slog.Default.
	Logger *slog.Logger
}

// Backoff and keepalive bounds shared by the config defaults and the
// reconnect scheduler.
const (
	DefaultReconnectInterval    = time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultPingInterval         = 30 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultLockTimeout          = 5 * time.Second

	// MaxReconnectDelay caps the exponential backoff.
	MaxReconnectDelay = 30 * time.Second

	// ReconnectJitter is the upper bound of the random delay added to each
	// backoff interval to spread out retries from many clients.
	ReconnectJitter = time.Second
)

// DefaultClientConfig returns a ClientConfig with production defaults for
// everything except URL and credentials.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ReconnectInterval:    DefaultReconnectInterval,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		PingInterval:         DefaultPingInterval,
		HandshakeTimeout:     DefaultHandshakeTimeout,
		LockTimeout:          DefaultLockTimeout,
	}
}

// withDefaults fills zero values so a partially constructed config behaves
// like DefaultClientConfig for the fields the caller left unset.
func (c *ClientConfig) withDefaults() *ClientConfig {
	out := *c
	if out.ReconnectInterval <= 0 {
		out.ReconnectInterval = DefaultReconnectInterval
	}
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if out.PingInterval <= 0 {
		out.PingInterval = DefaultPingInterval
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.LockTimeout <= 0 {
		out.LockTimeout = DefaultLockTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return &out
}

// backoffDelay returns the wait before reconnect attempt n (0-indexed):
// base*2^n plus jitter in [0, ReconnectJitter), capped at MaxReconnectDelay.
func backoffDelay(base time.Duration, attempt int, jitter time.Duration) time.Duration {
	delay := base << uint(attempt)
	// Guard against shift overflow for absurd attempt counts.
	if delay <= 0 || delay > MaxReconnectDelay {
		delay = MaxReconnectDelay
	}
	delay += jitter
	if delay > MaxReconnectDelay {
		delay = MaxReconnectDelay
	}
	return delay
}
