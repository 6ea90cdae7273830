package rtsync

import (
	"log/slog"
	"net/http"
	"time"
)

// Version is reported to the server in the stats of the first connection.
const Version = "0.1.0"

const (
	DefaultReconnectMinDelay   = 1 * time.Second
	DefaultReconnectMaxDelay   = 5 * time.Minute
	DefaultAdminReconnectDelay = 30 * time.Second
	DefaultReconnectMultiplier = 1.3
	DefaultReconnectResetAfter = 30 * time.Second
	DefaultConnectTimeout      = 30 * time.Second
	DefaultPingInterval        = 45 * time.Second
	DefaultLongPollTimeout     = 30 * time.Second

	// invalidTokenThreshold is how many rejected tokens in a row raise the
	// reconnect delay and notify the token provider.
	invalidTokenThreshold = 3
)

// Config holds everything a Repo can be tuned with. Build it through Options.
type Config struct {
	Logger *slog.Logger
	Clock  Clock
	Auth   AuthTokenProvider

	// ForceTransport pins one transport kind; empty tries all in order.
	ForceTransport   string
	TransportFactory TransportFactory
	HTTPClient       *http.Client
	LongPollTimeout  time.Duration

	ReconnectMinDelay   time.Duration
	ReconnectMaxDelay   time.Duration
	AdminReconnectDelay time.Duration
	ReconnectMultiplier float64
	ReconnectResetAfter time.Duration

	ConnectTimeout time.Duration
	PingInterval   time.Duration
	// RequestTimeout closes the connection when a request stays unanswered
	// that long. Zero waits forever.
	RequestTimeout time.Duration

	Online  Monitor
	Visible Monitor

	Snapshots SnapshotStore
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}
	if c.Auth == nil {
		c.Auth = NewStaticTokenProvider("")
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.LongPollTimeout == 0 {
		c.LongPollTimeout = DefaultLongPollTimeout
	}
	if c.TransportFactory == nil {
		c.TransportFactory = DefaultTransportFactory(c.HTTPClient, c.LongPollTimeout)
	}
	if c.ReconnectMinDelay == 0 {
		c.ReconnectMinDelay = DefaultReconnectMinDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.AdminReconnectDelay == 0 {
		c.AdminReconnectDelay = DefaultAdminReconnectDelay
	}
	if c.ReconnectMultiplier == 0 {
		c.ReconnectMultiplier = DefaultReconnectMultiplier
	}
	if c.ReconnectResetAfter == 0 {
		c.ReconnectResetAfter = DefaultReconnectResetAfter
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.Online == nil {
		c.Online = NewSignalMonitor(true)
	}
	if c.Visible == nil {
		c.Visible = NewSignalMonitor(true)
	}
}

// Option configures a Repo.
type Option func(*Config)

func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithClock replaces the clock used for server values and backoff.
func WithClock(clock Clock) Option {
	return func(c *Config) { c.Clock = clock }
}

func WithAuth(p AuthTokenProvider) Option {
	return func(c *Config) { c.Auth = p }
}

// WithToken authenticates every connection with a fixed token.
func WithToken(token string) Option {
	return func(c *Config) { c.Auth = NewStaticTokenProvider(token) }
}

// ForceWebSocket disables the long-poll fallback.
func ForceWebSocket() Option {
	return func(c *Config) { c.ForceTransport = TransportWebSocket }
}

// ForceLongPolling never tries WebSocket.
func ForceLongPolling() Option {
	return func(c *Config) { c.ForceTransport = TransportLongPolling }
}

func WithTransportFactory(f TransportFactory) Option {
	return func(c *Config) { c.TransportFactory = f }
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) { c.HTTPClient = client }
}

// WithReconnectDelays sets the backoff bounds.
func WithReconnectDelays(min, max time.Duration) Option {
	return func(c *Config) {
		c.ReconnectMinDelay = min
		c.ReconnectMaxDelay = max
	}
}

func WithPingInterval(d time.Duration) Option {
	return func(c *Config) { c.PingInterval = d }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnectTimeout = d }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) { c.RequestTimeout = d }
}

// WithOnlineMonitor suppresses reconnects while m reports false.
func WithOnlineMonitor(m Monitor) Option {
	return func(c *Config) { c.Online = m }
}

// WithVisibilityMonitor backs off to the maximum delay while m reports
// false.
func WithVisibilityMonitor(m Monitor) Option {
	return func(c *Config) { c.Visible = m }
}

// WithSnapshotStore warms new views from s and keeps it up to date with
// server data.
func WithSnapshotStore(s SnapshotStore) Option {
	return func(c *Config) { c.Snapshots = s }
}
