package session

import "time"

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
	// ResetAfter is how long a session must stay live before the attempt
	// counter returns to zero.
	ResetAfter time.Duration
}

// SecurityMode selects how strictly transport settings are validated.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig configures the client side of an encrypted session.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Config defines transport/session reliability defaults.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	AckTimeout       time.Duration
	Backoff          BackoffConfig
	SecurityMode     SecurityMode
	TLS              TLSConfig
}

// DefaultConfig returns the connector defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		ReadTimeout:      0,
		WriteTimeout:     5 * time.Second,
		PingInterval:     15 * time.Second,
		AckTimeout:       5 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
			ResetAfter:   30 * time.Second,
		},
		SecurityMode: SecurityModeDevelopment,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig. ReadTimeout and
// PingInterval stay zero when unset, meaning no read deadline and no pings.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = d.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier <= 0 {
		c.Backoff.Multiplier = d.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = d.Backoff.MaxDelay
	}
	if c.Backoff.ResetAfter <= 0 {
		c.Backoff.ResetAfter = d.Backoff.ResetAfter
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}
