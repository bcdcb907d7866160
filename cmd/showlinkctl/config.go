package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/showlink/internal/admin"
	"github.com/danmuck/showlink/internal/connector"
	"github.com/danmuck/showlink/internal/protocol/session"
	"github.com/danmuck/showlink/internal/transport"
)

// Secrets may come from the environment instead of the config file; a set
// variable wins over the file.
const (
	envAuthKey    = "SHOWLINK_AUTH_KEY"
	envAdminToken = "SHOWLINK_ADMIN_TOKEN"
)

type serviceConfig struct {
	Instance    string
	Address     transport.Address
	Transport   transport.Kind
	AuthKey     string
	BundlesPath string
	AdminAddr   string
	AdminToken  string
	CorsOrigins []string
	Session     session.Config
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{
		Instance: connector.DefaultInstance,
		Address: transport.Address{
			Host: "127.0.0.1",
			Port: 9090,
			Path: transport.DefaultPath,
		},
		Transport:   transport.KindWebSocket,
		BundlesPath: "bundles.toml",
		AdminAddr:   admin.DefaultAddr,
		Session:     session.DefaultConfig(),
	}
}

type fileConfig struct {
	Instance     string   `toml:"instance"`
	Host         string   `toml:"host"`
	Port         int      `toml:"port"`
	Transport    string   `toml:"transport"`
	Path         string   `toml:"path"`
	AuthKey      string   `toml:"auth_key"`
	BundlesPath  string   `toml:"bundles_path"`
	AdminAddr    string   `toml:"admin_addr"`
	AdminToken   string   `toml:"admin_token"`
	CorsOrigins  []string `toml:"cors_origins"`
	SecurityMode string   `toml:"security_mode"`

	TLS struct {
		Enabled            bool   `toml:"enabled"`
		Mutual             bool   `toml:"mutual"`
		CAFile             string `toml:"ca_file"`
		CertFile           string `toml:"cert_file"`
		KeyFile            string `toml:"key_file"`
		ServerName         string `toml:"server_name"`
		InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	} `toml:"tls"`

	Timeouts struct {
		Connect   string `toml:"connect"`
		Handshake string `toml:"handshake"`
		Read      string `toml:"read"`
		Write     string `toml:"write"`
		Ack       string `toml:"ack"`
		Ping      string `toml:"ping"`
	} `toml:"timeouts"`

	Backoff struct {
		Initial    string  `toml:"initial"`
		Multiplier float64 `toml:"multiplier"`
		Max        string  `toml:"max"`
		Jitter     bool    `toml:"jitter"`
		ResetAfter string  `toml:"reset_after"`
	} `toml:"backoff"`
}

func loadServiceConfig(path string) (serviceConfig, error) {
	cfg := defaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("load showlink config: %w", err)
	}

	if meta.IsDefined("instance") {
		if v := strings.TrimSpace(raw.Instance); v != "" {
			cfg.Instance = v
		}
	}
	if meta.IsDefined("host") {
		cfg.Address.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Address.Port = raw.Port
	}
	if meta.IsDefined("path") {
		cfg.Address.Path = strings.TrimSpace(raw.Path)
	}
	if meta.IsDefined("transport") {
		kind, err := transport.ParseKind(raw.Transport)
		if err != nil {
			return serviceConfig{}, fmt.Errorf("parse transport: %w", err)
		}
		cfg.Transport = kind
	}
	if meta.IsDefined("auth_key") {
		cfg.AuthKey = strings.TrimSpace(raw.AuthKey)
	}
	if meta.IsDefined("bundles_path") {
		cfg.BundlesPath = strings.TrimSpace(raw.BundlesPath)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("security_mode") {
		cfg.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}

	if meta.IsDefined("tls", "enabled") {
		cfg.Session.TLS.Enabled = raw.TLS.Enabled
	}
	if meta.IsDefined("tls", "mutual") {
		cfg.Session.TLS.Mutual = raw.TLS.Mutual
	}
	if meta.IsDefined("tls", "ca_file") {
		cfg.Session.TLS.CAFile = strings.TrimSpace(raw.TLS.CAFile)
	}
	if meta.IsDefined("tls", "cert_file") {
		cfg.Session.TLS.CertFile = strings.TrimSpace(raw.TLS.CertFile)
	}
	if meta.IsDefined("tls", "key_file") {
		cfg.Session.TLS.KeyFile = strings.TrimSpace(raw.TLS.KeyFile)
	}
	if meta.IsDefined("tls", "server_name") {
		cfg.Session.TLS.ServerName = strings.TrimSpace(raw.TLS.ServerName)
	}
	if meta.IsDefined("tls", "insecure_skip_verify") {
		cfg.Session.TLS.InsecureSkipVerify = raw.TLS.InsecureSkipVerify
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect", raw.Timeouts.Connect, &cfg.Session.ConnectTimeout},
		{"handshake", raw.Timeouts.Handshake, &cfg.Session.HandshakeTimeout},
		{"read", raw.Timeouts.Read, &cfg.Session.ReadTimeout},
		{"write", raw.Timeouts.Write, &cfg.Session.WriteTimeout},
		{"ack", raw.Timeouts.Ack, &cfg.Session.AckTimeout},
		{"ping", raw.Timeouts.Ping, &cfg.Session.PingInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined("timeouts", d.key) {
			continue
		}
		if err := parseDuration("timeouts."+d.key, d.raw, d.dst); err != nil {
			return serviceConfig{}, err
		}
	}

	if meta.IsDefined("backoff", "initial") {
		if err := parseDuration("backoff.initial", raw.Backoff.Initial, &cfg.Session.Backoff.InitialDelay); err != nil {
			return serviceConfig{}, err
		}
	}
	if meta.IsDefined("backoff", "max") {
		if err := parseDuration("backoff.max", raw.Backoff.Max, &cfg.Session.Backoff.MaxDelay); err != nil {
			return serviceConfig{}, err
		}
	}
	if meta.IsDefined("backoff", "reset_after") {
		if err := parseDuration("backoff.reset_after", raw.Backoff.ResetAfter, &cfg.Session.Backoff.ResetAfter); err != nil {
			return serviceConfig{}, err
		}
	}
	if meta.IsDefined("backoff", "multiplier") {
		cfg.Session.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "jitter") {
		cfg.Session.Backoff.Jitter = raw.Backoff.Jitter
	}

	if v := strings.TrimSpace(os.Getenv(envAuthKey)); v != "" {
		cfg.AuthKey = v
	}
	if v := strings.TrimSpace(os.Getenv(envAdminToken)); v != "" {
		cfg.AdminToken = v
	}

	if cfg.BundlesPath != "" && !filepath.IsAbs(cfg.BundlesPath) {
		cfg.BundlesPath = filepath.Join(filepath.Dir(path), cfg.BundlesPath)
	}
	cfg.Address.Secure = cfg.Session.TLS.Enabled
	if err := cfg.validate(); err != nil {
		return serviceConfig{}, err
	}
	return cfg, nil
}

func (c serviceConfig) validate() error {
	if err := c.Address.Validate(); err != nil {
		return fmt.Errorf("showlink config: %w", err)
	}
	if c.Session.Backoff.Multiplier != 0 && c.Session.Backoff.Multiplier < 1 {
		return fmt.Errorf("showlink config: backoff.multiplier must be >= 1, got %v", c.Session.Backoff.Multiplier)
	}
	if err := c.Session.ValidateClientTransport(); err != nil {
		return fmt.Errorf("showlink config: %w", err)
	}
	return nil
}

func parseDuration(key, raw string, dst *time.Duration) error {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return fmt.Errorf("parse %s: negative duration %s", key, d)
	}
	*dst = d
	return nil
}
