// Package config loads the daemon configuration.
//
// The file is HCL (or its JSON equivalent). Every attribute is optional; a
// missing file yields Default(). String values may call env(name, default)
// to pull from the process environment.
package config

import (
	"fmt"
	"net/netip"
	"path/filepath"
	"time"

	"grimm.is/tunnelboard/internal/brand"
	"grimm.is/tunnelboard/internal/scheduler"
)

// Config is the daemon configuration.
type Config struct {
	Listen         string `hcl:"listen,optional" json:"listen"`
	DataFile       string `hcl:"data_file,optional" json:"data_file"`
	LogLevel       string `hcl:"log_level,optional" json:"log_level"`
	LogJSON        bool   `hcl:"log_json,optional" json:"log_json"`
	MaxConnections int    `hcl:"max_connections,optional" json:"max_connections"`
	TLSCert        string `hcl:"tls_cert,optional" json:"tls_cert"` // serve HTTPS when both are set;
	TLSKey         string `hcl:"tls_key,optional" json:"tls_key"`   // a missing pair is generated

	// Peers whose X-Forwarded-For / X-Real-IP headers are believed. IPs or
	// CIDRs; empty means the socket address is always used.
	TrustedProxies []string `hcl:"trusted_proxies,optional" json:"trusted_proxies"`

	Auth   *AuthConfig   `hcl:"auth,block" json:"auth"`
	Tunnel *TunnelConfig `hcl:"tunnel,block" json:"tunnel"`
	Audit  *AuditConfig  `hcl:"audit,block" json:"audit"`
}

// AuthConfig controls sessions, tokens and the login limiter.
type AuthConfig struct {
	AccessTokenTTL    string `hcl:"access_token_ttl,optional" json:"access_token_ttl"`
	RefreshTokenTTL   string `hcl:"refresh_token_ttl,optional" json:"refresh_token_ttl"`
	MaxSessions       int    `hcl:"max_sessions,optional" json:"max_sessions"`
	SweepInterval     string `hcl:"sweep_interval,optional" json:"sweep_interval"`
	MinPasswordLength int    `hcl:"min_password_length,optional" json:"min_password_length"`
	MinEntropy        int    `hcl:"min_password_entropy,optional" json:"min_password_entropy"`
	LoginAttempts     int    `hcl:"login_attempts,optional" json:"login_attempts"`
}

// TunnelConfig selects and configures the tunnel driver.
type TunnelConfig struct {
	Driver string `hcl:"driver,optional" json:"driver"` // "quic" or "noop"
	Bind   string `hcl:"bind,optional" json:"bind"`     // UDP address server endpoints listen on
	Local  string `hcl:"local,optional" json:"local"`   // host client endpoints bind on
}

// AuditConfig controls the audit database.
type AuditConfig struct {
	Path          string `hcl:"path,optional" json:"path"`
	RetentionDays int    `hcl:"retention_days,optional" json:"retention_days"`
	PruneSchedule string `hcl:"prune_schedule,optional" json:"prune_schedule"` // cron expression
}

// Driver names.
const (
	DriverQUIC = "quic"
	DriverNoop = "noop"
)

// Default returns the configuration used when no file is present.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	state := brand.GetStateDir()
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataFile == "" {
		c.DataFile = filepath.Join(state, "settings.json")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 256
	}

	if c.Auth == nil {
		c.Auth = &AuthConfig{}
	}
	a := c.Auth
	if a.AccessTokenTTL == "" {
		a.AccessTokenTTL = "15m"
	}
	if a.RefreshTokenTTL == "" {
		a.RefreshTokenTTL = "168h"
	}
	if a.MaxSessions == 0 {
		a.MaxSessions = 100
	}
	if a.SweepInterval == "" {
		a.SweepInterval = "1m"
	}
	if a.MinPasswordLength == 0 {
		a.MinPasswordLength = 8
	}
	if a.LoginAttempts == 0 {
		a.LoginAttempts = 5
	}

	if c.Tunnel == nil {
		c.Tunnel = &TunnelConfig{}
	}
	if c.Tunnel.Driver == "" {
		c.Tunnel.Driver = DriverQUIC
	}
	if c.Tunnel.Bind == "" {
		c.Tunnel.Bind = ":0"
	}
	if c.Tunnel.Local == "" {
		c.Tunnel.Local = "127.0.0.1"
	}

	if c.Audit == nil {
		c.Audit = &AuditConfig{}
	}
	if c.Audit.Path == "" {
		c.Audit.Path = filepath.Join(state, "audit.db")
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 90
	}
	if c.Audit.PruneSchedule == "" {
		c.Audit.PruneSchedule = "0 3 * * *"
	}
}

// Validate checks durations, limits and driver names.
func (c *Config) Validate() error {
	if c.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	for name, v := range map[string]string{
		"auth.access_token_ttl":  c.Auth.AccessTokenTTL,
		"auth.refresh_token_ttl": c.Auth.RefreshTokenTTL,
		"auth.sweep_interval":    c.Auth.SweepInterval,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Auth.MaxSessions < 1 {
		return fmt.Errorf("auth.max_sessions must be at least 1")
	}
	if c.Auth.LoginAttempts < 1 {
		return fmt.Errorf("auth.login_attempts must be at least 1")
	}
	switch c.Tunnel.Driver {
	case DriverQUIC, DriverNoop:
	default:
		return fmt.Errorf("tunnel.driver: unknown driver %q", c.Tunnel.Driver)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	if _, err := c.ProxyPrefixes(); err != nil {
		return err
	}
	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit.retention_days must not be negative")
	}
	if _, err := scheduler.Cron(c.Audit.PruneSchedule); err != nil {
		return fmt.Errorf("audit.prune_schedule: %w", err)
	}
	return nil
}

// ProxyPrefixes parses TrustedProxies. A bare address becomes a single-host
// prefix.
func (c *Config) ProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, v := range c.TrustedProxies {
		if p, err := netip.ParsePrefix(v); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("trusted_proxies: invalid address %q", v)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// AccessTTL returns the parsed access token lifetime.
func (a *AuthConfig) AccessTTL() time.Duration { return mustDuration(a.AccessTokenTTL) }

// RefreshTTL returns the parsed refresh token lifetime.
func (a *AuthConfig) RefreshTTL() time.Duration { return mustDuration(a.RefreshTokenTTL) }

// Sweep returns the parsed session sweep interval.
func (a *AuthConfig) Sweep() time.Duration { return mustDuration(a.SweepInterval) }

// mustDuration is only called on validated configs.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
