// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package config holds the resolved settings for a health-check run and the
// loader that produces them from a YAML file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied when the config file leaves a knob unset.
const (
	DefaultStatementTimeout  = 30 * time.Second
	DefaultSSHConnectTimeout = 10 * time.Second
	DefaultSSHCommandTimeout = 30 * time.Second
	DefaultSSHKeepalive      = 60 * time.Second
	DefaultSSHPort           = 22
)

// TrendDatabase points at the relational backend used for trend storage.
type TrendDatabase struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// DSN renders the lib/pq connection string for the trend database.
func (t TrendDatabase) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=prefer",
		t.Host, t.Port, t.Database, t.User, t.Password)
}

// Settings is the full configuration surface of the engine. Field names mirror
// the YAML keys operators use.
type Settings struct {
	Plugin      string `mapstructure:"plugin"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Database    string `mapstructure:"database"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	CompanyName string `mapstructure:"company_name"`

	// SSH. Either a list or a single host may be configured.
	SSHHosts                 []string      `mapstructure:"ssh_hosts"`
	SSHHost                  string        `mapstructure:"ssh_host"`
	SSHUser                  string        `mapstructure:"ssh_user"`
	SSHKeyFile               string        `mapstructure:"ssh_key_file"`
	SSHPassword              string        `mapstructure:"ssh_password"`
	SSHPort                  int           `mapstructure:"ssh_port"`
	SSHTimeout               time.Duration `mapstructure:"ssh_timeout"`
	SSHCommandTimeout        time.Duration `mapstructure:"ssh_command_timeout"`
	SSHKeepaliveInterval     time.Duration `mapstructure:"ssh_keepalive_interval"`
	SSHStrictHostKeyChecking *bool         `mapstructure:"ssh_strict_host_key_checking"`
	SSHKnownHostsFile        string        `mapstructure:"ssh_known_hosts_file"`
	SSHAllowUnsafeCommands   bool          `mapstructure:"ssh_allow_unsafe_commands"`

	// Cloud credentials. Presence enables the matching probe.
	AWSRegion          string `mapstructure:"aws_region"`
	AWSAccessKeyID     string `mapstructure:"aws_access_key_id"`
	AWSSecretAccessKey string `mapstructure:"aws_secret_access_key"`

	AzureSubscriptionID string `mapstructure:"azure_subscription_id"`
	AzureResourceID     string `mapstructure:"azure_resource_id"`

	// Managed-service control plane (Instaclustr-style).
	ManagedAPIURL    string `mapstructure:"managed_api_url"`
	ManagedAPIKey    string `mapstructure:"managed_api_key"`
	ManagedClusterID string `mapstructure:"managed_cluster_id"`

	// Trend storage.
	TrendStorageEnabled bool          `mapstructure:"trend_storage_enabled"`
	TrendDatabase       TrendDatabase `mapstructure:"trend_database"`

	// Engine knobs.
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
	ExporterPort     int           `mapstructure:"exporter_port"`
	JMXPort          int           `mapstructure:"jmx_port"`
	OutputDir        string        `mapstructure:"output_dir"`
	MetricsFile      string        `mapstructure:"metrics_file"`
	ExtractorsFile   string        `mapstructure:"extractors_file"`
	LogLevel         string        `mapstructure:"log_level"`

	// Per-check threshold overrides, keyed by a name the check documents,
	// e.g. kafka_memory_warning or kafka_fd_critical.
	CheckOverrides map[string]float64 `mapstructure:"check_overrides"`
}

// AllSSHHosts flattens ssh_hosts and ssh_host into one list, deduplicated,
// order preserved.
func (s *Settings) AllSSHHosts() []string {
	seen := make(map[string]struct{}, len(s.SSHHosts)+1)
	var hosts []string
	add := func(h string) {
		if h == "" {
			return
		}
		if _, ok := seen[h]; ok {
			return
		}
		seen[h] = struct{}{}
		hosts = append(hosts, h)
	}
	for _, h := range s.SSHHosts {
		add(h)
	}
	add(s.SSHHost)
	return hosts
}

// SSHConfigured reports whether the run has any usable SSH target.
func (s *Settings) SSHConfigured() bool {
	return len(s.AllSSHHosts()) > 0 && s.SSHUser != ""
}

// StrictHostKeys returns the host-key policy, defaulting to strict when the
// config file says nothing.
func (s *Settings) StrictHostKeys() bool {
	if s.SSHStrictHostKeyChecking == nil {
		return true
	}
	return *s.SSHStrictHostKeyChecking
}

// Override looks up a per-check threshold override.
func (s *Settings) Override(name string) (float64, bool) {
	v, ok := s.CheckOverrides[name]
	return v, ok
}

// Load reads the YAML config at path and applies defaults.
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	applyDefaults(s)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func applyDefaults(s *Settings) {
	if s.StatementTimeout == 0 {
		s.StatementTimeout = DefaultStatementTimeout
	}
	if s.SSHTimeout == 0 {
		s.SSHTimeout = DefaultSSHConnectTimeout
	}
	if s.SSHCommandTimeout == 0 {
		s.SSHCommandTimeout = DefaultSSHCommandTimeout
	}
	if s.SSHKeepaliveInterval == 0 {
		s.SSHKeepaliveInterval = DefaultSSHKeepalive
	}
	if s.SSHPort == 0 {
		s.SSHPort = DefaultSSHPort
	}
	if s.OutputDir == "" {
		s.OutputDir = "."
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
}

// Validate enforces the minimum viable configuration. Failures here abort
// the run before anything connects.
func (s *Settings) Validate() error {
	if s.Plugin == "" {
		return fmt.Errorf("config: plugin is required")
	}
	if s.Host == "" {
		return fmt.Errorf("config: host is required")
	}
	if s.CompanyName == "" {
		return fmt.Errorf("config: company_name is required")
	}
	if len(s.AllSSHHosts()) > 0 && s.SSHUser == "" {
		return fmt.Errorf("config: ssh_user is required when ssh hosts are configured")
	}
	if s.SSHConfigured() && s.SSHPassword == "" && s.SSHKeyFile == "" {
		return fmt.Errorf("config: one of ssh_key_file or ssh_password is required")
	}
	if s.TrendStorageEnabled {
		td := s.TrendDatabase
		if td.Host == "" || td.Database == "" || td.User == "" {
			return fmt.Errorf("config: trend_database requires host, database and user")
		}
	}
	return nil
}
