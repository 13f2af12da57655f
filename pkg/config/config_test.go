// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
plugin: postgres
host: db1.internal
port: 5432
database: orders
user: hc
company_name: Acme Corp
`)
	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", s.Plugin)
	assert.Equal(t, 30*time.Second, s.StatementTimeout)
	assert.Equal(t, 10*time.Second, s.SSHTimeout)
	assert.Equal(t, 22, s.SSHPort)
	assert.Equal(t, ".", s.OutputDir)
	assert.Equal(t, "info", s.LogLevel)
	assert.True(t, s.StrictHostKeys(), "strict host keys is the default")
	assert.False(t, s.SSHConfigured())
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
plugin: kafka
host: broker1.internal
port: 9092
company_name: Acme Corp
ssh_hosts: [broker1.internal, broker2.internal]
ssh_user: assess
ssh_key_file: /home/assess/.ssh/id_ed25519
ssh_strict_host_key_checking: false
statement_timeout: 45s
trend_storage_enabled: true
trend_database:
  host: trends.internal
  port: 5432
  database: hc_trends
  user: trends
  password: pw
check_overrides:
  kafka_lag_critical: 250000
`)
	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, s.StatementTimeout)
	assert.True(t, s.SSHConfigured())
	assert.False(t, s.StrictHostKeys())
	assert.True(t, s.TrendStorageEnabled)
	assert.Contains(t, s.TrendDatabase.DSN(), "dbname=hc_trends")

	v, ok := s.Override("kafka_lag_critical")
	require.True(t, ok)
	assert.Equal(t, 250000.0, v)
	_, ok = s.Override("unset_knob")
	assert.False(t, ok)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Settings {
		return &Settings{Plugin: "postgres", Host: "db1", CompanyName: "Acme"}
	}

	assert.NoError(t, base().Validate())

	s := base()
	s.Plugin = ""
	assert.Error(t, s.Validate())

	s = base()
	s.Host = ""
	assert.Error(t, s.Validate())

	s = base()
	s.CompanyName = ""
	assert.Error(t, s.Validate())

	s = base()
	s.SSHHosts = []string{"h1"}
	assert.Error(t, s.Validate(), "ssh hosts without ssh_user")

	s = base()
	s.SSHHosts = []string{"h1"}
	s.SSHUser = "assess"
	assert.Error(t, s.Validate(), "ssh without key or password")
	s.SSHKeyFile = "/key"
	assert.NoError(t, s.Validate())

	s = base()
	s.TrendStorageEnabled = true
	assert.Error(t, s.Validate(), "trend storage without database settings")
	s.TrendDatabase = TrendDatabase{Host: "t", Database: "d", User: "u"}
	assert.NoError(t, s.Validate())
}

func TestAllSSHHostsDedup(t *testing.T) {
	s := &Settings{
		SSHHosts: []string{"h1", "h2", "h1", ""},
		SSHHost:  "h2",
	}
	assert.Equal(t, []string{"h1", "h2"}, s.AllSSHHosts())

	s = &Settings{SSHHost: "solo"}
	assert.Equal(t, []string{"solo"}, s.AllSSHHosts())

	s = &Settings{}
	assert.Empty(t, s.AllSSHHosts())
}
