package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devrev/pairdb/distcache/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.Member.ID)
	require.Len(t, cfg.Services, 1)

	svc := cfg.Services[0]
	assert.Equal(t, DefaultServiceName, svc.Name)
	assert.Equal(t, 257, svc.PartitionCount)
	assert.Equal(t, 1, svc.Backups())
	assert.Equal(t, RecoveryReadsBlock, svc.RecoveryReads)

	policy, err := svc.ReplicationPolicy()
	require.NoError(t, err)
	assert.Equal(t, model.ReplicationSync, policy.Mode)
}

func TestLoad_PerServicePolicies(t *testing.T) {
	path := writeConfig(t, `
member:
  id: m1
  location: {machine: h1, rack: r1, site: s1}
replication:
  default_async_backup: 10s
services:
  - name: orders
    partition_count: 31
    backup_count: 0
    async_backup: false
  - name: sessions
    async_backup: true
    read_locator: closest
  - name: catalog
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Services, 3)

	orders, err := cfg.Services[0].ReplicationPolicy()
	require.NoError(t, err)
	assert.Equal(t, model.ReplicationSync, orders.Mode)
	assert.Equal(t, 0, cfg.Services[0].Backups())

	sessions, err := cfg.Services[1].ReplicationPolicy()
	require.NoError(t, err)
	assert.Equal(t, model.ReplicationAsyncImmediate, sessions.Mode)
	locator, err := cfg.Services[1].ReadLocatorPolicy()
	require.NoError(t, err)
	assert.Equal(t, model.ReadLocatorClosest, locator.Kind)

	// catalog inherits the process-wide default
	catalog, err := cfg.Services[2].ReplicationPolicy()
	require.NoError(t, err)
	assert.Equal(t, model.ReplicationAsyncScheduled, catalog.Mode)
	assert.Equal(t, 10*time.Second, catalog.Interval)

	assert.Equal(t, "r1", cfg.Member.Location.Rack)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("DISTCACHE_MEMBER_ID", "env-member")
	t.Setenv("DISTCACHE_ASYNC_BACKUP", "250ms")
	t.Setenv("DISTCACHE_RACK", "rack-9")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "env-member", cfg.Member.ID)
	assert.Equal(t, "rack-9", cfg.Member.Location.Rack)

	policy, err := cfg.Services[0].ReplicationPolicy()
	require.NoError(t, err)
	assert.Equal(t, model.ReplicationAsyncScheduled, policy.Mode)
	assert.Equal(t, 250*time.Millisecond, policy.Interval)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "bad async backup", body: "services:\n  - name: a\n    async_backup: sometimes\n"},
		{name: "negative backups", body: "services:\n  - name: a\n    backup_count: -1\n"},
		{name: "bad locator", body: "services:\n  - name: a\n    read_locator: nearest\n"},
		{name: "duplicate names", body: "services:\n  - name: a\n  - name: a\n"},
		{name: "bad recovery reads", body: "services:\n  - name: a\n    recovery_reads: maybe\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
