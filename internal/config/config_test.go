package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullConfig = `
listen: ":9090"
artifactRoot: /var/lib/pipewright/artifacts
journalPath: /var/lib/pipewright/journal.jsonl
workers: 8
cancelGrace: 30s
environments:
  - name: staging
    approval: none
  - name: production
    approval: required
    approvers: [alice, bob]
    approvalTimeout: 48h
`

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 30*time.Second, cfg.CancelGrace.Std())
	require.Len(t, cfg.Environments, 2)

	prod := cfg.Environments[1]
	assert.Equal(t, "required", prod.Approval)
	assert.Equal(t, []string{"alice", "bob"}, prod.Approvers)
	assert.Equal(t, 48*time.Hour, prod.ApprovalTimeout.Std())
}

func TestParseKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte("listen: \":7000\"\n"))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, Default().Workers, cfg.Workers)
	assert.Equal(t, Default().CancelGrace, cfg.CancelGrace)
	assert.Equal(t, Default().ArtifactRoot, cfg.ArtifactRoot)
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse(nil)
	assert.ErrorIs(t, err, ErrConfigEmpty)
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"zero workers", "workers: 0"},
		{"negative workers", "workers: -2"},
		{"bad duration", "cancelGrace: soonish"},
		{"unnamed environment", "environments: [{approval: none}]"},
		{"duplicate environment", "environments: [{name: a}, {name: a}]"},
		{"unknown approval mode", "environments: [{name: a, approval: maybe}]"},
		{"required without approvers", "environments: [{name: a, approval: required}]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Workers)

	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
