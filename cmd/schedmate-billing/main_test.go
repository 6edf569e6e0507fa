package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func useMemoryStore(t *testing.T) {
	t.Helper()
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("REDIS_URL", "")
	t.Setenv("LOG_LEVEL", "error")
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() {
		Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2026-01-01"
	GitCommit = "abcdef"
	out, err := runCmd(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "SchedMate billing 1.2.3")
	assert.Contains(t, out, "Built: 2026-01-01")
	assert.Contains(t, out, "Commit: abcdef")

	BuildTime = "unknown"
	GitCommit = "unknown"
	out, err = runCmd(t, "version")
	require.NoError(t, err)
	assert.NotContains(t, out, "Built:")
	assert.NotContains(t, out, "Commit:")
}

func TestStatusCmdUnknownAccount(t *testing.T) {
	useMemoryStore(t)

	out, err := runCmd(t, "status", "acct-missing")
	require.NoError(t, err)
	assert.Contains(t, out, "none (implicit)")
	assert.Contains(t, out, "expired")
	assert.Contains(t, out, "Locked:")

	out, err = runCmd(t, "status", "acct-missing", "--json")
	require.NoError(t, err)
	var got statusOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.False(t, got.Stored)
	assert.True(t, got.Effective.Locked)
	for feature, allowed := range got.Features {
		assert.Falsef(t, allowed, "feature %s allowed on a locked account", feature)
	}
}

func TestStatusCmdRequiresAccount(t *testing.T) {
	useMemoryStore(t)
	_, err := runCmd(t, "status")
	assert.Error(t, err)
}

func TestSweepCmdEmptyStore(t *testing.T) {
	useMemoryStore(t)

	out, err := runCmd(t, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, `"scanned": 0`)
}

func TestInvalidConfigFails(t *testing.T) {
	useMemoryStore(t)
	t.Setenv("STORE_DRIVER", "mongodb")

	_, err := runCmd(t, "sweep")
	assert.ErrorContains(t, err, "load config")
}
