package registry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRegistry(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.toml")
	writeRegistry(t, path, `
[[servers]]
name = "alpha"
command = "sleep 60"
port = 9001
idle_timeout = "90s"

[[servers]]
name = "beta"
command = "python -m beta.server"
health_path = "http://127.0.0.1:9002/healthz"
`)
	r, err := Load(path, Defaults{IdleTimeout: 3 * time.Minute, MaxRestarts: 7})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	alpha, ok := r.Lookup("alpha")
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, alpha.IdleTimeout, "explicit value wins")
	assert.Equal(t, 7, alpha.MaxRestarts, "configured default")
	assert.Equal(t, builtin.GracePeriod, alpha.GracePeriod, "builtin fallback")
	assert.Equal(t, 9001, alpha.Port)

	beta, ok := r.Lookup("beta")
	require.True(t, ok)
	assert.Equal(t, 3*time.Minute, beta.IdleTimeout)
	assert.Equal(t, "http://127.0.0.1:9002/healthz", beta.HealthURL)

	_, ok = r.Lookup("gamma")
	assert.False(t, ok)
}

func TestLoadRejectsInvalidEntries(t *testing.T) {
	cases := map[string]string{
		"empty command": `
[[servers]]
name = "x"
command = ""
`,
		"bad name": `
[[servers]]
name = "../etc"
command = "sleep 1"
`,
		"port out of range": `
[[servers]]
name = "x"
command = "sleep 1"
port = 99999
`,
		"non-http health path": `
[[servers]]
name = "x"
command = "sleep 1"
health_path = "/healthz"
`,
		"duplicate names": `
[[servers]]
name = "x"
command = "sleep 1"

[[servers]]
name = "x"
command = "sleep 2"
`,
	}
	for label, body := range cases {
		path := filepath.Join(t.TempDir(), "servers.toml")
		writeRegistry(t, path, body)
		_, err := Load(path, Defaults{})
		assert.Error(t, err, label)
	}
}

func TestReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.toml")
	writeRegistry(t, path, `
[[servers]]
name = "alpha"
command = "sleep 60"
`)
	r, err := Load(path, Defaults{})
	require.NoError(t, err)

	writeRegistry(t, path, `this is not toml [`)
	require.Error(t, r.Reload())

	_, ok := r.Lookup("alpha")
	assert.True(t, ok, "previous definitions survive a failed reload")

	writeRegistry(t, path, `
[[servers]]
name = "beta"
command = "sleep 60"
`)
	require.NoError(t, r.Reload())
	_, ok = r.Lookup("alpha")
	assert.False(t, ok)
	_, ok = r.Lookup("beta")
	assert.True(t, ok)
}

func TestWatchPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.toml")
	writeRegistry(t, path, `
[[servers]]
name = "alpha"
command = "sleep 60"
`)
	r, err := Load(path, Defaults{})
	require.NoError(t, err)
	assert.True(t, r.Watchable())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Watch(ctx, slog.Default())
	}()

	// Rename-over, the atomic save pattern.
	tmp := filepath.Join(dir, "servers.toml.new")
	writeRegistry(t, tmp, `
[[servers]]
name = "alpha"
command = "sleep 60"

[[servers]]
name = "beta"
command = "sleep 60"
`)
	require.NoError(t, os.Rename(tmp, path))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if r.Len() == 2 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, 2, r.Len())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not exit on cancel")
	}
}

func TestFromDefinitions(t *testing.T) {
	r, err := FromDefinitions(Defaults{},
		Definition{Name: "a", Command: "sleep 1"},
		Definition{Name: "b", Command: "sleep 1"},
	)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, r.Names())
	assert.False(t, r.Watchable())
	require.Error(t, r.Reload(), "no backing file")

	_, err = FromDefinitions(Defaults{},
		Definition{Name: "a", Command: "sleep 1"},
		Definition{Name: "a", Command: "sleep 2"},
	)
	require.Error(t, err)
}

func TestSafeName(t *testing.T) {
	assert.True(t, SafeName("mem0-server_v2.1"))
	assert.False(t, SafeName(""))
	assert.False(t, SafeName("a/b"))
	assert.False(t, SafeName(".."))
	assert.False(t, SafeName("a..b"))
	assert.False(t, SafeName("white space"))
}
