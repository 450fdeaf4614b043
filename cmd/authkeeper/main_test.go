package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPlatformsList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "platforms.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
platforms:
  - {id: demo, login_url: "https://demo.test/login"}
  - {id: dev, kind: ai, login_url: "https://dev.test/"}
  - {id: other, login_url: "https://other.test/"}
`), 0600))
	t.Setenv("AUTHKEEPER_PLATFORMS_FILE", path)
	t.Setenv("AUTHKEEPER_DATA_DIR", t.TempDir())

	out, err := run(t, "platforms", "list", "de*", "--json")
	require.NoError(t, err)

	var entries []platformEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "demo", entries[0].ID)
	assert.Equal(t, "dev", entries[1].ID)

	out, err = run(t, "platforms", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "other\tcontent")
}

func TestLoginRequiresIdentity(t *testing.T) {
	_, err := run(t, "login", "demo")
	assert.Error(t, err)
}

func TestSessionsRequireEncryptionKey(t *testing.T) {
	t.Setenv("AUTHKEEPER_DATA_DIR", t.TempDir())
	t.Setenv("AUTHKEEPER_ENCRYPTION_KEY", "")

	_, err := run(t, "sessions", "list", "--user", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTHKEEPER_ENCRYPTION_KEY")
}
