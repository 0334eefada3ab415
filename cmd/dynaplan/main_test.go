package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogYAML = `
models:
  - name: sessions
    primaryKey:
      partitionKey: id
  - name: users
    primaryKey:
      partitionKey: id
    indexes:
      - name: byEmail
        partitionKey: email
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dynaplan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(viper.New())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestExplainJoinScenario(t *testing.T) {
	cfg := writeConfig(t)
	req := `{"model": "sessions", "join": [{"model": "users", "as": "user", "from": "userId", "cardinality": "one-to-one"}]}`

	out, err := run(t, req, "explain", "--config", cfg, "--items", "12345")
	require.NoError(t, err)
	assert.Contains(t, out, "strategy:   Scan")
	assert.Contains(t, out, "join:       users as user (one-to-one) on userId = users.id")
	assert.Contains(t, out, "commands:   query=0 scan=13 batchGet=124 total=137")
}

func TestExplainFromFileWithEnvPageSize(t *testing.T) {
	cfg := writeConfig(t)
	reqPath := filepath.Join(t.TempDir(), "req.yaml")
	require.NoError(t, os.WriteFile(reqPath, []byte("model: users\nwhere:\n  - field: email\n    value: ann@example.com\n"), 0o600))

	t.Setenv("DYNAPLAN_PAGE_SIZE", "10")
	out, err := run(t, "", "explain", reqPath, "--config", cfg, "--items", "25")
	require.NoError(t, err)
	assert.Contains(t, out, "strategy:   SecondaryIndexQuery{byEmail}")
	assert.Contains(t, out, "[byEmail]")
	assert.Contains(t, out, "query=3")
}

func TestExplainErrors(t *testing.T) {
	cfg := writeConfig(t)

	_, err := run(t, "where: []", "explain", "--config", cfg)
	assert.ErrorContains(t, err, "model is required")

	_, err = run(t, "model: ghosts", "explain", "--config", cfg)
	assert.ErrorContains(t, err, "UNKNOWN_MODEL")

	_, err = run(t, "model: users", "explain", "--config", filepath.Join(t.TempDir(), "none.yaml"))
	assert.ErrorContains(t, err, "INVALID_CONFIG")
}

func TestModels(t *testing.T) {
	out, err := run(t, "", "models", "--config", writeConfig(t))
	require.NoError(t, err)
	assert.Equal(t, "sessions (table sessions) key id\nusers (table users) key id\n  index byEmail key email\n", out)
}
