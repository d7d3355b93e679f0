package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hatlonely/sqlgate/rdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (config, envFile string) {
	dir := t.TempDir()
	dsn := "file:" + filepath.Join(dir, "cli.db") + "?_foreign_keys=on"
	db, err := rdb.NewDBWithOptions(&rdb.Options{Driver: "sqlite3", DSN: dsn, MaxConns: 1})
	require.NoError(t, err)
	_, err = db.SQLDB().Exec(`
CREATE TABLE customers (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL);
CREATE TABLE orders (id INTEGER PRIMARY KEY AUTOINCREMENT, customer_id INTEGER REFERENCES customers(id));
`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	envFile = filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("SQLGATE_CLI_DSN="+dsn+"\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("SQLGATE_CLI_DSN") })

	config = filepath.Join(dir, "sqlgate.yaml")
	require.NoError(t, os.WriteFile(config, []byte(`
database:
  driver: sqlite3
  dsn: ${SQLGATE_CLI_DSN}
log:
  level: error
`), 0644))
	return config, envFile
}

func execute(args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDescribe(t *testing.T) {
	config, envFile := setup(t)

	out, err := execute("describe", "-c", config, "--env-file", envFile)
	require.NoError(t, err)
	var tables []string
	require.NoError(t, json.Unmarshal([]byte(out), &tables))
	assert.Equal(t, []string{"customers", "orders"}, tables)

	out, err = execute("describe", "orders", "-c", config, "--env-file", envFile)
	require.NoError(t, err)
	var schemas []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &schemas))
	require.Len(t, schemas, 1)
	assert.Equal(t, "orders", schemas[0]["name"])
	assert.Equal(t, []any{"id"}, schemas[0]["primary_key"])
	related := schemas[0]["related"].([]any)
	assert.Equal(t, "customers_by_customer_id", related[0].(map[string]any)["name"])

	_, err = execute("describe", "missing", "-c", config, "--env-file", envFile)
	assert.Error(t, err)
}

func TestLoadEnv(t *testing.T) {
	assert.NoError(t, loadEnv("", false))
	assert.NoError(t, loadEnv(filepath.Join(t.TempDir(), "absent.env"), false))
	assert.Error(t, loadEnv(filepath.Join(t.TempDir(), "absent.env"), true))

	_, err := execute("describe", "-c", filepath.Join(t.TempDir(), "absent.yaml"), "--env-file", "")
	assert.Error(t, err)
}
