package cmd

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/orchestra/pkg/components/core"
	"github.com/dukex/orchestra/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestParsePersistenceProvider(t *testing.T) {
	tests := map[string]string{
		"file://./data":                 "file",
		"./data":                        "file",
		"postgres://u:p@localhost/db":   "postgres",
		"postgresql://u:p@localhost/db": "postgresql",
		"mongodb://localhost/orchestra": "file",
		"":                              "file",
	}

	for url, want := range tests {
		assert.Equal(t, want, parsePersistenceProvider(url), url)
	}
}

func TestNewPersistence_File(t *testing.T) {
	dir := t.TempDir()

	p, err := NewPersistence(context.Background(), testLogger(), "file://"+dir, "")
	require.NoError(t, err)
	assert.IsType(t, &file.Persistence{}, p)
	require.NoError(t, p.HealthCheck(context.Background()))

	_, err = NewPersistence(context.Background(), testLogger(), dir, "memcached://localhost")
	assert.Error(t, err)
}

func TestNewEventBus(t *testing.T) {
	bus, err := NewEventBus(testLogger(), "gochannel", "", "orchestra")
	require.NoError(t, err)
	assert.NotEmpty(t, bus.GenerateID())
	require.NoError(t, bus.Close())

	_, err = NewEventBus(testLogger(), "kafka", "", "orchestra")
	assert.Error(t, err)

	_, err = NewEventBus(testLogger(), "carrier-pigeon", "", "orchestra")
	assert.Error(t, err)
}

func TestNewRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "components.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
components:
  - component: summarizer
    transport: http
    address: http://summarizer:8080
`), 0o600))

	reg, err := NewRegistry(testLogger(), RegistryConfig{ComponentsFile: path})
	require.NoError(t, err)

	endpoint, err := reg.Resolve(context.Background(), "summarizer")
	require.NoError(t, err)
	assert.Equal(t, "http://summarizer:8080", endpoint.Address)

	_, err = reg.Resolve(context.Background(), core.Name)
	require.NoError(t, err)

	// nats endpoints need a connection
	require.NoError(t, os.WriteFile(path, []byte(`
components:
  - component: ranker
    transport: nats
    address: components.ranker
`), 0o600))

	_, err = NewRegistry(testLogger(), RegistryConfig{ComponentsFile: path})
	assert.Error(t, err)
}

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(`
id: nightly
name: Nightly report
tasks:
  - id: fetch
    component: core
    action: http_request
    input:
      url: https://example.com/report
    timeout: 30s
  - id: store
    component: core
    action: write_file
    depends_on: [fetch]
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte(`{
		"name": "ping",
		"tasks": [{"id": "ping", "component": "core", "action": "log", "input": {"message": "ping"}}]
	}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	defs, err := LoadDefinitions(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	assert.Equal(t, "nightly", defs[0].ID)
	assert.Equal(t, "fetch", defs[0].Tasks[1].DependsOn[0].TaskID)
	assert.Equal(t, "ping", defs[1].Name)

	single, err := LoadDefinitions(filepath.Join(dir, "b.json"))
	require.NoError(t, err)
	assert.Len(t, single, 1)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.yml"), []byte("tasks: {"), 0o600))

	_, err = LoadDefinitions(dir)
	assert.Error(t, err)
}
