package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walstore/pkg/config"
	"walstore/pkg/volume"
	"walstore/pkg/wal"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &errOut
	err := app.Run(append([]string{"walstore"}, args...))
	return out.String(), err
}

func TestCLI_PutGetDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.db")

	out, err := run(t, "put", "--path", path, "hello")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	out, err = run(t, "get", "--path", path, "1")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	_, err = run(t, "delete", "--path", path, "1")
	require.NoError(t, err)

	_, err = run(t, "get", "--path", path, "1")
	assert.Error(t, err)

	out, err = run(t, "stats", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"tombstones": 1`)

	out, err = run(t, "compact", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"garbage_bytes": 0`)

	out, err = run(t, "wal-dump", "--path", path)
	require.NoError(t, err)
	assert.Equal(t, "no log segments\n", out)
}

func TestCLI_RequiresTarget(t *testing.T) {
	_, err := run(t, "get", "1")
	assert.Error(t, err)

	_, err = run(t, "get", "--path", filepath.Join(t.TempDir(), "x.db"), "zero")
	assert.Error(t, err)
}

func TestCLI_StoreSettingsFromConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "configured.db")
	cfgPath := filepath.Join(dir, "walstore.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
store:
  path: %s
  volume: mmap
  wal:
    max_file_size: 4096
`, path)), 0o600))

	out, err := run(t, "put", "--config", cfgPath, "configured")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)
	assert.FileExists(t, path)

	out, err = run(t, "get", "--config", cfgPath, "1")
	require.NoError(t, err)
	assert.Equal(t, "configured", out)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	opts, err := localOptions(cfg.Store, path)
	require.NoError(t, err)
	assert.Equal(t, volume.KindMapped, opts.Volume)
	assert.Equal(t, int64(4096), opts.WALMaxFileSize)
	assert.False(t, opts.AutoCompact)

	cfg.Store.Volume = string(volume.KindMemory)
	_, err = localOptions(cfg.Store, path)
	assert.Error(t, err)
}

func TestDumpLog(t *testing.T) {
	log, err := wal.Open("", wal.ReplayAuto, wal.Options{})
	require.NoError(t, err)
	defer log.Close()

	require.NoError(t, log.PutLong(8, 8256))
	_, err = log.PutRecord(4, []byte("body"))
	require.NoError(t, err)
	require.NoError(t, log.PutTombstone(5))
	require.NoError(t, log.Commit())

	logger, _ := test.NewNullLogger()
	var out bytes.Buffer
	require.NoError(t, dumpLog(&out, log, true, logger))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "offset=8 value=0x2040")
	assert.Contains(t, lines[1], "recid=4")
	assert.Equal(t, `  "body"`, lines[2])
	assert.Contains(t, lines[3], "recid=5")
	assert.Contains(t, lines[4], wal.KindCommit.String())
}

func TestCLI_Bench(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.db")

	out, err := run(t, "bench", "--path", path, "--ops", "50", "--concurrency", "3", "--size", "64", "--commit-every", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "Writes Results:")
	assert.Contains(t, out, "Reads Results:")
	assert.Equal(t, 2, strings.Count(out, "Successful:          50\n"))
	assert.Equal(t, 2, strings.Count(out, "Failed:              0\n"))

	out, err = run(t, "stats", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"records": 50`)
}

func TestBenchConfig_Split(t *testing.T) {
	cfg := benchConfig{ops: 10, concurrency: 3}
	next := 0
	for w := 0; w < cfg.concurrency; w++ {
		first, count := cfg.split(w)
		assert.Equal(t, next, first)
		next += count
	}
	assert.Equal(t, cfg.ops, next)
}
