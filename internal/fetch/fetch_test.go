package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// artifactServer serves named files and counts requests per name.
func artifactServer(t *testing.T, files map[string]string, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		name := filepath.Base(r.URL.Path)
		content, ok := files[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, content)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestFetchWritesArtifacts(t *testing.T) {
	var hits atomic.Int64
	ts := artifactServer(t, map[string]string{
		"marzban_panel.py": "#!/usr/bin/env python3\nprint('panel')\n",
		"marzban_bot.py":   "#!/usr/bin/env python3\nprint('bot')\n",
		"requirements.txt": "rich\npyTelegramBotAPI\n",
	}, &hits)

	dest := t.TempDir()
	artifacts := []Artifact{
		{Name: "marzban_panel.py", Executable: true},
		{Name: "marzban_bot.py", Executable: true},
		{Name: "requirements.txt"},
	}

	err := New(testLogger()).Fetch(context.Background(), ts.URL, artifacts, dest)
	require.NoError(t, err)
	assert.EqualValues(t, 3, hits.Load())

	panel, err := os.Stat(filepath.Join(dest, "marzban_panel.py"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), panel.Mode().Perm())

	reqs, err := os.Stat(filepath.Join(dest, "requirements.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), reqs.Mode().Perm())

	content, err := os.ReadFile(filepath.Join(dest, "requirements.txt"))
	require.NoError(t, err)
	assert.Equal(t, "rich\npyTelegramBotAPI\n", string(content))
}

func TestFetchFailsFastOnEmptyDownload(t *testing.T) {
	var hits atomic.Int64
	ts := artifactServer(t, map[string]string{
		"marzban_panel.py": "print('panel')\n",
		"marzban_bot.py":   "", // served with status 200 but no body
		"requirements.txt": "rich\n",
	}, &hits)

	dest := t.TempDir()
	artifacts := []Artifact{
		{Name: "marzban_panel.py", Executable: true},
		{Name: "marzban_bot.py", Executable: true},
		{Name: "requirements.txt"},
	}

	err := New(testLogger()).Fetch(context.Background(), ts.URL, artifacts, dest)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyDownload)
	assert.Contains(t, err.Error(), "marzban_bot.py", "error names the failed file")

	// The failing file aborts the run before the third is requested.
	assert.EqualValues(t, 2, hits.Load())

	// Nothing half-written is left behind for the failed artifact.
	_, statErr := os.Stat(filepath.Join(dest, "marzban_bot.py"))
	assert.True(t, os.IsNotExist(statErr))

	// The artifact fetched before the failure remains.
	_, statErr = os.Stat(filepath.Join(dest, "marzban_panel.py"))
	assert.NoError(t, statErr)
}

func TestFetchReportsHTTPStatus(t *testing.T) {
	var hits atomic.Int64
	ts := artifactServer(t, map[string]string{}, &hits)

	err := New(testLogger()).Fetch(context.Background(), ts.URL,
		[]Artifact{{Name: "marzban_panel.py"}}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestFetchVerifiesPinnedChecksum(t *testing.T) {
	content := "print('panel')\n"
	sum := sha256.Sum256([]byte(content))
	digest := hex.EncodeToString(sum[:])

	var hits atomic.Int64
	ts := artifactServer(t, map[string]string{"marzban_panel.py": content}, &hits)
	dest := t.TempDir()

	err := New(testLogger()).Fetch(context.Background(), ts.URL,
		[]Artifact{{Name: "marzban_panel.py", SHA256: digest}}, dest)
	require.NoError(t, err)

	err = New(testLogger()).Fetch(context.Background(), ts.URL,
		[]Artifact{{Name: "marzban_panel.py", SHA256: "0000000000000000000000000000000000000000000000000000000000000000"}}, dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")

	// The mismatched file is removed.
	_, statErr := os.Stat(filepath.Join(dest, "marzban_panel.py"))
	assert.True(t, os.IsNotExist(statErr))
}
