package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, server *httptest.Server, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--api", server.URL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestUpdateWaitsForJob(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/integrations/demo/update", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "v1.2.0", body["version"])
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"job":{"integration_id":"demo","phase":"CheckingUpdate","active":true}}`))
	})
	mux.HandleFunc("GET /v1/integrations/demo/job", func(w http.ResponseWriter, _ *http.Request) {
		if polls.Add(1) < 3 {
			_, _ = w.Write([]byte(`{"job":{"integration_id":"demo","phase":"Installing","active":true}}`))
			return
		}
		_, _ = w.Write([]byte(`{"job":{"integration_id":"demo","phase":"Idle","outcome":"updated","target_version":"1.2.0"}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	out, err := execute(t, server, "update", "demo", "--version", "v1.2.0", "--wait", "--interval", "1ms")
	require.NoError(t, err)
	assert.Contains(t, out, `"outcome": "updated"`)
	assert.EqualValues(t, 3, polls.Load())
}

func TestUpdateWaitReportsFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/integrations/demo/update", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"job":{"active":true}}`))
	})
	mux.HandleFunc("GET /v1/integrations/demo/job", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"job":{"phase":"Error","outcome":"failed","error_phase":"Installing","last_error":"boom"}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	_, err := execute(t, server, "update", "demo", "--wait")
	assert.ErrorContains(t, err, "update failed in Installing: boom")
}

func TestInstallPostsToInstallRoute(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/integrations/fresh/install", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "latest", body["version"])
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"job":{"integration_id":"fresh","method":"fresh_install","phase":"Idle","active":true}}`))
	})
	mux.HandleFunc("GET /v1/integrations/fresh/job", func(w http.ResponseWriter, _ *http.Request) {
		polls.Add(1)
		_, _ = w.Write([]byte(`{"job":{"integration_id":"fresh","phase":"Idle","outcome":"installed","target_version":"0.3.0"}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	out, err := execute(t, server, "install", "fresh")
	require.NoError(t, err)
	assert.Contains(t, out, `"method": "fresh_install"`)
	assert.Zero(t, polls.Load())

	out, err = execute(t, server, "install", "fresh", "--wait", "--interval", "1ms")
	require.NoError(t, err)
	assert.Contains(t, out, `"outcome": "installed"`)
	assert.EqualValues(t, 1, polls.Load())
}

func TestInstallWaitReportsFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/integrations/fresh/install", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"job":{"active":true}}`))
	})
	mux.HandleFunc("GET /v1/integrations/fresh/job", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"job":{"phase":"Idle","outcome":"failed","error_phase":"CheckingUpdate","last_error":"not listed"}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	_, err := execute(t, server, "install", "fresh", "--wait")
	assert.ErrorContains(t, err, "install failed in CheckingUpdate: not listed")
}

func TestAPIErrorsSurface(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"job cannot be cancelled in phase Installing","kind":"precondition"}`))
	}))
	defer server.Close()

	_, err := execute(t, server, "job", "cancel", "demo")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "precondition", apiErr.Kind)
	assert.Contains(t, err.Error(), "Installing")
}

func TestBackupsExportImport(t *testing.T) {
	var imported []byte
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/backups/export", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="intg-backup-20261019.tar.zst"`)
		w.Header().Set("X-Snapshot-Count", "4")
		_, _ = w.Write([]byte("archive"))
	})
	mux.HandleFunc("POST /v1/backups/import", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		imported, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"imported":4}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	path := filepath.Join(t.TempDir(), "out.tar.zst")
	out, err := execute(t, server, "backups", "export", "--output", path)
	require.NoError(t, err)
	assert.Contains(t, out, "4 snapshots")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "archive", string(data))

	out, err = execute(t, server, "backups", "import", "--file", path)
	require.NoError(t, err)
	assert.Equal(t, "archive", string(imported))
	assert.Contains(t, out, `"imported": 4`)
}

func TestSettingsSet(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	_, err := execute(t, server, "settings", "set", "backup_time=04:30", "automatic_updates=true", "backup_retention=5")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"backup_time": "04:30", "automatic_updates": true, "backup_retention": float64(5)}, got)

	_, err = execute(t, server, "settings", "set", "novalue")
	assert.ErrorContains(t, err, "key=value")
}

func TestHelpers(t *testing.T) {
	bucket, key, err := parseS3URL("s3://backups/intg/archive.tar.zst")
	require.NoError(t, err)
	assert.Equal(t, "backups", bucket)
	assert.Equal(t, "intg/archive.tar.zst", key)
	_, _, err = parseS3URL("s3://bucket-only")
	assert.Error(t, err)

	assert.Equal(t, "a.tar.zst", attachmentName(`attachment; filename="a.tar.zst"`))
	assert.Equal(t, "intg-backup.tar.zst", attachmentName(`attachment; filename="../x"`))
	assert.Equal(t, "intg-backup.tar.zst", attachmentName(""))

	_, err = newAPIClient("  ", nil)
	assert.Error(t, err)
}
