// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbrandt/strec/internal/config"
	"github.com/nbrandt/strec/internal/hmac"
	"github.com/nbrandt/strec/internal/model"
	"github.com/nbrandt/strec/internal/recorder"
)

// stubRecorder implements recorder.Recorder for handler tests.
type stubRecorder struct {
	models     []model.Model
	recordings []recorder.Recording
	startErr   error
	stopErr    error
	deleteErr  error
	started    []model.Model
	stopped    []model.Model
	deleted    []recorder.Recording
}

func (s *stubRecorder) StartRecording(_ context.Context, m model.Model) error {
	s.started = append(s.started, m)
	if s.startErr != nil {
		return s.startErr
	}
	s.models = append(s.models, m)
	return nil
}

func (s *stubRecorder) StopRecording(_ context.Context, m model.Model) error {
	s.stopped = append(s.stopped, m)
	return s.stopErr
}

func (s *stubRecorder) IsRecording(m model.Model) bool {
	for _, known := range s.models {
		if known.Equal(m) {
			return true
		}
	}
	return false
}

func (s *stubRecorder) Models() ([]model.Model, error) { return s.models, nil }

func (s *stubRecorder) Recordings(_ context.Context) ([]recorder.Recording, error) {
	return s.recordings, nil
}

func (s *stubRecorder) Merge(_ context.Context, _ recorder.Recording, _ bool) error { return nil }

func (s *stubRecorder) Delete(_ context.Context, rec recorder.Recording) error {
	s.deleted = append(s.deleted, rec)
	return s.deleteErr
}

func (s *stubRecorder) Shutdown() {}

func newTestServer(t *testing.T, cfg *config.Config, rec recorder.Recorder) *httptest.Server {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{RecordingsDir: t.TempDir(), ListenAddress: "127.0.0.1:0"}
	}
	srv := httptest.NewServer(New(cfg, rec).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postControl(t *testing.T, srv *httptest.Server, body []byte, sign []byte) (*http.Response, controlResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/rec", bytes.NewReader(body))
	require.NoError(t, err)
	if sign != nil {
		req.Header.Set(recorder.SignatureHeader, hmac.Calculate(body, sign))
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope controlResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return resp, envelope
}

func TestControlStartReturnsModels(t *testing.T) {
	rec := &stubRecorder{}
	srv := newTestServer(t, nil, rec)

	body, _ := json.Marshal(controlRequest{
		Action: "start",
		Model:  &model.Model{Name: "alice", URL: "https://example.com/alice"},
	})
	resp, envelope := postControl(t, srv, body, nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", envelope.Status)
	require.Len(t, envelope.Models, 1)
	assert.Equal(t, "alice", envelope.Models[0].Name)
	require.Len(t, rec.started, 1)
}

func TestControlStopReturnsModels(t *testing.T) {
	rec := &stubRecorder{models: []model.Model{{Name: "alice", URL: "u"}}}
	srv := newTestServer(t, nil, rec)

	body, _ := json.Marshal(controlRequest{Action: "stop", Model: &model.Model{Name: "alice", URL: "u"}})
	resp, envelope := postControl(t, srv, body, nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", envelope.Status)
	require.Len(t, rec.stopped, 1)
	assert.Len(t, envelope.Models, 1)
}

func TestControlListAndRecordings(t *testing.T) {
	rec := &stubRecorder{
		models: []model.Model{{Name: "alice", URL: "u"}},
		recordings: []recorder.Recording{{
			ModelName: "alice",
			StartDate: time.Date(2026, 1, 2, 15, 4, 0, 0, time.Local),
			Path:      "alice/2026-01-02_15-04",
			Status:    recorder.StatusFinished,
		}},
	}
	srv := newTestServer(t, nil, rec)

	_, envelope := postControl(t, srv, []byte(`{"action":"list"}`), nil)
	assert.Equal(t, "success", envelope.Status)
	assert.Len(t, envelope.Models, 1)

	_, envelope = postControl(t, srv, []byte(`{"action":"recordings"}`), nil)
	assert.Equal(t, "success", envelope.Status)
	require.Len(t, envelope.Recordings, 1)
	assert.Equal(t, recorder.StatusFinished, envelope.Recordings[0].Status)
}

func TestControlDelete(t *testing.T) {
	rec := &stubRecorder{}
	srv := newTestServer(t, nil, rec)

	body := []byte(`{"action":"delete","recording":"alice/2026-01-02_15-04"}`)
	resp, envelope := postControl(t, srv, body, nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", envelope.Status)
	require.Len(t, rec.deleted, 1)
	assert.Equal(t, "alice/2026-01-02_15-04", rec.deleted[0].Path)
}

func TestControlRejectsTraversalNames(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(filepath.Dir(root), "2026-01-02_15-04")
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "precious.txt"), []byte("x"), 0o644))

	rec := &stubRecorder{}
	cfg := &config.Config{RecordingsDir: root, ListenAddress: "127.0.0.1:0"}
	srv := newTestServer(t, cfg, rec)

	body := []byte(`{"action":"delete","recording":"../2026-01-02_15-04"}`)
	resp, envelope := postControl(t, srv, body, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "error", envelope.Status)
	assert.Empty(t, rec.deleted)
	assert.FileExists(t, filepath.Join(outside, "precious.txt"))

	body, _ = json.Marshal(controlRequest{
		Action: "start",
		Model:  &model.Model{Name: "../x", URL: "https://example.com/x"},
	})
	resp, envelope = postControl(t, srv, body, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "error", envelope.Status)
}

func TestControlDeleteMissingRecording(t *testing.T) {
	rec := &stubRecorder{deleteErr: recorder.ErrRecordingNotFound}
	srv := newTestServer(t, nil, rec)

	body := []byte(`{"action":"delete","recording":"alice/2026-01-02_15-04"}`)
	resp, envelope := postControl(t, srv, body, nil)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "error", envelope.Status)
}

func TestControlUnknownAction(t *testing.T) {
	srv := newTestServer(t, nil, &stubRecorder{})

	resp, envelope := postControl(t, srv, []byte(`{"action":"destroy"}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "error", envelope.Status)

	resp, envelope = postControl(t, srv, []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "error", envelope.Status)
}

func TestControlRequiresValidSignature(t *testing.T) {
	key, err := hmac.GenerateKey()
	require.NoError(t, err)
	cfg := &config.Config{
		RecordingsDir: t.TempDir(),
		ListenAddress: "127.0.0.1:0",
		KeyHex:        hex.EncodeToString(key),
	}
	srv := newTestServer(t, cfg, &stubRecorder{})
	body := []byte(`{"action":"list"}`)

	resp, envelope := postControl(t, srv, body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "error", envelope.Status)

	resp, envelope = postControl(t, srv, body, key)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", envelope.Status)
}

func TestControlSignatureViaQueryParam(t *testing.T) {
	key, err := hmac.GenerateKey()
	require.NoError(t, err)
	cfg := &config.Config{
		RecordingsDir: t.TempDir(),
		ListenAddress: "127.0.0.1:0",
		KeyHex:        hex.EncodeToString(key),
	}
	srv := newTestServer(t, cfg, &stubRecorder{})
	body := []byte(`{"action":"list"}`)

	resp, err := srv.Client().Post(srv.URL+"/rec?hmac="+hmac.Calculate(body, key), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFileServerServesRecordings(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "alice", "2026-01-02_15-04")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "playlist.m3u8"), []byte("#EXTM3U\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "media_0.ts"), []byte{0x47}, 0o644))

	cfg := &config.Config{RecordingsDir: root, ListenAddress: "127.0.0.1:0"}
	srv := newTestServer(t, cfg, &stubRecorder{})

	resp, err := srv.Client().Get(srv.URL + "/hls/alice/2026-01-02_15-04/playlist.m3u8")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-mpegURL", resp.Header.Get("Content-Type"))

	resp, err = srv.Client().Get(srv.URL + "/hls/alice/2026-01-02_15-04/media_0.ts")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
}

func TestFileServerRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(root), "secret.txt"), []byte("x"), 0o644))

	cfg := &config.Config{RecordingsDir: root, ListenAddress: "127.0.0.1:0"}
	srv := newTestServer(t, cfg, &stubRecorder{})

	for _, p := range []string{
		"/hls/../secret.txt",
		"/hls/%2e%2e/secret.txt",
		"/hls/alice/%2e%2e/%2e%2e/secret.txt",
	} {
		req, err := http.NewRequest(http.MethodGet, srv.URL+p, nil)
		require.NoError(t, err)
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.NotEqual(t, http.StatusOK, resp.StatusCode, "path %s must not be served", p)
	}
}

func TestFileServerMissingFile(t *testing.T) {
	cfg := &config.Config{RecordingsDir: t.TempDir(), ListenAddress: "127.0.0.1:0"}
	srv := newTestServer(t, cfg, &stubRecorder{})

	resp, err := srv.Client().Get(srv.URL + "/hls/nobody/2026-01-02_15-04/media_0.ts")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFileServerRequiresSignatureWithKey(t *testing.T) {
	key, err := hmac.GenerateKey()
	require.NoError(t, err)
	root := t.TempDir()
	dir := filepath.Join(root, "alice", "2026-01-02_15-04")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "media_0.ts"), []byte{0x47}, 0o644))

	cfg := &config.Config{
		RecordingsDir: root,
		ListenAddress: "127.0.0.1:0",
		KeyHex:        hex.EncodeToString(key),
	}
	srv := newTestServer(t, cfg, &stubRecorder{})

	rel := "alice/2026-01-02_15-04/media_0.ts"
	resp, err := srv.Client().Get(srv.URL + "/hls/" + rel)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/hls/" + rel + "?hmac=" + hmac.Calculate([]byte(rel), key))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPanicBecomesErrorEnvelope(t *testing.T) {
	cfg := &config.Config{RecordingsDir: t.TempDir(), ListenAddress: "127.0.0.1:0"}
	s := New(cfg, &stubRecorder{})

	panicky := s.recoverPanics(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	srv := httptest.NewServer(panicky)
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var envelope controlResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "error", envelope.Status)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil, &stubRecorder{})
	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
