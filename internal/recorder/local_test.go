// SPDX-License-Identifier: MIT

package recorder

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbrandt/strec/internal/config"
	"github.com/nbrandt/strec/internal/model"
	"github.com/nbrandt/strec/internal/playlist"
)

// stubSession is a downloadSession that records calls instead of
// downloading.
type stubSession struct {
	mu      sync.Mutex
	alive   bool
	dir     string
	started []model.Model
	stopped int
}

func (s *stubSession) Start(_ context.Context, m model.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, m)
	return nil
}

func (s *stubSession) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
	s.alive = false
}

func (s *stubSession) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *stubSession) Directory() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

func (s *stubSession) setAlive(alive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = alive
}

func (s *stubSession) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.started)
}

// stubResolver returns canned room states keyed by model name.
type stubResolver struct {
	mu     sync.Mutex
	status map[string]string
	err    error
}

func (r *stubResolver) Resolve(_ context.Context, m model.Model) (model.StreamInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return model.StreamInfo{}, r.err
	}
	status, ok := r.status[m.Name]
	if !ok {
		status = "offline"
	}
	return model.StreamInfo{URL: "https://cdn.example.com/" + m.Name + ".m3u8", RoomStatus: status}, nil
}

func (r *stubResolver) setStatus(name, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[name] = status
}

func fakeProber(d time.Duration) playlist.DurationProber {
	return func(string) (time.Duration, error) { return d, nil }
}

// newTestRecorder builds a recorder whose loops tick far apart so tests can
// drive the checks directly.
func newTestRecorder(t *testing.T, cfg *config.Config, resolver *stubResolver, session *stubSession) *LocalRecorder {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{RecordingsDir: t.TempDir()}
	}
	if resolver == nil {
		resolver = &stubResolver{status: map[string]string{}}
	}
	r := NewLocal(cfg, nil, resolver,
		withIntervals(time.Hour, time.Hour, time.Hour),
		withSessionFactory(func() downloadSession { return session }),
		withProber(fakeProber(3*time.Second)),
	)
	t.Cleanup(r.Shutdown)
	return r
}

func TestStartRecordingIsIdempotent(t *testing.T) {
	r := newTestRecorder(t, nil, nil, &stubSession{})
	m := model.Model{Name: "alice", URL: "https://example.com/alice"}

	require.NoError(t, r.StartRecording(context.Background(), m))
	require.NoError(t, r.StartRecording(context.Background(), m))

	models, err := r.Models()
	require.NoError(t, err)
	assert.Len(t, models, 1)
	assert.True(t, r.IsRecording(m))
}

func TestStartRecordingRejectsUnsafeNames(t *testing.T) {
	r := newTestRecorder(t, nil, nil, &stubSession{})

	for _, name := range []string{"", ".", "..", "../x", "a/b", `a\b`} {
		m := model.Model{Name: name, URL: "https://example.com/x"}
		err := r.StartRecording(context.Background(), m)
		require.ErrorIs(t, err, model.ErrInvalidName, "name %q", name)
		err = r.StopRecording(context.Background(), m)
		require.ErrorIs(t, err, model.ErrInvalidName, "name %q", name)
	}

	models, err := r.Models()
	require.NoError(t, err)
	assert.Empty(t, models)
}

func TestStopRecordingStopsSessionAndForgetsModel(t *testing.T) {
	session := &stubSession{alive: true}
	resolver := &stubResolver{status: map[string]string{"alice": "public"}}
	r := newTestRecorder(t, nil, resolver, session)
	m := model.Model{Name: "alice", URL: "https://example.com/alice"}

	require.NoError(t, r.StartRecording(context.Background(), m))
	r.pollOnline()
	require.Eventually(t, func() bool { return session.startCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, r.StopRecording(context.Background(), m))
	assert.Equal(t, 1, session.stopped)
	assert.False(t, r.IsRecording(m))

	models, err := r.Models()
	require.NoError(t, err)
	assert.Empty(t, models)
}

func TestWatchListPersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	cfg.RecordingsDir = t.TempDir()

	r := newTestRecorder(t, cfg, nil, &stubSession{})
	m := model.Model{Name: "alice", URL: "https://example.com/alice"}
	require.NoError(t, r.StartRecording(context.Background(), m))
	r.Shutdown()

	reloaded, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, reloaded.Models, 1)
	assert.Equal(t, "alice", reloaded.Models[0].Name)
}

func TestPollOnlineStartsOnTransition(t *testing.T) {
	session := &stubSession{}
	resolver := &stubResolver{status: map[string]string{"alice": "offline"}}
	r := newTestRecorder(t, nil, resolver, session)
	m := model.Model{Name: "alice", URL: "https://example.com/alice"}
	require.NoError(t, r.StartRecording(context.Background(), m))

	r.pollOnline()
	assert.Equal(t, 0, session.startCount())

	session.setAlive(true)
	resolver.setStatus("alice", "public")
	r.pollOnline()
	require.Eventually(t, func() bool { return session.startCount() == 1 }, time.Second, 10*time.Millisecond)

	// Still online, session active: no second session.
	r.pollOnline()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, session.startCount())
}

func TestHealthCheckFinalizesDeadSession(t *testing.T) {
	root := t.TempDir()
	cfg := &config.Config{RecordingsDir: root}
	dir := makeRecordingDir(t, root, "alice", "2026-01-02_15-04", map[string][]byte{
		"media_0.ts": {0x47, 1, 2},
		"media_1.ts": {0x47, 3, 4},
	})

	session := &stubSession{alive: true, dir: dir}
	resolver := &stubResolver{status: map[string]string{"alice": "offline"}}
	r := newTestRecorder(t, cfg, resolver, session)
	m := model.Model{Name: "alice", URL: "https://example.com/alice"}
	require.NoError(t, r.StartRecording(context.Background(), m))
	resolver.setStatus("alice", "public")
	r.pollOnline()
	require.Eventually(t, func() bool { return session.startCount() == 1 }, time.Second, 10*time.Millisecond)

	// Stream ends: the session dies, health check must pick it up and turn
	// the segment directory into a playable recording.
	resolver.setStatus("alice", "offline")
	session.setAlive(false)
	r.healthCheck()

	require.Eventually(t, func() bool {
		return fileExists(filepath.Join(dir, playlist.FileName))
	}, 2*time.Second, 20*time.Millisecond)

	recs, err := r.Recordings(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, StatusFinished, recs[0].Status)
	assert.True(t, recs[0].HasPlaylist)
}

func TestHealthCheckRestartsWhenStillLive(t *testing.T) {
	root := t.TempDir()
	dir := makeRecordingDir(t, root, "alice", "2026-01-02_15-04", map[string][]byte{"media_0.ts": {0x47}})

	session := &stubSession{alive: true, dir: dir}
	resolver := &stubResolver{status: map[string]string{"alice": "public"}}
	r := newTestRecorder(t, &config.Config{RecordingsDir: root}, resolver, session)
	m := model.Model{Name: "alice", URL: "https://example.com/alice"}
	require.NoError(t, r.StartRecording(context.Background(), m))
	r.pollOnline()
	require.Eventually(t, func() bool { return session.startCount() == 1 }, time.Second, 10*time.Millisecond)

	// Session died mid-stream but the room is still public: expect a restart.
	session.setAlive(false)
	r.healthCheck()
	require.Eventually(t, func() bool { return session.startCount() == 2 }, time.Second, 10*time.Millisecond)
}

func TestCompletionCheckRecoversOrphanedRecording(t *testing.T) {
	root := t.TempDir()
	cfg := &config.Config{RecordingsDir: root, Automerge: true}
	dir := makeRecordingDir(t, root, "alice", "2026-01-02_15-04", map[string][]byte{
		"media_0.ts": []byte("AAAA"),
		"media_1.ts": []byte("BBBB"),
	})

	r := newTestRecorder(t, cfg, nil, &stubSession{})
	r.completionCheck()

	merged := filepath.Join(dir, "alice-2026-01-02_15-04.ts")
	require.Eventually(t, func() bool { return fileExists(merged) }, 2*time.Second, 20*time.Millisecond)

	// Segments and playlist are swept after the merge, only the merged file
	// remains.
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(dir)
		return err == nil && len(entries) == 1
	}, 2*time.Second, 20*time.Millisecond)

	content, err := os.ReadFile(merged)
	require.NoError(t, err)
	assert.Equal(t, "AAAABBBB", string(content))
}

func TestMergeKeepsSegmentsOnRequest(t *testing.T) {
	root := t.TempDir()
	cfg := &config.Config{RecordingsDir: root}
	dir := makeRecordingDir(t, root, "alice", "2026-01-02_15-04", map[string][]byte{
		"media_0.ts": []byte("AAAA"),
		"media_1.ts": []byte("BBBB"),
	})
	r := newTestRecorder(t, cfg, nil, &stubSession{})
	r.generatePlaylist(dir)

	rec, err := ParseRecordingPath("alice/2026-01-02_15-04")
	require.NoError(t, err)
	require.NoError(t, r.Merge(context.Background(), rec, true))

	assert.True(t, fileExists(filepath.Join(dir, "alice-2026-01-02_15-04.ts")))
	assert.True(t, fileExists(filepath.Join(dir, "media_0.ts")))
	assert.True(t, fileExists(filepath.Join(dir, "media_1.ts")))
}

func TestDeleteRemovesRecordingAndEmptyParent(t *testing.T) {
	root := t.TempDir()
	cfg := &config.Config{RecordingsDir: root}
	makeRecordingDir(t, root, "alice", "2026-01-02_15-04", map[string][]byte{"media_0.ts": {1}})

	r := newTestRecorder(t, cfg, nil, &stubSession{})
	rec, err := ParseRecordingPath("alice/2026-01-02_15-04")
	require.NoError(t, err)

	require.NoError(t, r.Delete(context.Background(), rec))
	assert.False(t, fileExists(filepath.Join(root, "alice")))
}

func TestDeleteMissingRecording(t *testing.T) {
	r := newTestRecorder(t, nil, nil, &stubSession{})
	rec, err := ParseRecordingPath("nobody/2026-01-02_15-04")
	require.NoError(t, err)

	err = r.Delete(context.Background(), rec)
	assert.ErrorIs(t, err, ErrRecordingNotFound)
}
