// SPDX-License-Identifier: MIT

package recorder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nbrandt/strec/internal/config"
	"github.com/nbrandt/strec/internal/hls"
	"github.com/nbrandt/strec/internal/log"
	"github.com/nbrandt/strec/internal/merge"
	"github.com/nbrandt/strec/internal/model"
	"github.com/nbrandt/strec/internal/playlist"
)

// downloadSession is the part of a live download the orchestrator needs.
// Implemented by *hls.Download; stubbed in tests.
type downloadSession interface {
	Start(ctx context.Context, m model.Model) error
	Stop()
	IsAlive() bool
	Directory() string
}

// LocalRecorder owns the watch-list and the active download sessions and
// runs the three background loops: health monitor, online poller and
// completion trigger.
type LocalRecorder struct {
	cfg      *config.Config
	resolver hls.Resolver
	logger   zerolog.Logger

	newSession func() downloadSession
	prober     playlist.DurationProber

	mu       sync.Mutex
	models   []model.Model
	sessions map[model.Key]downloadSession
	online   map[model.Key]bool
	deleting map[string]bool

	generators *jobRegistry[*playlist.Generator]
	mergers    *jobRegistry[*merge.Merger]
	inv        *inventory

	ctx     context.Context
	cancel  context.CancelFunc
	loopsWG sync.WaitGroup
	wake    chan struct{}

	healthInterval  time.Duration
	pollInterval    time.Duration
	triggerInterval time.Duration
}

type option func(*LocalRecorder)

// withIntervals overrides the loop intervals, for tests.
func withIntervals(health, poll, trigger time.Duration) option {
	return func(r *LocalRecorder) {
		r.healthInterval = health
		r.pollInterval = poll
		r.triggerInterval = trigger
	}
}

// withSessionFactory overrides how download sessions are created, for tests.
func withSessionFactory(f func() downloadSession) option {
	return func(r *LocalRecorder) {
		r.newSession = f
	}
}

// withProber overrides segment duration probing, for tests.
func withProber(p playlist.DurationProber) option {
	return func(r *LocalRecorder) {
		r.prober = p
	}
}

// NewLocal constructs the orchestrator, seeds the watch-list from the
// persisted configuration and starts the background loops.
func NewLocal(cfg *config.Config, client *http.Client, resolver hls.Resolver, opts ...option) *LocalRecorder {
	ctx, cancel := context.WithCancel(context.Background())
	r := &LocalRecorder{
		cfg:             cfg,
		resolver:        resolver,
		logger:          log.WithComponent("recorder"),
		sessions:        make(map[model.Key]downloadSession),
		online:          make(map[model.Key]bool),
		deleting:        make(map[string]bool),
		generators:      newJobRegistry[*playlist.Generator](),
		mergers:         newJobRegistry[*merge.Merger](),
		ctx:             ctx,
		cancel:          cancel,
		wake:            make(chan struct{}, 1),
		healthInterval:  time.Second,
		pollInterval:    10 * time.Second,
		triggerInterval: 10 * time.Second,
	}
	r.inv = &inventory{root: cfg.RecordingsDir, generators: r.generators, mergers: r.mergers}
	r.newSession = func() downloadSession {
		return hls.New(client, resolver, cfg.RecordingsDir)
	}
	for _, m := range cfg.Models {
		m.Online = false
		r.models = append(r.models, m)
	}
	for _, opt := range opts {
		opt(r)
	}

	r.loopsWG.Add(3)
	go r.loop(r.healthInterval, nil, r.healthCheck)
	go r.loop(r.pollInterval, r.wake, r.pollOnline)
	go r.loop(r.triggerInterval, nil, r.completionCheck)

	r.logger.Info().Int("models", len(r.models)).Str("dir", cfg.RecordingsDir).Msg("recorder initialized")
	return r
}

func (r *LocalRecorder) loop(interval time.Duration, wake <-chan struct{}, fn func()) {
	defer r.loopsWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
		fn()
	}
}

// StartRecording adds the model to the watch-list and wakes the online
// poller. Adding an already-watched model is a no-op.
func (r *LocalRecorder) StartRecording(_ context.Context, m model.Model) error {
	if !model.ValidName(m.Name) {
		return fmt.Errorf("%q: %w", m.Name, model.ErrInvalidName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watchedLocked(m.Key()) {
		return nil
	}
	m.Online = false
	r.models = append(r.models, m)
	r.persistModelsLocked()
	r.logger.Info().Str("model", m.Name).Msg("model added")

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// StopRecording removes the model from the watch-list and stops its active
// session, if any.
func (r *LocalRecorder) StopRecording(_ context.Context, m model.Model) error {
	if !model.ValidName(m.Name) {
		return fmt.Errorf("%q: %w", m.Name, model.ErrInvalidName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := m.Key()
	for i := range r.models {
		if r.models[i].Key() == key {
			r.models = append(r.models[:i], r.models[i+1:]...)
			break
		}
	}
	if s, ok := r.sessions[key]; ok {
		s.Stop()
		delete(r.sessions, key)
	}
	delete(r.online, key)
	r.persistModelsLocked()
	r.logger.Info().Str("model", m.Name).Msg("model removed")
	return nil
}

// IsRecording reports whether the model is on the watch-list.
func (r *LocalRecorder) IsRecording(m model.Model) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watchedLocked(m.Key())
}

// Models returns a snapshot of the watch-list.
func (r *LocalRecorder) Models() ([]model.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Model, len(r.models))
	copy(out, r.models)
	return out, nil
}

// Recordings derives the current inventory from disk and the job
// registries.
func (r *LocalRecorder) Recordings(context.Context) ([]Recording, error) {
	return r.inv.scan()
}

// Merge concatenates the recording's segments into its merged output file
// and optionally deletes the raw segments afterwards.
func (r *LocalRecorder) Merge(_ context.Context, rec Recording, keepSegments bool) error {
	dir := filepath.Join(r.cfg.RecordingsDir, filepath.FromSlash(rec.Path))
	target, err := r.mergeDir(dir)
	if err != nil {
		return err
	}
	if !keepSegments {
		return r.deleteDir(dir, filepath.Base(target))
	}
	return nil
}

// Delete removes the recording's directory. Partial failures are tolerated
// per file but reported as one aggregated error.
func (r *LocalRecorder) Delete(_ context.Context, rec Recording) error {
	dir := filepath.Join(r.cfg.RecordingsDir, filepath.FromSlash(rec.Path))
	return r.deleteDir(dir)
}

// Shutdown stops the background loops and all active sessions.
func (r *LocalRecorder) Shutdown() {
	r.logger.Info().Msg("shutting down")
	r.cancel()
	r.mu.Lock()
	for key, s := range r.sessions {
		s.Stop()
		delete(r.sessions, key)
	}
	r.mu.Unlock()
	r.loopsWG.Wait()
}

func (r *LocalRecorder) watchedLocked(key model.Key) bool {
	for i := range r.models {
		if r.models[i].Key() == key {
			return true
		}
	}
	return false
}

func (r *LocalRecorder) persistModelsLocked() {
	r.cfg.SetModels(r.models)
	if err := r.cfg.Save(); err != nil && !errors.Is(err, config.ErrNoPath) {
		r.logger.Error().Err(err).Msg("cannot persist watch-list")
	}
}

// healthCheck removes dead sessions, schedules finalization of their
// directories and restarts recordings for models that are still watched.
func (r *LocalRecorder) healthCheck() {
	var restart []model.Model
	var finalizeDirs []string

	r.mu.Lock()
	for key, s := range r.sessions {
		if s.IsAlive() {
			continue
		}
		delete(r.sessions, key)
		r.online[key] = false
		if dir := s.Directory(); dir != "" {
			finalizeDirs = append(finalizeDirs, dir)
		}
		for i := range r.models {
			if r.models[i].Key() == key {
				restart = append(restart, r.models[i])
				break
			}
		}
		r.logger.Debug().Str("model", key.Name).Msg("session terminated")
	}
	r.mu.Unlock()

	for _, dir := range finalizeDirs {
		go r.finalize(dir)
	}
	for _, m := range restart {
		r.tryRestart(m)
	}
}

func (r *LocalRecorder) tryRestart(m model.Model) {
	info, err := r.resolver.Resolve(r.ctx, m)
	if err != nil {
		r.logger.Error().Err(err).Str("model", m.Name).Msg("cannot check online state for restart")
		return
	}
	if !info.IsPublic() {
		return
	}
	r.logger.Info().Str("model", m.Name).Msg("restarting recording")
	r.startSession(m)
}

// pollOnline checks every watched model without an active session and
// starts a session on an offline-to-online transition.
func (r *LocalRecorder) pollOnline() {
	r.mu.Lock()
	var idle []model.Model
	for i := range r.models {
		if _, active := r.sessions[r.models[i].Key()]; !active {
			idle = append(idle, r.models[i])
		}
	}
	r.mu.Unlock()

	for _, m := range idle {
		info, err := r.resolver.Resolve(r.ctx, m)
		if err != nil {
			r.logger.Error().Err(err).Str("model", m.Name).Msg("cannot check online state")
			continue
		}
		isOnline := info.IsPublic()

		r.mu.Lock()
		key := m.Key()
		wasOnline := r.online[key]
		r.online[key] = isOnline
		_, active := r.sessions[key]
		start := isOnline && !wasOnline && !active && r.watchedLocked(key)
		r.mu.Unlock()

		if start {
			r.logger.Info().Str("model", m.Name).Msg("model went live, starting recording")
			r.startSession(m)
		}
	}
}

// completionCheck finalizes recordings that look active but have no session
// backing them. This recovers recordings orphaned by a crash or restart.
func (r *LocalRecorder) completionCheck() {
	recs, err := r.inv.scan()
	if err != nil {
		r.logger.Error().Err(err).Msg("inventory scan failed")
		return
	}
	for _, rec := range recs {
		if rec.Status != StatusRecording {
			continue
		}
		dir := filepath.Join(r.cfg.RecordingsDir, filepath.FromSlash(rec.Path))

		r.mu.Lock()
		active := false
		for _, s := range r.sessions {
			if s.Directory() == dir {
				active = true
				break
			}
		}
		deleting := r.deleting[dir]
		r.mu.Unlock()

		if active || deleting {
			continue
		}
		r.logger.Info().Str("dir", dir).Msg("finalizing orphaned recording")
		go r.finalize(dir)
	}
}

func (r *LocalRecorder) startSession(m model.Model) {
	r.mu.Lock()
	key := m.Key()
	if _, exists := r.sessions[key]; exists {
		r.mu.Unlock()
		r.logger.Error().Str("model", m.Name).Msg("a session for this model is already running")
		return
	}
	if !r.watchedLocked(key) {
		r.mu.Unlock()
		r.logger.Info().Str("model", m.Name).Msg("model no longer watched, not starting")
		return
	}
	s := r.newSession()
	r.sessions[key] = s
	r.mu.Unlock()

	go func() {
		if err := s.Start(r.ctx, m); err != nil {
			r.logger.Error().Err(err).Str("model", m.Name).Bool("alive", s.IsAlive()).Msg("download failed")
		}
	}()
}

// finalize turns a finished segment directory into a playable artifact:
// playlist generation, then optional merge and segment cleanup per
// configuration. Runs on its own goroutine, never on a monitor loop.
func (r *LocalRecorder) finalize(dir string) {
	r.generatePlaylist(dir)
	if !r.cfg.Automerge {
		return
	}
	target, err := r.mergeDir(dir)
	if err != nil {
		r.logger.Error().Err(err).Str("dir", dir).Msg("automerge failed")
		return
	}
	if !r.cfg.AutomergeKeepSegments {
		if err := r.deleteDir(dir, filepath.Base(target)); err != nil {
			r.logger.Error().Err(err).Str("dir", dir).Msg("cannot delete merged segments")
		}
	}
}

func (r *LocalRecorder) generatePlaylist(dir string) {
	g := playlist.New(r.prober)
	r.generators.add(dir, g)
	defer r.generators.remove(dir)

	if err := g.Generate(dir); err != nil {
		r.logger.Error().Err(err).Str("dir", dir).Msg("playlist generation failed")
		return
	}
	if err := g.Validate(dir); err != nil {
		r.logger.Error().Err(err).Str("dir", dir).Msg("generated playlist is invalid")
		if errors.Is(err, playlist.ErrInvalidPlaylist) {
			if rmErr := os.Remove(filepath.Join(dir, playlist.FileName)); rmErr != nil {
				r.logger.Error().Err(rmErr).Str("dir", dir).Msg("cannot discard invalid playlist")
			}
		}
	}
}

func (r *LocalRecorder) mergeDir(dir string) (string, error) {
	m := merge.New()
	r.mergers.add(dir, m)
	defer r.mergers.remove(dir)

	timestamp := filepath.Base(dir)
	modelName := filepath.Base(filepath.Dir(dir))
	target := filepath.Join(dir, model.MergedFileName(modelName, timestamp))
	if err := m.Merge(dir, target); err != nil {
		return "", fmt.Errorf("merge %s: %w", dir, err)
	}
	return target, nil
}

// deleteDir removes every file in dir except the named ones, then the
// directory itself and its parent when empty. Individual failures do not
// stop the sweep but surface as one aggregated error.
func (r *LocalRecorder) deleteDir(dir string, exclude ...string) error {
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", dir, ErrRecordingNotFound)
		}
		return err
	}

	r.mu.Lock()
	r.deleting[dir] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.deleting, dir)
		r.mu.Unlock()
	}()

	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var errs []error
	kept := 0
	for _, e := range entries {
		if excluded[e.Name()] {
			kept++
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("could not delete all files in %s: %w", dir, errors.Join(errs...))
	}
	if kept == 0 {
		if err := os.Remove(dir); err != nil {
			return fmt.Errorf("could not delete %s: %w", dir, err)
		}
		parent := filepath.Dir(dir)
		if entries, err := os.ReadDir(parent); err == nil && len(entries) == 0 {
			_ = os.Remove(parent)
		}
	}
	return nil
}
