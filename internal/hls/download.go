// SPDX-License-Identifier: MIT

// Package hls implements the per-source live download session: variant
// selection, media playlist polling, sequence gap backfill and bounded
// concurrent segment fetching.
package hls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	m3u8 "github.com/mogiioin/hls-m3u8/m3u8"
	"github.com/rs/zerolog"

	"github.com/nbrandt/strec/internal/log"
	"github.com/nbrandt/strec/internal/metrics"
	"github.com/nbrandt/strec/internal/model"
)

const (
	segmentWorkers  = 5
	segmentAttempts = 3
	// segmentQueueSize bounds the submission queue. Submissions block once
	// the queue is full, which only happens when downloads fall far behind
	// the live window.
	segmentQueueSize = 512

	// minPollInterval is the pause between polls while the playlist is
	// actively advancing.
	minPollInterval = 10 * time.Millisecond
)

// ErrNotPublic is returned when a session is started for a source that is
// not currently publicly live.
var ErrNotPublic = errors.New("room is not public")

// Resolver reports whether a source is live and where its manifest lives.
type Resolver interface {
	Resolve(ctx context.Context, m model.Model) (model.StreamInfo, error)
}

// Download is a live download session for one source. A session is started
// once, runs until the stream ends, an unrecoverable error occurs or Stop is
// called, and cannot be reused.
type Download struct {
	client        *http.Client
	resolver      Resolver
	recordingsDir string
	logger        zerolog.Logger

	running atomic.Bool
	alive   atomic.Bool

	mu  sync.Mutex
	dir string

	jobs      chan segmentJob
	workersWG sync.WaitGroup

	submitted  atomic.Int64
	backfilled atomic.Int64
}

type segmentJob struct {
	url      *url.URL
	backfill bool
}

// New returns an idle download session.
func New(client *http.Client, resolver Resolver, recordingsDir string) *Download {
	if client == nil {
		client = http.DefaultClient
	}
	d := &Download{
		client:        client,
		resolver:      resolver,
		recordingsDir: recordingsDir,
		logger:        log.WithComponent("hls"),
		jobs:          make(chan segmentJob, segmentQueueSize),
	}
	d.alive.Store(true)
	return d
}

// Start runs the download loop until the stream ends, an error occurs or
// Stop is called. It blocks for the lifetime of the session.
func (d *Download) Start(ctx context.Context, m model.Model) error {
	d.running.Store(true)
	defer func() {
		// The session stays alive until every queued fetch has finished, so
		// nobody post-processes the directory while segments are still being
		// written.
		close(d.jobs)
		d.workersWG.Wait()
		d.alive.Store(false)
		d.logger.Debug().Str("model", m.Name).Msg("download terminated")
	}()

	if !model.ValidName(m.Name) {
		return fmt.Errorf("%q: %w", m.Name, model.ErrInvalidName)
	}

	info, err := d.resolver.Resolve(ctx, m)
	if err != nil {
		return fmt.Errorf("resolve stream info for %s: %w", m.Name, err)
	}
	if !info.IsPublic() {
		return fmt.Errorf("%s: %w", m.Name, ErrNotPublic)
	}

	dir := filepath.Join(d.recordingsDir, m.Name, time.Now().Format(model.TimestampLayout))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}
	d.mu.Lock()
	d.dir = dir
	d.mu.Unlock()

	mediaURL, err := d.selectVariant(ctx, info.URL)
	if err != nil {
		return err
	}

	for i := 0; i < segmentWorkers; i++ {
		d.workersWG.Add(1)
		go d.worker(ctx)
	}

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	var lastSeq, nextSeq int64
	first := true
	for d.running.Load() && ctx.Err() == nil {
		snap, err := d.pollMediaPlaylist(ctx, mediaURL)
		if err != nil {
			return fmt.Errorf("poll media playlist for %s: %w", m.Name, err)
		}

		if !first && snap.seq > nextSeq && len(snap.segments) > 0 {
			d.logger.Warn().
				Str("model", m.Name).
				Int64("expected", nextSeq).
				Int64("listed", snap.seq).
				Msg("missed segments, backfilling")
			for seq := nextSeq; seq < snap.seq; seq++ {
				u, err := substituteSequence(snap.segments[0], snap.seq, seq)
				if err != nil {
					d.logger.Debug().Err(err).Int64("seq", seq).Msg("cannot derive backfill url")
					continue
				}
				d.submit(segmentJob{url: u, backfill: true})
			}
		}

		skip := nextSeq - snap.seq
		for _, segment := range snap.segments {
			if skip > 0 {
				skip--
				continue
			}
			d.submit(segmentJob{url: segment})
		}

		wait := minPollInterval
		if !first && lastSeq == snap.seq {
			// playlist is static, back off for half the target duration
			wait = snap.targetDuration / 2
		}
		if !sleepCtx(ctx, wait) {
			break
		}

		lastSeq = snap.seq
		nextSeq = snap.seq + int64(len(snap.segments))
		first = false
	}
	return nil
}

// Stop requests cooperative termination. In-flight segment fetches are
// allowed to complete; IsAlive keeps reporting true until they have.
func (d *Download) Stop() {
	d.running.Store(false)
}

// IsAlive reports whether the session is still active, including workers
// draining the fetch queue after a stop.
func (d *Download) IsAlive() bool {
	return d.alive.Load()
}

// Directory returns the session directory, or "" before Start created it.
func (d *Download) Directory() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dir
}

// SegmentsSubmitted returns the number of segment fetches handed to the
// worker pool so far.
func (d *Download) SegmentsSubmitted() int64 {
	return d.submitted.Load()
}

// BackfillSubmitted returns how many of the submitted fetches were gap
// backfills.
func (d *Download) BackfillSubmitted() int64 {
	return d.backfilled.Load()
}

func (d *Download) submit(job segmentJob) {
	d.submitted.Add(1)
	if job.backfill {
		d.backfilled.Add(1)
	}
	d.jobs <- job
}

func (d *Download) worker(ctx context.Context) {
	defer d.workersWG.Done()
	for job := range d.jobs {
		d.fetchSegment(ctx, job)
	}
}

// fetchSegment downloads one segment with retries. A 404 means the segment
// has left the live window for good, so it is abandoned immediately.
func (d *Download) fetchSegment(ctx context.Context, job segmentJob) {
	target := filepath.Join(d.Directory(), path.Base(job.url.Path))
	var lastErr error
	for attempt := 0; attempt < segmentAttempts; attempt++ {
		gone, err := d.fetchSegmentOnce(ctx, job.url, target)
		if err == nil {
			metrics.SegmentsDownloaded.Inc()
			return
		}
		if gone {
			d.logger.Debug().Str("url", job.url.String()).Msg("segment does not exist")
			metrics.SegmentFailures.Inc()
			return
		}
		lastErr = err
		d.logger.Error().Err(err).Int("attempt", attempt+1).Str("url", job.url.String()).Msg("segment fetch failed")
	}
	d.logger.Warn().Err(lastErr).Str("url", job.url.String()).Msg("giving up on segment")
	metrics.SegmentFailures.Inc()
}

func (d *Download) fetchSegmentOnce(ctx context.Context, u *url.URL, target string) (gone bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return true, fmt.Errorf("segment gone: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	f, err := os.Create(target)
	if err != nil {
		return false, err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return false, err
	}
	return false, nil
}

// selectVariant fetches the top-level manifest and returns the media
// playlist URL of the highest-bandwidth variant. A manifest that already is
// a media playlist is used as-is.
func (d *Download) selectVariant(ctx context.Context, manifestURL string) (*url.URL, error) {
	base, err := url.Parse(manifestURL)
	if err != nil {
		return nil, fmt.Errorf("parse manifest url: %w", err)
	}

	body, err := d.get(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("fetch master playlist: %w", err)
	}
	defer body.Close()

	playlist, kind, err := m3u8.DecodeFrom(body, false)
	if err != nil {
		return nil, fmt.Errorf("parse master playlist: %w", err)
	}

	switch kind {
	case m3u8.MEDIA:
		return base, nil
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		var best *m3u8.Variant
		for _, v := range master.Variants {
			if v == nil || v.Iframe {
				continue
			}
			if best == nil || v.Bandwidth > best.Bandwidth {
				best = v
			}
		}
		if best == nil {
			return nil, errors.New("master playlist lists no variants")
		}
		u, err := base.Parse(best.URI)
		if err != nil {
			return nil, fmt.Errorf("resolve variant uri: %w", err)
		}
		return u, nil
	default:
		return nil, errors.New("unrecognized playlist type")
	}
}

// playlistSnapshot is one poll of the live media playlist.
type playlistSnapshot struct {
	seq            int64
	targetDuration time.Duration
	segments       []*url.URL
}

func (d *Download) pollMediaPlaylist(ctx context.Context, mediaURL *url.URL) (*playlistSnapshot, error) {
	body, err := d.get(ctx, mediaURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	playlist, kind, err := m3u8.DecodeFrom(body, false)
	if err != nil {
		return nil, err
	}
	if kind != m3u8.MEDIA {
		return nil, errors.New("expected a media playlist")
	}
	media := playlist.(*m3u8.MediaPlaylist)

	snap := &playlistSnapshot{
		seq:            int64(media.SeqNo),
		targetDuration: time.Duration(media.TargetDuration) * time.Second,
	}
	for _, seg := range media.GetAllSegments() {
		u, err := mediaURL.Parse(seg.URI)
		if err != nil {
			return nil, fmt.Errorf("resolve segment uri %q: %w", seg.URI, err)
		}
		snap.segments = append(snap.segments, u)
	}
	return snap, nil
}

func (d *Download) get(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// substituteSequence derives the URL of a missed segment by replacing the
// sequence number of a listed segment URL with the missed one.
func substituteSequence(listed *url.URL, listedSeq, wantSeq int64) (*url.URL, error) {
	s := listed.String()
	token := strconv.FormatInt(listedSeq, 10)
	idx := strings.LastIndex(s, token)
	if idx < 0 {
		return nil, fmt.Errorf("url %q does not contain sequence %d", s, listedSeq)
	}
	derived := s[:idx] + strconv.FormatInt(wantSeq, 10) + s[idx+len(token):]
	return url.Parse(derived)
}

// sleepCtx sleeps for the given duration, returning false if the context
// was cancelled first.
func sleepCtx(ctx context.Context, dur time.Duration) bool {
	if dur <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
