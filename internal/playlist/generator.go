// SPDX-License-Identifier: MIT

// Package playlist turns a directory of raw live segments into a validated
// on-demand playlist.
package playlist

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	m3u8 "github.com/mogiioin/hls-m3u8/m3u8"
	"github.com/rs/zerolog"

	"github.com/nbrandt/strec/internal/log"
)

// FileName is the name of the generated playlist inside a recording
// directory.
const FileName = "playlist.m3u8"

// ErrInvalidPlaylist is returned by Validate when the written playlist does
// not match the segment files on disk.
var ErrInvalidPlaylist = errors.New("invalid playlist")

// DurationProber determines the playback duration of one segment file.
type DurationProber func(path string) (time.Duration, error)

// Generator builds a VOD playlist from the sequence-numbered segments of a
// finished recording. Progress is observable while Generate runs.
type Generator struct {
	prober DurationProber
	logger zerolog.Logger

	mu          sync.Mutex
	lastPercent int
}

// New returns a generator. A nil prober defaults to the MPEG-TS prober.
func New(prober DurationProber) *Generator {
	if prober == nil {
		prober = ProbeDuration
	}
	return &Generator{
		prober: prober,
		logger: log.WithComponent("playlist"),
	}
}

// Progress returns the generation progress as a percentage. The value only
// ever increases.
func (g *Generator) Progress() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastPercent
}

func (g *Generator) updateProgress(done, total int) {
	percent := done * 100 / total
	g.mu.Lock()
	defer g.mu.Unlock()
	if percent > g.lastPercent {
		g.lastPercent = percent
	}
}

// Generate probes every segment in dir and writes playlist.m3u8. Segments
// that cannot be probed are renamed with a .corrupt suffix and excluded; a
// failed probe never aborts the run.
func (g *Generator) Generate(dir string) error {
	g.logger.Debug().Str("dir", dir).Msg("starting playlist generation")

	segments, err := segmentFiles(dir)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("no segments in %s", dir)
	}

	type track struct {
		name     string
		duration time.Duration
	}
	var tracks []track
	for i, name := range segments {
		path := filepath.Join(dir, name)
		duration, err := g.prober(path)
		if err != nil {
			g.logger.Warn().Err(err).Str("segment", name).Msg("cannot determine duration, skipping segment")
			if renameErr := os.Rename(path, path+".corrupt"); renameErr != nil {
				g.logger.Error().Err(renameErr).Str("segment", name).Msg("cannot mark segment corrupt")
			}
		} else {
			tracks = append(tracks, track{name: name, duration: duration})
		}
		g.updateProgress(i+1, len(segments))
	}
	if len(tracks) == 0 {
		return fmt.Errorf("no usable segments in %s", dir)
	}

	var sum time.Duration
	for _, tr := range tracks {
		sum += tr.duration
	}
	target := uint(math.Floor(sum.Seconds() / float64(len(tracks))))

	media, err := m3u8.NewMediaPlaylist(0, uint(len(tracks)))
	if err != nil {
		return fmt.Errorf("create media playlist: %w", err)
	}
	media.MediaType = m3u8.VOD
	for _, tr := range tracks {
		if err := media.Append(tr.name, tr.duration.Seconds(), ""); err != nil {
			return fmt.Errorf("append segment %s: %w", tr.name, err)
		}
	}
	media.SetTargetDuration(target)
	media.SeqNo = 0
	media.Close()

	out := filepath.Join(dir, FileName)
	if err := renameio.WriteFile(out, media.Encode().Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	g.logger.Debug().Str("dir", dir).Int("segments", len(tracks)).Uint("target_duration", target).Msg("playlist generated")
	return nil
}

// Validate re-parses the written playlist and compares its track count to
// the segment files on disk. A mismatch is an ErrInvalidPlaylist.
func (g *Generator) Validate(dir string) error {
	path := filepath.Join(dir, FileName)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open generated playlist: %w", err)
	}
	defer f.Close()

	decoded, kind, err := m3u8.DecodeFrom(f, true)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlaylist, err)
	}
	if kind != m3u8.MEDIA {
		return fmt.Errorf("%w: not a media playlist", ErrInvalidPlaylist)
	}
	media := decoded.(*m3u8.MediaPlaylist)

	segments, err := segmentFiles(dir)
	if err != nil {
		return err
	}
	if int(media.Count()) != len(segments) {
		return fmt.Errorf("%w: playlist lists %d tracks, directory holds %d segments", ErrInvalidPlaylist, media.Count(), len(segments))
	}
	return nil
}

// segmentFiles returns the sequence-numbered .ts files in dir, sorted
// numerically by embedded sequence number.
func segmentFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read recording directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := sequenceNumber(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		a, _ := sequenceNumber(names[i])
		b, _ := sequenceNumber(names[j])
		return a < b
	})
	return names, nil
}

// sequenceNumber extracts the trailing sequence number from a segment file
// name like media_1234.ts. Merged output files and corrupt-marked segments
// do not match.
func sequenceNumber(name string) (int64, bool) {
	if !strings.HasSuffix(name, ".ts") {
		return 0, false
	}
	base := strings.TrimSuffix(name, ".ts")
	idx := strings.LastIndex(base, "_")
	if idx < 0 || idx == len(base)-1 {
		return 0, false
	}
	seq, err := strconv.ParseInt(base[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
