// SPDX-License-Identifier: MIT

// Package merge concatenates the segments of a finished recording into a
// single transport stream file.
package merge

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
	m3u8 "github.com/mogiioin/hls-m3u8/m3u8"
	"github.com/rs/zerolog"

	"github.com/nbrandt/strec/internal/log"
	"github.com/nbrandt/strec/internal/playlist"
)

// Merger concatenates the segments referenced by a recording's validated
// playlist, strictly in playlist order. Progress is observable while Merge
// runs.
type Merger struct {
	logger zerolog.Logger

	mu          sync.Mutex
	lastPercent int
}

// New returns an idle merger.
func New() *Merger {
	return &Merger{logger: log.WithComponent("merge")}
}

// Progress returns the merge progress as a percentage of segments appended.
func (m *Merger) Progress() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPercent
}

func (m *Merger) setProgress(index, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPercent = index * 100 / total
}

// Merge appends every segment listed in dir's playlist to targetFile. The
// call is a no-op if targetFile already exists. The output appears under its
// final name only once complete.
func (m *Merger) Merge(dir, targetFile string) error {
	if _, err := os.Stat(targetFile); err == nil {
		m.logger.Debug().Str("target", targetFile).Msg("merged file already exists")
		return nil
	}

	f, err := os.Open(filepath.Join(dir, playlist.FileName))
	if err != nil {
		return fmt.Errorf("open playlist: %w", err)
	}
	defer f.Close()

	decoded, kind, err := m3u8.DecodeFrom(f, true)
	if err != nil {
		return fmt.Errorf("parse playlist: %w", err)
	}
	if kind != m3u8.MEDIA {
		return fmt.Errorf("parse playlist: not a media playlist")
	}
	segments := decoded.(*m3u8.MediaPlaylist).GetAllSegments()
	if len(segments) == 0 {
		return fmt.Errorf("playlist in %s lists no segments", dir)
	}

	out, err := renameio.NewPendingFile(targetFile, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create merge target: %w", err)
	}
	defer out.Cleanup() //nolint:errcheck

	for i, seg := range segments {
		if err := appendSegment(out, filepath.Join(dir, seg.URI)); err != nil {
			return fmt.Errorf("append segment %s: %w", seg.URI, err)
		}
		m.setProgress(i, len(segments))
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("finalize merge target: %w", err)
	}
	m.setProgress(len(segments), len(segments))
	m.logger.Debug().Str("target", targetFile).Int("segments", len(segments)).Msg("merge finished")
	return nil
}

func appendSegment(out io.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(out, in)
	return err
}
