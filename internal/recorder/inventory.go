// SPDX-License-Identifier: MIT

package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nbrandt/strec/internal/merge"
	"github.com/nbrandt/strec/internal/model"
	"github.com/nbrandt/strec/internal/playlist"
)

// inventory derives the recording list from the filesystem plus the two job
// registries. Nothing here is cached; every call reflects the current state.
type inventory struct {
	root       string
	generators *jobRegistry[*playlist.Generator]
	mergers    *jobRegistry[*merge.Merger]
}

// scan walks {root}/{model}/{timestamp} and derives one Recording per
// timestamp directory. Directory names that do not match the timestamp
// pattern are skipped silently.
func (inv *inventory) scan() ([]Recording, error) {
	modelDirs, err := os.ReadDir(inv.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read recordings root: %w", err)
	}

	var recordings []Recording
	for _, modelDir := range modelDirs {
		if !modelDir.IsDir() {
			continue
		}
		timestampDirs, err := os.ReadDir(filepath.Join(inv.root, modelDir.Name()))
		if err != nil {
			continue
		}
		for _, tsDir := range timestampDirs {
			if !tsDir.IsDir() {
				continue
			}
			rec, ok := inv.derive(modelDir.Name(), tsDir.Name())
			if !ok {
				continue
			}
			recordings = append(recordings, rec)
		}
	}
	return recordings, nil
}

func (inv *inventory) derive(modelName, timestamp string) (Recording, bool) {
	if len(timestamp) != len(model.TimestampLayout) {
		return Recording{}, false
	}
	start, err := time.ParseInLocation(model.TimestampLayout, timestamp, time.Local)
	if err != nil {
		return Recording{}, false
	}

	dir := filepath.Join(inv.root, modelName, timestamp)
	rec := Recording{
		ModelName: modelName,
		StartDate: start,
		Path:      modelName + "/" + timestamp,
		SizeBytes: directorySize(dir),
	}
	rec.HasPlaylist = fileExists(filepath.Join(dir, playlist.FileName))
	rec.Status, rec.Progress = inv.status(dir, rec)
	return rec, true
}

// status derives the lifecycle state. Precedence, first match wins:
// playlist on disk, merged file on disk, active generator, active merger,
// otherwise still recording.
func (inv *inventory) status(dir string, rec Recording) (Status, int) {
	switch {
	case rec.HasPlaylist:
		return StatusFinished, 0
	case fileExists(filepath.Join(dir, rec.MergedFileName())):
		return StatusFinished, 0
	default:
		if g, ok := inv.generators.get(dir); ok {
			return StatusGeneratingPlaylist, g.Progress()
		}
		if m, ok := inv.mergers.get(dir); ok {
			return StatusMerging, m.Progress()
		}
		return StatusRecording, 0
	}
}

func directorySize(dir string) int64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var size int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Mode().IsRegular() {
			size += info.Size()
		}
	}
	return size
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
