// SPDX-License-Identifier: MIT

package recorder

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/nbrandt/strec/internal/model"
)

// Status is the lifecycle state of a recording, derived on every inventory
// scan from the filesystem and the job registries.
type Status string

const (
	StatusRecording          Status = "RECORDING"
	StatusGeneratingPlaylist Status = "GENERATING_PLAYLIST"
	StatusMerging            Status = "MERGING"
	StatusFinished           Status = "FINISHED"
)

// Recording is a derived view of one on-disk capture. It is recreated on
// every inventory query and never persisted.
type Recording struct {
	ModelName   string    `json:"modelName"`
	StartDate   time.Time `json:"startDate"`
	Path        string    `json:"path"` // relative: {model}/{timestamp}
	HasPlaylist bool      `json:"hasPlaylist"`
	Status      Status    `json:"status"`
	Progress    int       `json:"progress"`
	SizeBytes   int64     `json:"sizeInByte"`
}

// ParseRecordingPath reconstructs a recording reference from its relative
// path, as received over the control protocol.
func ParseRecordingPath(p string) (Recording, error) {
	p = path.Clean(p)
	idx := strings.Index(p, "/")
	if idx <= 0 || idx == len(p)-1 {
		return Recording{}, fmt.Errorf("malformed recording path %q", p)
	}
	modelName, timestamp := p[:idx], p[idx+1:]
	if !model.ValidName(modelName) {
		return Recording{}, fmt.Errorf("recording path %q: %w", p, model.ErrInvalidName)
	}
	start, err := time.ParseInLocation(model.TimestampLayout, timestamp, time.Local)
	if err != nil {
		return Recording{}, fmt.Errorf("malformed recording path %q: %w", p, err)
	}
	return Recording{
		ModelName: modelName,
		StartDate: start,
		Path:      modelName + "/" + timestamp,
	}, nil
}

// Timestamp returns the minute-granularity directory name of the recording.
func (r Recording) Timestamp() string {
	return r.StartDate.Format(model.TimestampLayout)
}

// MergedFileName returns the name of the recording's merged output file.
func (r Recording) MergedFileName() string {
	return model.MergedFileName(r.ModelName, r.Timestamp())
}
