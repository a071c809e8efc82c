// SPDX-License-Identifier: MIT

// Package recorder contains the recording orchestrator: the watch-list, the
// live download sessions, post-processing and the derived recording
// inventory. The same capability surface is available locally and over the
// control protocol.
package recorder

import (
	"context"
	"errors"

	"github.com/nbrandt/strec/internal/model"
)

// Recorder is the capability surface shared by the local orchestrator and
// the network-backed client.
type Recorder interface {
	// StartRecording adds the model to the watch-list. Idempotent.
	StartRecording(ctx context.Context, m model.Model) error

	// StopRecording removes the model from the watch-list and stops an
	// active session.
	StopRecording(ctx context.Context, m model.Model) error

	// IsRecording reports watch-list membership, not live download state.
	IsRecording(m model.Model) bool

	// Models returns the current watch-list.
	Models() ([]model.Model, error)

	// Recordings returns the derived recording inventory.
	Recordings(ctx context.Context) ([]Recording, error)

	// Merge concatenates a finished recording's segments and optionally
	// deletes them afterwards.
	Merge(ctx context.Context, rec Recording, keepSegments bool) error

	// Delete removes a recording's directory.
	Delete(ctx context.Context, rec Recording) error

	// Shutdown stops background work and all active sessions.
	Shutdown()
}

// ErrStaleData is returned when the remote client's cache has not been
// refreshed recently enough to be trusted.
var ErrStaleData = errors.New("recorder data is stale")

// ErrRecordingNotFound is returned when a delete targets a recording whose
// directory does not exist.
var ErrRecordingNotFound = errors.New("recording does not exist")

// ErrRemoteUnsupported is returned for operations the control protocol does
// not expose.
var ErrRemoteUnsupported = errors.New("operation not supported on a remote recorder")
