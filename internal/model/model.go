// SPDX-License-Identifier: MIT

// Package model holds the value types shared between the recorder, the
// download sessions and the control protocol.
package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidName is returned when a model name cannot be used as a single
// directory component under the recordings root.
var ErrInvalidName = errors.New("invalid model name")

// TimestampLayout is the directory name format for a recording's start time,
// truncated to the minute.
const TimestampLayout = "2006-01-02_15-04"

// Model is a watched live source. Identity is (Name, URL); the descriptive
// fields may differ between copies of the same source and are ignored for
// equality.
type Model struct {
	Name        string   `json:"name" yaml:"name"`
	URL         string   `json:"url" yaml:"url"`
	Preview     string   `json:"preview,omitempty" yaml:"preview,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Online      bool     `json:"online,omitempty" yaml:"-"`
}

// Key returns the identity of the model, usable as a map key.
func (m Model) Key() Key {
	return Key{Name: m.Name, URL: m.URL}
}

// Equal reports identity equality, ignoring descriptive fields.
func (m Model) Equal(other Model) bool {
	return m.Name == other.Name && m.URL == other.URL
}

func (m Model) String() string {
	return m.Name
}

// Key is the comparable identity of a model.
type Key struct {
	Name string
	URL  string
}

// StreamInfo is the result of resolving a model's live state.
type StreamInfo struct {
	URL        string `json:"url"`
	RoomStatus string `json:"room_status"`
}

// IsPublic reports whether the source is currently publicly live.
func (s StreamInfo) IsPublic() bool {
	return s.RoomStatus == "public"
}

// ValidName reports whether name is usable as a single path component
// below the recordings root. Names that are empty, dot entries or contain
// a separator would escape or collide inside the recording tree.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// MergedFileName returns the deterministic name of the merged output file
// for a recording of the given model started at the given timestamp.
func MergedFileName(modelName, timestamp string) string {
	return fmt.Sprintf("%s-%s.ts", modelName, timestamp)
}
