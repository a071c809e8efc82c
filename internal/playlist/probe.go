// SPDX-License-Identifier: MIT

package playlist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/asticode/go-astits"
)

// ProbeDuration determines the playback duration of an MPEG-TS segment by
// walking the PTS timestamps of its first video elementary stream. The
// result is nominal, not frame accurate; it is only used for playlist
// metadata.
func ProbeDuration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dmx := astits.NewDemuxer(context.Background(), f)

	var (
		videoPID uint16
		havePID  bool
		first    *astits.ClockReference
		last     *astits.ClockReference
		frames   int
	)
	for {
		data, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return 0, fmt.Errorf("demux %s: %w", path, err)
		}
		if data.PMT != nil && !havePID {
			for _, es := range data.PMT.ElementaryStreams {
				if es.StreamType.IsVideo() {
					videoPID = es.ElementaryPID
					havePID = true
					break
				}
			}
		}
		if data.PES == nil || !havePID || data.PID != videoPID {
			continue
		}
		oh := data.PES.Header.OptionalHeader
		if oh == nil || oh.PTS == nil {
			continue
		}
		if first == nil {
			first = oh.PTS
		}
		last = oh.PTS
		frames++
	}

	if first == nil || frames == 0 {
		return 0, fmt.Errorf("%s contains no video frames", path)
	}
	duration := last.Duration() - first.Duration()
	if duration < 0 {
		return 0, fmt.Errorf("%s has non-monotonic timestamps", path)
	}
	if frames > 1 {
		// the last frame's own display time is not covered by the PTS delta
		duration += duration / time.Duration(frames-1)
	}
	return duration, nil
}
