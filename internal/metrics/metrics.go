// SPDX-License-Identifier: MIT

// Package metrics exposes the daemon's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks the number of live download sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strec_active_sessions",
		Help: "Number of currently running download sessions.",
	})

	// SegmentsDownloaded counts successfully fetched segments.
	SegmentsDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strec_segments_downloaded_total",
		Help: "Total number of media segments fetched to disk.",
	})

	// SegmentFailures counts segments abandoned after all retries.
	SegmentFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strec_segment_failures_total",
		Help: "Total number of media segments given up on.",
	})

	// ControlRequests counts control protocol requests by action and outcome.
	ControlRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strec_control_requests_total",
		Help: "Control protocol requests by action and status.",
	}, []string{"action", "status"})

	// FileRequestsDenied counts rejected file server requests by reason.
	FileRequestsDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strec_file_requests_denied_total",
		Help: "File server requests denied, by reason.",
	}, []string{"reason"})
)
