// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nbrandt/strec/internal/hmac"
	"github.com/nbrandt/strec/internal/metrics"
)

// handleFile serves recorded segments and playlists from the recordings
// directory. Requests are checked against path traversal and symlink
// escapes before anything is opened.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "*")

	decoded, err := url.PathUnescape(raw)
	if err != nil || isPathTraversal(decoded) {
		s.logger.Warn().Str("event", "file_req.denied").Str("path", raw).Str("reason", "path_escape").Msg("detected traversal sequence")
		metrics.FileRequestsDenied.WithLabelValues("path_escape").Inc()
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if decoded == "" || strings.HasSuffix(decoded, "/") {
		s.logger.Warn().Str("event", "file_req.denied").Str("path", raw).Str("reason", "directory_listing").Msg("directory listing forbidden")
		metrics.FileRequestsDenied.WithLabelValues("directory_listing").Inc()
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	// With a key configured, file access needs a signature over the
	// requested path.
	if key := s.cfg.Key(); key != nil {
		if !hmac.Validate([]byte(decoded), key, r.URL.Query().Get("hmac")) {
			s.logger.Warn().Str("event", "file_req.denied").Str("path", decoded).Str("reason", "unauthorized").Msg("HMAC does not match")
			metrics.FileRequestsDenied.WithLabelValues("unauthorized").Inc()
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	absRoot, err := filepath.Abs(s.cfg.RecordingsDir)
	if err != nil {
		s.logger.Error().Err(err).Str("event", "file_req.internal_error").Msg("cannot resolve recordings dir")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	fullPath := filepath.Join(absRoot, filepath.FromSlash(decoded))
	realPath, err := filepath.EvalSymlinks(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			metrics.FileRequestsDenied.WithLabelValues("not_found").Inc()
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		s.logger.Error().Err(err).Str("event", "file_req.internal_error").Str("path", fullPath).Msg("cannot evaluate symlinks")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		s.logger.Error().Err(err).Str("event", "file_req.internal_error").Msg("cannot evaluate symlinks on recordings dir")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	rel, err := filepath.Rel(realRoot, realPath)
	if err != nil || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		s.logger.Warn().Str("event", "file_req.denied").Str("path", decoded).Str("resolved_path", realPath).Str("reason", "path_escape").Msg("path escapes recordings directory")
		metrics.FileRequestsDenied.WithLabelValues("path_escape").Inc()
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	info, err := os.Stat(realPath)
	if err != nil {
		s.logger.Error().Err(err).Str("event", "file_req.internal_error").Str("path", realPath).Msg("cannot stat file")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if info.IsDir() {
		metrics.FileRequestsDenied.WithLabelValues("directory_listing").Inc()
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	switch strings.ToLower(filepath.Ext(realPath)) {
	case ".m3u8":
		w.Header().Set("Content-Type", "application/x-mpegURL")
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	http.ServeFile(w, r, realPath)
}

// isPathTraversal reports whether the decoded request path still carries an
// escape sequence after decoding.
func isPathTraversal(p string) bool {
	if strings.ContainsRune(p, 0) {
		return true
	}
	if strings.Contains(strings.ToLower(p), "%2e%2e") {
		return true
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}
