// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/nbrandt/strec/internal/hmac"
	"github.com/nbrandt/strec/internal/metrics"
	"github.com/nbrandt/strec/internal/model"
	"github.com/nbrandt/strec/internal/recorder"
)

// maxBodySize caps control protocol request bodies.
const maxBodySize = 1 << 20

type controlRequest struct {
	Action    string       `json:"action"`
	Model     *model.Model `json:"model,omitempty"`
	Recording string       `json:"recording,omitempty"`
}

type controlResponse struct {
	Status     string               `json:"status"`
	Msg        string               `json:"msg"`
	Models     []model.Model        `json:"models,omitempty"`
	Recordings []recorder.Recording `json:"recordings,omitempty"`
}

// handleControl dispatches one control protocol request. The HMAC check
// covers the exact raw body; it runs before anything is parsed.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "cannot read request body")
		return
	}

	if key := s.cfg.Key(); key != nil {
		signature := r.Header.Get(recorder.SignatureHeader)
		if signature == "" {
			signature = r.URL.Query().Get("hmac")
		}
		if !hmac.Validate(body, key, signature) {
			s.logger.Warn().Str("event", "control.denied").Str("remote", r.RemoteAddr).Msg("HMAC does not match")
			metrics.ControlRequests.WithLabelValues("unknown", "unauthorized").Inc()
			s.writeError(w, http.StatusUnauthorized, "HMAC does not match")
			return
		}
	}

	var req controlRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if req.Action == "" {
		s.writeError(w, http.StatusBadRequest, "action is missing")
		return
	}

	s.logger.Debug().Str("action", req.Action).Msg("control request")
	status, resp := s.dispatch(r, req)
	if resp.Status == "success" {
		metrics.ControlRequests.WithLabelValues(req.Action, "success").Inc()
	} else {
		metrics.ControlRequests.WithLabelValues(req.Action, "error").Inc()
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) dispatch(r *http.Request, req controlRequest) (int, controlResponse) {
	ctx := r.Context()
	switch req.Action {
	case "start":
		if req.Model == nil {
			return http.StatusBadRequest, errorResponse("model is missing")
		}
		if !model.ValidName(req.Model.Name) {
			return http.StatusBadRequest, errorResponse(fmt.Sprintf("%q: %s", req.Model.Name, model.ErrInvalidName))
		}
		if err := s.rec.StartRecording(ctx, *req.Model); err != nil {
			if errors.Is(err, model.ErrInvalidName) {
				return http.StatusBadRequest, errorResponse(err.Error())
			}
			return http.StatusInternalServerError, errorResponse(err.Error())
		}
		models, _ := s.rec.Models()
		return http.StatusOK, controlResponse{Status: "success", Msg: "Recording started", Models: models}

	case "stop":
		if req.Model == nil {
			return http.StatusBadRequest, errorResponse("model is missing")
		}
		if !model.ValidName(req.Model.Name) {
			return http.StatusBadRequest, errorResponse(fmt.Sprintf("%q: %s", req.Model.Name, model.ErrInvalidName))
		}
		if err := s.rec.StopRecording(ctx, *req.Model); err != nil {
			if errors.Is(err, model.ErrInvalidName) {
				return http.StatusBadRequest, errorResponse(err.Error())
			}
			return http.StatusInternalServerError, errorResponse(err.Error())
		}
		models, _ := s.rec.Models()
		return http.StatusOK, controlResponse{Status: "success", Msg: "Recording stopped", Models: models}

	case "list":
		models, err := s.rec.Models()
		if err != nil {
			return http.StatusInternalServerError, errorResponse(err.Error())
		}
		if models == nil {
			models = []model.Model{}
		}
		return http.StatusOK, controlResponse{Status: "success", Msg: "List of models", Models: models}

	case "recordings":
		recs, err := s.rec.Recordings(ctx)
		if err != nil {
			return http.StatusInternalServerError, errorResponse(err.Error())
		}
		if recs == nil {
			recs = []recorder.Recording{}
		}
		return http.StatusOK, controlResponse{Status: "success", Msg: "List of recordings", Recordings: recs}

	case "delete":
		rec, err := recorder.ParseRecordingPath(req.Recording)
		if err != nil {
			return http.StatusBadRequest, errorResponse(err.Error())
		}
		if err := s.rec.Delete(ctx, rec); err != nil {
			if errors.Is(err, recorder.ErrRecordingNotFound) {
				return http.StatusNotFound, errorResponse(err.Error())
			}
			return http.StatusInternalServerError, errorResponse(err.Error())
		}
		return http.StatusOK, controlResponse{Status: "success", Msg: "Recording deleted", Recordings: []recorder.Recording{rec}}

	default:
		return http.StatusBadRequest, errorResponse("unknown action")
	}
}

func errorResponse(msg string) controlResponse {
	return controlResponse{Status: "error", Msg: msg}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse(msg))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("cannot write response")
	}
}
