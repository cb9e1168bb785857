// Copyright 2025 AegisGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"aegisgate/platform/shared/logger"
)

// APIHandler exposes the gateway over HTTP.
type APIHandler struct {
	gw     *Gateway
	events *Broadcaster
	log    *logger.Logger
}

func NewAPIHandler(gw *Gateway, events *Broadcaster) *APIHandler {
	return &APIHandler{
		gw:     gw,
		events: events,
		log:    logger.New("api"),
	}
}

// RegisterRoutes attaches all gateway routes:
//   - POST /agent/begin                      - evaluate a call
//   - POST /agent/end                        - complete a call
//   - POST /agent/session                    - ensure a session exists
//   - GET  /api/sessions                     - list sessions
//   - GET  /api/sessions/{id}                - one session
//   - POST /api/sessions/{id}/approve        - approve a blocked call
//   - POST /api/sessions/{id}/deny           - deny a blocked call
//   - GET  /api/agents                       - configured agent identities
//   - POST /api/permissions/reload           - drop the classification cache
//   - POST /api/tokenize                     - obfuscate a payload
//   - POST /api/detokenize                   - restore a payload
//   - GET  /events                           - SSE notification stream
//   - GET  /health                           - liveness probe
func (h *APIHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/agent/begin", h.handleBegin).Methods("POST")
	r.HandleFunc("/agent/end", h.handleEnd).Methods("POST")
	r.HandleFunc("/agent/session", h.handleSession).Methods("POST")

	r.HandleFunc("/api/sessions", h.handleListSessions).Methods("GET")
	r.HandleFunc("/api/sessions/{id}", h.handleGetSession).Methods("GET")
	r.HandleFunc("/api/sessions/{id}/approve", h.handleApprove).Methods("POST")
	r.HandleFunc("/api/sessions/{id}/deny", h.handleDeny).Methods("POST")

	r.HandleFunc("/api/agents", h.handleAgents).Methods("GET")
	r.HandleFunc("/api/permissions/reload", h.handleReload).Methods("POST")

	r.HandleFunc("/api/tokenize", h.handleTokenize).Methods("POST")
	r.HandleFunc("/api/detokenize", h.handleDetokenize).Methods("POST")

	r.HandleFunc("/events", h.events.ServeSSE).Methods("GET")
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
}

func (h *APIHandler) handleBegin(w http.ResponseWriter, r *http.Request) {
	var req BeginCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp := h.gw.BeginCall(r.Context(), &req)
	status := http.StatusOK
	if !resp.OK && resp.Reason == "" && resp.CallID == "" {
		status = http.StatusBadRequest
	}
	h.writeJSON(w, status, resp)
}

func (h *APIHandler) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req EndCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, err := h.gw.EndCall(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, ErrCallNotFound), errors.Is(err, ErrSessionNotFound):
			h.writeError(w, http.StatusNotFound, err.Error())
		default:
			h.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) handleSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sessionID, err := h.gw.EnsureSession(r.Context(), &req)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "session_id": sessionID})
}

func (h *APIHandler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.gw.ListSessions(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (h *APIHandler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	session, err := h.gw.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

func (h *APIHandler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.handleDecision(w, r, true)
}

func (h *APIHandler) handleDeny(w http.ResponseWriter, r *http.Request) {
	h.handleDecision(w, r, false)
}

func (h *APIHandler) handleDecision(w http.ResponseWriter, r *http.Request, approved bool) {
	sessionID := mux.Vars(r)["id"]
	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var err error
	if approved {
		err = h.gw.Approve(r.Context(), sessionID, &req)
	} else {
		err = h.gw.Deny(r.Context(), sessionID, &req)
	}
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, StatusResponse{OK: true})
}

func (h *APIHandler) handleAgents(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"agents": h.gw.Agents()})
}

func (h *APIHandler) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := h.gw.ReloadPermissions(); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, StatusResponse{OK: true})
}

func (h *APIHandler) handleTokenize(w http.ResponseWriter, r *http.Request) {
	var req TokenizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	payload, err := h.gw.TokenizePayload(r.Context(), req.SessionID, req.Payload)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, PayloadResponse{OK: true, Payload: payload})
}

func (h *APIHandler) handleDetokenize(w http.ResponseWriter, r *http.Request) {
	var req DetokenizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	payload, err := h.gw.DetokenizePayload(r.Context(), req.SessionID, req.Payload)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, PayloadResponse{OK: true, Payload: payload})
}

func (h *APIHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"service":           "aegisgate-gateway",
		"pending_approvals": h.gw.PendingApprovals(),
	})
}

// writeJSON writes a JSON response
func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.ErrorWithErr("", "", "Encoding response failed", err, nil)
	}
}

func (h *APIHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, StatusResponse{OK: false, Error: message})
}
