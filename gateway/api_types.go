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

	"aegisgate/platform/shared/types"
)

// BeginCallRequest starts the security evaluation of one call.
type BeginCallRequest struct {
	// SessionID is minted when absent.
	SessionID string `json:"session_id,omitempty"`
	AgentName string `json:"agent_name,omitempty"`
	// Kind defaults to "tool".
	Kind string `json:"kind,omitempty"`
	Name string `json:"name"`
	// ArgsSummary is detokenized before the call proceeds.
	ArgsSummary string `json:"args_summary,omitempty"`
	// TimeoutS overrides the operator decision timeout for this call.
	TimeoutS float64 `json:"timeout_s,omitempty"`
	// Overrides are partial tool permission records applied to this
	// session before gating.
	Overrides map[string]PermissionRecord `json:"overrides,omitempty"`
}

// BeginCallResponse reports the gate outcome for a call.
type BeginCallResponse struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id"`
	CallID    string `json:"call_id,omitempty"`
	Approved  bool   `json:"approved"`
	// ArgsSummary carries the detokenized arguments when the call is
	// allowed.
	ArgsSummary string `json:"args_summary,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
}

// EndCallRequest completes a previously begun call.
type EndCallRequest struct {
	SessionID     string  `json:"session_id"`
	CallID        string  `json:"call_id"`
	Status        string  `json:"status"`
	DurationMs    float64 `json:"duration_ms,omitempty"`
	ResultSummary string  `json:"result_summary,omitempty"`
}

// EndCallResponse acknowledges a call completion. ResultSummary is the
// obfuscated form, returned so the caller can forward it to the model.
type EndCallResponse struct {
	OK            bool   `json:"ok"`
	ResultSummary string `json:"result_summary,omitempty"`
	Error         string `json:"error,omitempty"`
}

// DecisionRequest identifies the blocked call an operator is deciding.
type DecisionRequest struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// SessionRequest ensures a session exists.
type SessionRequest struct {
	SessionID string `json:"session_id,omitempty"`
	AgentName string `json:"agent_name,omitempty"`
}

// SessionResponse is the dashboard view of one session.
type SessionResponse struct {
	SessionID         string                 `json:"session_id"`
	AgentName         string                 `json:"agent_name,omitempty"`
	ToolCalls         []types.ToolCallRecord `json:"tool_calls"`
	DataAccessSummary types.TrackerSnapshot  `json:"data_access_summary"`
	CreatedAt         string                 `json:"created_at"`
	UpdatedAt         string                 `json:"updated_at"`
}

// TokenizeRequest obfuscates a payload on behalf of the transport.
type TokenizeRequest struct {
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

// DetokenizeRequest restores original values in a payload.
type DetokenizeRequest struct {
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

// PayloadResponse returns a transformed payload.
type PayloadResponse struct {
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// StatusResponse is the generic acknowledgement body.
type StatusResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
