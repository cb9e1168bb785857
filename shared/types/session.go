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

package types

import "time"

// Kind identifies the class of capability a call targets.
type Kind string

const (
	KindTool     Kind = "tool"
	KindResource Kind = "resource"
	KindPrompt   Kind = "prompt"
)

// Valid reports whether the kind is one of the three known values.
func (k Kind) Valid() bool {
	switch k {
	case KindTool, KindResource, KindPrompt:
		return true
	}
	return false
}

// Call status values recorded in a session's call history.
const (
	CallStatusPending = "pending"
	CallStatusOK      = "ok"
	CallStatusError   = "error"
	CallStatusBlocked = "blocked"
)

// ToolCallRecord is one entry in a session's ordered call history. It is
// created at call-begin with status "pending" and updated at call-end.
type ToolCallRecord struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Kind          Kind                   `json:"kind,omitempty"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	DurationMs    *float64               `json:"duration_ms,omitempty"`
	Status        string                 `json:"status"`
	ResultSummary string                 `json:"result_summary,omitempty"`
}

// TrifectaState is the serialized form of a session's lethal-trifecta flags.
type TrifectaState struct {
	HasPrivateDataAccess        bool `json:"has_private_data_access"`
	HasUntrustedContentExposure bool `json:"has_untrusted_content_exposure"`
	HasExternalCommunication    bool `json:"has_external_communication"`
	TrifectaAchieved            bool `json:"trifecta_achieved"`
}

// ACLState is the serialized form of a session's access-level high-water mark.
type ACLState struct {
	HighestACLLevel string `json:"highest_acl_level"`
}

// TrackerSnapshot is the persisted view of a session's data-access tracker,
// merged into the session record so state survives restarts and is visible
// to the approval dashboard.
type TrackerSnapshot struct {
	LethalTrifecta TrifectaState `json:"lethal_trifecta"`
	ACL            ACLState      `json:"acl"`
}

// SessionRecord is the persisted form of one agent session.
type SessionRecord struct {
	SessionID         string           `json:"session_id"`
	AgentName         string           `json:"agent_name,omitempty"`
	ToolCalls         []ToolCallRecord `json:"tool_calls"`
	DataAccessSummary TrackerSnapshot  `json:"data_access_summary"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}
