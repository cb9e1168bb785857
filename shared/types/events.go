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

// Event type discriminators published on the gateway's SSE stream.
const (
	EventTypePreBlock        = "pre_block"
	EventTypeDecisionPending = "decision_pending"
	EventTypeServerStartup   = "server_startup"
)

// Violation reasons carried in pre_block events.
const (
	ReasonDisabled        = "disabled"
	ReasonACLDowngrade    = "acl_downgrade"
	ReasonTrifecta        = "trifecta"
	ReasonTrifectaPrevent = "trifecta_prevent"
)

// PreBlockEvent is published whenever the data-access tracker rejects a
// call, before the error propagates to the caller. Delivery is best-effort;
// a publish failure never masks the rejection itself.
type PreBlockEvent struct {
	Type      string `json:"type"` // always EventTypePreBlock
	Kind      Kind   `json:"kind"`
	Name      string `json:"name"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
	Error     string `json:"error"`
}

// DecisionPendingEvent is published when a blocked call starts waiting for
// a manual approve/deny decision. Dashboard consumers use it to surface the
// pending review.
type DecisionPendingEvent struct {
	Type      string `json:"type"` // always EventTypeDecisionPending
	Kind      Kind   `json:"kind"`
	Name      string `json:"name"`
	SessionID string `json:"session_id"`
}

// ServerStartupEvent is sent to the first subscriber after boot so the
// dashboard can reset any client-side state from a previous process.
type ServerStartupEvent struct {
	Type      string  `json:"type"` // always EventTypeServerStartup
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
}
