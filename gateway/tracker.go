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
	"aegisgate/platform/shared/logger"
	"aegisgate/platform/shared/types"
)

// DataAccessTracker accumulates the "lethal trifecta" risk state of one
// session:
//
//  1. Access to private data (read_private_data)
//  2. Exposure to untrusted content (read_untrusted_public_data)
//  3. Ability to externally communicate (write_operation)
//
// plus the highest ACL level of private data the session has read. Flags
// and the ACL high-water mark are monotonically non-decreasing. The tracker
// itself is not synchronized; callers hold the owning session's lock around
// RecordAccess so two concurrent calls cannot both pass the
// trifecta-prevent check.
type DataAccessTracker struct {
	AgentName string `json:"agent_name,omitempty"`

	HasPrivateDataAccess        bool `json:"has_private_data_access"`
	HasUntrustedContentExposure bool `json:"has_untrusted_content_exposure"`
	HasExternalCommunication    bool `json:"has_external_communication"`

	HighestACLLevel string `json:"highest_acl_level"`

	// Per-session tool overrides supplied at call-begin, keyed by exact
	// tool name. Consulted before the engine's resolution chain.
	Overrides map[string]PermissionRecord `json:"-"`

	// notify publishes rejection events best-effort. Never blocks and never
	// replaces the rejection error. Nil in unit tests.
	notify func(event interface{})

	log *logger.Logger
}

// NewDataAccessTracker creates a tracker for one session. notify may be nil.
func NewDataAccessTracker(agentName string, notify func(event interface{})) *DataAccessTracker {
	return &DataAccessTracker{
		AgentName:       agentName,
		HighestACLLevel: ACLPublic,
		notify:          notify,
		log:             logger.New("tracker"),
	}
}

// IsTrifectaAchieved reports whether all three trifecta flags are set.
func (t *DataAccessTracker) IsTrifectaAchieved() bool {
	return t.HasPrivateDataAccess && t.HasUntrustedContentExposure && t.HasExternalCommunication
}

// classify resolves the permission record for a call, consulting the
// session's per-call overrides before the engine.
func (t *DataAccessTracker) classify(engine *PermissionsEngine, name string, kind types.Kind) (PermissionRecord, error) {
	if kind == types.KindTool {
		if rec, ok := t.Overrides[name]; ok {
			return rec, nil
		}
	}
	return engine.Classify(name, kind, t.AgentName)
}

// RecordAccess gates one call and, when allowed, folds the record's effects
// into the session state. The check order is fixed:
//
//  1. trifecta already achieved: reject without a lookup
//  2. resolve the permission record
//  3. record disabled: reject
//  4. write to a destination ranked below the session's ACL high-water
//     mark: reject (acl_downgrade)
//  5. the hypothetical post-call flag set would complete the trifecta:
//     reject before mutating anything (trifecta_prevent)
//  6. commit: OR flags in, raise the ACL level on private-data reads
//
// Every rejection publishes a pre_block notification before the error
// propagates; publish failures never mask the rejection.
func (t *DataAccessTracker) RecordAccess(sessionID string, engine *PermissionsEngine, name string, kind types.Kind) error {
	if t.IsTrifectaAchieved() {
		return t.reject(sessionID, kind, name, types.ReasonTrifecta)
	}

	rec, err := t.classify(engine, name, kind)
	if err != nil {
		return err
	}

	if !rec.Enabled {
		return t.reject(sessionID, kind, name, types.ReasonDisabled)
	}

	if rec.WriteOperation && ACLRank(rec.EffectiveACL()) < ACLRank(t.HighestACLLevel) {
		return t.reject(sessionID, kind, name, types.ReasonACLDowngrade)
	}

	// Hypothetical flag set after this record; reject before any mutation.
	private := t.HasPrivateDataAccess || rec.ReadPrivateData
	untrusted := t.HasUntrustedContentExposure || rec.ReadUntrustedPublicData
	external := t.HasExternalCommunication || rec.WriteOperation
	if private && untrusted && external {
		return t.reject(sessionID, kind, name, types.ReasonTrifectaPrevent)
	}

	t.applyEffects(sessionID, name, kind, rec)
	return nil
}

// ApplyEffectsAfterApproval commits a record's effects directly, skipping
// every gate. The operator has explicitly authorized this one call.
func (t *DataAccessTracker) ApplyEffectsAfterApproval(sessionID string, engine *PermissionsEngine, name string, kind types.Kind) error {
	rec, err := t.classify(engine, name, kind)
	if err != nil {
		return err
	}
	t.applyEffects(sessionID, name, kind, rec)
	return nil
}

func (t *DataAccessTracker) applyEffects(sessionID, name string, kind types.Kind, rec PermissionRecord) {
	if rec.ReadPrivateData {
		t.HasPrivateDataAccess = true
		if ACLRank(rec.EffectiveACL()) > ACLRank(t.HighestACLLevel) {
			t.HighestACLLevel = rec.EffectiveACL()
		}
		t.log.Info(sessionID, "", "Private data access recorded", map[string]interface{}{
			"kind": string(kind), "name": name, "acl": rec.EffectiveACL(),
		})
	}
	if rec.ReadUntrustedPublicData {
		t.HasUntrustedContentExposure = true
		t.log.Info(sessionID, "", "Untrusted content exposure recorded", map[string]interface{}{
			"kind": string(kind), "name": name,
		})
	}
	if rec.WriteOperation {
		t.HasExternalCommunication = true
		t.log.Info(sessionID, "", "External communication capability recorded", map[string]interface{}{
			"kind": string(kind), "name": name,
		})
	}

	if t.IsTrifectaAchieved() {
		t.log.Warn(sessionID, "", "Lethal trifecta achieved", map[string]interface{}{
			"kind": string(kind), "name": name,
		})
	}
}

func (t *DataAccessTracker) reject(sessionID string, kind types.Kind, name, reason string) error {
	err := &SecurityViolationError{Reason: reason, Kind: kind, Name: name}

	t.log.Warn(sessionID, "", "Blocking call", map[string]interface{}{
		"kind": string(kind), "name": name, "reason": reason,
	})
	if t.notify != nil {
		t.notify(types.PreBlockEvent{
			Type:      types.EventTypePreBlock,
			Kind:      kind,
			Name:      name,
			SessionID: sessionID,
			Reason:    reason,
			Error:     err.Error(),
		})
	}
	return err
}

// Snapshot serializes the tracker for persistence and the dashboard.
func (t *DataAccessTracker) Snapshot() types.TrackerSnapshot {
	return types.TrackerSnapshot{
		LethalTrifecta: types.TrifectaState{
			HasPrivateDataAccess:        t.HasPrivateDataAccess,
			HasUntrustedContentExposure: t.HasUntrustedContentExposure,
			HasExternalCommunication:    t.HasExternalCommunication,
			TrifectaAchieved:            t.IsTrifectaAchieved(),
		},
		ACL: types.ACLState{HighestACLLevel: t.HighestACLLevel},
	}
}

// RestoreSnapshot rehydrates tracker state from a persisted session record.
func (t *DataAccessTracker) RestoreSnapshot(snap types.TrackerSnapshot) {
	t.HasPrivateDataAccess = snap.LethalTrifecta.HasPrivateDataAccess
	t.HasUntrustedContentExposure = snap.LethalTrifecta.HasUntrustedContentExposure
	t.HasExternalCommunication = snap.LethalTrifecta.HasExternalCommunication
	t.HighestACLLevel = NormalizeACL(snap.ACL.HighestACLLevel, ACLPublic)
}
