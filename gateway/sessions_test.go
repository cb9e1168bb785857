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
	"context"
	"testing"
	"time"

	"aegisgate/platform/shared/logger"
	"aegisgate/platform/shared/types"
)

func newTestRegistry() *SessionRegistry {
	return NewSessionRegistry(NewMemorySessionStore(), func(interface{}) {}, logger.New("sessions-test"))
}

// ===== Sticky agent identity =====

func TestStickyAgent_FirstNameWins(t *testing.T) {
	r := newTestRegistry()

	if got := r.StickyAgent(""); got != "" {
		t.Errorf("empty name bound identity %q", got)
	}
	if got := r.StickyAgent("research-bot"); got != "research-bot" {
		t.Errorf("StickyAgent = %q, want research-bot", got)
	}
	// A conflicting identity is ignored, not an error.
	if got := r.StickyAgent("other-bot"); got != "research-bot" {
		t.Errorf("conflicting name rebound identity to %q", got)
	}
	if got := r.AgentName(); got != "research-bot" {
		t.Errorf("AgentName = %q", got)
	}
}

// ===== Lifecycle =====

func TestGetOrCreate_NewSession(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	session, err := r.GetOrCreate(ctx, "sess-1", "research-bot")
	if err != nil {
		t.Fatal(err)
	}
	if session.ID != "sess-1" {
		t.Errorf("ID = %q", session.ID)
	}
	if session.Tracker == nil || session.Record == nil {
		t.Fatal("fresh session missing tracker or record")
	}
	if session.Record.AgentName != "research-bot" {
		t.Errorf("AgentName = %q", session.Record.AgentName)
	}

	again, err := r.GetOrCreate(ctx, "sess-1", "research-bot")
	if err != nil {
		t.Fatal(err)
	}
	if again != session {
		t.Error("second GetOrCreate returned a different instance")
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestGetOrCreate_RehydratesFromStore(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	created := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	record := &types.SessionRecord{
		SessionID: "sess-1",
		AgentName: "research-bot",
		ToolCalls: []types.ToolCallRecord{{ID: "call-1", Name: "fs/read_file", Status: types.CallStatusOK}},
		DataAccessSummary: types.TrackerSnapshot{
			LethalTrifecta: types.TrifectaState{
				HasPrivateDataAccess:        true,
				HasUntrustedContentExposure: true,
			},
			ACL: types.ACLState{HighestACLLevel: ACLSecret},
		},
		CreatedAt: created,
	}
	if err := store.Save(ctx, record); err != nil {
		t.Fatal(err)
	}

	// A fresh registry simulates a process restart.
	r := NewSessionRegistry(store, func(interface{}) {}, logger.New("sessions-test"))
	session, err := r.GetOrCreate(ctx, "sess-1", "")
	if err != nil {
		t.Fatal(err)
	}

	if !session.Tracker.HasPrivateDataAccess || !session.Tracker.HasUntrustedContentExposure {
		t.Error("trifecta flags not restored")
	}
	if session.Tracker.HasExternalCommunication {
		t.Error("unset flag restored as set")
	}
	if session.Tracker.HighestACLLevel != ACLSecret {
		t.Errorf("HighestACLLevel = %q, want %q", session.Tracker.HighestACLLevel, ACLSecret)
	}
	if !session.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", session.CreatedAt, created)
	}
	if len(session.Record.ToolCalls) != 1 {
		t.Errorf("ToolCalls lost in rehydration: %d entries", len(session.Record.ToolCalls))
	}
}

func TestPersist_WritesTrackerSnapshot(t *testing.T) {
	store := NewMemorySessionStore()
	r := NewSessionRegistry(store, func(interface{}) {}, logger.New("sessions-test"))
	ctx := context.Background()

	session, err := r.GetOrCreate(ctx, "sess-1", "research-bot")
	if err != nil {
		t.Fatal(err)
	}
	session.Lock()
	session.Tracker.HasExternalCommunication = true
	session.Tracker.HighestACLLevel = ACLPrivate
	err = r.Persist(ctx, session)
	session.Unlock()
	if err != nil {
		t.Fatal(err)
	}

	saved, found, err := store.Load(ctx, "sess-1")
	if err != nil || !found {
		t.Fatalf("Load: found=%v err=%v", found, err)
	}
	if !saved.DataAccessSummary.LethalTrifecta.HasExternalCommunication {
		t.Error("persisted snapshot missing external-communication flag")
	}
	if saved.DataAccessSummary.ACL.HighestACLLevel != ACLPrivate {
		t.Errorf("persisted ACL = %q", saved.DataAccessSummary.ACL.HighestACLLevel)
	}
}

func TestRemove_DropsLiveSession(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	if _, err := r.GetOrCreate(ctx, "sess-1", ""); err != nil {
		t.Fatal(err)
	}
	r.Remove("sess-1")
	if r.Get("sess-1") != nil {
		t.Error("Get returned a removed session")
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
}
