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
	"fmt"
	"sync"
	"time"

	"aegisgate/platform/shared/logger"
	"aegisgate/platform/shared/types"
)

// Session is the live state for one agent session: its data-access
// tracker, its call log, and a lock serializing security evaluation.
type Session struct {
	// mu serializes classify-and-mutate for calls in this session. It
	// is NOT held while waiting for an operator decision.
	mu sync.Mutex

	ID        string
	Tracker   *DataAccessTracker
	Record    *types.SessionRecord
	CreatedAt time.Time
}

// Lock acquires the session's evaluation lock.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session's evaluation lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// SessionRegistry owns live sessions. Sessions are created on first use
// and rehydrated from the session store after a restart so monotonic
// tracker state survives.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	store    SessionStore
	notify   func(interface{})
	log      *logger.Logger

	// agentName is sticky: the first session to declare an agent
	// identity fixes it for the process lifetime. A single-user
	// gateway runs one agent at a time.
	agentMu   sync.Mutex
	agentName string
}

func NewSessionRegistry(store SessionStore, notify func(interface{}), log *logger.Logger) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		store:    store,
		notify:   notify,
		log:      log,
	}
}

// StickyAgent records the process-wide agent identity. The first non-empty
// name wins; later conflicting names are ignored and the bound identity is
// returned.
func (r *SessionRegistry) StickyAgent(name string) string {
	r.agentMu.Lock()
	defer r.agentMu.Unlock()
	if name == "" || r.agentName == name {
		return r.agentName
	}
	if r.agentName == "" {
		r.agentName = name
		r.log.Info("", "", "Agent identity set", map[string]interface{}{"agent": name})
		return name
	}
	r.log.Warn("", "", "Ignoring conflicting agent identity", map[string]interface{}{
		"bound": r.agentName, "ignored": name,
	})
	return r.agentName
}

// AgentName returns the sticky agent identity, empty if none declared.
func (r *SessionRegistry) AgentName() string {
	r.agentMu.Lock()
	defer r.agentMu.Unlock()
	return r.agentName
}

// Get returns the live session, or nil if it does not exist in memory.
func (r *SessionRegistry) Get(sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// Find returns the live session for sessionID, rehydrating it from the
// persistent store when only a record exists. Returns nil, nil when the
// session is unknown everywhere.
func (r *SessionRegistry) Find(ctx context.Context, sessionID string) (*Session, error) {
	if session := r.Get(sessionID); session != nil {
		return session, nil
	}
	_, found, err := r.store.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	if !found {
		return nil, nil
	}
	return r.GetOrCreate(ctx, sessionID, r.AgentName())
}

// GetOrCreate returns the live session for sessionID, rehydrating it from
// the persistent store if a record exists, otherwise creating it fresh.
func (r *SessionRegistry) GetOrCreate(ctx context.Context, sessionID, agentName string) (*Session, error) {
	r.mu.Lock()
	if session, ok := r.sessions[sessionID]; ok {
		r.mu.Unlock()
		return session, nil
	}
	r.mu.Unlock()

	// Load outside the registry lock; store calls can be slow.
	record, found, err := r.store.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.sessions[sessionID]; ok {
		return session, nil
	}

	now := time.Now().UTC()
	session := &Session{ID: sessionID, CreatedAt: now}
	if found {
		session.Record = record
		session.CreatedAt = record.CreatedAt
		if record.AgentName != "" {
			agentName = record.AgentName
		}
		session.Tracker = NewDataAccessTracker(agentName, r.notify)
		session.Tracker.RestoreSnapshot(record.DataAccessSummary)
		r.log.Info(sessionID, "", "Session rehydrated", map[string]interface{}{"recorded_calls": len(record.ToolCalls)})
	} else {
		session.Record = &types.SessionRecord{
			SessionID: sessionID,
			AgentName: agentName,
			CreatedAt: now,
			UpdatedAt: now,
		}
		session.Tracker = NewDataAccessTracker(agentName, r.notify)
	}
	r.sessions[sessionID] = session
	return session, nil
}

// Persist writes a session's current record and tracker snapshot to the
// store. Call with the session lock held.
func (r *SessionRegistry) Persist(ctx context.Context, session *Session) error {
	session.Record.DataAccessSummary = session.Tracker.Snapshot()
	session.Record.UpdatedAt = time.Now().UTC()
	return r.store.Save(ctx, session.Record)
}

// Remove drops a session from memory.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
