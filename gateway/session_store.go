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
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"aegisgate/platform/shared/logger"
	"aegisgate/platform/shared/types"
)

// SessionStore persists session records: the per-session call log and the
// data-access summary used to restore tracker state across restarts.
type SessionStore interface {
	// Save upserts a session record.
	Save(ctx context.Context, record *types.SessionRecord) error
	// Load fetches a session record. ok is false when the session is
	// unknown.
	Load(ctx context.Context, sessionID string) (record *types.SessionRecord, ok bool, err error)
	// List returns all session records, most recently updated first.
	List(ctx context.Context) ([]*types.SessionRecord, error)
	// Delete removes a session record.
	Delete(ctx context.Context, sessionID string) error
}

// PostgresSessionStore is the durable session store.
type PostgresSessionStore struct {
	db  *sql.DB
	log *logger.Logger
}

// NewPostgresSessionStore creates the store and ensures its schema.
func NewPostgresSessionStore(db *sql.DB, log *logger.Logger) (*PostgresSessionStore, error) {
	s := &PostgresSessionStore{db: db, log: log}
	if err := s.ensureSchema(); err != nil {
		return nil, fmt.Errorf("initializing session store schema: %w", err)
	}
	return s, nil
}

func (s *PostgresSessionStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS gateway_sessions (
			session_id          TEXT PRIMARY KEY,
			agent_name          TEXT NOT NULL DEFAULT '',
			tool_calls          JSONB NOT NULL DEFAULT '[]',
			data_access_summary JSONB NOT NULL DEFAULT '{}',
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

func (s *PostgresSessionStore) Save(ctx context.Context, record *types.SessionRecord) error {
	calls, err := json.Marshal(record.ToolCalls)
	if err != nil {
		return fmt.Errorf("encoding tool calls: %w", err)
	}
	summary, err := json.Marshal(record.DataAccessSummary)
	if err != nil {
		return fmt.Errorf("encoding data access summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gateway_sessions (session_id, agent_name, tool_calls, data_access_summary, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (session_id) DO UPDATE
		SET agent_name = EXCLUDED.agent_name,
		    tool_calls = EXCLUDED.tool_calls,
		    data_access_summary = EXCLUDED.data_access_summary,
		    updated_at = NOW()`,
		record.SessionID, record.AgentName, calls, summary, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) Load(ctx context.Context, sessionID string) (*types.SessionRecord, bool, error) {
	var (
		record  types.SessionRecord
		calls   []byte
		summary []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, agent_name, tool_calls, data_access_summary, created_at, updated_at
		FROM gateway_sessions WHERE session_id = $1`,
		sessionID).Scan(&record.SessionID, &record.AgentName, &calls, &summary, &record.CreatedAt, &record.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading session: %w", err)
	}
	if err := json.Unmarshal(calls, &record.ToolCalls); err != nil {
		return nil, false, fmt.Errorf("decoding tool calls: %w", err)
	}
	if err := json.Unmarshal(summary, &record.DataAccessSummary); err != nil {
		return nil, false, fmt.Errorf("decoding data access summary: %w", err)
	}
	return &record, true, nil
}

func (s *PostgresSessionStore) List(ctx context.Context) ([]*types.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, agent_name, tool_calls, data_access_summary, created_at, updated_at
		FROM gateway_sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var records []*types.SessionRecord
	for rows.Next() {
		var (
			record  types.SessionRecord
			calls   []byte
			summary []byte
		)
		if err := rows.Scan(&record.SessionID, &record.AgentName, &calls, &summary, &record.CreatedAt, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		if err := json.Unmarshal(calls, &record.ToolCalls); err != nil {
			return nil, fmt.Errorf("decoding tool calls: %w", err)
		}
		if err := json.Unmarshal(summary, &record.DataAccessSummary); err != nil {
			return nil, fmt.Errorf("decoding data access summary: %w", err)
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}

func (s *PostgresSessionStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM gateway_sessions WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// MemorySessionStore keeps session records in process. Used when no
// database is configured and in tests.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*types.SessionRecord
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*types.SessionRecord)}
}

func (s *MemorySessionStore) Save(_ context.Context, record *types.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *record
	clone.UpdatedAt = time.Now().UTC()
	clone.ToolCalls = append([]types.ToolCallRecord(nil), record.ToolCalls...)
	s.sessions[record.SessionID] = &clone
	return nil
}

func (s *MemorySessionStore) Load(_ context.Context, sessionID string) (*types.SessionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.sessions[sessionID]
	if !ok {
		return nil, false, nil
	}
	clone := *record
	clone.ToolCalls = append([]types.ToolCallRecord(nil), record.ToolCalls...)
	return &clone, true, nil
}

func (s *MemorySessionStore) List(_ context.Context) ([]*types.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]*types.SessionRecord, 0, len(s.sessions))
	for _, record := range s.sessions {
		clone := *record
		clone.ToolCalls = append([]types.ToolCallRecord(nil), record.ToolCalls...)
		records = append(records, &clone)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	return records, nil
}

func (s *MemorySessionStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
