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
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"aegisgate/platform/shared/logger"
)

// TokenRecord is one minted token mapping together with its provenance:
// the detection categories that fired and the call whose output the value
// came from.
type TokenRecord struct {
	Token      string
	Value      string
	Categories []string
	SourceKind string
	SourceName string
}

// TokenStore persists the session-scoped token-to-value mapping. Lookups
// are session keyed: a token minted in one session never resolves in
// another.
type TokenStore interface {
	// Store records a token mapping for a session.
	Store(ctx context.Context, sessionID string, rec TokenRecord) error
	// Lookup resolves a token within a session, refreshing its
	// last-used timestamp. ok is false when the token is unknown.
	Lookup(ctx context.Context, sessionID, token string) (value string, ok bool, err error)
	// DeleteSession drops all tokens for a session.
	DeleteSession(ctx context.Context, sessionID string) error
}

// PostgresTokenStore is the durable token store.
type PostgresTokenStore struct {
	db  *sql.DB
	log *logger.Logger
}

// NewPostgresTokenStore creates the store and ensures its schema.
func NewPostgresTokenStore(db *sql.DB, log *logger.Logger) (*PostgresTokenStore, error) {
	s := &PostgresTokenStore{db: db, log: log}
	if err := s.ensureSchema(); err != nil {
		return nil, fmt.Errorf("initializing token store schema: %w", err)
	}
	return s, nil
}

func (s *PostgresTokenStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS pii_tokens (
			session_id      TEXT NOT NULL,
			token           TEXT NOT NULL,
			value_plaintext TEXT NOT NULL,
			categories      TEXT NOT NULL,
			source_kind     TEXT NOT NULL DEFAULT '',
			source_name     TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_used_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (session_id, token)
		)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_pii_tokens_session ON pii_tokens(session_id)`)
	return err
}

func (s *PostgresTokenStore) Store(ctx context.Context, sessionID string, rec TokenRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pii_tokens (session_id, token, value_plaintext, categories, source_kind, source_name)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, token) DO UPDATE
		SET value_plaintext = EXCLUDED.value_plaintext, categories = EXCLUDED.categories,
		    source_kind = EXCLUDED.source_kind, source_name = EXCLUDED.source_name,
		    last_used_at = NOW()`,
		sessionID, rec.Token, rec.Value, strings.Join(rec.Categories, ","), rec.SourceKind, rec.SourceName)
	if err != nil {
		return fmt.Errorf("storing token: %w", err)
	}
	return nil
}

func (s *PostgresTokenStore) Lookup(ctx context.Context, sessionID, token string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		UPDATE pii_tokens SET last_used_at = NOW()
		WHERE session_id = $1 AND token = $2
		RETURNING value_plaintext`,
		sessionID, token).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("looking up token: %w", err)
	}
	return value, true, nil
}

func (s *PostgresTokenStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pii_tokens WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting session tokens: %w", err)
	}
	return nil
}

// MemoryTokenStore keeps token mappings in process. Used when no database
// is configured and in tests.
type MemoryTokenStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string]memoryToken
}

type memoryToken struct {
	value      string
	categories []string
	sourceKind string
	sourceName string
	lastUsed   time.Time
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{sessions: make(map[string]map[string]memoryToken)}
}

func (s *MemoryTokenStore) Store(_ context.Context, sessionID string, rec TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens, ok := s.sessions[sessionID]
	if !ok {
		tokens = make(map[string]memoryToken)
		s.sessions[sessionID] = tokens
	}
	tokens[rec.Token] = memoryToken{
		value:      rec.Value,
		categories: append([]string(nil), rec.Categories...),
		sourceKind: rec.SourceKind,
		sourceName: rec.SourceName,
		lastUsed:   time.Now(),
	}
	return nil
}

func (s *MemoryTokenStore) Lookup(_ context.Context, sessionID, token string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens, ok := s.sessions[sessionID]
	if !ok {
		return "", false, nil
	}
	entry, ok := tokens[token]
	if !ok {
		return "", false, nil
	}
	entry.lastUsed = time.Now()
	tokens[token] = entry
	return entry.value, true, nil
}

func (s *MemoryTokenStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// CachedTokenStore fronts a durable store with a Redis read-through cache.
// The cache is never authoritative: misses and Redis failures fall back to
// the backing store, and cache writes are best effort.
type CachedTokenStore struct {
	backing TokenStore
	rdb     *redis.Client
	ttl     time.Duration
	log     *logger.Logger
}

func NewCachedTokenStore(backing TokenStore, rdb *redis.Client, ttl time.Duration, log *logger.Logger) *CachedTokenStore {
	return &CachedTokenStore{backing: backing, rdb: rdb, ttl: ttl, log: log}
}

func cacheKey(sessionID, token string) string {
	return "piitok:" + sessionID + ":" + token
}

func (s *CachedTokenStore) Store(ctx context.Context, sessionID string, rec TokenRecord) error {
	if err := s.backing.Store(ctx, sessionID, rec); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, cacheKey(sessionID, rec.Token), rec.Value, s.ttl).Err(); err != nil {
		s.log.Warn(sessionID, "", "Token cache write failed", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

func (s *CachedTokenStore) Lookup(ctx context.Context, sessionID, token string) (string, bool, error) {
	value, err := s.rdb.Get(ctx, cacheKey(sessionID, token)).Result()
	if err == nil {
		return value, true, nil
	}
	if err != redis.Nil {
		s.log.Warn(sessionID, "", "Token cache read failed", map[string]interface{}{"error": err.Error()})
	}

	value, ok, err := s.backing.Lookup(ctx, sessionID, token)
	if err != nil || !ok {
		return value, ok, err
	}
	if cerr := s.rdb.Set(ctx, cacheKey(sessionID, token), value, s.ttl).Err(); cerr != nil {
		s.log.Warn(sessionID, "", "Token cache backfill failed", map[string]interface{}{"error": cerr.Error()})
	}
	return value, true, nil
}

func (s *CachedTokenStore) DeleteSession(ctx context.Context, sessionID string) error {
	iter := s.rdb.Scan(ctx, 0, "piitok:"+sessionID+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			s.log.Warn(sessionID, "", "Token cache delete failed", map[string]interface{}{"error": err.Error()})
		}
	}
	if err := iter.Err(); err != nil {
		s.log.Warn(sessionID, "", "Token cache scan failed", map[string]interface{}{"error": err.Error()})
	}
	return s.backing.DeleteSession(ctx, sessionID)
}
