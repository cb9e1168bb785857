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

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisgate/platform/shared/logger"
)

func tokenRec(token, value, category string) TokenRecord {
	return TokenRecord{Token: token, Value: value, Categories: []string{category}}
}

// =============================================================================
// Memory store
// =============================================================================

func TestMemoryTokenStore_SessionScoping(t *testing.T) {
	store := NewMemoryTokenStore()
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "s1", tokenRec("tok1", "secret-value", "EMAIL_ADDRESS")))

	value, ok, err := store.Lookup(ctx, "s1", "tok1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "secret-value", value)

	// Same token, different session: miss.
	_, ok, err = store.Lookup(ctx, "s2", "tok1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryTokenStore_DeleteSession(t *testing.T) {
	store := NewMemoryTokenStore()
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "s1", tokenRec("tok1", "v", "TEST")))
	require.NoError(t, store.DeleteSession(ctx, "s1"))

	_, ok, err := store.Lookup(ctx, "s1", "tok1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// =============================================================================
// Postgres store
// =============================================================================

func newMockedTokenStore(t *testing.T) (*PostgresTokenStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS pii_tokens").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_pii_tokens_session").WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewPostgresTokenStore(db, logger.New("test"))
	require.NoError(t, err)
	return store, mock
}

func TestPostgresTokenStore_Store(t *testing.T) {
	store, mock := newMockedTokenStore(t)

	mock.ExpectExec("INSERT INTO pii_tokens").
		WithArgs("s1", "tok1", "value", "US_SSN,PHONE_NUMBER", "tool", "fs/read_file").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Store(context.Background(), "s1", TokenRecord{
		Token:      "tok1",
		Value:      "value",
		Categories: []string{"US_SSN", "PHONE_NUMBER"},
		SourceKind: "tool",
		SourceName: "fs/read_file",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTokenStore_LookupRefreshesLastUsed(t *testing.T) {
	store, mock := newMockedTokenStore(t)

	mock.ExpectQuery("UPDATE pii_tokens SET last_used_at").
		WithArgs("s1", "tok1").
		WillReturnRows(sqlmock.NewRows([]string{"value_plaintext"}).AddRow("secret"))

	value, ok, err := store.Lookup(context.Background(), "s1", "tok1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "secret", value)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTokenStore_LookupMiss(t *testing.T) {
	store, mock := newMockedTokenStore(t)

	mock.ExpectQuery("UPDATE pii_tokens SET last_used_at").
		WithArgs("s1", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"value_plaintext"}))

	_, ok, err := store.Lookup(context.Background(), "s1", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresTokenStore_DeleteSession(t *testing.T) {
	store, mock := newMockedTokenStore(t)

	mock.ExpectExec("DELETE FROM pii_tokens WHERE session_id").
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, store.DeleteSession(context.Background(), "s1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// =============================================================================
// Redis cache
// =============================================================================

func newCachedStore(t *testing.T) (*CachedTokenStore, *MemoryTokenStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	backing := NewMemoryTokenStore()
	return NewCachedTokenStore(backing, rdb, 10*time.Minute, logger.New("test")), backing, mr
}

func TestCachedTokenStore_WriteThrough(t *testing.T) {
	cached, backing, mr := newCachedStore(t)
	ctx := context.Background()

	require.NoError(t, cached.Store(ctx, "s1", tokenRec("tok1", "value", "TEST")))

	// Both the backing store and the cache hold the mapping.
	value, ok, err := backing.Lookup(ctx, "s1", "tok1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "value", value)

	got, err := mr.Get("piitok:s1:tok1")
	require.NoError(t, err)
	assert.Equal(t, "value", got)
}

func TestCachedTokenStore_CacheMissFallsBackAndBackfills(t *testing.T) {
	cached, backing, mr := newCachedStore(t)
	ctx := context.Background()

	// Seed the backing store only.
	require.NoError(t, backing.Store(ctx, "s1", tokenRec("tok1", "value", "TEST")))

	value, ok, err := cached.Lookup(ctx, "s1", "tok1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "value", value)

	// Backfilled into the cache.
	got, err := mr.Get("piitok:s1:tok1")
	require.NoError(t, err)
	assert.Equal(t, "value", got)
}

func TestCachedTokenStore_RedisDownDegradesToBacking(t *testing.T) {
	cached, backing, mr := newCachedStore(t)
	ctx := context.Background()

	require.NoError(t, backing.Store(ctx, "s1", tokenRec("tok1", "value", "TEST")))
	mr.Close()

	value, ok, err := cached.Lookup(ctx, "s1", "tok1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "value", value)
}

func TestCachedTokenStore_DeleteSessionClearsCache(t *testing.T) {
	cached, _, mr := newCachedStore(t)
	ctx := context.Background()

	require.NoError(t, cached.Store(ctx, "s1", tokenRec("tok1", "v1", "TEST")))
	require.NoError(t, cached.Store(ctx, "s1", tokenRec("tok2", "v2", "TEST")))
	require.NoError(t, cached.Store(ctx, "s2", tokenRec("tok3", "v3", "TEST")))

	require.NoError(t, cached.DeleteSession(ctx, "s1"))

	assert.False(t, mr.Exists("piitok:s1:tok1"))
	assert.False(t, mr.Exists("piitok:s1:tok2"))
	assert.True(t, mr.Exists("piitok:s2:tok3"))

	_, ok, err := cached.Lookup(ctx, "s1", "tok1")
	require.NoError(t, err)
	assert.False(t, ok)
}
