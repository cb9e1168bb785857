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
	"sync"
	"time"

	"aegisgate/platform/shared/logger"
	"aegisgate/platform/shared/types"
)

// DefaultApprovalTimeout bounds how long a blocked call waits for a manual
// decision before failing with ErrPermissionDenied.
const DefaultApprovalTimeout = 30 * time.Second

// approvalTick is the polling interval while waiting for a decision. The
// wake channel short-circuits it when decider and waiter share a process;
// the tick covers decisions written by another process against the same
// broker state in tests and future store-backed brokers.
const approvalTick = 100 * time.Millisecond

type decisionKey struct {
	sessionID string
	kind      types.Kind
	name      string
}

type decisionEntry struct {
	decided  bool
	approved bool
	wake     chan struct{}
}

// ApprovalBroker is the cross-context rendezvous between a blocked call
// waiting for review and the operator's approve/deny action. Decisions are
// one-shot: the first waiter to observe a decision consumes it, so a later
// wait on the identical key starts clean.
type ApprovalBroker struct {
	mu      sync.Mutex
	entries map[decisionKey]*decisionEntry
	tick    time.Duration
	log     *logger.Logger
}

// NewApprovalBroker creates an empty broker.
func NewApprovalBroker() *ApprovalBroker {
	return &ApprovalBroker{
		entries: make(map[decisionKey]*decisionEntry),
		tick:    approvalTick,
		log:     logger.New("approvals"),
	}
}

func (b *ApprovalBroker) ensureEntry(key decisionKey) *decisionEntry {
	entry, ok := b.entries[key]
	if !ok {
		entry = &decisionEntry{wake: make(chan struct{})}
		b.entries[key] = entry
	}
	return entry
}

// Approve records an approval for (sessionID, kind, name) and wakes a
// pending waiter if present. Idempotent: repeating a decision is a no-op.
func (b *ApprovalBroker) Approve(sessionID string, kind types.Kind, name string) {
	b.decide(sessionID, kind, name, true)
}

// Deny records a denial for (sessionID, kind, name) and wakes a pending
// waiter if present. Idempotent.
func (b *ApprovalBroker) Deny(sessionID string, kind types.Kind, name string) {
	b.decide(sessionID, kind, name, false)
}

func (b *ApprovalBroker) decide(sessionID string, kind types.Kind, name string, approved bool) {
	key := decisionKey{sessionID: sessionID, kind: kind, name: name}

	b.mu.Lock()
	defer b.mu.Unlock()

	entry := b.ensureEntry(key)
	if entry.decided {
		return
	}
	entry.decided = true
	entry.approved = approved
	close(entry.wake)

	b.log.Info(sessionID, "", "Decision recorded", map[string]interface{}{
		"kind": string(kind), "name": name, "approved": approved,
	})
}

// Wait blocks until a decision is recorded for (sessionID, kind, name) or
// the timeout elapses. Returns the decision (true=approved). On timeout or
// context cancellation it removes its own pending entry before returning,
// so it cannot absorb a decision meant for a later identically-keyed wait.
func (b *ApprovalBroker) Wait(ctx context.Context, sessionID string, kind types.Kind, name string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	key := decisionKey{sessionID: sessionID, kind: kind, name: name}

	b.mu.Lock()
	b.ensureEntry(key)
	b.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()

	for {
		b.mu.Lock()
		// Re-read under the lock: the entry may have been replaced by an
		// interleaved decide after a previous waiter consumed it.
		current, ok := b.entries[key]
		if ok && current.decided {
			approved := current.approved
			delete(b.entries, key)
			b.mu.Unlock()
			return approved, nil
		}
		if !ok {
			// Someone else consumed our entry; start a fresh one so the
			// wake channel below is valid.
			current = b.ensureEntry(key)
		}
		wake := current.wake
		b.mu.Unlock()

		select {
		case <-wake:
			// Loop to consume the decision under the lock.
		case <-ticker.C:
		case <-deadline.C:
			return b.finalize(key)
		case <-ctx.Done():
			approved, _ := b.finalize(key)
			return approved, ctx.Err()
		}
	}
}

// finalize is the expiry path: consume a decision that raced the deadline,
// otherwise remove the pending entry so a later identically-keyed wait
// starts clean.
func (b *ApprovalBroker) finalize(key decisionKey) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.entries[key]; ok {
		delete(b.entries, key)
		if entry.decided {
			return entry.approved, nil
		}
	}
	return false, nil
}

// PendingCount reports undecided waits, for the health endpoint.
func (b *ApprovalBroker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, entry := range b.entries {
		if !entry.decided {
			n++
		}
	}
	return n
}
