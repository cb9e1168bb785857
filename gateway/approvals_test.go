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

	"aegisgate/platform/shared/types"
)

func TestApprovalBroker_DecisionBeforeWait(t *testing.T) {
	broker := NewApprovalBroker()
	broker.Approve("s1", types.KindTool, "web/post")

	approved, err := broker.Wait(context.Background(), "s1", types.KindTool, "web/post", time.Second)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !approved {
		t.Error("expected pre-recorded approval to be consumed")
	}
}

func TestApprovalBroker_DecisionDuringWait(t *testing.T) {
	broker := NewApprovalBroker()

	done := make(chan struct{})
	var approved bool
	var err error
	go func() {
		approved, err = broker.Wait(context.Background(), "s1", types.KindTool, "web/post", 5*time.Second)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	broker.Deny("s1", types.KindTool, "web/post")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after decision")
	}
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if approved {
		t.Error("expected denial")
	}
}

func TestApprovalBroker_Timeout(t *testing.T) {
	broker := NewApprovalBroker()

	start := time.Now()
	approved, err := broker.Wait(context.Background(), "s1", types.KindTool, "web/post", 150*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if approved {
		t.Error("timeout must resolve to denial")
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("Wait returned after %v, before the timeout", elapsed)
	}
	if broker.PendingCount() != 0 {
		t.Error("timed-out wait must clear its own entry")
	}
}

func TestApprovalBroker_ContextCancellation(t *testing.T) {
	broker := NewApprovalBroker()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	var err error
	go func() {
		_, err = broker.Wait(ctx, "s1", types.KindTool, "web/post", time.Minute)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after cancellation")
	}
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestApprovalBroker_DecisionsAreKeyed(t *testing.T) {
	broker := NewApprovalBroker()
	broker.Approve("s1", types.KindTool, "web/post")

	// Same name, different session: the decision must not leak.
	approved, err := broker.Wait(context.Background(), "s2", types.KindTool, "web/post", 150*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if approved {
		t.Error("approval for s1 must not apply to s2")
	}

	// Same session, different kind.
	approved, err = broker.Wait(context.Background(), "s1", types.KindResource, "web/post", 150*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if approved {
		t.Error("tool approval must not apply to a resource")
	}
}

func TestApprovalBroker_StaleDecisionDoesNotLeakToLaterWait(t *testing.T) {
	broker := NewApprovalBroker()

	// First wait times out; an approval lands afterwards for nobody.
	if approved, _ := broker.Wait(context.Background(), "s1", types.KindTool, "web/post", 100*time.Millisecond); approved {
		t.Fatal("first wait should time out denied")
	}
	broker.Approve("s1", types.KindTool, "web/post")

	// The second wait legitimately consumes that decision: it arrived
	// after the first wait gave up, so it belongs to whoever asks next.
	approved, err := broker.Wait(context.Background(), "s1", types.KindTool, "web/post", 150*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !approved {
		t.Error("expected the post-timeout approval to be consumed by the next wait")
	}

	// And it is consumed exactly once.
	if approved, _ := broker.Wait(context.Background(), "s1", types.KindTool, "web/post", 100*time.Millisecond); approved {
		t.Error("decision must be consumed by the first waiter only")
	}
}

func TestApprovalBroker_DecideIsIdempotent(t *testing.T) {
	broker := NewApprovalBroker()
	broker.Approve("s1", types.KindTool, "web/post")
	broker.Approve("s1", types.KindTool, "web/post")
	broker.Deny("s1", types.KindTool, "web/post")

	// First decision wins.
	approved, err := broker.Wait(context.Background(), "s1", types.KindTool, "web/post", time.Second)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !approved {
		t.Error("first recorded decision (approve) must win")
	}
}

func TestApprovalBroker_PendingCount(t *testing.T) {
	broker := NewApprovalBroker()
	if broker.PendingCount() != 0 {
		t.Fatal("fresh broker should have no pending entries")
	}

	done := make(chan struct{})
	go func() {
		_, _ = broker.Wait(context.Background(), "s1", types.KindTool, "web/post", time.Second)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if broker.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1", broker.PendingCount())
	}

	broker.Approve("s1", types.KindTool, "web/post")
	<-done
	if broker.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after decision, want 0", broker.PendingCount())
	}
}
