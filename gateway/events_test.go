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
	"encoding/json"
	"strings"
	"testing"
	"time"

	"aegisgate/platform/shared/types"
)

func receiveFrame(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case frame := <-ch:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return ""
	}
}

func TestBroadcaster_PublishReachesAllSubscribers(t *testing.T) {
	b := NewBroadcaster()
	a := b.Subscribe()
	receiveFrame(t, a) // drain the startup event
	c := b.Subscribe()

	if err := b.Publish(types.PreBlockEvent{Type: types.EventTypePreBlock, Name: "web/post"}); err != nil {
		t.Fatal(err)
	}

	for _, ch := range []chan string{a, c} {
		frame := receiveFrame(t, ch)
		if !strings.HasPrefix(frame, "data: ") || !strings.HasSuffix(frame, "\n\n") {
			t.Errorf("malformed SSE frame: %q", frame)
		}
		var event types.PreBlockEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(frame, "data: "))), &event); err != nil {
			t.Fatalf("frame payload is not JSON: %v", err)
		}
		if event.Name != "web/post" {
			t.Errorf("event name = %q", event.Name)
		}
	}
}

func TestBroadcaster_FirstSubscriberGetsStartupEvent(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()

	frame := receiveFrame(t, ch)
	if !strings.Contains(frame, types.EventTypeServerStartup) {
		t.Errorf("expected startup event, got %q", frame)
	}

	// Second subscriber does not get it again.
	ch2 := b.Subscribe()
	b.Publish(types.DecisionPendingEvent{Type: types.EventTypeDecisionPending})
	frame = receiveFrame(t, ch2)
	if strings.Contains(frame, types.EventTypeServerStartup) {
		t.Error("startup event must only be sent once")
	}
}

func TestBroadcaster_FullQueueDropsOldest(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	receiveFrame(t, ch) // startup

	for i := 0; i < subscriberBuffer+10; i++ {
		if err := b.Publish(types.PreBlockEvent{Type: types.EventTypePreBlock, SessionID: "s", Name: "n"}); err != nil {
			t.Fatal(err)
		}
	}

	// The queue holds at most subscriberBuffer frames and publishing
	// never blocked.
	if got := len(ch); got > subscriberBuffer {
		t.Errorf("queue length %d exceeds cap %d", got, subscriberBuffer)
	}
}

func TestBroadcaster_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	receiveFrame(t, ch)
	b.Unsubscribe(ch)

	if err := b.Publish(types.PreBlockEvent{Type: types.EventTypePreBlock}); err != nil {
		t.Fatal(err)
	}
	if len(ch) != 0 {
		t.Error("unsubscribed channel still received a frame")
	}
}

func TestBroadcaster_PublishWithoutSubscribers(t *testing.T) {
	b := NewBroadcaster()
	if err := b.Publish(types.PreBlockEvent{Type: types.EventTypePreBlock}); err != nil {
		t.Errorf("publish with no subscribers should succeed: %v", err)
	}
}
