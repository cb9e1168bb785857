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
	"fmt"
	"net/http"
	"sync"
	"time"

	"aegisgate/platform/shared/logger"
	"aegisgate/platform/shared/types"
)

// subscriberBuffer bounds each SSE subscriber's queue. On overflow the
// oldest frame is dropped rather than applying backpressure to publishers.
const subscriberBuffer = 100

// Broadcaster fans notifications out to connected dashboard clients over
// Server-Sent Events. Publishing is best-effort and never blocks the
// initiating call.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[chan string]struct{}
	startupSent bool
	log         *logger.Logger
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan string]struct{}),
		log:         logger.New("events"),
	}
}

// Subscribe registers a new subscriber and returns its frame channel. The
// first subscriber after boot also receives a server-startup event so the
// dashboard can reset client-side state.
func (b *Broadcaster) Subscribe() chan string {
	ch := make(chan string, subscriberBuffer)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	count := len(b.subscribers)
	sendStartup := !b.startupSent
	b.startupSent = true
	b.mu.Unlock()

	b.log.Debug("", "", "SSE subscriber added", map[string]interface{}{"total": count})

	if sendStartup {
		b.FireAndForget(types.ServerStartupEvent{
			Type:      types.EventTypeServerStartup,
			Message:   "AegisGate gateway has started",
			Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		})
	}
	return ch
}

// Unsubscribe removes a subscriber and drains its queue.
func (b *Broadcaster) Unsubscribe(ch chan string) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	count := len(b.subscribers)
	b.mu.Unlock()

	for {
		select {
		case <-ch:
		default:
			b.log.Debug("", "", "SSE subscriber removed", map[string]interface{}{"total": count})
			return
		}
	}
}

// Publish serializes an event and enqueues it as an SSE data frame on every
// subscriber. Full queues drop their oldest frame.
func (b *Broadcaster) Publish(event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	frame := fmt.Sprintf("data: %s\n\n", data)

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- frame:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- frame:
			default:
			}
		}
	}
	return nil
}

// FireAndForget publishes asynchronously, logging eventual failure. The
// caller never waits on delivery.
func (b *Broadcaster) FireAndForget(event interface{}) {
	go func() {
		if err := b.Publish(event); err != nil {
			b.log.ErrorWithErr("", "", "Event publish failed", err, nil)
		}
	}()
}

// ServeSSE streams frames to one HTTP client with periodic heartbeats.
func (b *Broadcaster) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case frame := <-ch:
			fmt.Fprint(w, frame)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
