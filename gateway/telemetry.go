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
	"time"

	"aegisgate/platform/shared/logger"
)

const (
	telemetryQueueSize      = 256
	telemetryInitialBackoff = 500 * time.Millisecond
	telemetryMaxBackoff     = 10 * time.Second
)

// TelemetryEvent is one usage record written to the telemetry table.
type TelemetryEvent struct {
	SessionID  string
	AgentName  string
	Kind       string
	Name       string
	Status     string
	Reason     string
	DurationMs *float64
	Timestamp  time.Time
}

// TelemetryRecorder persists usage events without ever blocking the call
// path. Events queue on a channel; a single worker writes them in order,
// retrying each with exponential backoff until it lands or the recorder
// shuts down. When the queue is full the event is dropped and counted.
// The queue is in memory only; undelivered events are lost on restart.
type TelemetryRecorder struct {
	db      *sql.DB
	queue   chan TelemetryEvent
	done    chan struct{}
	stopped chan struct{}
	log     *logger.Logger
}

// NewTelemetryRecorder starts the recorder worker. A nil db yields a
// recorder that discards everything, so callers never need a nil check.
func NewTelemetryRecorder(db *sql.DB) (*TelemetryRecorder, error) {
	r := &TelemetryRecorder{
		db:      db,
		queue:   make(chan TelemetryEvent, telemetryQueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		log:     logger.New("telemetry"),
	}
	if db != nil {
		if err := r.ensureSchema(); err != nil {
			return nil, fmt.Errorf("initializing telemetry schema: %w", err)
		}
	}
	go r.run()
	return r, nil
}

func (r *TelemetryRecorder) ensureSchema() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS gateway_telemetry (
			id          BIGSERIAL PRIMARY KEY,
			session_id  TEXT NOT NULL,
			agent_name  TEXT NOT NULL DEFAULT '',
			kind        TEXT NOT NULL,
			name        TEXT NOT NULL,
			status      TEXT NOT NULL,
			reason      TEXT NOT NULL DEFAULT '',
			duration_ms DOUBLE PRECISION,
			recorded_at TIMESTAMPTZ NOT NULL
		)`)
	return err
}

// Record enqueues an event. Never blocks; drops when the queue is full.
func (r *TelemetryRecorder) Record(event TelemetryEvent) {
	if r.db == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case r.queue <- event:
	default:
		telemetryDropped.Inc()
		r.log.Warn(event.SessionID, "", "Telemetry queue full, dropping event", nil)
	}
}

// Stop shuts the worker down after the in-flight event finishes.
func (r *TelemetryRecorder) Stop() {
	close(r.done)
	<-r.stopped
}

func (r *TelemetryRecorder) run() {
	defer close(r.stopped)
	for {
		select {
		case <-r.done:
			return
		case event := <-r.queue:
			r.deliver(event)
		}
	}
}

// deliver writes one event, retrying with doubling backoff until success
// or shutdown.
func (r *TelemetryRecorder) deliver(event TelemetryEvent) {
	backoff := telemetryInitialBackoff
	for {
		err := r.insert(event)
		if err == nil {
			telemetrySent.Inc()
			return
		}
		r.log.Warn(event.SessionID, "", "Telemetry write failed, retrying", map[string]interface{}{
			"error": err.Error(), "backoff_ms": backoff.Milliseconds(),
		})

		select {
		case <-r.done:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > telemetryMaxBackoff {
			backoff = telemetryMaxBackoff
		}
	}
}

func (r *TelemetryRecorder) insert(event TelemetryEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO gateway_telemetry (session_id, agent_name, kind, name, status, reason, duration_ms, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.SessionID, event.AgentName, event.Kind, event.Name,
		event.Status, event.Reason, event.DurationMs, event.Timestamp)
	return err
}
