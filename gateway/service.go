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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"aegisgate/platform/shared/logger"
	"aegisgate/platform/shared/types"
)

// Gateway composes the security subsystems: permission classification,
// per-session data-access tracking, the approval broker, the tokenization
// pipeline, and persistence.
type Gateway struct {
	cfg        *Config
	engine     *PermissionsEngine
	registry   *SessionRegistry
	broker     *ApprovalBroker
	events     *Broadcaster
	obfuscator *Obfuscator
	telemetry  *TelemetryRecorder
	log        *logger.Logger
}

func NewGateway(cfg *Config, engine *PermissionsEngine, registry *SessionRegistry, broker *ApprovalBroker, events *Broadcaster, obfuscator *Obfuscator, telemetry *TelemetryRecorder) *Gateway {
	return &Gateway{
		cfg:        cfg,
		engine:     engine,
		registry:   registry,
		broker:     broker,
		events:     events,
		obfuscator: obfuscator,
		telemetry:  telemetry,
		log:        logger.New("gateway"),
	}
}

// normalizeToolName qualifies bare tool names under the agent's own
// namespace so every tool resolves as "server/tool".
func normalizeToolName(name string, kind types.Kind) string {
	if kind == types.KindTool && !strings.Contains(name, "/") {
		return "agent/" + name
	}
	return name
}

// BeginCall evaluates one call against the session's security state. The
// session lock is held for the classify-and-mutate step and released while
// waiting on an operator decision, so approve/deny requests for the same
// session can land.
func (g *Gateway) BeginCall(ctx context.Context, req *BeginCallRequest) *BeginCallResponse {
	kind := types.Kind(req.Kind)
	if req.Kind == "" {
		kind = types.KindTool
	}
	if !kind.Valid() {
		return &BeginCallResponse{OK: false, SessionID: req.SessionID, Error: fmt.Sprintf("unknown kind %q", req.Kind)}
	}
	if req.Name == "" {
		return &BeginCallResponse{OK: false, SessionID: req.SessionID, Error: "name is required"}
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	agentName := g.registry.StickyAgent(req.AgentName)
	name := normalizeToolName(req.Name, kind)

	session, err := g.registry.GetOrCreate(ctx, sessionID, agentName)
	if err != nil {
		g.log.ErrorWithErr(sessionID, "", "Session lookup failed", err, nil)
		return &BeginCallResponse{OK: false, SessionID: sessionID, Error: err.Error()}
	}

	callID := uuid.NewString()
	start := time.Now()

	session.Lock()
	// The pending record goes in before gating so the dashboard shows
	// blocked calls too.
	session.Record.ToolCalls = append(session.Record.ToolCalls, types.ToolCallRecord{
		ID:        callID,
		Name:      name,
		Kind:      kind,
		Timestamp: start.UTC(),
		Status:    types.CallStatusPending,
	})
	if len(req.Overrides) > 0 {
		if session.Tracker.Overrides == nil {
			session.Tracker.Overrides = make(map[string]PermissionRecord, len(req.Overrides))
		}
		for toolName, rec := range req.Overrides {
			session.Tracker.Overrides[normalizeToolName(toolName, types.KindTool)] = rec
		}
	}

	accessErr := session.Tracker.RecordAccess(sessionID, g.engine, name, kind)
	session.Unlock()

	if accessErr == nil {
		return g.finishBegin(ctx, session, callID, name, kind, req.ArgsSummary, true, "")
	}

	var violation *SecurityViolationError
	if !errors.As(accessErr, &violation) {
		// Classification failures (missing configuration, bad agent
		// identity) are hard errors, never a silent allow.
		g.log.ErrorWithErr(sessionID, callID, "Classification failed", accessErr, map[string]interface{}{
			"kind": string(kind), "name": name,
		})
		g.markCall(ctx, session, callID, types.CallStatusBlocked, nil, "")
		g.record(session, kind, name, types.CallStatusBlocked, "classification_error", nil)
		return &BeginCallResponse{OK: false, SessionID: sessionID, CallID: callID, Error: accessErr.Error()}
	}

	callsBlocked.WithLabelValues(violation.Reason).Inc()

	// Surface the block and wait for the operator. Lock released: the
	// approve handler needs nothing from the session, and other calls in
	// this session may proceed independently.
	g.events.FireAndForget(types.DecisionPendingEvent{
		Type:      types.EventTypeDecisionPending,
		Kind:      kind,
		Name:      name,
		SessionID: sessionID,
	})

	timeout := g.cfg.ApprovalTimeout
	if req.TimeoutS > 0 {
		timeout = time.Duration(req.TimeoutS * float64(time.Second))
	}
	approvalsPending.Inc()
	approved, waitErr := g.broker.Wait(ctx, sessionID, kind, name, timeout)
	approvalsPending.Dec()

	if waitErr != nil || !approved {
		outcome := "denied"
		if waitErr != nil {
			outcome = "cancelled"
		}
		approvalsTotal.WithLabelValues(outcome).Inc()
		g.markCall(ctx, session, callID, types.CallStatusBlocked, nil, "")
		g.record(session, kind, name, types.CallStatusBlocked, violation.Reason, nil)
		// Terminal denial, distinct from the recoverable violation that
		// started the wait: retrying without an approval cannot succeed.
		deniedErr := fmt.Errorf("%w: %s", ErrPermissionDenied, violation.Error())
		return &BeginCallResponse{
			OK:        false,
			SessionID: sessionID,
			CallID:    callID,
			Approved:  false,
			Reason:    violation.Reason,
			Error:     deniedErr.Error(),
		}
	}

	approvalsTotal.WithLabelValues("approved").Inc()
	session.Lock()
	if err := session.Tracker.ApplyEffectsAfterApproval(sessionID, g.engine, name, kind); err != nil {
		session.Unlock()
		g.log.ErrorWithErr(sessionID, callID, "Applying approved call effects failed", err, nil)
		g.markCall(ctx, session, callID, types.CallStatusBlocked, nil, "")
		return &BeginCallResponse{OK: false, SessionID: sessionID, CallID: callID, Error: err.Error()}
	}
	session.Unlock()

	return g.finishBegin(ctx, session, callID, name, kind, req.ArgsSummary, true, violation.Reason)
}

// finishBegin completes the allowed path: detokenize arguments, persist,
// and build the response.
func (g *Gateway) finishBegin(ctx context.Context, session *Session, callID, name string, kind types.Kind, argsSummary string, approved bool, reason string) *BeginCallResponse {
	args := argsSummary
	if args != "" {
		args = g.obfuscator.DetokenizeText(ctx, session.ID, args)
	}

	session.Lock()
	if err := g.registry.Persist(ctx, session); err != nil {
		g.log.ErrorWithErr(session.ID, callID, "Persisting session failed", err, nil)
	}
	session.Unlock()

	callsTotal.WithLabelValues(string(kind), "allowed").Inc()
	g.record(session, kind, name, "allowed", reason, nil)

	return &BeginCallResponse{
		OK:          true,
		SessionID:   session.ID,
		CallID:      callID,
		Approved:    approved,
		ArgsSummary: args,
	}
}

// markCall updates a call record's status in place and persists the
// session.
func (g *Gateway) markCall(ctx context.Context, session *Session, callID, status string, durationMs *float64, resultSummary string) {
	session.Lock()
	defer session.Unlock()
	for i := range session.Record.ToolCalls {
		if session.Record.ToolCalls[i].ID != callID {
			continue
		}
		session.Record.ToolCalls[i].Status = status
		if durationMs != nil {
			session.Record.ToolCalls[i].DurationMs = durationMs
		}
		if resultSummary != "" {
			session.Record.ToolCalls[i].ResultSummary = resultSummary
		}
		break
	}
	if err := g.registry.Persist(ctx, session); err != nil {
		g.log.ErrorWithErr(session.ID, callID, "Persisting session failed", err, nil)
	}
}

// record ships one telemetry event.
func (g *Gateway) record(session *Session, kind types.Kind, name, status, reason string, durationMs *float64) {
	g.telemetry.Record(TelemetryEvent{
		SessionID:  session.ID,
		AgentName:  session.Record.AgentName,
		Kind:       string(kind),
		Name:       name,
		Status:     status,
		Reason:     reason,
		DurationMs: durationMs,
	})
}

// EndCall completes a call: the result summary is obfuscated before it is
// recorded or returned, so raw sensitive values never reach the model.
func (g *Gateway) EndCall(ctx context.Context, req *EndCallRequest) (*EndCallResponse, error) {
	if req.SessionID == "" || req.CallID == "" {
		return nil, fmt.Errorf("session_id and call_id are required")
	}
	session, err := g.registry.Find(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	status := req.Status
	switch status {
	case types.CallStatusOK, types.CallStatusError, types.CallStatusBlocked:
	case "":
		status = types.CallStatusOK
	default:
		return nil, fmt.Errorf("unknown status %q", req.Status)
	}

	// Locate the call first: its kind and name label the minted tokens,
	// the metrics, and the telemetry event.
	session.Lock()
	found := false
	var callKind types.Kind
	var callName string
	var callStart time.Time
	for i := range session.Record.ToolCalls {
		if session.Record.ToolCalls[i].ID != req.CallID {
			continue
		}
		found = true
		callKind = session.Record.ToolCalls[i].Kind
		callName = session.Record.ToolCalls[i].Name
		callStart = session.Record.ToolCalls[i].Timestamp
		break
	}
	session.Unlock()
	if !found {
		return nil, ErrCallNotFound
	}
	if callKind == "" {
		callKind = types.KindTool
	}

	summary := req.ResultSummary
	if summary != "" {
		source := TokenSource{Kind: string(callKind), Name: callName}
		obfuscated, err := g.obfuscator.ObfuscateText(ctx, req.SessionID, source, summary)
		if err != nil {
			return nil, fmt.Errorf("obfuscating result: %w", err)
		}
		summary = obfuscated
	}

	session.Lock()
	for i := range session.Record.ToolCalls {
		if session.Record.ToolCalls[i].ID != req.CallID {
			continue
		}
		session.Record.ToolCalls[i].Status = status
		if req.DurationMs > 0 {
			d := req.DurationMs
			session.Record.ToolCalls[i].DurationMs = &d
		}
		if summary != "" {
			session.Record.ToolCalls[i].ResultSummary = summary
		}
		break
	}
	if err := g.registry.Persist(ctx, session); err != nil {
		g.log.ErrorWithErr(req.SessionID, req.CallID, "Persisting session failed", err, nil)
	}
	session.Unlock()

	kindLabel := string(callKind)
	callsTotal.WithLabelValues(kindLabel, status).Inc()
	if !callStart.IsZero() {
		callDuration.WithLabelValues(kindLabel).Observe(time.Since(callStart).Seconds())
	}
	var durationMs *float64
	if req.DurationMs > 0 {
		d := req.DurationMs
		durationMs = &d
	}
	g.telemetry.Record(TelemetryEvent{
		SessionID:  req.SessionID,
		AgentName:  session.Record.AgentName,
		Kind:       kindLabel,
		Name:       callName,
		Status:     status,
		DurationMs: durationMs,
	})

	return &EndCallResponse{OK: true, ResultSummary: summary}, nil
}

// Approve records an operator approval for a blocked call. The session is
// created if unknown so a decision can precede the first blocked wait.
func (g *Gateway) Approve(ctx context.Context, sessionID string, req *DecisionRequest) error {
	return g.decide(ctx, sessionID, req, true)
}

// Deny records an operator denial for a blocked call.
func (g *Gateway) Deny(ctx context.Context, sessionID string, req *DecisionRequest) error {
	return g.decide(ctx, sessionID, req, false)
}

func (g *Gateway) decide(ctx context.Context, sessionID string, req *DecisionRequest, approved bool) error {
	kind := types.Kind(req.Kind)
	if req.Kind == "" {
		kind = types.KindTool
	}
	if !kind.Valid() {
		return fmt.Errorf("unknown kind %q", req.Kind)
	}
	if req.Name == "" {
		return fmt.Errorf("name is required")
	}
	if _, err := g.registry.GetOrCreate(ctx, sessionID, g.registry.AgentName()); err != nil {
		return err
	}

	name := normalizeToolName(req.Name, kind)
	if approved {
		g.broker.Approve(sessionID, kind, name)
	} else {
		g.broker.Deny(sessionID, kind, name)
	}
	return nil
}

// EnsureSession creates a session if it does not already exist and
// returns its ID.
func (g *Gateway) EnsureSession(ctx context.Context, req *SessionRequest) (string, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	agentName := g.registry.StickyAgent(req.AgentName)
	session, err := g.registry.GetOrCreate(ctx, sessionID, agentName)
	if err != nil {
		return "", err
	}
	session.Lock()
	defer session.Unlock()
	if err := g.registry.Persist(ctx, session); err != nil {
		return "", err
	}
	sessionsActive.Set(float64(g.registry.Count()))
	return sessionID, nil
}

// GetSession returns the dashboard view of one session.
func (g *Gateway) GetSession(ctx context.Context, sessionID string) (*SessionResponse, error) {
	if session := g.registry.Get(sessionID); session != nil {
		session.Lock()
		defer session.Unlock()
		session.Record.DataAccessSummary = session.Tracker.Snapshot()
		return sessionResponse(session.Record), nil
	}
	record, ok, err := g.registry.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sessionResponse(record), nil
}

// ListSessions returns all known sessions, live state preferred over the
// persisted record.
func (g *Gateway) ListSessions(ctx context.Context) ([]*SessionResponse, error) {
	records, err := g.registry.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*SessionResponse, 0, len(records))
	for _, record := range records {
		if session := g.registry.Get(record.SessionID); session != nil {
			session.Lock()
			session.Record.DataAccessSummary = session.Tracker.Snapshot()
			out = append(out, sessionResponse(session.Record))
			session.Unlock()
			continue
		}
		out = append(out, sessionResponse(record))
	}
	return out, nil
}

func sessionResponse(record *types.SessionRecord) *SessionResponse {
	calls := record.ToolCalls
	if calls == nil {
		calls = []types.ToolCallRecord{}
	}
	return &SessionResponse{
		SessionID:         record.SessionID,
		AgentName:         record.AgentName,
		ToolCalls:         calls,
		DataAccessSummary: record.DataAccessSummary,
		CreatedAt:         record.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         record.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// Agents lists the configured agent identities.
func (g *Gateway) Agents() []AgentInfo {
	return g.engine.Agents()
}

// ReloadPermissions re-reads the permission documents and drops the
// classification cache.
func (g *Gateway) ReloadPermissions() error {
	return g.engine.Invalidate()
}

// TokenizePayload obfuscates a payload for the transport collaborator.
func (g *Gateway) TokenizePayload(ctx context.Context, sessionID string, payload json.RawMessage) (json.RawMessage, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	return g.obfuscator.ObfuscatePayload(ctx, sessionID, TokenSource{}, payload)
}

// DetokenizePayload restores original values in a payload.
func (g *Gateway) DetokenizePayload(ctx context.Context, sessionID string, payload json.RawMessage) (json.RawMessage, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	return g.obfuscator.DetokenizePayload(ctx, sessionID, payload), nil
}

// PendingApprovals reports the number of calls waiting on a decision.
func (g *Gateway) PendingApprovals() int {
	return g.broker.PendingCount()
}
