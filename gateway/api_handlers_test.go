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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"aegisgate/platform/shared/logger"
	"aegisgate/platform/shared/types"
)

func newTestGateway(t *testing.T) (*Gateway, *ApprovalBroker) {
	t.Helper()
	engine := newTestEngine(t)
	events := NewBroadcaster()
	registry := NewSessionRegistry(NewMemorySessionStore(), events.FireAndForget, logger.New("test"))
	broker := NewApprovalBroker()

	detector, err := NewSecretDetector(DefaultSecretPatterns())
	if err != nil {
		t.Fatal(err)
	}
	obfuscator := NewObfuscator(detector, NewEntityRecognizer(DefaultRecognizerConfig()), NewMemoryTokenStore(), 32, logger.New("test"))

	telemetry, err := NewTelemetryRecorder(nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(telemetry.Stop)

	cfg := &Config{Port: 8082, ApprovalTimeout: 300 * time.Millisecond}
	return NewGateway(cfg, engine, registry, broker, events, obfuscator, telemetry), broker
}

func newTestServer(t *testing.T) (*httptest.Server, *Gateway, *ApprovalBroker) {
	t.Helper()
	gw, broker := newTestGateway(t)
	r := mux.NewRouter()
	NewAPIHandler(gw, gw.events).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, gw, broker
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatal(err)
	}
}

// =============================================================================
// /agent/begin
// =============================================================================

func TestHandleBegin_AllowedCall(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/agent/begin", BeginCallRequest{Name: "web/fetch"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body BeginCallResponse
	decodeBody(t, resp, &body)

	if !body.OK || !body.Approved {
		t.Errorf("unexpected response: %+v", body)
	}
	if body.SessionID == "" || body.CallID == "" {
		t.Error("expected minted session and call ids")
	}
}

func TestHandleBegin_UnqualifiedToolGetsAgentNamespace(t *testing.T) {
	srv, gw, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/agent/begin", BeginCallRequest{
		Name:      "custom_tool",
		Overrides: map[string]PermissionRecord{"custom_tool": {Enabled: true}},
	})
	var body BeginCallResponse
	decodeBody(t, resp, &body)
	if !body.OK {
		t.Fatalf("call rejected: %+v", body)
	}

	session, err := gw.GetSession(context.Background(), body.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if session.ToolCalls[0].Name != "agent/custom_tool" {
		t.Errorf("tool name = %q, want agent/custom_tool", session.ToolCalls[0].Name)
	}
}

func TestHandleBegin_UnknownToolIsError(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/agent/begin", BeginCallRequest{Name: "nonexistent/tool"})
	var body BeginCallResponse
	decodeBody(t, resp, &body)

	if body.OK {
		t.Error("unconfigured tool must not be allowed")
	}
	if !strings.Contains(body.Error, "no security configuration") {
		t.Errorf("expected configuration error, got %q", body.Error)
	}
}

func TestHandleBegin_BlockedThenApproved(t *testing.T) {
	srv, _, broker := newTestServer(t)

	// Build up two trifecta legs. The PUBLIC-classified private read keeps
	// the watermark level so the write blocks on trifecta prevention.
	var first BeginCallResponse
	decodeBody(t, postJSON(t, srv.URL+"/agent/begin", BeginCallRequest{Name: "mail/read_inbox"}), &first)
	if !first.OK {
		t.Fatalf("setup call rejected: %+v", first)
	}
	sessionID := first.SessionID

	var second BeginCallResponse
	decodeBody(t, postJSON(t, srv.URL+"/agent/begin", BeginCallRequest{SessionID: sessionID, Name: "web/fetch"}), &second)
	if !second.OK {
		t.Fatalf("setup call rejected: %+v", second)
	}

	// The write would complete the trifecta: it blocks, waiting for the
	// operator. Approve concurrently.
	go func() {
		time.Sleep(50 * time.Millisecond)
		broker.Approve(sessionID, types.KindTool, "web/post")
	}()

	var third BeginCallResponse
	decodeBody(t, postJSON(t, srv.URL+"/agent/begin", BeginCallRequest{SessionID: sessionID, Name: "web/post"}), &third)
	if !third.OK || !third.Approved {
		t.Errorf("approved call should proceed: %+v", third)
	}
}

func TestHandleBegin_BlockedTimesOutDenied(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var first BeginCallResponse
	decodeBody(t, postJSON(t, srv.URL+"/agent/begin", BeginCallRequest{Name: "mail/read_inbox"}), &first)
	sessionID := first.SessionID
	var second BeginCallResponse
	decodeBody(t, postJSON(t, srv.URL+"/agent/begin", BeginCallRequest{SessionID: sessionID, Name: "web/fetch"}), &second)

	var third BeginCallResponse
	decodeBody(t, postJSON(t, srv.URL+"/agent/begin", BeginCallRequest{SessionID: sessionID, Name: "web/post"}), &third)
	if third.OK || third.Approved {
		t.Errorf("unapproved trifecta write must be denied: %+v", third)
	}
	if third.Reason != types.ReasonTrifectaPrevent {
		t.Errorf("reason = %q, want %q", third.Reason, types.ReasonTrifectaPrevent)
	}
	// The terminal denial is marked as such, distinct from the violation
	// text a retryable block carries.
	if !strings.Contains(third.Error, ErrPermissionDenied.Error()) {
		t.Errorf("denied call error %q does not mark permission denied", third.Error)
	}
}

// =============================================================================
// /agent/end
// =============================================================================

func TestHandleEnd_ObfuscatesResultSummary(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var begin BeginCallResponse
	decodeBody(t, postJSON(t, srv.URL+"/agent/begin", BeginCallRequest{Name: "web/fetch"}), &begin)

	resp := postJSON(t, srv.URL+"/agent/end", EndCallRequest{
		SessionID:     begin.SessionID,
		CallID:        begin.CallID,
		Status:        types.CallStatusOK,
		DurationMs:    12.5,
		ResultSummary: "page owner is admin@example.com",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body EndCallResponse
	decodeBody(t, resp, &body)

	if strings.Contains(body.ResultSummary, "admin@example.com") {
		t.Error("result summary must be obfuscated")
	}
	if !strings.Contains(body.ResultSummary, TokenPrefix) {
		t.Errorf("expected token in result summary: %s", body.ResultSummary)
	}
}

func TestHandleEnd_RehydratesPersistedSession(t *testing.T) {
	srv, gw, _ := newTestServer(t)

	var begin BeginCallResponse
	decodeBody(t, postJSON(t, srv.URL+"/agent/begin", BeginCallRequest{Name: "web/fetch"}), &begin)

	// Drop the live session; the persisted record remains, as after a
	// process restart between call-begin and call-end.
	gw.registry.Remove(begin.SessionID)

	resp := postJSON(t, srv.URL+"/agent/end", EndCallRequest{
		SessionID: begin.SessionID,
		CallID:    begin.CallID,
		Status:    types.CallStatusOK,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body EndCallResponse
	decodeBody(t, resp, &body)
	if !body.OK {
		t.Errorf("unexpected response: %+v", body)
	}

	session, err := gw.GetSession(context.Background(), begin.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if session.ToolCalls[0].Status != types.CallStatusOK {
		t.Errorf("call status = %q after rehydrated end", session.ToolCalls[0].Status)
	}
}

func TestHandleEnd_RecordsCallKind(t *testing.T) {
	srv, gw, _ := newTestServer(t)

	var begin BeginCallResponse
	decodeBody(t, postJSON(t, srv.URL+"/agent/begin", BeginCallRequest{Name: "http:readme", Kind: "resource"}), &begin)
	if !begin.OK {
		t.Fatalf("resource call rejected: %+v", begin)
	}

	resp := postJSON(t, srv.URL+"/agent/end", EndCallRequest{
		SessionID: begin.SessionID,
		CallID:    begin.CallID,
		Status:    types.CallStatusOK,
	})
	resp.Body.Close()

	session, err := gw.GetSession(context.Background(), begin.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if session.ToolCalls[0].Kind != types.KindResource {
		t.Errorf("recorded kind = %q, want %q", session.ToolCalls[0].Kind, types.KindResource)
	}
}

func TestHandleEnd_UnknownCallIs404(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var begin BeginCallResponse
	decodeBody(t, postJSON(t, srv.URL+"/agent/begin", BeginCallRequest{Name: "web/fetch"}), &begin)

	resp := postJSON(t, srv.URL+"/agent/end", EndCallRequest{
		SessionID: begin.SessionID,
		CallID:    "no-such-call",
		Status:    types.CallStatusOK,
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

// =============================================================================
// Approval endpoints
// =============================================================================

func TestHandleApprove_ReleasesWaitingCall(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var first BeginCallResponse
	decodeBody(t, postJSON(t, srv.URL+"/agent/begin", BeginCallRequest{Name: "mail/read_inbox"}), &first)
	sessionID := first.SessionID
	var second BeginCallResponse
	decodeBody(t, postJSON(t, srv.URL+"/agent/begin", BeginCallRequest{SessionID: sessionID, Name: "web/fetch"}), &second)

	go func() {
		time.Sleep(50 * time.Millisecond)
		resp := postJSON(t, srv.URL+"/api/sessions/"+sessionID+"/approve", DecisionRequest{Kind: "tool", Name: "web/post"})
		resp.Body.Close()
	}()

	var third BeginCallResponse
	decodeBody(t, postJSON(t, srv.URL+"/agent/begin", BeginCallRequest{SessionID: sessionID, Name: "web/post"}), &third)
	if !third.OK {
		t.Errorf("HTTP approval should release the blocked call: %+v", third)
	}
}

func TestHandleDeny(t *testing.T) {
	srv, _, broker := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/sessions/some-session/deny", DecisionRequest{Kind: "tool", Name: "web/post"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The recorded denial is consumable.
	approved, err := broker.Wait(context.Background(), "some-session", types.KindTool, "web/post", 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if approved {
		t.Error("expected denial on the broker")
	}
}

// =============================================================================
// Session and dashboard endpoints
// =============================================================================

func TestHandleSession_MintsID(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/agent/session", SessionRequest{})
	var body map[string]interface{}
	decodeBody(t, resp, &body)

	if body["ok"] != true {
		t.Fatalf("unexpected body: %v", body)
	}
	if id, _ := body["session_id"].(string); id == "" {
		t.Error("expected a minted session id")
	}
}

func TestHandleGetSession(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var begin BeginCallResponse
	decodeBody(t, postJSON(t, srv.URL+"/agent/begin", BeginCallRequest{Name: "fs/read_file"}), &begin)

	resp, err := http.Get(srv.URL + "/api/sessions/" + begin.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	var session SessionResponse
	decodeBody(t, resp, &session)

	if session.SessionID != begin.SessionID {
		t.Errorf("session id = %q", session.SessionID)
	}
	if len(session.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(session.ToolCalls))
	}
	if !session.DataAccessSummary.LethalTrifecta.HasPrivateDataAccess {
		t.Error("tracker state missing from session view")
	}
	if session.DataAccessSummary.ACL.HighestACLLevel != ACLSecret {
		t.Errorf("acl = %q, want SECRET", session.DataAccessSummary.ACL.HighestACLLevel)
	}
}

func TestHandleGetSession_Unknown404(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/sessions/unknown-session")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleListSessions(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var a, b BeginCallResponse
	decodeBody(t, postJSON(t, srv.URL+"/agent/begin", BeginCallRequest{Name: "web/fetch"}), &a)
	decodeBody(t, postJSON(t, srv.URL+"/agent/begin", BeginCallRequest{Name: "web/fetch"}), &b)

	resp, err := http.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Sessions []SessionResponse `json:"sessions"`
	}
	decodeBody(t, resp, &body)
	if len(body.Sessions) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(body.Sessions))
	}
}

func TestHandleAgents(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/agents")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Agents []AgentInfo `json:"agents"`
	}
	decodeBody(t, resp, &body)
	if len(body.Agents) != 1 || body.Agents[0].Name != "research-bot" {
		t.Errorf("unexpected agents: %+v", body.Agents)
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]interface{}
	decodeBody(t, resp, &body)
	if body["status"] != "healthy" {
		t.Errorf("unexpected health body: %v", body)
	}
}

// =============================================================================
// Tokenize endpoints
// =============================================================================

func TestHandleTokenizeDetokenizeRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)

	payload, _ := json.Marshal("send to ceo@example.com")
	resp := postJSON(t, srv.URL+"/api/tokenize", TokenizeRequest{SessionID: "s1", Payload: payload})
	var tokenized PayloadResponse
	decodeBody(t, resp, &tokenized)
	if !tokenized.OK {
		t.Fatalf("tokenize failed: %+v", tokenized)
	}
	if strings.Contains(string(tokenized.Payload), "ceo@example.com") {
		t.Error("tokenized payload still carries the address")
	}

	resp = postJSON(t, srv.URL+"/api/detokenize", DetokenizeRequest{SessionID: "s1", Payload: tokenized.Payload})
	var restored PayloadResponse
	decodeBody(t, resp, &restored)

	var text string
	if err := json.Unmarshal(restored.Payload, &text); err != nil {
		t.Fatal(err)
	}
	if text != "send to ceo@example.com" {
		t.Errorf("round trip mismatch: %s", text)
	}
}

func TestHandleTokenize_MissingSessionID(t *testing.T) {
	srv, _, _ := newTestServer(t)

	payload, _ := json.Marshal("text")
	resp := postJSON(t, srv.URL+"/api/tokenize", TokenizeRequest{Payload: payload})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
