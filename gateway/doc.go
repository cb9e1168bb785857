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

/*
Package gateway implements the AegisGate security gateway for a
single-user AI agent.

Four subsystems cooperate on every call:

The permissions engine classifies each tool, resource, and prompt against
JSON permission documents, with per-agent overrides layered on top. An
unconfigured name is an error, never an implicit allow.

The data-access tracker holds each session's monotonic risk state: the
three lethal-trifecta flags and the highest access level of private data
read so far. It rejects disabled capabilities, writes that would leak
higher-classified data to lower-classified destinations, and any call
that would complete the trifecta.

The approval broker lets a human operator override a rejection. A blocked
call waits, keyed by (session, kind, name), until an approve or deny
decision arrives or the timeout elapses.

The tokenization pipeline replaces secrets and validated personal
identifiers in tool results with opaque session-scoped tokens, and
restores them in outbound tool arguments.
*/
package gateway
