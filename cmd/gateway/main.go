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

// Package main is the entry point for the AegisGate security gateway.
//
// The gateway sits between a single-user AI agent and its tools, tracking
// each session's data access to block any call that would complete the
// lethal trifecta (private data + untrusted content + external
// communication), and replacing sensitive values in tool results with
// opaque session-scoped tokens.
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8082)
//	CONFIG_DIR - permission documents directory (default: ./config)
//	DATABASE_URL - PostgreSQL connection string (optional)
//	REDIS_URL - Redis URL for the token cache (optional)
//	API_KEY - static Bearer credential (optional)
//	JWT_SECRET - HS256 secret for dashboard tokens (optional)
package main

import (
	"aegisgate/platform/gateway"
)

func main() {
	gateway.Run()
}
