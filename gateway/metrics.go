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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegisgate_gateway_calls_total",
			Help: "Total calls evaluated by the gateway, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	callsBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegisgate_gateway_calls_blocked_total",
			Help: "Calls blocked by the security gate, by rejection reason",
		},
		[]string{"reason"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aegisgate_gateway_call_duration_seconds",
			Help:    "Wall time from call begin to call end",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	approvalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegisgate_gateway_approvals_total",
			Help: "Operator decisions on blocked calls, by outcome",
		},
		[]string{"outcome"},
	)

	approvalsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegisgate_gateway_approvals_pending",
			Help: "Calls currently waiting on an operator decision",
		},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegisgate_gateway_sessions_active",
			Help: "Sessions currently live in memory",
		},
	)

	tokensMinted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegisgate_gateway_tokens_minted_total",
			Help: "Tokens minted by the obfuscation pipeline, by category",
		},
		[]string{"category"},
	)

	tokensResolved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegisgate_gateway_tokens_resolved_total",
			Help: "Tokens successfully resolved during detokenization",
		},
	)

	telemetrySent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegisgate_gateway_telemetry_sent_total",
			Help: "Telemetry events delivered to the endpoint",
		},
	)

	telemetryDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegisgate_gateway_telemetry_dropped_total",
			Help: "Telemetry events dropped due to a full queue",
		},
	)
)

func init() {
	prometheus.MustRegister(
		callsTotal,
		callsBlocked,
		callDuration,
		approvalsTotal,
		approvalsPending,
		sessionsActive,
		tokensMinted,
		tokensResolved,
		telemetrySent,
		telemetryDropped,
	)
}
