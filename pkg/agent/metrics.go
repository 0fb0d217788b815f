// Copyright 2025 Nocturne Authors
//
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

package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Shared across all agent instances in the process.
var (
	notificationsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_notifications_processed_total",
		Help: "Total notifications processed by agent",
	}, []string{"agent_name", "notification_type"})

	llmCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_llm_calls_total",
		Help: "Total LLM API calls",
	}, []string{"agent_name", "model", "status"})

	llmDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "agent_llm_call_duration_seconds",
		Help: "LLM call duration in seconds",
	}, []string{"agent_name", "model"})

	toolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_tool_executions_total",
		Help: "Total tool executions",
	}, []string{"agent_name", "tool_name", "status"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agent_notification_queue_depth",
		Help: "Number of notifications drained in the last cycle",
	}, []string{"agent_name"})

	cycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "agent_processing_loop_duration_seconds",
		Help: "Time spent in one notification processing cycle",
	}, []string{"agent_name"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_errors_total",
		Help: "Total errors encountered",
	}, []string{"agent_name", "error_type"})
)
