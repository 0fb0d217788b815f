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

// Package tool defines the capability interface agent tools implement and
// the registry that dispatches them by name.
//
// Tools never return values to the loop: each tool owns its outbound
// channel and publishes exactly one tool_result notification onto the
// agent's queue — with the single exception of tools documented as silent
// (sleep, shutdown), whose success notification would defeat their purpose.
package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nocturne-ai/nocturne/pkg/notify"
)

// AvailabilityContext is the input to IsAvailable: session and call state
// extracted from the most recent notification batch.
type AvailabilityContext struct {
	SessionID string
	CallID    string
	IsOnCall  bool
}

// NewAvailabilityContext derives the context from loop state; IsOnCall is
// defined as "a call ID is present".
func NewAvailabilityContext(sessionID, callID string) AvailabilityContext {
	return AvailabilityContext{
		SessionID: sessionID,
		CallID:    callID,
		IsOnCall:  callID != "",
	}
}

// ParameterInfo documents one tool parameter for prompt rendering.
type ParameterInfo struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Info is the prompt-facing description of a tool.
type Info struct {
	Command     string
	Description string
	Parameters  []ParameterInfo
}

// Tool is the capability set every agent tool implements.
type Tool interface {
	// Name returns the unique dispatch name of the tool.
	Name() string

	// Description returns a short human-readable description.
	Description() string

	// Info returns the metadata rendered into the system prompt.
	Info() Info

	// Validate checks the arguments before execution. A nil return means
	// the arguments are acceptable.
	Validate(args map[string]any) error

	// IsAvailable reports whether the tool may be used in this context.
	// Call tools are gated on an active call; send_user_message on its
	// absence.
	IsAvailable(ctx AvailabilityContext) bool

	// Execute runs the tool. Results flow back as notifications, never as
	// return values; a non-nil error is converted into a failure
	// tool_result by the loop.
	Execute(ctx context.Context, args map[string]any) error
}

// Base carries the per-agent wiring every tool needs. Tools embed it and
// receive their configuration through Setup at registration time, which
// keeps them free of back-pointers to the agent.
type Base struct {
	name        string
	description string

	AgentName string
	QueueName string
	BrokerURL string
	Publisher notify.Publisher
}

// NewBase creates the embedded base for a tool.
func NewBase(name, description string) Base {
	return Base{name: name, description: description}
}

// Name returns the tool's dispatch name.
func (b *Base) Name() string { return b.name }

// Description returns the tool's description.
func (b *Base) Description() string { return b.description }

// Setup binds the tool to its agent. Called by the registry.
func (b *Base) Setup(agentName, brokerURL string, pub notify.Publisher) {
	b.AgentName = agentName
	b.QueueName = agentName + "_queue"
	b.BrokerURL = brokerURL
	b.Publisher = pub
}

// PublishResult emits a tool_result notification onto the agent's own
// queue. status is "SUCCESS" or "FAILURE".
func (b *Base) PublishResult(ctx context.Context, status string, result map[string]any, errorMessage string) error {
	if b.AgentName == "" || b.Publisher == nil {
		return fmt.Errorf("tool %s is not set up", b.name)
	}

	n := &notify.Notification{
		NotificationID:   fmt.Sprintf("tool_%s_%d", b.name, time.Now().UnixMilli()),
		Timestamp:        notify.Now(),
		RecipientAgentID: b.AgentName,
		Source:           "tool_" + b.name,
		NotificationType: notify.TypeToolResult,
		Payload: map[string]any{
			"tool_name":     b.name,
			"status":        status,
			"result":        result,
			"error_message": errorMessage,
		},
	}

	return b.Publisher.PublishTo(ctx, b.QueueName, n)
}

// PublishTo emits an arbitrary notification onto any queue (e.g. the voice
// gateway's), with a fresh notification ID.
func (b *Base) PublishTo(ctx context.Context, queue string, notificationType notify.Type, payload map[string]any) error {
	if b.Publisher == nil {
		return fmt.Errorf("tool %s is not set up", b.name)
	}

	n := &notify.Notification{
		NotificationID:   uuid.New().String(),
		Timestamp:        notify.Now(),
		RecipientAgentID: queue,
		Source:           "agent_" + b.AgentName,
		NotificationType: notificationType,
		Payload:          payload,
	}
	return b.Publisher.PublishTo(ctx, queue, n)
}
