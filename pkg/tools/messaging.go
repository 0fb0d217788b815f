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

package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/nocturne-ai/nocturne/pkg/config"
	"github.com/nocturne-ai/nocturne/pkg/notify"
	"github.com/nocturne-ai/nocturne/pkg/tool"
)

const voiceGatewayQueue = "voice_gateway_queue"

// SendUserMessageTool delivers a message to the user via the API gateway,
// or via the voice gateway for TTS when audio_message is set. Available only
// off calls: during a call, user-facing responses go through speak.
type SendUserMessageTool struct {
	tool.Base
	gateway *gatewayClient
}

// NewSendUserMessageTool creates the tool with its gateway egress.
func NewSendUserMessageTool(gatewayURL, keyPath string) (*SendUserMessageTool, error) {
	gw, err := newGatewayClient(gatewayURL, keyPath)
	if err != nil {
		return nil, err
	}
	return &SendUserMessageTool{
		Base: tool.NewBase("send_user_message",
			"Sends a message to the user. Set audio_message=true to generate speech output, "+
				"or audio_message=false for a text-only response."),
		gateway: gw,
	}, nil
}

func (t *SendUserMessageTool) Info() tool.Info {
	return tool.Info{
		Command:     "send_user_message",
		Description: t.Description(),
		Parameters: []tool.ParameterInfo{
			{Name: "content", Type: "str", Description: "Message content to send to the user", Required: true},
			{Name: "audio_message", Type: "bool", Description: "Generate speech output instead of text", Required: false},
			{Name: "attachment_ids", Type: "list", Description: "Attachment IDs to include", Required: false},
			{Name: "document_ids", Type: "list", Description: "Document references to include", Required: false},
		},
	}
}

func (t *SendUserMessageTool) IsAvailable(ctx tool.AvailabilityContext) bool {
	return !ctx.IsOnCall
}

func (t *SendUserMessageTool) Validate(args map[string]any) error {
	raw, ok := args["content"]
	if !ok {
		return fmt.Errorf("missing required argument: 'content'")
	}
	content, ok := raw.(string)
	if !ok {
		return fmt.Errorf("'content' must be a string, got %T", raw)
	}
	if content == "" {
		return fmt.Errorf("'content' cannot be empty")
	}
	return nil
}

func (t *SendUserMessageTool) Execute(ctx context.Context, args map[string]any) error {
	content, _ := args["content"].(string)
	sessionID, _ := args["session_id"].(string)
	audioMessage, _ := args["audio_message"].(bool)

	if audioMessage && sessionID != "" {
		return t.sendVoice(ctx, content, sessionID)
	}

	body := map[string]any{
		"agent_id":  t.AgentName,
		"content":   content,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	if ids, ok := args["attachment_ids"].([]any); ok && len(ids) > 0 {
		body["attachment_ids"] = ids
	}
	if ids, ok := args["document_ids"].([]any); ok && len(ids) > 0 {
		body["document_ids"] = ids
	}

	if err := t.gateway.postJSON("/api/v1/messages/user", body, nil); err != nil {
		t.PublishResult(ctx, "FAILURE", nil, fmt.Sprintf("Failed to send message to API gateway: %v", err))
		return nil
	}

	t.PublishResult(ctx, "SUCCESS", map[string]any{
		"message_sent":   true,
		"content_length": len(content),
	}, "")
	return nil
}

// sendVoice routes the content to the voice gateway queue for TTS.
func (t *SendUserMessageTool) sendVoice(ctx context.Context, content, sessionID string) error {
	err := t.PublishTo(ctx, voiceGatewayQueue, notify.Type("agent_response"), map[string]any{
		"sender_agent_id": t.AgentName,
		"content":         content,
		"session_id":      sessionID,
	})
	if err != nil {
		t.PublishResult(ctx, "FAILURE", nil, fmt.Sprintf("Failed to send voice message: %v", err))
		return nil
	}

	t.PublishResult(ctx, "SUCCESS", map[string]any{
		"message_sent":   true,
		"audio_message":  true,
		"session_id":     sessionID,
		"content_length": len(content),
	}, "")
	return nil
}

// SendAgentMessageTool publishes an agent_message notification onto
// another agent's queue.
type SendAgentMessageTool struct {
	tool.Base
}

// NewSendAgentMessageTool creates the tool.
func NewSendAgentMessageTool() *SendAgentMessageTool {
	return &SendAgentMessageTool{
		Base: tool.NewBase("send_agent_message",
			"Sends a message to another agent by name"),
	}
}

func (t *SendAgentMessageTool) Info() tool.Info {
	return tool.Info{
		Command:     "send_agent_message",
		Description: t.Description(),
		Parameters: []tool.ParameterInfo{
			{Name: "recipient_agent_id", Type: "str", Description: "Name of the agent to message", Required: true},
			{Name: "content", Type: "str", Description: "Message content", Required: true},
		},
	}
}

func (t *SendAgentMessageTool) IsAvailable(ctx tool.AvailabilityContext) bool {
	return true
}

func (t *SendAgentMessageTool) Validate(args map[string]any) error {
	recipient, ok := args["recipient_agent_id"].(string)
	if !ok || recipient == "" {
		return fmt.Errorf("missing required argument: 'recipient_agent_id'")
	}
	content, ok := args["content"].(string)
	if !ok || content == "" {
		return fmt.Errorf("missing required argument: 'content'")
	}
	return nil
}

func (t *SendAgentMessageTool) Execute(ctx context.Context, args map[string]any) error {
	recipient, _ := args["recipient_agent_id"].(string)
	content, _ := args["content"].(string)
	sessionID, _ := args["session_id"].(string)

	queue := config.QueueNameFor(recipient)
	payload := map[string]any{
		"sender_agent_id": t.AgentName,
		"content":         content,
	}
	if sessionID != "" {
		payload["session_id"] = sessionID
	}

	if err := t.PublishTo(ctx, queue, notify.TypeAgentMessage, payload); err != nil {
		t.PublishResult(ctx, "FAILURE", nil, fmt.Sprintf("Failed to message %s: %v", recipient, err))
		return nil
	}

	t.PublishResult(ctx, "SUCCESS", map[string]any{
		"delivered_to": recipient,
		"queue":        queue,
	}, "")
	return nil
}
