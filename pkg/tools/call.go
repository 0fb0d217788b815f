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

	"github.com/nocturne-ai/nocturne/pkg/notify"
	"github.com/nocturne-ai/nocturne/pkg/tool"
)

// SpeakTool says something to the caller during a voice call by routing
// text to the voice gateway for TTS. Only available while on a call; use
// send_user_message otherwise.
type SpeakTool struct {
	tool.Base
}

// NewSpeakTool creates the speak tool.
func NewSpeakTool() *SpeakTool {
	return &SpeakTool{
		Base: tool.NewBase("speak",
			"Say something to the caller during a voice call. Use this for ALL responses "+
				"during a call, not send_user_message."),
	}
}

func (t *SpeakTool) Info() tool.Info {
	return tool.Info{
		Command:     "speak",
		Description: "Say something to the caller during a voice call (generates speech)",
		Parameters: []tool.ParameterInfo{
			{Name: "text", Type: "str", Description: "What to say to the caller", Required: true},
			{Name: "emotion", Type: "str", Description: "Emotional tone: neutral, happy, sad, excited, calm (default: neutral)", Required: false},
		},
	}
}

func (t *SpeakTool) IsAvailable(ctx tool.AvailabilityContext) bool {
	return ctx.IsOnCall
}

func (t *SpeakTool) Validate(args map[string]any) error {
	raw, ok := args["text"]
	if !ok {
		return fmt.Errorf("missing required argument: 'text'")
	}
	text, ok := raw.(string)
	if !ok {
		return fmt.Errorf("'text' must be a string")
	}
	if text == "" {
		return fmt.Errorf("'text' cannot be empty")
	}
	return nil
}

func (t *SpeakTool) Execute(ctx context.Context, args map[string]any) error {
	text, _ := args["text"].(string)
	emotion, _ := args["emotion"].(string)
	if emotion == "" {
		emotion = "neutral"
	}
	sessionID, _ := args["session_id"].(string)
	callID, _ := args["call_id"].(string)
	fastMode, _ := args["fast_mode"].(bool)

	err := t.PublishTo(ctx, voiceGatewayQueue, notify.Type("call_speak"), map[string]any{
		"sender_agent_id": t.AgentName,
		"content":         text,
		"emotion":         emotion,
		"session_id":      sessionID,
		"call_id":         callID,
		"is_call_speech":  true,
		"fast_mode":       fastMode,
	})
	if err != nil {
		t.PublishResult(ctx, "FAILURE", nil, fmt.Sprintf("Failed to speak: %v", err))
		return nil
	}

	t.PublishResult(ctx, "SUCCESS", map[string]any{
		"spoken":      true,
		"text_length": len(text),
		"emotion":     emotion,
	}, "")
	return nil
}

// HangUpTool ends the current voice call through the gateway's call
// surface. Only available while on a call.
type HangUpTool struct {
	tool.Base
	gateway *gatewayClient
}

// NewHangUpTool creates the hang-up tool.
func NewHangUpTool(gatewayURL, keyPath string) (*HangUpTool, error) {
	gw, err := newGatewayClient(gatewayURL, keyPath)
	if err != nil {
		return nil, err
	}
	return &HangUpTool{
		Base:    tool.NewBase("hang_up", "End the current voice call gracefully"),
		gateway: gw,
	}, nil
}

func (t *HangUpTool) Info() tool.Info {
	return tool.Info{
		Command:     "hang_up",
		Description: "End the current voice call",
		Parameters: []tool.ParameterInfo{
			{Name: "call_id", Type: "str", Description: "Call to end (defaults to the active call)", Required: false},
		},
	}
}

func (t *HangUpTool) IsAvailable(ctx tool.AvailabilityContext) bool {
	return ctx.IsOnCall
}

func (t *HangUpTool) Validate(args map[string]any) error {
	return nil
}

func (t *HangUpTool) Execute(ctx context.Context, args map[string]any) error {
	callID, _ := args["call_id"].(string)
	sessionID, _ := args["session_id"].(string)

	body := map[string]any{
		"agent_id": t.AgentName,
		"call_id":  callID,
	}
	if sessionID != "" {
		body["session_id"] = sessionID
	}

	if err := t.gateway.postJSON("/api/v1/calls/hang-up", body, nil); err != nil {
		t.PublishResult(ctx, "FAILURE", nil, fmt.Sprintf("Failed to hang up: %v", err))
		return nil
	}

	t.PublishResult(ctx, "SUCCESS", map[string]any{
		"call_ended": true,
		"call_id":    callID,
	}, "")
	return nil
}
