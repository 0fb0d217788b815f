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
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nocturne-ai/nocturne/pkg/notify"
	"github.com/nocturne-ai/nocturne/pkg/state"
	"github.com/nocturne-ai/nocturne/pkg/tools"
)

func TestColdStartSingleUserMessage(t *testing.T) {
	h := newTestAgent(t)

	responder := &scriptedTool{name: "send_user_message"}
	require.NoError(t, h.agent.RegisterTool(responder))

	h.llm.responses = []string{validLLMResponse("send_user_message")}
	h.channel.push("weather_agent_queue", userMessage("hi", "s1"))

	h.agent.processCycle(context.Background())

	// Transcript: system, user, assistant.
	require.Len(t, h.store.appended, 3)
	assert.Equal(t, state.RoleSystem, h.store.appended[0].Role)
	assert.Equal(t, state.RoleUser, h.store.appended[1].Role)
	assert.Equal(t, state.RoleAssistant, h.store.appended[2].Role)

	// The user row wraps the delivered notifications as a JSON array.
	notifJSON, ok := h.store.appended[1].Content["notifications"].(string)
	require.True(t, ok)
	var batch []map[string]any
	require.NoError(t, json.Unmarshal([]byte(notifJSON), &batch))
	require.Len(t, batch, 1)
	assert.Equal(t, "user_message", batch[0]["notification_type"])

	// The assistant row carries thought plus at least one tool call.
	assert.Equal(t, "responding", h.store.appended[2].Content["thought"])
	calls := h.store.appended[2].Content["tool_calls"].([]map[string]any)
	require.NotEmpty(t, calls)

	// The tool ran with the session injected.
	require.Len(t, responder.executed, 1)
	assert.Equal(t, "s1", responder.executed[0]["session_id"])

	// Exactly one ack, no nacks, state back at idle.
	assert.Len(t, h.channel.acks, 1)
	assert.Empty(t, h.channel.nacks)
	assert.Equal(t, state.StateIdle, h.store.processingState)
	assert.Equal(t, []state.ProcessingState{
		state.StateThinking, state.StateExecutingTools, state.StateIdle,
	}, h.store.transitions)
}

func TestFirstCycleMirrorsSystemPrompt(t *testing.T) {
	h := newTestAgent(t)
	require.NoError(t, h.agent.RegisterTool(&scriptedTool{name: "send_user_message"}))
	h.llm.responses = []string{validLLMResponse("send_user_message")}
	h.channel.push("weather_agent_queue", userMessage("hi", "s1"))

	h.agent.processCycle(context.Background())

	// The prompt hash mirror fires on first resolution.
	require.NotEmpty(t, h.store.systemPrompts)
	assert.Contains(t, h.store.systemPrompts[0], "You are a weather agent.")
	assert.NotContains(t, h.store.systemPrompts[0], "{tools}")
}

func TestEmptyQueueDoesNothing(t *testing.T) {
	h := newTestAgent(t)

	h.agent.processCycle(context.Background())

	assert.Empty(t, h.store.appended)
	assert.Empty(t, h.store.transitions)
	assert.Empty(t, h.llm.calls)
}

func TestTransientLLMErrorRequeues(t *testing.T) {
	h := newTestAgent(t)
	h.llm.errs = []error{errors.New("gemini call failed: request timeout")}
	h.channel.push("weather_agent_queue", userMessage("hi", "s1"))

	h.agent.processCycle(context.Background())

	// One nack with requeue, zero acks.
	require.Len(t, h.channel.nacks, 1)
	assert.True(t, h.channel.nacks[0].requeue)
	assert.Empty(t, h.channel.acks)
	assert.Equal(t, state.StateIdle, h.store.processingState)
}

func TestRetryCeilingDropsNotification(t *testing.T) {
	h := newTestAgent(t)
	h.llm.errs = []error{errors.New("connection reset by peer")}

	msg := userMessage("hi", "s1")
	msg["_retry_count"] = notify.MaxRetries
	h.channel.push("weather_agent_queue", msg)

	h.agent.processCycle(context.Background())

	// Retries exhausted: the message is acked (dropped), never requeued,
	// and an error notification lands on the agent's own queue for audit.
	assert.Len(t, h.channel.acks, 1)
	assert.Empty(t, h.channel.nacks)
	require.NotEmpty(t, h.channel.queues["weather_agent_queue"])
	var audit map[string]any
	require.NoError(t, json.Unmarshal(h.channel.queues["weather_agent_queue"][0], &audit))
	assert.Equal(t, "error_message", audit["notification_type"])
}

func TestParseFailureIsPermanent(t *testing.T) {
	h := newTestAgent(t)
	h.llm.responses = []string{"this is not JSON at all"}
	h.channel.push("weather_agent_queue", userMessage("hi", "s1"))

	h.agent.processCycle(context.Background())

	// Acked (permanent), error marker appended, error notification sent.
	assert.Len(t, h.channel.acks, 1)
	assert.Empty(t, h.channel.nacks)

	last := h.store.appended[len(h.store.appended)-1]
	assert.Equal(t, state.RoleAssistant, last.Role)
	assert.Equal(t, "this is not JSON at all", last.Content["raw_response"])
	assert.NotEmpty(t, last.Content["parse_error"])

	assert.Equal(t, state.StateIdle, h.store.processingState)
}

func TestEmptyToolCallsIsValidationError(t *testing.T) {
	h := newTestAgent(t)
	h.llm.responses = []string{`{"thought": "nothing to do", "tool_calls": []}`}
	h.channel.push("weather_agent_queue", userMessage("hi", "s1"))

	h.agent.processCycle(context.Background())

	assert.Len(t, h.channel.acks, 1)

	last := h.store.appended[len(h.store.appended)-1]
	assert.Equal(t, state.RoleAssistant, last.Role)
	assert.Contains(t, last.Content["validation_error"], "at least one tool")
	assert.Equal(t, state.StateIdle, h.store.processingState)
}

func TestStaleStateRecovery(t *testing.T) {
	h := newTestAgent(t)

	h.store.processingState = state.StateThinking
	h.store.lastUpdated = h.agent.now().Add(-301 * time.Second)

	recovered := h.agent.recoverStaleState(state.StateThinking)
	assert.Equal(t, state.StateIdle, recovered)
	assert.Equal(t, state.StateIdle, h.store.processingState)
}

func TestFreshNonIdleStateNotRecovered(t *testing.T) {
	h := newTestAgent(t)

	h.store.processingState = state.StateThinking
	h.store.lastUpdated = h.agent.now().Add(-30 * time.Second)

	recovered := h.agent.recoverStaleState(state.StateThinking)
	assert.Equal(t, state.StateThinking, recovered)
}

func TestSleepingAgentWakesOnNotification(t *testing.T) {
	h := newTestAgent(t)
	require.NoError(t, h.agent.RegisterTool(&scriptedTool{name: "send_user_message"}))
	h.llm.responses = []string{validLLMResponse("send_user_message")}

	// Arm a long sleep, then deliver a message while sleeping.
	sleepTool := tools.NewSleepTool(h.store)
	sleepTool.Setup("weather_agent", "amqp://localhost", h.publisher)
	require.NoError(t, sleepTool.Execute(context.Background(), map[string]any{"duration": 600.0}))
	require.Equal(t, state.StatusSleeping, h.store.status)

	h.channel.push("weather_agent_queue", userMessage("wake up", "s1"))

	h.agent.processCycle(context.Background())

	// Timer canceled without a wake notification, status flipped to
	// active, and the triggering notification processed in the same cycle.
	assert.False(t, tools.IsSleeping("weather_agent"))
	assert.Equal(t, state.StatusActive, h.store.status)
	assert.Empty(t, h.publisher.published)
	assert.Len(t, h.channel.acks, 1)
	assert.NotEmpty(t, h.llm.calls)
}

func TestSleepingAgentStaysAsleepOnEmptyQueue(t *testing.T) {
	h := newTestAgent(t)
	h.store.status = state.StatusSleeping

	h.agent.processCycle(context.Background())

	assert.Equal(t, state.StatusSleeping, h.store.status)
	assert.Empty(t, h.llm.calls)
	assert.Empty(t, h.store.transitions)
}

func TestFastModeGatesTools(t *testing.T) {
	h := newTestAgent(t)

	speak := &scriptedTool{name: "speak", onCallOnly: true}
	search := &scriptedTool{name: "web_search"}
	require.NoError(t, h.agent.RegisterTool(speak))
	require.NoError(t, h.agent.RegisterTool(search))

	h.llm.responses = []string{`{"thought": "on a call", "tool_calls": [
		{"tool_name": "speak", "arguments": {"text": "hello"}},
		{"tool_name": "web_search", "arguments": {"query": "weather"}}
	]}`}

	msg := userMessage("voice", "s1")
	msg["payload"] = map[string]any{
		"content":    "voice turn",
		"session_id": "s1",
		"voice_metadata": map[string]any{
			"call_id":      "call-1",
			"is_call_mode": true,
			"fast_mode":    true,
		},
	}
	h.channel.push("weather_agent_queue", msg)

	h.agent.processCycle(context.Background())

	// The fast model was selected and speak ran with call context injected.
	require.NotEmpty(t, h.llm.fastFlags)
	assert.True(t, h.llm.fastFlags[0])
	require.Len(t, speak.executed, 1)
	assert.Equal(t, "call-1", speak.executed[0]["call_id"])
	assert.Equal(t, true, speak.executed[0]["fast_mode"])

	// The non-voice tool was silently skipped: not executed and no failure
	// result synthesized.
	assert.Empty(t, search.executed)
	assert.Empty(t, h.publisher.published)
}

func TestUnknownToolSynthesizesFailureResult(t *testing.T) {
	h := newTestAgent(t)
	h.llm.responses = []string{validLLMResponse("no_such_tool")}
	h.channel.push("weather_agent_queue", userMessage("hi", "s1"))

	h.agent.processCycle(context.Background())

	require.Len(t, h.publisher.published, 1)
	result := h.publisher.published[0]
	assert.Equal(t, "weather_agent_queue", result.queue)
	toolName, status, _, ok := result.n.ToolResultPayload()
	require.True(t, ok)
	assert.Equal(t, "no_such_tool", toolName)
	assert.Equal(t, "FAILURE", status)

	// Per-tool failures do not abort the cycle: the batch still acks.
	assert.Len(t, h.channel.acks, 1)
}

func TestToolValidationFailureSynthesizesResult(t *testing.T) {
	h := newTestAgent(t)

	bad := &scriptedTool{name: "picky_tool", validateErr: errors.New("missing required argument: 'q'")}
	require.NoError(t, h.agent.RegisterTool(bad))
	h.llm.responses = []string{validLLMResponse("picky_tool")}
	h.channel.push("weather_agent_queue", userMessage("hi", "s1"))

	h.agent.processCycle(context.Background())

	assert.Empty(t, bad.executed)
	require.Len(t, h.publisher.published, 1)
	_, status, _, _ := h.publisher.published[0].n.ToolResultPayload()
	assert.Equal(t, "FAILURE", status)
	errMsg, _ := h.publisher.published[0].n.Payload["error_message"].(string)
	assert.Contains(t, errMsg, "Invalid tool arguments")
}

func TestToolExecutionErrorDoesNotAbortCycle(t *testing.T) {
	h := newTestAgent(t)

	failing := &scriptedTool{name: "flaky", execErr: errors.New("boom")}
	after := &scriptedTool{name: "steady"}
	require.NoError(t, h.agent.RegisterTool(failing))
	require.NoError(t, h.agent.RegisterTool(after))

	h.llm.responses = []string{`{"thought": "two tools", "tool_calls": [
		{"tool_name": "flaky", "arguments": {}},
		{"tool_name": "steady", "arguments": {}}
	]}`}
	h.channel.push("weather_agent_queue", userMessage("hi", "s1"))

	h.agent.processCycle(context.Background())

	// The second tool still ran, the failure became a tool_result, and the
	// batch acked.
	assert.Len(t, after.executed, 1)
	require.Len(t, h.publisher.published, 1)
	assert.Len(t, h.channel.acks, 1)
}

func TestPrimaryAgentPublishesActionStatus(t *testing.T) {
	h := newTestAgent(t)
	h.agent.name = "primary_agent"
	require.NoError(t, h.agent.RegisterTool(&scriptedTool{name: "send_user_message"}))

	h.llm.responses = []string{`{"thought": "t", "action_status": "Checking the forecast...", "tool_calls": [{"tool_name": "send_user_message", "arguments": {}}]}`}
	h.channel.push("weather_agent_queue", userMessage("hi", "s1"))

	h.agent.processCycle(context.Background())

	require.Len(t, h.store.actionStatuses, 1)
	assert.Equal(t, "s1: Checking the forecast...", h.store.actionStatuses[0])
}

func TestNonPrimaryAgentSkipsActionStatus(t *testing.T) {
	h := newTestAgent(t)
	require.NoError(t, h.agent.RegisterTool(&scriptedTool{name: "send_user_message"}))

	h.llm.responses = []string{`{"thought": "t", "action_status": "Working...", "tool_calls": [{"tool_name": "send_user_message", "arguments": {}}]}`}
	h.channel.push("weather_agent_queue", userMessage("hi", "s1"))

	h.agent.processCycle(context.Background())

	assert.Empty(t, h.store.actionStatuses)
}

func TestToolResultRoundTripGrowsTranscriptByTwo(t *testing.T) {
	h := newTestAgent(t)
	require.NoError(t, h.agent.RegisterTool(&scriptedTool{name: "send_user_message"}))

	// Simulate an established transcript from a prior cycle.
	h.store.history = []state.Message{
		{Role: state.RoleSystem, Content: map[string]any{"text": "p"}},
		{Role: state.RoleUser, Content: map[string]any{"notifications": "[]"}},
		{Role: state.RoleAssistant, Content: map[string]any{"thought": "t", "tool_calls": []any{}}},
	}

	h.llm.responses = []string{validLLMResponse("send_user_message")}
	h.channel.push("weather_agent_queue", map[string]any{
		"notification_id":    "tr1",
		"timestamp":          "2024-06-01T11:59:30Z",
		"recipient_agent_id": "weather_agent",
		"notification_type":  "tool_result",
		"source":             "tool_get_weather",
		"payload": map[string]any{
			"tool_name": "get_weather",
			"status":    "SUCCESS",
			"result":    map[string]any{"answer": "42"},
		},
	})

	h.agent.processCycle(context.Background())

	// Existing transcript already has a system row, so exactly two rows
	// are appended: the tool-result user turn and the assistant turn.
	require.Len(t, h.store.appended, 2)
	assert.Equal(t, state.RoleUser, h.store.appended[0].Role)
	assert.Equal(t, state.RoleAssistant, h.store.appended[1].Role)
	assert.Len(t, h.channel.acks, 1)
}

func TestViewImageResultQueuesPendingImage(t *testing.T) {
	h := newTestAgent(t)
	require.NoError(t, h.agent.RegisterTool(&scriptedTool{name: "send_user_message"}))

	h.llm.responses = []string{validLLMResponse("send_user_message")}
	h.channel.push("weather_agent_queue", map[string]any{
		"notification_id":    "img1",
		"timestamp":          "2024-06-01T11:59:30Z",
		"recipient_agent_id": "weather_agent",
		"notification_type":  "tool_result",
		"source":             "tool_view_image",
		"payload": map[string]any{
			"tool_name": "view_image",
			"status":    "SUCCESS",
			"result": map[string]any{
				"_view_image": true,
				"_image_data": map[string]any{
					"attachment_id": "att9",
					"content_type":  "image/png",
					"base64_data":   "aGVsbG8=",
				},
			},
		},
	})

	h.agent.processCycle(context.Background())

	// The image rode into the LLM call attached to the last user message,
	// and the pending queue cleared after the call.
	require.NotEmpty(t, h.llm.calls)
	conversation := h.llm.calls[0]
	var sawImage bool
	for _, msg := range conversation {
		if len(msg.Images) > 0 {
			sawImage = true
			assert.Equal(t, "att9", msg.Images[0].AttachmentID)
			assert.Equal(t, []byte("hello"), msg.Images[0].Data)
		}
	}
	assert.True(t, sawImage)
	assert.Empty(t, h.agent.pendingImages)
}

func TestBrowserScreenshotForwarded(t *testing.T) {
	h := newTestAgent(t)
	require.NoError(t, h.agent.RegisterTool(&scriptedTool{name: "send_user_message"}))

	h.llm.responses = []string{validLLMResponse("send_user_message")}
	h.channel.push("weather_agent_queue", map[string]any{
		"notification_id":    "shot1",
		"timestamp":          "2024-06-01T11:59:30Z",
		"recipient_agent_id": "weather_agent",
		"notification_type":  "tool_result",
		"source":             "tool_browser",
		"payload": map[string]any{
			"tool_name": "browser",
			"status":    "SUCCESS",
			"result": map[string]any{
				"screenshot":  "base64-bytes",
				"current_url": "https://example.com",
			},
		},
	})

	h.agent.processCycle(context.Background())

	require.Len(t, h.store.screenshots, 1)
	assert.Equal(t, "https://example.com", h.store.screenshots[0])
}
