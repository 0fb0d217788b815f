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
	"errors"
	"fmt"
	"time"

	contextpkg "github.com/nocturne-ai/nocturne/pkg/context"
	"github.com/nocturne-ai/nocturne/pkg/notify"
	"github.com/nocturne-ai/nocturne/pkg/state"
	"github.com/nocturne-ai/nocturne/pkg/tool"
	"github.com/nocturne-ai/nocturne/pkg/tools"
)

// processCycle runs one perceive-think-act pass. The processing lock is
// held by the caller; whatever happens, the cycle ends with
// processing_state restored to idle.
func (a *Agent) processCycle(ctx context.Context) {
	cycleStart := a.now()
	defer func() {
		cycleDuration.WithLabelValues(a.name).Observe(a.now().Sub(cycleStart).Seconds())
	}()

	// 1. Off is terminal: the shutdown tool writes it, the loop observes
	// it and exits.
	var notifications []*notify.Notification
	status, err := a.db.GetAgentStatus()
	if err == nil && status == state.StatusOff {
		a.log.Info("agent status is off, exiting loop")
		a.Stop()
		return
	}

	// 2. A sleeping agent wakes only for notifications. Drained messages
	// both cancel the timer and feed the cycle that processes them.
	if err == nil && status == state.StatusSleeping {
		notifications, err = a.fabric.Drain()
		if err != nil {
			a.log.Error("drain failed while sleeping", "error", err)
			a.reconnect()
			return
		}
		if len(notifications) == 0 {
			return
		}

		a.log.Info("waking up due to notification", "count", len(notifications))
		if canceled := tools.CancelSleep(a.name); canceled != "" {
			a.log.Info("canceled sleep", "sleep_id", canceled)
		}
		if err := a.db.SetAgentStatus(state.StatusActive); err != nil {
			a.log.Error("failed to set active status on wake", "error", err)
		}
	}

	// 3. Drain pending notifications (unless the wake path already did).
	if notifications == nil {
		notifications, err = a.fabric.Drain()
		if err != nil {
			a.log.Error("drain failed", "error", err)
			a.reconnect()
			return
		}
	}
	if len(notifications) == 0 {
		return
	}
	queueDepth.WithLabelValues(a.name).Set(float64(len(notifications)))

	// 4. Enter thinking.
	a.log.Info("setting state to thinking", "notifications", len(notifications))
	if err := a.db.SetProcessingState(state.StateThinking); err != nil {
		// Leave the batch unacked: the broker redelivers it once the
		// store recovers.
		a.log.Error("failed to set thinking state", "error", err)
		return
	}
	idleRestored := false
	defer func() {
		if !idleRestored {
			if err := a.db.SetProcessingState(state.StateIdle); err != nil {
				a.log.Error("failed to restore idle state", "error", err)
			}
		}
	}()

	// 5. Load transcript and turn number.
	existing, err := a.db.GetMessageHistory(a.historyLimit, 0)
	if err != nil {
		a.log.Warn("failed to load transcript", "error", err)
	}
	turnNumber := 0
	if agentState, err := a.db.GetAgentState(); err == nil {
		turnNumber = agentState.TotalMessages
	}

	// 6. Refresh session/call/fast-mode context from the batch.
	sessionID := a.extractSessionContext(notifications)

	// 7. First-ever turn: persist the system message before anything else.
	if len(existing) == 0 {
		systemMsg := a.builder.BuildSystemMessage()
		if err := a.db.AppendMessage(state.RoleSystem, map[string]any{"text": systemMsg.Text}, nil); err != nil {
			a.log.Warn("failed to store system message", "error", err)
		}
	}

	// 8. Persist the user turn wrapping the raw notification batch.
	formatted := a.builder.FormatNotifications(notifications)
	if err := a.db.AppendMessage(state.RoleUser, map[string]any{"notifications": formatted}, nil); err != nil {
		a.log.Warn("failed to store user message", "error", err)
	}

	for _, n := range notifications {
		notificationsProcessed.WithLabelValues(a.name, string(n.NotificationType)).Inc()
	}

	// 9. Subconscious read: surface relevant memories for this turn.
	var provided []contextpkg.ProvidedMemory
	if a.retriever != nil && a.retriever.ShouldRun(turnNumber) {
		a.log.Info("running memory retriever", "turn", turnNumber)
		retrieverInput := append(userAssistant(existing), state.Message{
			Role:    state.RoleUser,
			Content: map[string]any{"notifications": formatted},
		})
		for _, mem := range a.retriever.Run(ctx, retrieverInput) {
			provided = append(provided, contextpkg.ProvidedMemory{
				Content:    mem.Content,
				Datetime:   mem.CreatedAt.UTC().Format(time.RFC3339),
				Importance: mem.Importance,
			})
		}
		if len(provided) > 0 {
			a.log.Info("retrieved memories", "count", len(provided))
			// Dual write: the transcript records the handoff, and the
			// in-flight context (built from the pre-append history page)
			// gets the same content injected below.
			if err := a.db.AppendMessage(state.RoleUser, contextpkg.MemoriesContent(provided), nil); err != nil {
				a.log.Warn("failed to store memory message", "error", err)
			}
		}
	}

	// 10. Harvest images and screenshots riding on tool results.
	a.collectPendingImages(notifications)
	a.forwardBrowserScreenshots(notifications)

	// 11. Build the conversation and call the model.
	conversation := a.builder.BuildConversation(existing, notifications, provided, a.pendingImages)

	model := "standard"
	if a.fastMode {
		model = "fast"
	}
	llmStart := a.now()
	raw, err := a.llm.Generate(ctx, conversation, a.fastMode)
	llmDuration.WithLabelValues(a.name, model).Observe(a.now().Sub(llmStart).Seconds())
	if err != nil {
		llmCalls.WithLabelValues(a.name, model, "error").Inc()
		errorsTotal.WithLabelValues(a.name, "llm_call").Inc()
		a.log.Error("LLM call failed", "error", err)
		a.settle(notifications, err)
		return
	}
	llmCalls.WithLabelValues(a.name, model, "success").Inc()
	a.pendingImages = nil

	// 12. Parse and validate the model output.
	response, err := a.builder.ParseResponse(raw)
	if err != nil {
		a.handleInvalidResponse(raw, err, notifications)
		return
	}

	// 13. Primary agent surfaces its action status to the frontend.
	if response.ActionStatus != "" && a.name == "primary_agent" && sessionID != "" {
		if err := a.db.PublishActionStatus(sessionID, response.ActionStatus); err != nil {
			a.log.Warn("failed to publish action status", "error", err)
		}
	}

	// 14. Persist the assistant turn.
	content := contextpkg.AssistantContent(response.Thought, response.ToolCalls, response.ActionStatus)
	if err := a.db.AppendMessage(state.RoleAssistant, content, nil); err != nil {
		a.log.Error("failed to append assistant message", "error", err)
	}

	// 15. Dispatch tools. Results come back as notifications on a later
	// tick, never as return values.
	a.log.Info("executing tools", "count", len(response.ToolCalls))
	if err := a.db.SetProcessingState(state.StateExecutingTools); err != nil {
		a.log.Error("failed to set executing_tools state", "error", err)
	}
	for _, call := range response.ToolCalls {
		a.dispatchTool(ctx, call)
	}

	// 16. Settle the batch and run the subconscious write module.
	a.log.Info("processing complete, returning to idle")
	if err := a.db.SetProcessingState(state.StateIdle); err != nil {
		a.log.Error("failed to restore idle state", "error", err)
	}
	idleRestored = true
	a.settle(notifications, nil)

	if a.creator != nil && a.creator.ShouldRun(turnNumber) {
		a.log.Info("running memory creator", "turn", turnNumber)
		a.creator.Run(ctx, userAssistant(existing))
	}
}

// handleInvalidResponse settles a permanent model failure: the raw output
// is preserved in the transcript with an error marker, an error
// notification is posted for audit, and the batch is acked.
func (a *Agent) handleInvalidResponse(raw string, parseErr error, notifications []*notify.Notification) {
	var perr *contextpkg.ParseError
	isEmptyToolCalls := errors.As(parseErr, &perr) && perr.EmptyToolCalls

	if isEmptyToolCalls {
		errorsTotal.WithLabelValues(a.name, "empty_tool_calls").Inc()
		a.log.Error("validation error: empty tool_calls")
		content := map[string]any{
			"raw_response":     raw,
			"validation_error": "Agent must use at least one tool per turn. Empty tool_calls array is not allowed.",
			"tool_calls":       []any{},
		}
		if err := a.db.AppendMessage(state.RoleAssistant, content, nil); err != nil {
			a.log.Error("failed to append error marker", "error", err)
		}
		a.errNotifier.Send("empty_tool_calls", "Agent must use at least one tool per turn. Empty tool_calls array is not allowed.")
	} else {
		errorsTotal.WithLabelValues(a.name, "llm_parse_error").Inc()
		a.log.Error("invalid LLM response", "error", parseErr)
		content := map[string]any{
			"raw_response": raw,
			"parse_error":  parseErr.Error(),
		}
		if err := a.db.AppendMessage(state.RoleAssistant, content, nil); err != nil {
			a.log.Error("failed to append error marker", "error", err)
		}
		a.errNotifier.Send("llm_parse_error", fmt.Sprintf("Failed to parse LLM response: %v", parseErr))
	}

	// Parse failures are permanent: settle acks the batch.
	a.settle(notifications, parseErr)
}

// dispatchTool resolves and runs one tool call. Every failure mode becomes
// a structured failure tool_result; the cycle never aborts here.
func (a *Agent) dispatchTool(ctx context.Context, call contextpkg.ToolCall) {
	t, ok := a.registry.Get(call.ToolName)
	if !ok {
		a.log.Warn("unknown tool requested", "tool", call.ToolName)
		toolExecutions.WithLabelValues(a.name, call.ToolName, "error").Inc()
		a.publishToolFailure(ctx, call.ToolName,
			fmt.Sprintf("Tool %q not found. Available tools: %v", call.ToolName, a.registry.Names()))
		return
	}

	availCtx := a.availabilityContext()
	if !t.IsAvailable(availCtx) {
		a.log.Warn("tool not available in current context",
			"tool", call.ToolName, "is_on_call", availCtx.IsOnCall)
		hint := "Use send_user_message when not on a call."
		if !availCtx.IsOnCall {
			hint = "Use speak/hang_up tools during calls."
		}
		a.publishToolFailure(ctx, call.ToolName,
			fmt.Sprintf("Tool %q is not available in the current context. %s", call.ToolName, hint))
		return
	}

	// Fast mode silently skips everything but the voice essentials; a
	// failure result here would loop the agent on its own rejections.
	if a.fastMode && !tool.FastModeTools[call.ToolName] {
		a.log.Warn("tool silently skipped in fast mode", "tool", call.ToolName)
		return
	}

	if err := t.Validate(call.Arguments); err != nil {
		a.publishToolFailure(ctx, call.ToolName, fmt.Sprintf("Invalid tool arguments: %v", err))
		return
	}

	args := call.Arguments
	if args == nil {
		args = make(map[string]any)
	}
	if a.lastSessionID != "" {
		args["session_id"] = a.lastSessionID
	}
	if a.lastCallID != "" {
		args["call_id"] = a.lastCallID
	}
	if a.fastMode {
		args["fast_mode"] = true
	}

	a.log.Debug("executing tool", "tool", call.ToolName)
	if err := t.Execute(ctx, args); err != nil {
		a.log.Error("tool execution failed", "tool", call.ToolName, "error", err)
		toolExecutions.WithLabelValues(a.name, call.ToolName, "error").Inc()
		errorsTotal.WithLabelValues(a.name, "tool_execution").Inc()
		a.publishToolFailure(ctx, call.ToolName, fmt.Sprintf("Tool execution error: %v", err))
		return
	}
	toolExecutions.WithLabelValues(a.name, call.ToolName, "success").Inc()
}

// publishToolFailure synthesizes a failure tool_result for dispatch-level
// failures (unknown tool, gating, validation, execution error).
func (a *Agent) publishToolFailure(ctx context.Context, toolName, message string) {
	n := &notify.Notification{
		NotificationID:   fmt.Sprintf("tool_%s_%d", toolName, a.now().UnixMilli()),
		Timestamp:        notify.Now(),
		RecipientAgentID: a.name,
		Source:           "tool_" + toolName,
		NotificationType: notify.TypeToolResult,
		Payload: map[string]any{
			"tool_name":     toolName,
			"status":        "FAILURE",
			"result":        nil,
			"error_message": message,
		},
	}
	if err := a.publisher.PublishTo(ctx, a.fabric.QueueName(), n); err != nil {
		a.log.Error("failed to publish tool failure", "tool", toolName, "error", err)
	}
}

// settle applies the retry policy to every drained notification:
//
//	no error                         -> ack
//	transient error, retries left    -> bump retry count, nack with requeue
//	permanent error or retries spent -> ack (drop) + audit error notification
func (a *Agent) settle(notifications []*notify.Notification, cycleErr error) {
	// An LLM parse failure is permanent whatever words its raw text holds.
	var parseErr *contextpkg.ParseError
	transient := notify.IsTransient(cycleErr) && !errors.As(cycleErr, &parseErr)

	for _, n := range notifications {
		if n.DeliveryTag == 0 {
			continue
		}

		switch {
		case cycleErr == nil:
			if err := a.fabric.Ack(n.DeliveryTag); err != nil {
				a.log.Error("failed to ack notification", "id", n.NotificationID, "error", err)
			}

		case transient && n.RetryCount < notify.MaxRetries:
			n.RetryCount++
			if err := a.fabric.Nack(n.DeliveryTag, true); err != nil {
				a.log.Error("failed to requeue notification", "id", n.NotificationID, "error", err)
				continue
			}
			a.log.Warn("requeued notification after transient error",
				"id", n.NotificationID, "retry", n.RetryCount, "max", notify.MaxRetries, "error", cycleErr)

		default:
			if err := a.fabric.Ack(n.DeliveryTag); err != nil {
				a.log.Error("failed to drop notification", "id", n.NotificationID, "error", err)
				continue
			}
			if n.RetryCount >= notify.MaxRetries {
				a.log.Error("dead letter: retry ceiling reached", "id", n.NotificationID)
			} else {
				a.log.Error("dead letter: permanent error", "id", n.NotificationID, "error", cycleErr)
			}
			a.errNotifier.Send("notification_processing_failed",
				fmt.Sprintf("Failed to process notification %s: %v", n.NotificationID, cycleErr))
		}
	}
}

// reconnect re-establishes the broker connection after a transport fault.
func (a *Agent) reconnect() {
	a.log.Info("attempting broker reconnect")
	a.fabric.Close()
	if err := a.fabric.Connect(); err != nil {
		a.log.Error("broker reconnect failed", "error", err)
	}
}

func userAssistant(messages []state.Message) []state.Message {
	var out []state.Message
	for _, msg := range messages {
		if msg.Role == state.RoleUser || msg.Role == state.RoleAssistant {
			out = append(out, msg)
		}
	}
	return out
}
