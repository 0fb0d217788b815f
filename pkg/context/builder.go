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

// Package context assembles LLM input for the agent loop and parses LLM
// output. It owns live system prompt resolution: the prompt is re-resolved
// on every build, hashed for change detection, and mirrored into the
// transcript when it drifts.
package context

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nocturne-ai/nocturne/pkg/llms"
	"github.com/nocturne-ai/nocturne/pkg/notify"
	"github.com/nocturne-ai/nocturne/pkg/state"
)

// PromptGetter resolves the current system prompt with {tools} rendered.
type PromptGetter func() string

// PromptChangedFunc is called when the resolved prompt differs from the
// previously observed hash (and on the very first resolution, to sync the
// transcript with disk after a restart).
type PromptChangedFunc func(newContent string)

// ProvidedMemory is one memory surfaced by the retriever, shaped for
// injection into the conversation.
type ProvidedMemory struct {
	Content    string  `json:"content"`
	Datetime   string  `json:"datetime"`
	Importance float64 `json:"importance"`
}

// Builder assembles conversation context for the LLM.
type Builder struct {
	agentName               string
	maxConversationMessages int
	promptGetter            PromptGetter
	onPromptChanged         PromptChangedFunc
	log                     *slog.Logger

	lastPromptHash string
}

// NewBuilder creates a context builder. maxConversationMessages of 0 means
// unlimited.
func NewBuilder(agentName string, maxConversationMessages int, getter PromptGetter, onChanged PromptChangedFunc, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{
		agentName:               agentName,
		maxConversationMessages: maxConversationMessages,
		promptGetter:            getter,
		onPromptChanged:         onChanged,
		log:                     log,
	}
}

// BuildSystemMessage resolves the live system prompt and runs hash-based
// drift detection. The change callback fires on the first ever resolution
// (DB must match disk after a restart) and whenever the hash changes.
func (b *Builder) BuildSystemMessage() llms.Message {
	content := b.promptGetter()

	if content != "" && b.onPromptChanged != nil {
		sum := md5.Sum([]byte(content))
		currentHash := hex.EncodeToString(sum[:])

		if b.lastPromptHash == "" {
			b.log.Info("system prompt initial sync", "hash", currentHash[:8])
			b.onPromptChanged(content)
		} else if currentHash != b.lastPromptHash {
			b.log.Info("system prompt changed",
				"old_hash", b.lastPromptHash[:8], "new_hash", currentHash[:8])
			b.onPromptChanged(content)
		}
		b.lastPromptHash = currentHash
	}

	return llms.Message{Role: llms.RoleSystem, Text: content}
}

// FormatNotifications serializes notifications as the JSON array string
// that becomes the user message content.
func (b *Builder) FormatNotifications(notifications []*notify.Notification) string {
	formatted := make([]map[string]any, 0, len(notifications))
	for _, n := range notifications {
		entry := map[string]any{
			"notification_type": n.NotificationType,
			"source":            n.Source,
			"payload":           n.Payload,
		}
		if !n.Timestamp.IsZero() {
			entry["timestamp"] = n.Timestamp
		}
		formatted = append(formatted, entry)
	}

	data, err := json.Marshal(formatted)
	if err != nil {
		b.log.Error("failed to marshal notifications", "error", err)
		return "[]"
	}
	return string(data)
}

// MemoriesContent builds the structured proactive_memories content object,
// used both for transcript persistence and context injection.
func MemoriesContent(memories []ProvidedMemory) map[string]any {
	items := make([]map[string]any, 0, len(memories))
	for _, m := range memories {
		items = append(items, map[string]any{
			"content":    m.Content,
			"datetime":   m.Datetime,
			"importance": m.Importance,
		})
	}
	return map[string]any{
		"type":     "proactive_memories",
		"memories": items,
	}
}

// AssistantContent builds the structured assistant message content for
// transcript persistence.
func AssistantContent(thought string, toolCalls []ToolCall, actionStatus string) map[string]any {
	calls := make([]map[string]any, 0, len(toolCalls))
	for _, tc := range toolCalls {
		call := map[string]any{
			"tool_name": tc.ToolName,
			"arguments": tc.Arguments,
		}
		calls = append(calls, call)
	}
	content := map[string]any{
		"thought":    thought,
		"tool_calls": calls,
	}
	if actionStatus != "" {
		content["action_status"] = actionStatus
	}
	return content
}

// BuildConversation assembles the full LLM input:
//
//	system (fresh from disk/DB, authoritative over the stored copy)
//	historical messages (minus the stale stored system message)
//	new notifications as one user message
//	retrieved memories as a trailing user message, if any
//	pending images attached in-place to the most recent user message
//
// Inline base64 image blobs inside notification payloads are stripped from
// the text and re-attached as binary parts so token budgets stay bounded.
func (b *Builder) BuildConversation(
	existing []state.Message,
	notifications []*notify.Notification,
	memories []ProvidedMemory,
	pendingImages []llms.Image,
) []llms.Message {
	messages := []llms.Message{b.BuildSystemMessage()}

	history := existing
	if len(history) > 0 && history[0].Role == state.RoleSystem {
		history = history[1:]
	}
	for i := range history {
		messages = append(messages, b.convertStored(&history[i]))
	}

	if len(notifications) > 0 {
		text, images := StripInlineImages(b.FormatNotifications(notifications))
		messages = append(messages, llms.Message{
			Role:   llms.RoleUser,
			Text:   text,
			Images: images,
		})
	}

	if len(memories) > 0 {
		data, err := json.Marshal(MemoriesContent(memories))
		if err == nil {
			messages = append(messages, llms.Message{Role: llms.RoleUser, Text: string(data)})
		} else {
			b.log.Error("failed to marshal proactive memories", "error", err)
		}
	}

	messages = attachPendingImages(messages, pendingImages)

	if b.maxConversationMessages > 0 && len(messages) > b.maxConversationMessages {
		before := len(messages)
		messages = trimMessages(messages, b.maxConversationMessages)
		b.log.Info("trimmed conversation", "from", before, "to", len(messages))
	}

	return messages
}

// convertStored maps one transcript message to an LLM message. Stored
// content is always a structured object; the well-known single-field shapes
// unwrap to their inner text, everything else is passed through as JSON.
func (b *Builder) convertStored(msg *state.Message) llms.Message {
	role := llms.RoleUser
	switch msg.Role {
	case state.RoleAssistant:
		role = llms.RoleAssistant
	case state.RoleSystem:
		role = llms.RoleSystem
	}

	var text string
	switch {
	case msg.Content == nil:
		text = ""
	case len(msg.Content) == 1 && msg.Content["text"] != nil:
		text, _ = msg.Content["text"].(string)
	case len(msg.Content) == 1 && msg.Content["notifications"] != nil:
		if s, ok := msg.Content["notifications"].(string); ok {
			text = s
		} else {
			data, _ := json.Marshal(msg.Content["notifications"])
			text = string(data)
		}
	default:
		data, err := json.Marshal(msg.Content)
		if err != nil {
			text = fmt.Sprintf("%v", msg.Content)
		} else {
			text = string(data)
		}
	}

	if role == llms.RoleUser {
		cleaned, images := StripInlineImages(text)
		return llms.Message{Role: role, Text: cleaned, Images: images}
	}
	return llms.Message{Role: role, Text: text}
}

// attachPendingImages adds queued images (from prior view_image results) to
// the most recent user message.
func attachPendingImages(messages []llms.Message, pending []llms.Image) []llms.Message {
	if len(pending) == 0 {
		return messages
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llms.RoleUser {
			messages[i].Images = append(messages[i].Images, pending...)
			break
		}
	}
	return messages
}

// trimMessages drops the oldest non-system messages until the list fits,
// keeping messages[0] (system) and ensuring the first non-system message
// has role user.
func trimMessages(messages []llms.Message, max int) []llms.Message {
	if len(messages) <= max {
		return messages
	}

	system := messages[0]
	rest := messages[1:]

	available := max - 1
	if available <= 0 {
		return []llms.Message{system}
	}

	toRemove := len(rest) - available
	removed := 0
	for (removed < toRemove || (len(rest) > 0 && rest[0].Role != llms.RoleUser)) && len(rest) > 0 {
		rest = rest[1:]
		removed++
	}

	return append([]llms.Message{system}, rest...)
}
