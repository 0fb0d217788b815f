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
	"github.com/nocturne-ai/nocturne/pkg/notify"
)

// extractSessionContext walks a notification batch in order and updates
// the loop's sticky session, call, and fast-mode context. Returns the
// session ID found in the batch, falling back to the last known one.
//
// Call-bearing notifications set the call context; a user_message that is
// NOT call-mode clears it, ending the call state the moment normal chat
// resumes.
func (a *Agent) extractSessionContext(notifications []*notify.Notification) string {
	var sessionID string

	for _, n := range notifications {
		switch n.NotificationType {
		case notify.TypeIncomingCall, notify.TypeCallTransferred, notify.TypeCallAnswered:
			if callID := n.PayloadString("call_id"); callID != "" {
				a.log.Info("extracted call context", "type", n.NotificationType, "call_id", callID)
				a.lastCallID = callID
			}
			if sid := n.PayloadString("session_id"); sid != "" {
				a.lastSessionID = sid
				sessionID = sid
			}

		case notify.TypeToolResult:
			toolName, status, result, _ := n.ToolResultPayload()
			if toolName == "answer_call" && status == "SUCCESS" && result != nil {
				if callID, _ := result["call_id"].(string); callID != "" {
					a.log.Info("setting call context from answer_call result", "call_id", callID)
					a.lastCallID = callID
				}
			}

		case notify.TypeUserMessage:
			if sid := n.PayloadString("session_id"); sid != "" {
				a.lastSessionID = sid
				sessionID = sid
			}

			voiceMetadata, _ := n.Payload["voice_metadata"].(map[string]any)
			callID := n.PayloadString("call_id")
			isCallMode := n.PayloadBool("is_call_mode")
			fastMode := n.PayloadBool("fast_mode")
			if voiceMetadata != nil {
				if callID == "" {
					callID, _ = voiceMetadata["call_id"].(string)
				}
				if b, _ := voiceMetadata["is_call_mode"].(bool); b {
					isCallMode = true
				}
				if b, _ := voiceMetadata["fast_mode"].(bool); b {
					fastMode = true
				}
			}

			if fastMode != a.fastMode {
				a.fastMode = fastMode
				a.log.Info("fast mode toggled", "enabled", fastMode)
			}

			if callID != "" {
				a.lastCallID = callID
			} else if !isCallMode {
				// Regular message ends any lingering call context.
				a.lastCallID = ""
				a.fastMode = false
			}
		}
	}

	if sessionID == "" {
		sessionID = a.lastSessionID
	}
	return sessionID
}
