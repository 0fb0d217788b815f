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
	"encoding/base64"

	"github.com/nocturne-ai/nocturne/pkg/llms"
	"github.com/nocturne-ai/nocturne/pkg/notify"
)

// collectPendingImages queues images carried on tool results flagged
// _view_image so the next LLM call can see them.
func (a *Agent) collectPendingImages(notifications []*notify.Notification) {
	for _, n := range notifications {
		_, _, result, ok := n.ToolResultPayload()
		if !ok || result == nil {
			continue
		}
		if viewImage, _ := result["_view_image"].(bool); !viewImage {
			continue
		}

		imageData, _ := result["_image_data"].(map[string]any)
		if imageData == nil {
			continue
		}
		b64, _ := imageData["base64_data"].(string)
		if b64 == "" {
			continue
		}

		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			a.log.Error("failed to decode view_image payload", "error", err)
			continue
		}

		attachmentID, _ := imageData["attachment_id"].(string)
		contentType, _ := imageData["content_type"].(string)
		if contentType == "" {
			contentType = "image/png"
		}

		a.pendingImages = append(a.pendingImages, llms.Image{
			AttachmentID: attachmentID,
			ContentType:  contentType,
			Data:         data,
		})
		a.log.Info("queued image for visual context", "attachment_id", attachmentID)
	}
}

// forwardBrowserScreenshots pushes screenshots riding on tool results to
// the gateway for frontend delivery. Best-effort: never blocks the cycle.
func (a *Agent) forwardBrowserScreenshots(notifications []*notify.Notification) {
	for _, n := range notifications {
		_, _, result, ok := n.ToolResultPayload()
		if !ok || result == nil {
			continue
		}
		screenshot, _ := result["screenshot"].(string)
		if screenshot == "" {
			continue
		}

		currentURL, _ := result["current_url"].(string)
		if currentURL == "" {
			currentURL, _ = result["url"].(string)
		}
		task, _ := result["task"].(string)

		if err := a.db.ForwardBrowserScreenshot(a.lastSessionID, screenshot, currentURL, task); err != nil {
			a.log.Warn("failed to forward browser screenshot", "error", err)
			continue
		}
		a.log.Info("forwarded browser screenshot", "url", currentURL)
	}
}
