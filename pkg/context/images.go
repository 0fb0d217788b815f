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

package context

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"

	"github.com/nocturne-ai/nocturne/pkg/llms"
)

// StripInlineImages detects base64 image blobs nested inside a
// JSON-stringified notifications payload, removes them from the text, and
// returns them as decoded binary parts. Each stripped image leaves behind a
// metadata stub so the model still knows an image was present. Text that is
// not a notification array passes through untouched.
func StripInlineImages(text string) (string, []llms.Image) {
	var notifications []map[string]any
	if err := json.Unmarshal([]byte(text), &notifications); err != nil {
		return text, nil
	}

	var images []llms.Image
	stripped := false

	for _, n := range notifications {
		payload, ok := n["payload"].(map[string]any)
		if !ok {
			continue
		}

		rawImages, ok := payload["images"].([]any)
		if !ok || len(rawImages) == 0 {
			continue
		}

		stubs := make([]map[string]any, 0, len(rawImages))
		for _, raw := range rawImages {
			img, ok := raw.(map[string]any)
			if !ok {
				continue
			}

			b64, _ := img["base64_data"].(string)
			attachmentID, _ := img["attachment_id"].(string)
			contentType, _ := img["content_type"].(string)
			if contentType == "" {
				contentType = "image/png"
			}

			if b64 != "" {
				data, err := base64.StdEncoding.DecodeString(b64)
				if err != nil {
					slog.Error("failed to decode inline image", "attachment_id", attachmentID, "error", err)
				} else {
					images = append(images, llms.Image{
						AttachmentID: attachmentID,
						ContentType:  contentType,
						Data:         data,
					})
					stripped = true
				}
			}

			stub := map[string]any{
				"content_type": contentType,
				"_note":        "Image data sent separately to vision model",
			}
			if attachmentID != "" {
				stub["attachment_id"] = attachmentID
			} else {
				stub["attachment_id"] = "unknown"
			}
			stubs = append(stubs, stub)
		}

		payload["images"] = stubs
	}

	if !stripped {
		return text, nil
	}

	cleaned, err := json.Marshal(notifications)
	if err != nil {
		return text, images
	}
	return string(cleaned), images
}
