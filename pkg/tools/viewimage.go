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

	"github.com/nocturne-ai/nocturne/pkg/tool"
)

// ViewImageTool fetches an attachment from the gateway and publishes a
// tool result flagged _view_image. The loop picks the flag up, queues the
// image bytes, and attaches them to the next LLM call so the model can see
// the image.
type ViewImageTool struct {
	tool.Base
	gateway *gatewayClient
}

// NewViewImageTool creates the tool with its gateway egress.
func NewViewImageTool(gatewayURL, keyPath string) (*ViewImageTool, error) {
	gw, err := newGatewayClient(gatewayURL, keyPath)
	if err != nil {
		return nil, err
	}
	return &ViewImageTool{
		Base: tool.NewBase("view_image",
			"Loads an image attachment into your visual context so you can see and describe it"),
		gateway: gw,
	}, nil
}

func (t *ViewImageTool) Info() tool.Info {
	return tool.Info{
		Command:     "view_image",
		Description: t.Description(),
		Parameters: []tool.ParameterInfo{
			{Name: "attachment_id", Type: "str", Description: "ID of the image attachment to view", Required: true},
		},
	}
}

func (t *ViewImageTool) IsAvailable(ctx tool.AvailabilityContext) bool {
	return true
}

func (t *ViewImageTool) Validate(args map[string]any) error {
	id, ok := args["attachment_id"].(string)
	if !ok || id == "" {
		return fmt.Errorf("missing required argument: 'attachment_id'")
	}
	return nil
}

func (t *ViewImageTool) Execute(ctx context.Context, args map[string]any) error {
	attachmentID, _ := args["attachment_id"].(string)

	var attachment struct {
		AttachmentID string `json:"attachment_id"`
		ContentType  string `json:"content_type"`
		Base64Data   string `json:"base64_data"`
	}
	if err := t.gateway.getJSON("/api/v1/attachments/"+attachmentID, &attachment); err != nil {
		t.PublishResult(ctx, "FAILURE", nil, fmt.Sprintf("Failed to fetch attachment %s: %v", attachmentID, err))
		return nil
	}
	if attachment.Base64Data == "" {
		t.PublishResult(ctx, "FAILURE", nil, fmt.Sprintf("Attachment %s has no image data", attachmentID))
		return nil
	}

	contentType := attachment.ContentType
	if contentType == "" {
		contentType = "image/png"
	}

	t.PublishResult(ctx, "SUCCESS", map[string]any{
		"_view_image": true,
		"_image_data": map[string]any{
			"attachment_id": attachmentID,
			"content_type":  contentType,
			"base64_data":   attachment.Base64Data,
		},
		"message": "Image queued for visual context; it will be visible on your next turn.",
	}, "")
	return nil
}
