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
	"log/slog"

	"github.com/nocturne-ai/nocturne/pkg/state"
	"github.com/nocturne-ai/nocturne/pkg/tool"
)

// ShutdownTool gracefully shuts down the agent by setting its status to
// off. The off state is terminal until externally revived, so no result
// notification is published in either direction.
type ShutdownTool struct {
	tool.Base
	status StatusSetter
}

// NewShutdownTool creates the shutdown tool.
func NewShutdownTool(status StatusSetter) *ShutdownTool {
	return &ShutdownTool{
		Base:   tool.NewBase("shutdown", "Gracefully shuts down the agent"),
		status: status,
	}
}

func (t *ShutdownTool) Info() tool.Info {
	return tool.Info{Command: "shutdown", Description: t.Description()}
}

func (t *ShutdownTool) IsAvailable(ctx tool.AvailabilityContext) bool {
	return true
}

func (t *ShutdownTool) Validate(args map[string]any) error {
	return nil
}

func (t *ShutdownTool) Execute(ctx context.Context, args map[string]any) error {
	slog.Info("agent initiating shutdown")

	if err := t.status.SetAgentStatus(state.StatusOff); err != nil {
		// The agent goes off regardless; the loop observes the status on
		// its next tick and a failure notification would only wake it.
		slog.Error("failed to set off status", "error", err)
	}
	return nil
}
