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

// Package agent implements the perceive-think-act processing loop and its
// governing state machine.
//
// One agent is one process-local loop: it drains its queue, transitions
// idle -> thinking -> executing_tools -> idle within a cycle, dispatches
// tools, and settles every drained notification with the retry policy. The
// cycle is the recovery unit; per-tool failures become structured
// tool_result notifications and never abort it.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	contextpkg "github.com/nocturne-ai/nocturne/pkg/context"
	"github.com/nocturne-ai/nocturne/pkg/llms"
	"github.com/nocturne-ai/nocturne/pkg/memorystore"
	"github.com/nocturne-ai/nocturne/pkg/notify"
	"github.com/nocturne-ai/nocturne/pkg/state"
	"github.com/nocturne-ai/nocturne/pkg/tool"
)

// staleStateTimeout is how old a non-idle processing state may be before
// the loop force-resets it to idle.
const staleStateTimeout = 300 * time.Second

// StateStore is the slice of the state store client the loop depends on.
// *state.Client satisfies it; tests substitute a fake.
type StateStore interface {
	GetProcessingState() (state.ProcessingState, error)
	SetProcessingState(s state.ProcessingState) error
	GetAgentStatus() (state.AgentStatus, error)
	SetAgentStatus(s state.AgentStatus) error
	GetAgentState() (*state.AgentState, error)
	GetMessageHistory(limit, offset int) ([]state.Message, error)
	AppendMessage(role state.Role, content map[string]any, documents []string) error
	UpdateSystemPrompt(content string) error
	GetFullPromptContent() (*state.FullPrompt, error)
	UpdateAgentMetadata(patch map[string]any) error
	PublishActionStatus(sessionID, actionDescription string) error
	ForwardBrowserScreenshot(sessionID, screenshotBase64, currentURL, task string) error
}

// MemoryRetriever is the subconscious read module.
type MemoryRetriever interface {
	ShouldRun(turnNumber int) bool
	Run(ctx context.Context, messages []state.Message) []*memorystore.Memory
}

// MemoryCreator is the subconscious write module.
type MemoryCreator interface {
	ShouldRun(turnNumber int) bool
	Run(ctx context.Context, messages []state.Message)
}

// Config carries the loop's tunables.
type Config struct {
	AgentName        string
	DisplayName      string
	Description      string
	SystemPromptPath string
	BrokerURL        string
	CheckInterval    time.Duration

	MaxConversationMessages      int
	MessageHistoryRetrievalLimit int
}

// Agent is one autonomous worker: a queue, a state machine, a tool set,
// and an LLM.
type Agent struct {
	name        string
	displayName string
	description string

	systemPromptPath string
	checkInterval    time.Duration
	historyLimit     int

	db          StateStore
	fabric      *notify.Fabric
	publisher   notify.Publisher
	errNotifier *notify.ErrorNotifier
	registry    *tool.Registry
	builder     *contextpkg.Builder
	llm         llms.Provider
	retriever   MemoryRetriever
	creator     MemoryCreator
	log         *slog.Logger

	// processing guards against overlapping cycles; the tick path uses
	// TryLock and skips when contended.
	processing sync.Mutex
	running    bool

	// Sticky cycle context, refreshed from each notification batch.
	lastSessionID string
	lastCallID    string
	fastMode      bool

	// pendingImages holds view_image payloads queued for the next LLM call.
	pendingImages []llms.Image

	now func() time.Time
}

// New assembles an agent from its collaborators. Call RegisterTool for
// each tool before Run.
func New(cfg Config, db StateStore, fabric *notify.Fabric, publisher notify.Publisher, llm llms.Provider, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 250 * time.Millisecond
	}
	if cfg.MessageHistoryRetrievalLimit <= 0 {
		cfg.MessageHistoryRetrievalLimit = 500
	}

	a := &Agent{
		name:             cfg.AgentName,
		displayName:      cfg.DisplayName,
		description:      cfg.Description,
		systemPromptPath: cfg.SystemPromptPath,
		checkInterval:    cfg.CheckInterval,
		historyLimit:     cfg.MessageHistoryRetrievalLimit,
		db:               db,
		fabric:           fabric,
		publisher:        publisher,
		errNotifier:      notify.NewErrorNotifier(cfg.AgentName, fabric, log),
		llm:              llm,
		log:              log,
		now:              time.Now,
	}

	a.registry = tool.NewRegistry(cfg.AgentName, cfg.BrokerURL, publisher)
	a.builder = contextpkg.NewBuilder(
		cfg.AgentName,
		cfg.MaxConversationMessages,
		a.liveSystemPrompt,
		a.handlePromptChanged,
		log,
	)

	return a
}

// SetMemoryModules wires the optional subconscious modules.
func (a *Agent) SetMemoryModules(creator MemoryCreator, retriever MemoryRetriever) {
	a.creator = creator
	a.retriever = retriever
}

// RegisterTool adds a tool to the agent's registry.
func (a *Agent) RegisterTool(t tool.Tool) error {
	if err := a.registry.Register(t); err != nil {
		return err
	}
	a.log.Debug("registered tool", "tool", t.Name())
	return nil
}

// Run starts the polling loop and blocks until the context is canceled or
// the agent shuts itself off. The fabric must be connected.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("starting agent", "display_name", a.displayName)

	if err := a.db.SetAgentStatus(state.StatusActive); err != nil {
		a.log.Error("failed to set active status", "error", err)
	}
	if err := a.db.SetProcessingState(state.StateIdle); err != nil {
		a.log.Error("failed to reset processing state", "error", err)
	}

	a.running = true
	defer a.shutdown()

	ticker := time.NewTicker(a.checkInterval)
	defer ticker.Stop()

	for a.running {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.tick(ctx)
		}
	}

	return nil
}

// tick attempts one cycle if the agent is idle and uncontended.
func (a *Agent) tick(ctx context.Context) {
	if !a.processing.TryLock() {
		// Contention should not happen with prefetch=1; skipping the tick
		// is the defensive disposition.
		a.log.Debug("processing lock contended, skipping tick")
		return
	}
	defer a.processing.Unlock()

	current, err := a.db.GetProcessingState()
	if err != nil {
		a.log.Warn("failed to read processing state", "error", err)
		return
	}

	if current != state.StateIdle {
		current = a.recoverStaleState(current)
	}
	if current != state.StateIdle {
		return
	}

	a.processCycle(ctx)
}

// recoverStaleState force-resets a non-idle processing state that has not
// been updated within the stale timeout. A crash mid-cycle otherwise
// wedges the agent forever.
func (a *Agent) recoverStaleState(current state.ProcessingState) state.ProcessingState {
	agentState, err := a.db.GetAgentState()
	if err != nil {
		a.log.Warn("could not get agent state for stale check", "error", err)
		return current
	}
	if agentState.LastUpdated.IsZero() {
		a.log.Warn("no last_updated timestamp in agent state")
		return current
	}

	age := a.now().Sub(agentState.LastUpdated)
	if age <= staleStateTimeout {
		return current
	}

	a.log.Warn("stale processing state detected, force resetting to idle",
		"state", current, "age", age)
	if err := a.db.SetProcessingState(state.StateIdle); err != nil {
		a.log.Error("failed to reset stale state", "error", err)
		return current
	}
	return state.StateIdle
}

// Stop ends the loop after the current tick.
func (a *Agent) Stop() {
	a.running = false
}

// shutdown transitions the agent off and releases the broker.
func (a *Agent) shutdown() {
	a.log.Info("stopping agent", "display_name", a.displayName)

	if err := a.db.SetAgentStatus(state.StatusOff); err != nil {
		a.log.Error("failed to set off status", "error", err)
	}
	if err := a.db.SetProcessingState(state.StateIdle); err != nil {
		a.log.Error("failed to reset processing state", "error", err)
	}

	a.fabric.Close()
	a.log.Info("agent stopped")
}
