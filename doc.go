// Package nocturne is a multi-agent runtime where autonomous LLM-powered
// workers cooperate through durable message queues.
//
// Each agent is one process running a perceive-think-act loop: it drains
// its RabbitMQ queue, asks the model what to do, dispatches tools, and
// settles every message with acknowledgement-based retry. Two subconscious
// modules run beside the loop, writing to and reading from a Weaviate-backed
// semantic memory.
//
// # Quick Start
//
// Install the runtime:
//
//	go install github.com/nocturne-ai/nocturne/cmd/nocturne@latest
//
// Describe an agent:
//
//	name: weather_agent
//	display_name: Weather Service
//	tools:
//	  - sleep
//	  - shutdown
//	  - send_user_message
//	  - send_agent_message
//
// Run it:
//
//	nocturne run --agent-file weather_agent.yaml
//
// Infrastructure settings (broker, Weaviate, API gateway, Gemini key) come
// from the environment; see pkg/config.
//
// # Packages
//
//   - pkg/agent: the processing loop and state machine
//   - pkg/notify: the notification fabric (queues, ack/nack, retry)
//   - pkg/state: the state store client (status, transcript, prompts)
//   - pkg/context: LLM context assembly and response parsing
//   - pkg/memory: the memory creator and retriever modules
//   - pkg/memorystore, pkg/databases: typed memory over Weaviate
//   - pkg/tool, pkg/tools: the tool interface and standard tools
//   - pkg/llms, pkg/embedders: Gemini chat and embedding providers
package nocturne
