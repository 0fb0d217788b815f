// Package llms provides the LLM provider used by the agent runtime.
package llms

import "context"

// Message roles accepted by providers. System messages are converted to
// whatever the backend expects.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Image is a binary image part attached to a message.
type Image struct {
	AttachmentID string
	ContentType  string
	Data         []byte
}

// Message is one turn of LLM input: text plus any number of binary image
// parts. The context builder is responsible for stripping inline base64
// out of Text and moving it into Images.
type Message struct {
	Role   string
	Text   string
	Images []Image
}

// Provider generates model responses for the agent loop and the memory
// modules.
type Provider interface {
	// Generate runs a JSON-mode chat completion over the conversation.
	// fast selects the low-latency model variant.
	Generate(ctx context.Context, messages []Message, fast bool) (string, error)

	// GenerateWithSystem runs a single-shot completion with a system
	// instruction, used by the subconscious memory modules.
	GenerateWithSystem(ctx context.Context, systemInstruction, content string) (string, error)
}
