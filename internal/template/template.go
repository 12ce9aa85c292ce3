// Package template implements the chat-prompt template engine: a pluggable
// (messages, tools) -> prompt string function, selected by name at startup.
// New families are a build-time extension point, matching the teacher
// codebase's policy-name-registry pattern (see sim/bundle.go's
// validRoutingPolicies and friends).
package template

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sgl-project/disagg-lb/internal/lberrors"
)

// Message is one chat turn. Content is kept as a raw string; multi-part
// (text+image) content is out of scope (the balancer only understands
// "tokenize the prompt text", per spec.md §1).
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Template renders a message list and optional tool definitions into the
// literal prompt string handed to the tokenizer. Render errors are
// client-facing (4xx): a malformed message list is the caller's fault, not
// the balancer's.
type Template interface {
	Render(messages []Message, tools []json.RawMessage) (string, error)
}

// DefaultName is used when --prompt-template-type is not set.
const DefaultName = "generic"

// Registry is a name -> Template lookup table built once at startup.
type Registry map[string]Template

// NewRegistry returns the registry of bundled templates.
func NewRegistry() Registry {
	return Registry{
		"qwen3-no-think": qwen3NoThinkTemplate{},
		DefaultName:      genericTemplate{},
	}
}

// Get resolves name to a Template, defaulting to DefaultName when name is
// empty. An unrecognized name is a ConfigError: template selection happens
// once at startup from a CLI flag, so an invalid name should fail fast.
func (r Registry) Get(name string) (Template, error) {
	if name == "" {
		name = DefaultName
	}
	t, ok := r[name]
	if !ok {
		return nil, lberrors.NewConfigError("unknown --prompt-template-type %q", name)
	}
	return t, nil
}

func validateMessages(messages []Message) error {
	if len(messages) == 0 {
		return lberrors.ClientError("chat request must contain at least one message")
	}
	for i, m := range messages {
		if m.Role == "" {
			return lberrors.ClientError("message %d: role must not be empty", i)
		}
	}
	return nil
}

func renderToolBlock(tools []json.RawMessage) (string, error) {
	if len(tools) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(tools)
	if err != nil {
		return "", lberrors.ClientError("failed to serialize tool definitions: %v", err)
	}
	return fmt.Sprintf("# Tools\nYou may call the following tools:\n%s\n", string(raw)), nil
}

// genericTemplate is a minimal chatml-style renderer with no thinking stub,
// used as the default/fallback template.
type genericTemplate struct{}

func (genericTemplate) Render(messages []Message, tools []json.RawMessage) (string, error) {
	if err := validateMessages(messages); err != nil {
		return "", err
	}
	toolBlock, err := renderToolBlock(tools)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if toolBlock != "" {
		b.WriteString("<|im_start|>system\n")
		b.WriteString(toolBlock)
		b.WriteString("<|im_end|>\n")
	}
	for _, m := range messages {
		fmt.Fprintf(&b, "<|im_start|>%s\n%s<|im_end|>\n", m.Role, m.Content)
	}
	b.WriteString("<|im_start|>assistant\n")
	return b.String(), nil
}

// qwen3NoThinkTemplate matches sglang's "qwen3-no-think" family: chatml
// turns, with an empty <think></think> block inserted at the start of the
// assistant turn so the model skips its reasoning phase.
type qwen3NoThinkTemplate struct{}

func (qwen3NoThinkTemplate) Render(messages []Message, tools []json.RawMessage) (string, error) {
	if err := validateMessages(messages); err != nil {
		return "", err
	}
	toolBlock, err := renderToolBlock(tools)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if toolBlock != "" {
		b.WriteString("<|im_start|>system\n")
		b.WriteString(toolBlock)
		b.WriteString("<|im_end|>\n")
	}
	for _, m := range messages {
		fmt.Fprintf(&b, "<|im_start|>%s\n%s<|im_end|>\n", m.Role, m.Content)
	}
	b.WriteString("<|im_start|>assistant\n<think>\n\n</think>\n\n")
	return b.String(), nil
}
