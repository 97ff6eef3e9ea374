package conversation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	KindToolResult = "toolResult"
	KindToolUse    = "toolUse"
	KindText       = "text"
)

// AssistantSlot is the index of the assistant entry in a conversation.
const AssistantSlot = 2

var ErrInvalidShape = errors.New("invalid conversation shape")

// Conversation is the system/user/assistant exchange handed to a model API.
// It encodes to and decodes from a bare JSON array of messages.
type Conversation struct {
	Messages []Message
}

func New(system, user string) *Conversation {
	return &Conversation{Messages: []Message{
		{Role: RoleSystem, Text: system},
		{Role: RoleUser, Text: user},
		{Role: RoleAssistant, Blocks: []Block{}},
	}}
}

// Decode parses a JSON conversation. Anything but a JSON array is rejected
// with ErrInvalidShape.
func Decode(data []byte) (*Conversation, error) {
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// Assistant returns the assistant entry, or nil when the conversation is too
// short to have one.
func (c *Conversation) Assistant() *Message {
	if c == nil || len(c.Messages) <= AssistantSlot {
		return nil
	}
	return &c.Messages[AssistantSlot]
}

func (c Conversation) MarshalJSON() ([]byte, error) {
	if c.Messages == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.Messages)
}

func (c *Conversation) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return fmt.Errorf("%w: messages must be a JSON array", ErrInvalidShape)
	}
	var msgs []Message
	if err := json.Unmarshal(trimmed, &msgs); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidShape, err)
	}
	c.Messages = msgs
	return nil
}

// Message is one role entry. Content arrives either as plain text (Text) or
// as a sequence of blocks (Blocks); any other content shape is carried
// through untouched.
type Message struct {
	Role   Role
	Text   string
	Blocks []Block

	other json.RawMessage
}

// IsSequence reports whether the payload is a block sequence.
func (m *Message) IsSequence() bool {
	return m.Blocks != nil
}

type wireMessage struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{Role: m.Role}
	switch {
	case m.Blocks != nil:
		b, err := json.Marshal(m.Blocks)
		if err != nil {
			return nil, err
		}
		w.Content = b
	case m.other != nil:
		w.Content = m.other
	default:
		b, err := json.Marshal(m.Text)
		if err != nil {
			return nil, err
		}
		w.Content = b
	}
	return json.Marshal(w)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{Role: w.Role}

	content := bytes.TrimSpace(w.Content)
	if len(content) == 0 || bytes.Equal(content, []byte("null")) {
		return nil
	}
	switch content[0] {
	case '"':
		return json.Unmarshal(content, &m.Text)
	case '[':
		var blocks []Block
		if err := json.Unmarshal(content, &blocks); err != nil {
			return err
		}
		if blocks == nil {
			blocks = []Block{}
		}
		m.Blocks = blocks
	default:
		m.other = append(json.RawMessage(nil), content...)
	}
	return nil
}

// Block is one entry of an assistant payload. Only toolResult blocks are
// managed here; every other kind is opaque.
type Block struct {
	Kind        string         `json:"type"`
	ReferenceID string         `json:"id"`
	SourceID    *string        `json:"toolId"`
	Output      map[string]any `json:"output"`

	// raw holds the original encoding of a decoded block. Decoded blocks are
	// re-emitted as-is.
	raw       json.RawMessage
	rawOutput json.RawMessage
	malformed bool
}

func (b Block) IsToolResult() bool {
	return !b.malformed && b.Kind == KindToolResult
}

// IsError reports whether the block carries a non-empty output.error.
func (b Block) IsError() bool {
	s, _ := b.Output["error"].(string)
	return s != ""
}

// Malformed reports whether the block is not a JSON object or carries a
// non-string type or id.
func (b Block) Malformed() bool { return b.malformed }

// Raw returns the original encoding for decoded blocks, nil for blocks
// created in-process.
func (b Block) Raw() json.RawMessage { return b.raw }

// RawOutput returns the decoded block's output as it arrived. Output is nil
// when that value is not a JSON object.
func (b Block) RawOutput() json.RawMessage { return b.rawOutput }

type blockFields struct {
	Kind        string         `json:"type"`
	ReferenceID string         `json:"id"`
	SourceID    *string        `json:"toolId"`
	Output      map[string]any `json:"output"`
}

func (b Block) MarshalJSON() ([]byte, error) {
	if b.raw != nil {
		return b.raw, nil
	}
	return json.Marshal(blockFields{
		Kind:        b.Kind,
		ReferenceID: b.ReferenceID,
		SourceID:    b.SourceID,
		Output:      b.Output,
	})
}

// UnmarshalJSON never fails. type and id decide whether a block is usable;
// toolId and output are schema-less and decoded best-effort.
func (b *Block) UnmarshalJSON(data []byte) error {
	*b = Block{raw: append(json.RawMessage(nil), data...)}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		b.malformed = true
		return nil
	}
	if !optionalString(fields["type"], &b.Kind) || !optionalString(fields["id"], &b.ReferenceID) {
		b.malformed = true
		return nil
	}

	var source string
	if optionalString(fields["toolId"], &source) && source != "" {
		b.SourceID = &source
	}
	if out, ok := fields["output"]; ok {
		b.rawOutput = out
		_ = json.Unmarshal(out, &b.Output) // non-objects leave Output nil
	}
	return nil
}

// optionalString decodes a JSON string into dst. Absent and null values are
// accepted and leave dst empty.
func optionalString(data json.RawMessage, dst *string) bool {
	if len(data) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return true
	}
	return json.Unmarshal(data, dst) == nil
}
