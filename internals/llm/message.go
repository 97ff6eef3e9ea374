package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jadenj13/toolpatch/internals/conversation"
)

// exchange is a conversation regrouped the way provider APIs want it: system
// prompt apart, assistant text and tool calls in one turn, tool results in the
// following user turn.
type exchange struct {
	system    string
	user      string
	assistant []assistantPart
	results   []conversation.Block
}

type assistantPart struct {
	text    string
	toolUse *toolUse
}

type toolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type textBlock struct {
	Text string `json:"text"`
}

func splitConversation(conv *conversation.Conversation) (exchange, error) {
	if conv == nil || len(conv.Messages) == 0 {
		return exchange{}, fmt.Errorf("messages cannot be empty")
	}

	var ex exchange
	var system, user []string
	for i, m := range conv.Messages {
		switch m.Role {
		case conversation.RoleSystem:
			if m.Text != "" {
				system = append(system, m.Text)
			}
		case conversation.RoleUser:
			if m.Text != "" {
				user = append(user, m.Text)
			}
		case conversation.RoleAssistant:
			if m.Text != "" {
				ex.assistant = append(ex.assistant, assistantPart{text: m.Text})
			}
			for _, b := range m.Blocks {
				ex.addBlock(b)
			}
		default:
			return exchange{}, fmt.Errorf("message[%d]: unknown role %q", i, m.Role)
		}
	}
	ex.system = strings.Join(system, "\n\n")
	ex.user = strings.Join(user, "\n\n")
	if ex.user == "" {
		return exchange{}, fmt.Errorf("conversation has no user text")
	}
	return ex, nil
}

func (ex *exchange) addBlock(b conversation.Block) {
	switch {
	case b.IsToolResult():
		if b.ReferenceID != "" {
			ex.results = append(ex.results, b)
		}
	case b.Malformed() || b.Raw() == nil:
		// nothing to forward
	case b.Kind == conversation.KindText:
		var tb textBlock
		if json.Unmarshal(b.Raw(), &tb) == nil && tb.Text != "" {
			ex.assistant = append(ex.assistant, assistantPart{text: tb.Text})
		}
	case b.Kind == conversation.KindToolUse:
		var tu toolUse
		if json.Unmarshal(b.Raw(), &tu) == nil && tu.ID != "" && tu.Name != "" {
			ex.assistant = append(ex.assistant, assistantPart{toolUse: &tu})
		}
	}
}

// input returns the tool-use input as a generic value, defaulting to an
// empty object.
func (t *toolUse) input() any {
	var v any
	if len(t.Input) > 0 && json.Unmarshal(t.Input, &v) == nil && v != nil {
		return v
	}
	return map[string]any{}
}

// resultValue returns the block's output: the object when there is one,
// otherwise whatever JSON value arrived, defaulting to an empty object.
func resultValue(b conversation.Block) any {
	if b.Output != nil {
		return b.Output
	}
	var v any
	if raw := b.RawOutput(); len(raw) > 0 && json.Unmarshal(raw, &v) == nil && v != nil {
		return v
	}
	return map[string]any{}
}

// resultText renders a tool result output for providers that take text.
func resultText(b conversation.Block) string {
	v := resultValue(b)
	if s, ok := v.(string); ok {
		return s
	}
	if s, ok := b.Output["text"].(string); ok && len(b.Output) == 1 {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
