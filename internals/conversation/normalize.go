package conversation

import (
	"fmt"
	"log/slog"
	"time"
)

// timeLayout matches the millisecond UTC stamps tool runners emit.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Result is a tool result produced outside the conversation, keyed by the
// reference ID it answers.
type Result struct {
	ID       string         `json:"id"`
	SourceID *string        `json:"toolId"`
	Output   map[string]any `json:"output"`
}

// Block converts the result into a toolResult block. A nil output becomes an
// empty object and an empty source ID becomes null.
func (r Result) Block() Block {
	output := r.Output
	if output == nil {
		output = map[string]any{}
	}
	source := r.SourceID
	if source != nil && *source == "" {
		source = nil
	}
	return Block{
		Kind:        KindToolResult,
		ReferenceID: r.ID,
		SourceID:    source,
		Output:      output,
	}
}

// IndexResults keys results by ID. The first result for an ID wins and
// results without an ID are dropped.
func IndexResults(results []Result) map[string]Result {
	out := make(map[string]Result, len(results))
	for _, r := range results {
		if r.ID == "" {
			continue
		}
		if _, ok := out[r.ID]; ok {
			continue
		}
		out[r.ID] = r
	}
	return out
}

type Report struct {
	OK           bool          `json:"ok"`
	Missing      []string      `json:"missing"`
	Conversation *Conversation `json:"messages"`
}

type Normalizer struct {
	log *slog.Logger
	now func() time.Time
}

type Option func(*Normalizer)

func WithLogger(log *slog.Logger) Option {
	return func(n *Normalizer) {
		if log != nil {
			n.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{
		log: slog.New(slog.DiscardHandler),
		now: time.Now,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Normalize makes sure the assistant payload of conv holds exactly one
// toolResult block for every ID in required. IDs with no existing block are
// filled from supplied when possible and with an error placeholder otherwise.
// Existing blocks are never touched; new blocks are appended in required
// order.
//
// conv is mutated in place and returned in the report. ok=false in the report
// is not an error: the conversation is still well-formed. The only error is
// ErrInvalidShape, for a nil conversation or one without both a system and a
// user entry; an absent assistant entry is appended instead.
func (n *Normalizer) Normalize(conv *Conversation, required []string, supplied map[string]Result) (Report, error) {
	if conv == nil {
		return Report{}, fmt.Errorf("%w: conversation is nil", ErrInvalidShape)
	}
	if len(conv.Messages) < AssistantSlot {
		return Report{}, fmt.Errorf("%w: need system and user entries, got %d messages",
			ErrInvalidShape, len(conv.Messages))
	}

	assistant := n.assistantSlot(conv)

	present := make(map[string]struct{}, len(assistant.Blocks)+len(required))
	// Only toolResult blocks count. toolUse blocks carry the same ID as the
	// result that answers them, so indexing every ID would hide the missing
	// result the provider is about to reject.
	for _, b := range assistant.Blocks {
		if b.IsToolResult() && b.ReferenceID != "" {
			present[b.ReferenceID] = struct{}{}
		}
	}

	missing := []string{}
	for _, id := range required {
		if id == "" {
			continue
		}
		if _, ok := present[id]; ok {
			continue
		}
		present[id] = struct{}{}

		if r, ok := supplied[id]; ok {
			r.ID = id
			assistant.Blocks = append(assistant.Blocks, r.Block())
			continue
		}

		assistant.Blocks = append(assistant.Blocks, n.placeholder(id))
		missing = append(missing, id)
		n.log.Warn("inserted placeholder tool result", "id", id)
	}

	return Report{
		OK:           len(missing) == 0,
		Missing:      missing,
		Conversation: conv,
	}, nil
}

// assistantSlot returns the assistant entry, creating it or resetting its
// payload to an empty sequence when needed.
func (n *Normalizer) assistantSlot(conv *Conversation) *Message {
	if len(conv.Messages) == AssistantSlot {
		n.log.Debug("assistant entry absent, appending one")
		conv.Messages = append(conv.Messages, Message{Role: RoleAssistant, Blocks: []Block{}})
	}
	m := &conv.Messages[AssistantSlot]
	if !m.IsSequence() {
		n.log.Debug("assistant payload is not a block sequence, resetting", "role", m.Role)
		m.Text = ""
		m.other = nil
		m.Blocks = []Block{}
	}
	return m
}

func (n *Normalizer) placeholder(id string) Block {
	return Block{
		Kind:        KindToolResult,
		ReferenceID: id,
		Output: map[string]any{
			"error": fmt.Sprintf("missing tool result for %s", id),
			"time":  n.now().UTC().Format(timeLayout),
		},
	}
}

var defaultNormalizer = NewNormalizer()

// Normalize runs a default Normalizer. See (*Normalizer).Normalize.
func Normalize(conv *Conversation, required []string, supplied map[string]Result) (Report, error) {
	return defaultNormalizer.Normalize(conv, required, supplied)
}
