package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jadenj13/toolpatch/internals/conversation"
)

const (
	DefaultModel     = anthropic.ModelClaude4Sonnet20250514
	DefaultMaxTokens = 8096
)

// MessagesClient is the subset of the Anthropic SDK used here. It is
// satisfied by *anthropic.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type Client struct {
	messages  MessagesClient
	model     anthropic.Model
	maxTokens int64
}

type Option func(*Client)

func WithModel(model anthropic.Model) Option {
	return func(c *Client) { c.model = model }
}

func WithMaxTokens(n int64) Option {
	return func(c *Client) { c.maxTokens = n }
}

// withMessages swaps the SDK service, used by tests.
func withMessages(m MessagesClient) Option {
	return func(c *Client) { c.messages = m }
}

func NewClient(apiKey string, opts ...Option) *Client {
	sdk := anthropic.NewClient(option.WithAPIKey(apiKey))
	c := &Client{
		messages:  &sdk.Messages,
		model:     DefaultModel,
		maxTokens: DefaultMaxTokens,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Complete submits conv and returns the reply text. A rejection that names
// missing tool results comes back as *MissingToolResultsError.
func (c *Client) Complete(ctx context.Context, conv *conversation.Conversation) (string, error) {
	params, err := c.encode(conv)
	if err != nil {
		return "", err
	}

	resp, err := c.messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic api: %w", classify(err))
	}

	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("anthropic returned no text content")
	}
	return strings.Join(parts, "\n"), nil
}

func (c *Client) encode(conv *conversation.Conversation) (anthropic.MessageNewParams, error) {
	ex, err := splitConversation(conv)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(ex.user)),
	}

	if len(ex.assistant) > 0 {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(ex.assistant))
		for _, p := range ex.assistant {
			if p.toolUse != nil {
				blocks = append(blocks, anthropic.NewToolUseBlock(p.toolUse.ID, p.toolUse.input(), p.toolUse.Name))
				continue
			}
			blocks = append(blocks, anthropic.NewTextBlock(p.text))
		}
		messages = append(messages, anthropic.NewAssistantMessage(blocks...))
	}

	if len(ex.results) > 0 {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(ex.results))
		for _, b := range ex.results {
			blocks = append(blocks, anthropic.NewToolResultBlock(b.ReferenceID, resultText(b), b.IsError()))
		}
		messages = append(messages, anthropic.NewUserMessage(blocks...))
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  messages,
	}
	if ex.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: ex.system}}
	}
	return params, nil
}
