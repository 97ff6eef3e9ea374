package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/jadenj13/toolpatch/internals/conversation"
)

// RuntimeClient is the subset of *bedrockruntime.Client used here.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockClient submits conversations through the Bedrock Converse API.
type BedrockClient struct {
	runtime   RuntimeClient
	modelID   string
	maxTokens int32
}

func NewBedrockClient(runtime RuntimeClient, modelID string, maxTokens int32) (*BedrockClient, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if modelID == "" {
		return nil, errors.New("bedrock model id is required")
	}
	return &BedrockClient{runtime: runtime, modelID: modelID, maxTokens: maxTokens}, nil
}

// Complete submits conv and returns the reply text. A ValidationException
// naming missing toolResult blocks comes back as *MissingToolResultsError.
func (c *BedrockClient) Complete(ctx context.Context, conv *conversation.Conversation) (string, error) {
	input, err := c.encode(conv)
	if err != nil {
		return "", err
	}

	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return "", fmt.Errorf("bedrock converse: %w", classify(err))
	}
	if out == nil {
		return "", errors.New("bedrock returned no output")
	}

	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", fmt.Errorf("unexpected bedrock output %T", out.Output)
	}
	var parts []string
	for _, block := range msg.Value.Content {
		if t, ok := block.(*brtypes.ContentBlockMemberText); ok && t.Value != "" {
			parts = append(parts, t.Value)
		}
	}
	if len(parts) == 0 {
		return "", errors.New("bedrock returned no text content")
	}
	return strings.Join(parts, "\n"), nil
}

func (c *BedrockClient) encode(conv *conversation.Conversation) (*bedrockruntime.ConverseInput, error) {
	ex, err := splitConversation(conv)
	if err != nil {
		return nil, err
	}

	messages := []brtypes.Message{{
		Role:    brtypes.ConversationRoleUser,
		Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: ex.user}},
	}}

	if len(ex.assistant) > 0 {
		blocks := make([]brtypes.ContentBlock, 0, len(ex.assistant))
		for _, p := range ex.assistant {
			if p.toolUse != nil {
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(p.toolUse.ID),
					Name:      aws.String(p.toolUse.Name),
					Input:     lazyDocument(p.toolUse.input()),
				}})
				continue
			}
			blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: p.text})
		}
		messages = append(messages, brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: blocks})
	}

	// Bedrock expects tool results in the user turn that follows the tool use.
	if len(ex.results) > 0 {
		blocks := make([]brtypes.ContentBlock, 0, len(ex.results))
		for _, b := range ex.results {
			tr := brtypes.ToolResultBlock{
				ToolUseId: aws.String(b.ReferenceID),
				Content:   []brtypes.ToolResultContentBlock{resultContent(b)},
			}
			if b.IsError() {
				tr.Status = brtypes.ToolResultStatusError
			}
			blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: tr})
		}
		messages = append(messages, brtypes.Message{Role: brtypes.ConversationRoleUser, Content: blocks})
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(c.modelID),
		Messages: messages,
	}
	if ex.system != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: ex.system}}
	}
	if c.maxTokens > 0 {
		input.InferenceConfig = &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(c.maxTokens)}
	}
	return input, nil
}

// resultContent sends object outputs as JSON documents and anything else as
// text, since Converse only accepts objects in the json member.
func resultContent(b conversation.Block) brtypes.ToolResultContentBlock {
	if b.Output != nil || len(b.RawOutput()) == 0 {
		return &brtypes.ToolResultContentBlockMemberJson{Value: lazyDocument(b.Output)}
	}
	return &brtypes.ToolResultContentBlockMemberText{Value: resultText(b)}
}

func lazyDocument(v any) document.Interface {
	if m, ok := v.(map[string]any); ok && m == nil {
		v = map[string]any{}
	}
	return document.NewLazyDocument(&v)
}
