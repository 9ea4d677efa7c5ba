package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

// CallMessage is one role/content pair sent to the summarization model.
type CallMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CallOptions tunes a single summarization call.
type CallOptions struct {
	MaxTokens int
}

// CallContent is the model response content: either plain text or a list
// of typed blocks. Text() resolves either variant to plain text once, at
// the provider boundary.
type CallContent interface {
	Text() string
}

// PlainText is the string response variant.
type PlainText string

func (p PlainText) Text() string { return string(p) }

// ContentBlock is one element of a block-array response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ContentBlocks is the block-array response variant. Only "text"-typed
// blocks contribute to the resolved text.
type ContentBlocks []ContentBlock

func (b ContentBlocks) Text() string {
	var sb strings.Builder
	for _, block := range b {
		if block.Type != "text" {
			continue
		}
		sb.WriteString(block.Text)
	}
	return sb.String()
}

// AgentCaller is the external summarization collaborator.
type AgentCaller interface {
	SendMessage(ctx context.Context, messages []CallMessage, opts CallOptions) (CallContent, error)
}

// NewCaller builds an AgentCaller for a configured provider.
func NewCaller(providerType string, baseURL string, apiKey string, model string) (AgentCaller, error) {
	providerType = strings.ToLower(strings.TrimSpace(providerType))
	model = strings.TrimSpace(model)
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	if model == "" {
		return nil, errors.New("missing provider model")
	}
	switch providerType {
	case "anthropic":
		opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(baseURL) != "" {
			opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
		}
		return &anthropicCaller{client: anthropic.NewClient(opts...), model: model}, nil
	case "openai", "openai_compatible":
		opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(baseURL) != "" {
			opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
		}
		return &openAICaller{client: openai.NewClient(opts...), model: model}, nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", providerType)
	}
}

type anthropicCaller struct {
	client anthropic.Client
	model  string
}

func (c *anthropicCaller) SendMessage(ctx context.Context, messages []CallMessage, opts CallOptions) (CallContent, error) {
	if c == nil {
		return nil, errors.New("nil caller")
	}
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultSummaryMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
	}
	for _, m := range messages {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			params.System = append(params.System, anthropic.TextBlockParam{Text: text})
		case "assistant":
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		}
	}
	if len(params.Messages) == 0 {
		return nil, errors.New("no messages to send")
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	blocks := make(ContentBlocks, 0, len(msg.Content))
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			blocks = append(blocks, ContentBlock{Type: "text", Text: b.Text})
		default:
			blocks = append(blocks, ContentBlock{Type: string(block.Type)})
		}
	}
	return blocks, nil
}

type openAICaller struct {
	client openai.Client
	model  string
}

func (c *openAICaller) SendMessage(ctx context.Context, messages []CallMessage, opts CallOptions) (CallContent, error) {
	if c == nil {
		return nil, errors.New("nil caller")
	}
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultSummaryMaxTokens
	}

	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(c.model),
		MaxCompletionTokens: openai.Int(maxTokens),
	}
	for _, m := range messages {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			params.Messages = append(params.Messages, openai.SystemMessage(text))
		case "assistant":
			params.Messages = append(params.Messages, openai.AssistantMessage(text))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(text))
		}
	}
	if len(params.Messages) == 0 {
		return nil, errors.New("no messages to send")
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return PlainText(""), nil
	}
	return PlainText(resp.Choices[0].Message.Content), nil
}
