package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider serves gpt-* models through the Chat Completions API.
// OpenAI caches long stable prefixes automatically, so CacheSystem needs
// no explicit hint here.
type OpenAIProvider struct {
	client  openai.Client
	timeout time.Duration
}

// NewOpenAIProvider builds the adapter. timeout bounds each completion
// call; zero disables the bound.
func NewOpenAIProvider(apiKey string, timeout time.Duration) *OpenAIProvider {
	return &OpenAIProvider{
		client:  openai.NewClient(option.WithAPIKey(apiKey)),
		timeout: timeout,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Complete executes one chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Result, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			messages = append(messages, openai.UserMessage(m.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
		MaxTokens:   openai.Int(int64(req.MaxTokens)),
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, ErrMalformedResponse
	}

	return &Result{
		Text:         resp.Choices[0].Message.Content,
		TokensIn:     int(resp.Usage.PromptTokens),
		TokensOut:    int(resp.Usage.CompletionTokens),
		CachedTokens: int(resp.Usage.PromptTokensDetails.CachedTokens),
		Model:        req.Model,
	}, nil
}

func classifyOpenAIError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TransientError{Err: err}
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 429:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case 500, 502, 503, 504:
			return &TransientError{Err: err}
		default:
			return err
		}
	}
	return &TransientError{Err: err}
}
