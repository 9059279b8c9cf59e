package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider serves claude-* models through the Messages API.
type AnthropicProvider struct {
	client  anthropic.Client
	timeout time.Duration
}

// NewAnthropicProvider builds the adapter. timeout bounds each Messages
// call; zero disables the bound.
func NewAnthropicProvider(apiKey string, timeout time.Duration) *AnthropicProvider {
	return &AnthropicProvider{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		timeout: timeout,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete executes one Messages call. The system block carries an
// ephemeral cache hint when the request asks for one.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Result, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		Messages:    messages,
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		sys := anthropic.TextBlockParam{Text: req.System, Type: "text"}
		if req.CacheSystem {
			sys.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = []anthropic.TextBlockParam{sys}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return nil, ErrMalformedResponse
	}

	var text strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	if text.Len() == 0 {
		return nil, ErrMalformedResponse
	}

	return &Result{
		Text:         text.String(),
		TokensIn:     int(resp.Usage.InputTokens),
		TokensOut:    int(resp.Usage.OutputTokens),
		CachedTokens: int(resp.Usage.CacheReadInputTokens),
		Model:        req.Model,
	}, nil
}

func classifyAnthropicError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TransientError{Err: err}
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 429:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case 500, 502, 503, 504, 529:
			return &TransientError{Err: err}
		default:
			return err
		}
	}
	// Network-level failures arrive unwrapped.
	return &TransientError{Err: err}
}
