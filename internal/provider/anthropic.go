package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 8192

// MessagesAPI is the subset of the Anthropic SDK used by the caller. It is
// satisfied by *sdk.MessageService; tests pass a mock.
type MessagesAPI interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicCaller implements Caller on the Claude Messages API.
type AnthropicCaller struct {
	msg MessagesAPI
}

// NewAnthropicCaller builds a caller with the default SDK HTTP client.
func NewAnthropicCaller(apiKey string) (*AnthropicCaller, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicCaller{msg: &ac.Messages}, nil
}

// NewAnthropicCallerWith wires an explicit messages client, for tests.
func NewAnthropicCallerWith(msg MessagesAPI) *AnthropicCaller {
	return &AnthropicCaller{msg: msg}
}

// Call issues a non-streaming Messages request. System messages become the
// system block; the rest map 1:1.
func (c *AnthropicCaller) Call(ctx context.Context, model string, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			params.System = append(params.System, sdk.TextBlockParam{Text: m.Content})
		case "assistant":
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicErr(model, err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return &Response{
		Content: b.String(),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
		FinishReason: string(msg.StopReason),
	}, nil
}

// classifyAnthropicErr maps SDK failures onto the retry taxonomy:
// rate limits, conflicts, and server errors retry; everything else
// (auth, bad request, unknown model) is terminal.
func classifyAnthropicErr(model string, err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 408, apierr.StatusCode == 409, apierr.StatusCode == 429:
			return Retriable(model, err)
		case apierr.StatusCode >= 500:
			return Retriable(model, err)
		default:
			return Terminal(model, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("anthropic call to %s: %w", model, err)
	}
	// Transport-level failures (connection reset, DNS) are retriable.
	return Retriable(model, err)
}
