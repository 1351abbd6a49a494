package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/docuscale/scheduler/domain"
)

// anthropicClient narrows the SDK surface this adapter depends on to a
// single method, the same seam the teacher's Claude endpoint uses
// (provider/claude) so tests can substitute a fake rather than calling
// Anthropic's API.
type anthropicClient interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// ClaudeBackend is the "complex" kind collaborator: requests whose
// complexity routes them to Claude (spec.md §4.5 rule cascade).
type ClaudeBackend struct {
	client anthropicClient
	model  anthropic.Model
}

// NewClaudeBackend constructs a Claude-backed adapter for the given
// model (e.g. anthropic.ModelClaude3_7SonnetLatest).
func NewClaudeBackend(apiKey string, model anthropic.Model) *ClaudeBackend {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &ClaudeBackend{client: &client.Messages, model: model}
}

func (b *ClaudeBackend) Call(ctx context.Context, req domain.Request) (domain.Result, error) {
	msg, err := b.client.New(ctx, anthropic.MessageNewParams{
		Model:     b.model,
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(analysisPrompt(req))),
		},
	})
	if err != nil {
		return domain.Result{}, fmt.Errorf("claude: %w", classifyClaudeErr(err))
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return domain.Result{
		Value:    []byte(text),
		Metadata: map[string]string{"backend": "claude", "stop_reason": string(msg.StopReason)},
	}, nil
}

func (b *ClaudeBackend) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_, err := b.client.New(ctx, anthropic.MessageNewParams{
		Model:     b.model,
		MaxTokens: 1,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("ping"))},
	})
	if err != nil {
		return classifyClaudeErr(err)
	}
	return nil
}

// classifyClaudeErr maps an SDK error to one of the scheduler's error
// kinds so the queue's retry logic (spec.md §7) doesn't need to know
// about Anthropic-specific error types.
func classifyClaudeErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429 || apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", domain.ErrBackendTransient, err)
		case apiErr.StatusCode == 408:
			return fmt.Errorf("%w: %v", domain.ErrBackendTimeout, err)
		default:
			return fmt.Errorf("%w: %v", domain.ErrBackendFatal, err)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrBackendTransient, err)
}
