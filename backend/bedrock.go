package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"github.com/docuscale/scheduler/domain"
)

// claudeOnBedrockRequest mirrors the Anthropic-on-Bedrock request body,
// the same payload shape the teacher's bedrock adapter builds in
// createClaudePayload.
type claudeOnBedrockRequest struct {
	AnthropicVersion string                   `json:"anthropic_version"`
	MaxTokens        int                      `json:"max_tokens"`
	Messages         []claudeOnBedrockMessage `json:"messages"`
}

type claudeOnBedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeOnBedrockResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// BedrockBackend is the "backup" kind collaborator: an alternate model
// host used when primary/complex backends are unavailable.
type BedrockBackend struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockBackend constructs a Bedrock-backed adapter for the given
// region and model ID, loading AWS credentials the standard way
// (environment, shared config, or an attached role).
func NewBedrockBackend(ctx context.Context, region, modelID string) (*BedrockBackend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &BedrockBackend{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

func (b *BedrockBackend) Call(ctx context.Context, req domain.Request) (domain.Result, error) {
	payload, err := json.Marshal(claudeOnBedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        4096,
		Messages: []claudeOnBedrockMessage{
			{Role: "user", Content: analysisPrompt(req)},
		},
	})
	if err != nil {
		return domain.Result{}, fmt.Errorf("bedrock: encode request: %w", err)
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		Body:        payload,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return domain.Result{}, fmt.Errorf("bedrock: %w", classifyBedrockErr(err))
	}

	var resp claudeOnBedrockResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return domain.Result{}, fmt.Errorf("bedrock: decode response: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		text += block.Text
	}
	return domain.Result{
		Value:    []byte(text),
		Metadata: map[string]string{"backend": "bedrock", "stop_reason": resp.StopReason},
	}, nil
}

func (b *BedrockBackend) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	payload, _ := json.Marshal(claudeOnBedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        1,
		Messages:         []claudeOnBedrockMessage{{Role: "user", Content: "ping"}},
	})
	_, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		Body:        payload,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return classifyBedrockErr(err)
	}
	return nil
}

// classifyBedrockErr maps an AWS SDK error to the scheduler's error kinds.
func classifyBedrockErr(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailableException", "ModelTimeoutException":
			return fmt.Errorf("%w: %v", domain.ErrBackendTransient, err)
		default:
			return fmt.Errorf("%w: %v", domain.ErrBackendFatal, err)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrBackendTransient, err)
}
