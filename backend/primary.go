package backend

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/docuscale/scheduler/domain"
)

// PrimaryBackend is the "primary" kind collaborator backed by Google's
// Gen AI SDK, grounded on the teacher's provider/vertex adapter
// (NewEndpoint/GenerateChatCompletion/Ping shape), updated to the
// unified google.golang.org/genai client the teacher's older
// cloud.google.com/go/vertexai/genai dependency was superseded by.
type PrimaryBackend struct {
	client *genai.Client
	model  string
}

// NewPrimaryBackend constructs a Vertex-AI-backed adapter.
func NewPrimaryBackend(ctx context.Context, project, location, model string) (*PrimaryBackend, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  project,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("primary backend: %w", err)
	}
	return &PrimaryBackend{client: client, model: model}, nil
}

func (b *PrimaryBackend) Call(ctx context.Context, req domain.Request) (domain.Result, error) {
	resp, err := b.client.Models.GenerateContent(ctx, b.model, genai.Text(analysisPrompt(req)), nil)
	if err != nil {
		return domain.Result{}, fmt.Errorf("primary: %w", classifyGenaiErr(err))
	}
	return domain.Result{
		Value:    []byte(resp.Text()),
		Metadata: map[string]string{"backend": "primary"},
	}, nil
}

func (b *PrimaryBackend) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_, err := b.client.Models.GenerateContent(ctx, b.model, genai.Text("ping"), nil)
	if err != nil {
		return classifyGenaiErr(err)
	}
	return nil
}

// classifyGenaiErr maps a Gen AI SDK error to the scheduler's error kinds.
// The SDK surfaces transport/HTTP failures without a typed taxonomy as
// rich as Anthropic's or AWS's, so this falls back to treating every
// failure as transient rather than guessing at fatal-vs-retryable.
func classifyGenaiErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", domain.ErrBackendTransient, err)
}
