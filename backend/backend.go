// Package backend defines the collaborator interface the queue (C6) calls
// into to actually run a request against a model provider, plus three
// concrete adapters grounded on the teacher's multi-provider client
// wiring (spec.md §9 design note): Claude via the Anthropic SDK, a
// "backup" adapter via AWS Bedrock, and a "primary" adapter via Google's
// Gen AI SDK. Every adapter collapses the teacher's full chat-format
// conversion down to a single generic document-analysis call, since this
// system never exposes a chat API of its own.
package backend

import (
	"context"
	"time"

	"github.com/docuscale/scheduler/domain"
)

// Backend is what the queue (C6) calls to actually run a request. Probe
// is used by the maintenance loop's health checks (C8); it must be cheap
// and must not count against the backend's declared concurrency limit.
type Backend interface {
	Call(ctx context.Context, req domain.Request) (domain.Result, error)
	Probe(ctx context.Context) error
}

// analysisPrompt renders a document-analysis request into the single
// prompt string every adapter sends verbatim to its provider — this
// system has no multi-turn chat surface, only one-shot document analysis.
func analysisPrompt(req domain.Request) string {
	caps := req.RequiredCapabilities.Slice()
	instruction := "Analyze the attached document"
	if len(caps) > 0 {
		instruction += " for: "
		for i, c := range caps {
			if i > 0 {
				instruction += ", "
			}
			instruction += string(c)
		}
	}
	if req.DocumentType != "" {
		instruction += ". Document type: " + req.DocumentType + "."
	}
	return instruction
}

// probeTimeout bounds every adapter's health probe so a slow or hanging
// provider never stalls the maintenance loop (spec.md §9).
const probeTimeout = 5 * time.Second
