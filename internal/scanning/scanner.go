package scanning

import (
	"context"

	"github.com/zombor/bill-extractor/internal/pipeline"
)

// TokenUsage is the model's accounting for one extraction call
type TokenUsage struct {
	TotalTokens  int `json:"total_tokens"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Scanner defines the interface for the external extraction model
type Scanner interface {
	// ScanPages sends the processed pages and a prompt to the model and returns
	// its raw, untrusted payload
	ScanPages(ctx context.Context, pages []pipeline.ProcessedPage, prompt string) (map[string]any, TokenUsage, error)
	// Close closes the scanner and releases resources
	Close() error
}
