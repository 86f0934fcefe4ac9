package scanning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/zombor/bill-extractor/internal/pipeline"
)

// generator is the part of *genai.GenerativeModel the scanner uses
type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
	CountTokens(ctx context.Context, parts ...genai.Part) (*genai.CountTokensResponse, error)
}

// Gemini implements the Scanner interface using Google Gemini
type Gemini struct {
	client *genai.Client
	model  generator
}

// NewGemini creates a new Gemini Scanner instance
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text("Respond with a single JSON object and nothing else.")},
	}

	return &Gemini{
		client: client,
		model:  model,
	}, nil
}

// ScanPages sends every page to Gemini in a single request
func (g *Gemini) ScanPages(ctx context.Context, pages []pipeline.ProcessedPage, prompt string) (map[string]any, TokenUsage, error) {
	ctx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	images, err := encodePages(pages)
	if err != nil {
		return nil, TokenUsage{}, err
	}

	parts := []genai.Part{genai.Text(withFraudAdvisory(prompt, pages))}
	for _, img := range images {
		// genai.ImageData expects just the format suffix, not the full MIME type
		parts = append(parts, genai.ImageData("png", img))
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, TokenUsage{}, fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, TokenUsage{}, fmt.Errorf("no response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	usage := g.countUsage(ctx, parts, responseText.String())

	payload, err := parsePayload(responseText.String())
	if err != nil {
		return nil, usage, fmt.Errorf("parsing bill data: %w", err)
	}

	return payload, usage, nil
}

// countUsage asks the model to count the request and reply tokens. The
// generate response carries no usage metadata in this SDK version. Counting
// is best effort: a failed count leaves that side at zero.
func (g *Gemini) countUsage(ctx context.Context, request []genai.Part, reply string) TokenUsage {
	var usage TokenUsage

	in, err := g.model.CountTokens(ctx, request...)
	if err != nil {
		slog.Warn("Failed to count gemini input tokens", "error", err)
	} else {
		usage.InputTokens = int(in.TotalTokens)
	}

	if reply != "" {
		out, err := g.model.CountTokens(ctx, genai.Text(reply))
		if err != nil {
			slog.Warn("Failed to count gemini output tokens", "error", err)
		} else {
			usage.OutputTokens = int(out.TotalTokens)
		}
	}

	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	return usage
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}
