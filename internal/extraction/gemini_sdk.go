package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GeminiSDKExtractor implements FieldExtractor with the Gemini Go SDK
type GeminiSDKExtractor struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGeminiSDK creates an SDK backed Gemini extractor
func NewGeminiSDK(ctx context.Context, apiKey, modelName string, temperature *float32) (*GeminiSDKExtractor, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	if temperature != nil {
		model.SetTemperature(*temperature)
	}

	return &GeminiSDKExtractor{
		client: client,
		model:  model,
	}, nil
}

// ExtractFields sends the prompt and returns the model's reply verbatim
func (g *GeminiSDKExtractor) ExtractFields(ctx context.Context, prompt Prompt) (ExtractionReply, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt.Text()))
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			return ExtractionReply{}, upstreamError(StageExtracting, apiErr.Code, apiErr.Body, err)
		}
		return ExtractionReply{}, upstreamError(StageExtracting, 0, "", fmt.Errorf("generating content: %w", err))
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ExtractionReply{}, nil
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	return ExtractionReply{RawText: text.String()}, nil
}

// Close closes the Gemini client
func (g *GeminiSDKExtractor) Close() error {
	return g.client.Close()
}
