package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"

// FieldExtractor asks a language model to fill in receipt fields
type FieldExtractor interface {
	ExtractFields(ctx context.Context, prompt Prompt) (ExtractionReply, error)
	// Close releases the extractor's resources
	Close() error
}

// GeminiExtractor implements FieldExtractor against the Gemini
// generateContent REST endpoint
type GeminiExtractor struct {
	apiKey      string
	endpoint    string
	temperature *float32
	client      *http.Client
}

// NewGemini creates a REST Gemini extractor. An empty endpoint targets the
// public API for modelName.
func NewGemini(apiKey, modelName, endpoint string, temperature *float32) (*GeminiExtractor, error) {
	if apiKey == "" && endpoint == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	if endpoint == "" {
		endpoint = fmt.Sprintf("%s/%s:generateContent", geminiBaseURL, modelName)
	}

	return &GeminiExtractor{
		apiKey:      apiKey,
		endpoint:    endpoint,
		temperature: temperature,
		// deadlines come from the caller's context
		client: &http.Client{},
	}, nil
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature *float32 `json:"temperature,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// ExtractFields sends the prompt and returns the model's reply verbatim
func (g *GeminiExtractor) ExtractFields(ctx context.Context, prompt Prompt) (ExtractionReply, error) {
	reqBody := geminiRequest{
		Contents: []geminiContent{
			{Parts: []geminiPart{{Text: prompt.Text()}}},
		},
	}
	if g.temperature != nil {
		reqBody.GenerationConfig = &geminiGenerationConfig{Temperature: g.temperature}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return ExtractionReply{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return ExtractionReply{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("x-goog-api-key", g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return ExtractionReply{}, upstreamError(StageExtracting, 0, "", fmt.Errorf("calling gemini API: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ExtractionReply{}, upstreamError(StageExtracting, 0, "", fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ExtractionReply{}, upstreamError(StageExtracting, resp.StatusCode, string(body), nil)
	}

	var genResp geminiResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return ExtractionReply{}, upstreamError(StageExtracting, resp.StatusCode, string(body), fmt.Errorf("decoding response: %w", err))
	}

	// A reply without candidates is passed on as empty text and rejected by
	// the normalizer
	if len(genResp.Candidates) == 0 || len(genResp.Candidates[0].Content.Parts) == 0 {
		return ExtractionReply{}, nil
	}

	var text strings.Builder
	for _, part := range genResp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return ExtractionReply{RawText: text.String()}, nil
}

// Close is a no-op for the HTTP client
func (g *GeminiExtractor) Close() error {
	return nil
}
