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

// OllamaExtractor implements FieldExtractor using a local Ollama model
type OllamaExtractor struct {
	baseURL     string
	model       string
	temperature *float32
	client      *http.Client
}

// NewOllama creates a new Ollama extractor.
// Text models with good JSON discipline work best (llama3.1, qwen2.5, mistral).
func NewOllama(baseURL string, modelName string, temperature *float32) (*OllamaExtractor, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llama3.1"
	}

	return &OllamaExtractor{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		model:       modelName,
		temperature: temperature,
		client:      &http.Client{},
	}, nil
}

// ollamaChatRequest represents the request body for Ollama's chat API
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature *float32 `json:"temperature,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ollamaChatResponse represents the response from Ollama's chat API
type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// ExtractFields sends the prompt and returns the model's reply verbatim
func (o *OllamaExtractor) ExtractFields(ctx context.Context, prompt Prompt) (ExtractionReply, error) {
	reqBody := ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Messages: []ollamaMessage{
			{
				Role:    "system",
				Content: "You are an expert at reading OCR text from receipts and extracting structured expense information.",
			},
			{
				Role:    "user",
				Content: prompt.Text(),
			},
		},
	}
	if o.temperature != nil {
		reqBody.Options = &ollamaOptions{Temperature: o.temperature}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return ExtractionReply{}, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", o.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return ExtractionReply{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return ExtractionReply{}, upstreamError(StageExtracting, 0, "", fmt.Errorf("calling ollama API: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return ExtractionReply{}, upstreamError(StageExtracting, resp.StatusCode, string(body), nil)
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return ExtractionReply{}, upstreamError(StageExtracting, resp.StatusCode, "", fmt.Errorf("decoding response: %w", err))
	}

	return ExtractionReply{RawText: chatResp.Message.Content}, nil
}

// Close closes the Ollama client (no-op for HTTP client)
func (o *OllamaExtractor) Close() error {
	return nil
}
