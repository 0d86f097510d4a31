package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/shopspring/decimal"
	"google.golang.org/api/option"
)

// Config holds the flag values needed to build a Pipeline
type Config struct {
	VisionKey       *string
	VisionEndpoint  *string
	Extractor       *string
	GeminiKey       *string
	GeminiModel     *string
	GeminiEndpoint  *string
	OllamaURL       *string
	OllamaModel     *string
	Temperature     *string
	PromptVersion   *string
	ReceiptDate     *string
	TotalCheck      *string
	TotalTolerance  *string
	UpstreamTimeout *int
	UpstreamTries   *int
}

// RegisterFlags declares the pipeline flags on fs
func RegisterFlags(fs *ff.FlagSet) *Config {
	return &Config{
		VisionKey:       fs.StringLong("vision-key", "", "Google Cloud Vision API key (or set VISION_API_KEY env var)"),
		VisionEndpoint:  fs.StringLong("vision-endpoint", "", "Override the Vision API base URL"),
		Extractor:       fs.StringLong("extractor", "gemini", "Field extractor: 'gemini', 'gemini-sdk' or 'ollama'"),
		GeminiKey:       fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY / GOOGLE_API_KEY env var)"),
		GeminiModel:     fs.StringLong("gemini-model", "gemini-1.5-flash", "Google Gemini model name"),
		GeminiEndpoint:  fs.StringLong("gemini-endpoint", "", "Override the Gemini generateContent URL"),
		OllamaURL:       fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL"),
		OllamaModel:     fs.StringLong("ollama-model", "llama3.1", "Ollama model name"),
		Temperature:     fs.StringLong("temperature", "", "Sampling temperature sent to the model (empty for provider default)"),
		PromptVersion:   fs.StringLong("prompt-version", string(PromptV1), "Prompt schema: 'v1' or 'v2' (adds receipt date)"),
		ReceiptDate:     fs.StringLong("receipt-date", string(DateToday), "Draft date source: 'today' or 'extract'"),
		TotalCheck:      fs.StringLong("total-check", string(TotalFlag), "Total vs items check: 'ignore', 'flag' or 'reject'"),
		TotalTolerance:  fs.StringLong("total-tolerance", DefaultTotalTolerance.String(), "Accepted gap between total and item sum"),
		UpstreamTimeout: fs.IntLong("upstream-timeout-secs", 30, "Deadline for each OCR/LLM call in seconds"),
		UpstreamTries:   fs.IntLong("upstream-attempts", 2, "Attempts per OCR/LLM call for transient failures"),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Options converts flag values into pipeline options
func (c *Config) Options() (Options, error) {
	opts := DefaultOptions()

	switch v := PromptVersion(*c.PromptVersion); v {
	case PromptV1, PromptV2:
		opts.PromptVersion = v
	default:
		return Options{}, fmt.Errorf("invalid prompt version %q", v)
	}

	switch d := DatePolicy(*c.ReceiptDate); d {
	case DateToday:
	case DateFromReceipt:
		if opts.PromptVersion != PromptV2 {
			return Options{}, fmt.Errorf("--receipt-date=extract requires --prompt-version=v2")
		}
		opts.Draft.Date = d
	default:
		return Options{}, fmt.Errorf("invalid receipt date policy %q", d)
	}

	switch t := TotalPolicy(*c.TotalCheck); t {
	case TotalIgnore, TotalFlag, TotalReject:
		opts.Draft.Total = t
	default:
		return Options{}, fmt.Errorf("invalid total check %q", t)
	}

	tolerance, err := decimal.NewFromString(*c.TotalTolerance)
	if err != nil || tolerance.IsNegative() {
		return Options{}, fmt.Errorf("invalid total tolerance %q", *c.TotalTolerance)
	}
	opts.Draft.Tolerance = tolerance

	opts.Retry.Timeout = time.Duration(*c.UpstreamTimeout) * time.Second
	opts.Retry.MaxAttempts = *c.UpstreamTries

	return opts, nil
}

func (c *Config) temperature() (*float32, error) {
	if *c.Temperature == "" {
		return nil, nil
	}
	t, err := strconv.ParseFloat(*c.Temperature, 32)
	if err != nil || t < 0 {
		return nil, fmt.Errorf("invalid temperature %q", *c.Temperature)
	}
	t32 := float32(t)
	return &t32, nil
}

// NewFieldExtractor builds the extractor selected by --extractor
func (c *Config) NewFieldExtractor(ctx context.Context) (FieldExtractor, error) {
	temperature, err := c.temperature()
	if err != nil {
		return nil, err
	}

	geminiKey := firstNonEmpty(*c.GeminiKey, os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY"))
	var extractor FieldExtractor
	switch *c.Extractor {
	case "gemini":
		slog.Info("Initializing Gemini extractor...", "model", *c.GeminiModel)
		extractor, err = NewGemini(geminiKey, *c.GeminiModel, *c.GeminiEndpoint, temperature)
	case "gemini-sdk":
		slog.Info("Initializing Gemini SDK extractor...", "model", *c.GeminiModel)
		extractor, err = NewGeminiSDK(ctx, geminiKey, *c.GeminiModel, temperature)
	case "ollama":
		slog.Info("Initializing Ollama extractor...", "url", *c.OllamaURL, "model", *c.OllamaModel)
		extractor, err = NewOllama(*c.OllamaURL, *c.OllamaModel, temperature)
	default:
		return nil, fmt.Errorf("invalid extractor %q (valid: gemini, gemini-sdk, ollama)", *c.Extractor)
	}
	if err != nil {
		return nil, err
	}
	return extractor, nil
}

// NewTextRecognizer builds the Vision OCR client
func (c *Config) NewTextRecognizer(ctx context.Context) (TextRecognizer, error) {
	apiKey := firstNonEmpty(*c.VisionKey, os.Getenv("VISION_API_KEY"), os.Getenv("GOOGLE_API_KEY"))
	if apiKey == "" && *c.VisionEndpoint == "" {
		return nil, fmt.Errorf("vision API key is required. Set --vision-key flag or VISION_API_KEY environment variable")
	}

	var opts []option.ClientOption
	if *c.VisionEndpoint != "" {
		opts = append(opts, option.WithEndpoint(*c.VisionEndpoint))
		if apiKey == "" {
			opts = append(opts, option.WithoutAuthentication())
		}
	}
	slog.Info("Initializing Vision recognizer...")
	recognizer, err := NewVisionRecognizer(ctx, apiKey, opts...)
	if err != nil {
		return nil, err
	}
	return recognizer, nil
}

// NewPipeline builds the recognizer, extractor and pipeline from flags
func (c *Config) NewPipeline(ctx context.Context) (*Pipeline, error) {
	opts, err := c.Options()
	if err != nil {
		return nil, err
	}
	recognizer, err := c.NewTextRecognizer(ctx)
	if err != nil {
		return nil, err
	}
	extractor, err := c.NewFieldExtractor(ctx)
	if err != nil {
		return nil, err
	}
	return NewPipeline(recognizer, extractor, opts), nil
}
