package extraction

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// Options configures a Pipeline
type Options struct {
	PromptVersion PromptVersion
	Draft         DraftPolicy
	Retry         RetryPolicy
	// Now defaults to time.Now
	Now    func() time.Time
	Logger *slog.Logger
}

// DefaultOptions returns the options used when nothing is configured
func DefaultOptions() Options {
	return Options{
		PromptVersion: PromptV1,
		Draft:         DefaultDraftPolicy(),
		Retry:         DefaultRetryPolicy(),
	}
}

// Pipeline turns a receipt image into an expense draft:
// Recognizing -> Extracting -> Normalizing. It holds no per-call state and
// is safe for concurrent use.
type Pipeline struct {
	recognizer TextRecognizer
	extractor  FieldExtractor
	opts       Options
	logger     *slog.Logger
}

// NewPipeline creates a pipeline over the given upstream clients
func NewPipeline(recognizer TextRecognizer, extractor FieldExtractor, opts Options) *Pipeline {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PromptVersion == "" {
		opts.PromptVersion = PromptV1
	}
	if opts.Draft.Date == "" {
		opts.Draft.Date = DateToday
	}
	if opts.Draft.Total == "" {
		opts.Draft.Total = TotalFlag
		opts.Draft.Tolerance = DefaultTotalTolerance
	}
	if len(opts.Draft.Categories) == 0 {
		opts.Draft.Categories = DefaultCategories
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		recognizer: recognizer,
		extractor:  extractor,
		opts:       opts,
		logger:     logger,
	}
}

// RecognizeText runs the text extraction stage
func (p *Pipeline) RecognizeText(ctx context.Context, imageBase64 string) (RecognitionResult, error) {
	if strings.TrimSpace(imageBase64) == "" {
		return RecognitionResult{}, invalidInput(StageRecognizing, "missing imageBase64")
	}

	var result RecognitionResult
	err := p.opts.Retry.do(ctx, StageRecognizing, func(ctx context.Context) error {
		var err error
		result, err = p.recognizer.RecognizeText(ctx, imageBase64)
		return err
	})
	if err != nil {
		return RecognitionResult{}, err
	}
	return result, nil
}

// ExtractFields runs the field extraction stage on OCR text
func (p *Pipeline) ExtractFields(ctx context.Context, sourceText string) (ExtractionReply, error) {
	prompt, err := BuildPrompt(p.opts.PromptVersion, p.opts.Draft.Categories, sourceText)
	if err != nil {
		return ExtractionReply{}, err
	}

	var reply ExtractionReply
	err = p.opts.Retry.do(ctx, StageExtracting, func(ctx context.Context) error {
		var err error
		reply, err = p.extractor.ExtractFields(ctx, prompt)
		return err
	})
	if err != nil {
		return ExtractionReply{}, err
	}
	return reply, nil
}

// ExtractReceipt runs field extraction and normalization on OCR text
func (p *Pipeline) ExtractReceipt(ctx context.Context, sourceText string) (*ExtractResult, error) {
	reply, err := p.ExtractFields(ctx, sourceText)
	if err != nil {
		return nil, err
	}
	parsed, err := Normalize(reply.RawText)
	if err != nil {
		return nil, err
	}
	return &ExtractResult{Parsed: parsed, RawOutput: stripFences(reply.RawText)}, nil
}

// ExtractExpenseFromImage runs all stages and maps the result into a draft.
// The first failing stage ends the run.
func (p *Pipeline) ExtractExpenseFromImage(ctx context.Context, imageBase64 string) (*ExpenseDraft, error) {
	started := time.Now()
	stage := StageRecognizing
	fail := func(err error) (*ExpenseDraft, error) {
		kind := "unknown"
		var extErr *Error
		if errors.As(err, &extErr) {
			kind = extErr.Kind.String()
		}
		p.logger.Warn("Receipt extraction failed",
			"stage", stage,
			"state", StageFailed,
			"kind", kind,
			"error", err,
		)
		return nil, err
	}

	p.logger.Debug("Receipt extraction stage", "stage", stage)
	recognized, err := p.RecognizeText(ctx, imageBase64)
	if err != nil {
		return fail(err)
	}

	stage = StageExtracting
	p.logger.Debug("Receipt extraction stage", "stage", stage, "text_length", len(recognized.Text))
	if strings.TrimSpace(recognized.Text) == "" {
		return fail(invalidInput(StageExtracting, "no text recognized in image"))
	}
	reply, err := p.ExtractFields(ctx, recognized.Text)
	if err != nil {
		return fail(err)
	}

	stage = StageNormalizing
	p.logger.Debug("Receipt extraction stage", "stage", stage)
	parsed, err := Normalize(reply.RawText)
	if err != nil {
		return fail(err)
	}
	draft, err := NewDraft(parsed, p.opts.Now(), p.opts.Draft)
	if err != nil {
		return fail(err)
	}

	p.logger.Info("Receipt extracted",
		"state", StageDone,
		"merchant", draft.Merchant,
		"amount", draft.Amount,
		"warnings", len(draft.Warnings),
		"duration", time.Since(started),
	)
	return draft, nil
}

// Close releases the field extractor
func (p *Pipeline) Close() error {
	return p.extractor.Close()
}
