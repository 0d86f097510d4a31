package expense

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zombor/expense-tracker/internal/extraction"
)

// Scanner is the receipt extraction pipeline as seen by the service.
// *extraction.Pipeline implements it.
type Scanner interface {
	RecognizeText(ctx context.Context, imageBase64 string) (extraction.RecognitionResult, error)
	ExtractReceipt(ctx context.Context, ocrText string) (*extraction.ExtractResult, error)
	ExtractExpenseFromImage(ctx context.Context, imageBase64 string) (*extraction.ExpenseDraft, error)
}

// IDGenerator generates unique IDs for expenses
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// ReceiptUpload is a receipt image attached to a submission
type ReceiptUpload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Submission is a user-confirmed expense, usually prefilled from a draft
type Submission struct {
	Merchant    string          `json:"merchant"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category"`
	Date        string          `json:"date"`
	Description string          `json:"description"`
	Submitter   string          `json:"-"`
	Receipt     *ReceiptUpload  `json:"-"`
}

// Service handles expense operations
type Service struct {
	db          DB
	scanner     Scanner
	storage     Storage
	idGenerator IDGenerator
	timeSource  TimeSource
	categories  []string

	// serializes read-modify-write on stored expenses
	mu sync.Mutex
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, scanner Scanner, storage Storage) *Service {
	return NewServiceWithDeps(db, scanner, storage, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, scanner Scanner, storage Storage, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		scanner:     scanner,
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
		categories:  extraction.DefaultCategories,
	}
}

// Categories returns the categories an expense may be filed under
func (s *Service) Categories() []string {
	return slices.Clone(s.categories)
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename strips special characters from phone-generated names and
// truncates them
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if unsafeFilenameChars.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = repeatedSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "receipt"
	}
	return base + ext
}

// RecognizeText runs OCR on a base64 encoded image
func (s *Service) RecognizeText(ctx context.Context, imageBase64 string) (string, error) {
	result, err := s.scanner.RecognizeText(ctx, imageBase64)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// ExtractReceipt asks the model for receipt fields in OCR text
func (s *Service) ExtractReceipt(ctx context.Context, ocrText string) (*extraction.ExtractResult, error) {
	return s.scanner.ExtractReceipt(ctx, ocrText)
}

// DraftFromImage runs the whole pipeline on a base64 encoded image
func (s *Service) DraftFromImage(ctx context.Context, imageBase64 string) (*extraction.ExpenseDraft, error) {
	return s.scanner.ExtractExpenseFromImage(ctx, imageBase64)
}

// ScanReceipt converts an uploaded file into something OCR can read and runs
// the pipeline on it. Nothing is persisted.
func (s *Service) ScanReceipt(ctx context.Context, data []byte, contentType string) (*extraction.ExpenseDraft, error) {
	prepared, mimeType, err := extraction.PrepareImage(data, contentType)
	if err != nil {
		var extErr *extraction.Error
		if errors.As(err, &extErr) {
			return nil, err
		}
		slog.Error("Failed to prepare receipt image",
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		return nil, &ValidationError{Field: "file", Message: err.Error()}
	}
	slog.Debug("Prepared receipt image", "mime_type", mimeType, "size", len(prepared))

	draft, err := s.scanner.ExtractExpenseFromImage(ctx, base64.StdEncoding.EncodeToString(prepared))
	if err != nil {
		return nil, fmt.Errorf("scanning receipt: %w", err)
	}
	return draft, nil
}

func (s *Service) validate(sub Submission) (int64, error) {
	if strings.TrimSpace(sub.Merchant) == "" {
		return 0, &ValidationError{Field: "merchant", Message: "is required"}
	}
	if !sub.Amount.IsPositive() {
		return 0, &ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	// Half-up to whole cents
	cents := sub.Amount.Shift(2).Round(0)
	if !cents.IsPositive() {
		return 0, &ValidationError{Field: "amount", Message: "must be at least one cent"}
	}
	if !slices.Contains(s.categories, sub.Category) {
		return 0, &ValidationError{
			Field:   "category",
			Message: fmt.Sprintf("must be one of %s", strings.Join(s.categories, ", ")),
		}
	}
	if _, err := time.Parse("2006-01-02", sub.Date); err != nil {
		return 0, &ValidationError{Field: "date", Message: "must be YYYY-MM-DD"}
	}
	return cents.IntPart(), nil
}

// SubmitExpense validates and stores a new pending expense along with its
// optional receipt file
func (s *Service) SubmitExpense(sub Submission) (*Expense, error) {
	amountCents, err := s.validate(sub)
	if err != nil {
		return nil, err
	}

	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	expense := &Expense{
		ID:          id,
		Merchant:    strings.TrimSpace(sub.Merchant),
		Amount:      amountCents,
		Category:    sub.Category,
		Date:        sub.Date,
		Description: strings.TrimSpace(sub.Description),
		Status:      StatusPending,
		Submitter:   sub.Submitter,
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	if sub.Receipt != nil && len(sub.Receipt.Data) > 0 {
		savedPath, err := s.storage.Save(fmt.Sprintf("%s_%s", id, sanitizeFilename(sub.Receipt.Filename)), sub.Receipt.Data)
		if err != nil {
			return nil, fmt.Errorf("saving receipt file: %w", err)
		}
		expense.ReceiptFile = savedPath
		expense.ContentType = sub.Receipt.ContentType
	}

	if err := s.db.SaveExpense(expense); err != nil {
		if expense.ReceiptFile != "" {
			if delErr := s.storage.Delete(expense.ReceiptFile); delErr != nil {
				slog.Warn("Failed to remove receipt file", "filename", expense.ReceiptFile, "error", delErr)
			}
		}
		return nil, fmt.Errorf("saving expense to database: %w", err)
	}

	slog.Info("Expense submitted", "id", id, "merchant", expense.Merchant, "amount_cents", amountCents)
	return expense, nil
}

// GetExpense retrieves an expense by ID
func (s *Service) GetExpense(id string) (*Expense, error) {
	expense, err := s.db.GetExpense(id)
	if err != nil {
		return nil, fmt.Errorf("getting expense: %w", err)
	}
	return expense, nil
}

// ListExpenses returns expenses newest date first, optionally only those
// with the given status
func (s *Service) ListExpenses(status Status) ([]*Expense, error) {
	expenses, err := s.db.ListExpenses()
	if err != nil {
		return nil, fmt.Errorf("listing expenses: %w", err)
	}

	if status != "" {
		expenses = slices.DeleteFunc(expenses, func(e *Expense) bool {
			return e.Status != status
		})
	}

	slices.SortStableFunc(expenses, func(a, b *Expense) int {
		if c := strings.Compare(b.Date, a.Date); c != 0 {
			return c
		}
		return b.SubmittedAt.Compare(a.SubmittedAt)
	})
	return expenses, nil
}

// DeleteExpense removes an expense and its receipt file
func (s *Service) DeleteExpense(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expense, err := s.db.GetExpense(id)
	if err != nil {
		return fmt.Errorf("getting expense for deletion: %w", err)
	}

	if expense.ReceiptFile != "" {
		if err := s.storage.Delete(expense.ReceiptFile); err != nil {
			// The record goes anyway
			slog.Warn("Failed to delete file", "filename", expense.ReceiptFile, "error", err)
		}
	}

	if err := s.db.DeleteExpense(id); err != nil {
		return fmt.Errorf("deleting expense from database: %w", err)
	}
	return nil
}

// GetReceiptFile retrieves the receipt image attached to an expense
func (s *Service) GetReceiptFile(id string) ([]byte, string, error) {
	expense, err := s.db.GetExpense(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting expense: %w", err)
	}
	if expense.ReceiptFile == "" {
		return nil, "", fmt.Errorf("expense %s has no receipt: %w", id, ErrNotFound)
	}

	data, err := s.storage.Get(expense.ReceiptFile)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}
	return data, expense.ContentType, nil
}

// ApproveExpense marks a pending expense approved
func (s *Service) ApproveExpense(id string) (*Expense, error) {
	return s.review(id, StatusApproved, "")
}

// RejectExpense marks a pending expense rejected. A comment is required.
func (s *Service) RejectExpense(id, comment string) (*Expense, error) {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return nil, &ValidationError{Field: "comment", Message: "is required when rejecting"}
	}
	return s.review(id, StatusRejected, comment)
}

func (s *Service) review(id string, status Status, comment string) (*Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expense, err := s.db.GetExpense(id)
	if err != nil {
		return nil, fmt.Errorf("getting expense: %w", err)
	}
	if expense.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, expense.Status)
	}

	expense.Status = status
	expense.RejectionComment = comment
	expense.UpdatedAt = s.timeSource.Now()
	if err := s.db.SaveExpense(expense); err != nil {
		return nil, fmt.Errorf("saving expense: %w", err)
	}

	slog.Info("Expense reviewed", "id", id, "status", status)
	return expense, nil
}
