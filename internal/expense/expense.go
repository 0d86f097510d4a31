package expense

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the review state of an expense
type Status string

const (
	StatusPending  Status = "Pending"
	StatusApproved Status = "Approved"
	StatusRejected Status = "Rejected"
)

// ParseStatus accepts a status name in any letter case
func ParseStatus(value string) (Status, error) {
	for _, s := range []Status{StatusPending, StatusApproved, StatusRejected} {
		if strings.EqualFold(string(s), value) {
			return s, nil
		}
	}
	return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", value)}
}

// Expense is a submitted expense claim
type Expense struct {
	ID               string    `json:"id"`
	Merchant         string    `json:"merchant"`
	Amount           int64     `json:"amount"` // Amount in cents
	Category         string    `json:"category"`
	Date             string    `json:"date"` // YYYY-MM-DD
	Description      string    `json:"description"`
	Status           Status    `json:"status"`
	Submitter        string    `json:"submitter,omitempty"`
	ReceiptFile      string    `json:"receipt_file,omitempty"`
	ContentType      string    `json:"content_type,omitempty"`
	RejectionComment string    `json:"rejection_comment,omitempty"`
	SubmittedAt      time.Time `json:"submitted_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

var (
	// ErrNotFound is returned when no expense has the requested ID
	ErrNotFound = errors.New("expense not found")
	// ErrNotPending is returned when reviewing an expense that was already reviewed
	ErrNotPending = errors.New("expense is not pending")
)

// ValidationError reports an invalid submission field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
