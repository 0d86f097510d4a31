package extraction

import (
	"fmt"
	"net/http"
)

// Kind classifies a pipeline failure
type Kind int

const (
	// KindInvalidInput means a required input was missing or empty
	KindInvalidInput Kind = iota + 1
	// KindUpstream means the OCR or language-model service failed
	KindUpstream
	// KindMalformedOutput means the model reply could not be parsed as JSON
	KindMalformedOutput
	// KindUnvalidatedShape means the reply parsed but is missing or mistyping fields
	KindUnvalidatedShape
	// KindTotalMismatch means the receipt total disagrees with its items
	KindTotalMismatch
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindUpstream:
		return "UpstreamError"
	case KindMalformedOutput:
		return "MalformedModelOutput"
	case KindUnvalidatedShape:
		return "UnvalidatedShape"
	case KindTotalMismatch:
		return "TotalMismatch"
	default:
		return "Unknown"
	}
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrInvalidInput     = &Error{Kind: KindInvalidInput}
	ErrUpstream         = &Error{Kind: KindUpstream}
	ErrMalformedOutput  = &Error{Kind: KindMalformedOutput}
	ErrUnvalidatedShape = &Error{Kind: KindUnvalidatedShape}
	ErrTotalMismatch    = &Error{Kind: KindTotalMismatch}
)

// Error is the typed failure returned by every pipeline stage
type Error struct {
	Kind  Kind
	Stage Stage
	// Status is the upstream HTTP status, 0 when no response was received
	Status int
	// Detail carries diagnostic text: the upstream body, the cleaned model
	// reply, or the offending field
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Stage != "" {
		msg = fmt.Sprintf("%s: %s", e.Stage, msg)
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	} else if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Stage == "" && t.Status == 0 && t.Detail == "" && t.Err == nil
}

// Transient reports whether the failure may succeed if the call is repeated
func (e *Error) Transient() bool {
	if e.Kind != KindUpstream {
		return false
	}
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func invalidInput(stage Stage, detail string) *Error {
	return &Error{Kind: KindInvalidInput, Stage: stage, Detail: detail}
}

func upstreamError(stage Stage, status int, body string, err error) *Error {
	return &Error{Kind: KindUpstream, Stage: stage, Status: status, Detail: body, Err: err}
}
