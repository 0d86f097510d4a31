package extraction

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var leadingJSONFence = regexp.MustCompile("(?i)```json\\s*")

// stripFences removes the first ```json marker and every remaining ``` fence
func stripFences(raw string) string {
	text := raw
	if loc := leadingJSONFence.FindStringIndex(text); loc != nil {
		text = text[:loc[0]] + text[loc[1]:]
	}
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}

type itemShape struct {
	Description *string  `json:"description"`
	Price       *float64 `json:"price"`
}

type receiptShape struct {
	Merchant *string      `json:"merchant"`
	Total    *float64     `json:"total"`
	Items    *[]itemShape `json:"items"`
	Category *string      `json:"category"`
	Date     *string      `json:"date"`
}

// Normalize strips code fences from a model reply, parses it and checks
// that it has the ParsedReceipt shape. It has no side effects.
func Normalize(rawReply string) (ParsedReceipt, error) {
	cleaned := stripFences(rawReply)

	var shape receiptShape
	if err := json.Unmarshal([]byte(cleaned), &shape); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return ParsedReceipt{}, shapeError(typeErr)
		}
		return ParsedReceipt{}, &Error{
			Kind:   KindMalformedOutput,
			Stage:  StageNormalizing,
			Detail: cleaned,
			Err:    fmt.Errorf("unmarshaling json: %w", err),
		}
	}

	if shape.Total == nil {
		return ParsedReceipt{}, missingField("total")
	}
	if shape.Items == nil {
		return ParsedReceipt{}, missingField("items")
	}

	items := make([]LineItem, 0, len(*shape.Items))
	for i, item := range *shape.Items {
		if item.Description == nil {
			return ParsedReceipt{}, missingField(fmt.Sprintf("items[%d].description", i))
		}
		if item.Price == nil {
			return ParsedReceipt{}, missingField(fmt.Sprintf("items[%d].price", i))
		}
		items = append(items, LineItem{
			Description: strings.TrimSpace(*item.Description),
			Price:       *item.Price,
		})
	}

	return ParsedReceipt{
		Merchant: strings.TrimSpace(deref(shape.Merchant)),
		Total:    *shape.Total,
		Items:    items,
		Category: strings.TrimSpace(deref(shape.Category)),
		Date:     strings.TrimSpace(deref(shape.Date)),
	}, nil
}

func shapeError(typeErr *json.UnmarshalTypeError) *Error {
	detail := fmt.Sprintf("reply is a JSON %s, not an object", typeErr.Value)
	if typeErr.Field != "" {
		detail = fmt.Sprintf("field %q has type %s, want %s", typeErr.Field, typeErr.Value, typeErr.Type)
	}
	return &Error{Kind: KindUnvalidatedShape, Stage: StageNormalizing, Detail: detail, Err: typeErr}
}

func missingField(field string) *Error {
	return &Error{
		Kind:   KindUnvalidatedShape,
		Stage:  StageNormalizing,
		Detail: fmt.Sprintf("field %q is missing", field),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var receiptDateFormats = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02-01-2006",
}

// parseReceiptDate parses a model-reported date into YYYY-MM-DD
func parseReceiptDate(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	for _, format := range receiptDateFormats {
		if d, err := time.Parse(format, value); err == nil {
			return d.Format("2006-01-02"), true
		}
	}
	return "", false
}
