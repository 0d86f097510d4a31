package extraction

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DatePolicy decides where the draft date comes from
type DatePolicy string

const (
	// DateToday always uses the current date
	DateToday DatePolicy = "today"
	// DateFromReceipt uses the date reported by the model when it parses,
	// falling back to today
	DateFromReceipt DatePolicy = "extract"
)

// TotalPolicy decides what happens when the total disagrees with the items
type TotalPolicy string

const (
	TotalIgnore TotalPolicy = "ignore"
	TotalFlag   TotalPolicy = "flag"
	TotalReject TotalPolicy = "reject"
)

// DefaultTotalTolerance is the largest accepted gap between the total and
// the sum of item prices
var DefaultTotalTolerance = decimal.New(1, -2)

// DraftPolicy controls how a ParsedReceipt becomes an ExpenseDraft
type DraftPolicy struct {
	Date       DatePolicy
	Total      TotalPolicy
	Tolerance  decimal.Decimal
	Categories []string
}

// DefaultDraftPolicy returns the policy used when nothing is configured
func DefaultDraftPolicy() DraftPolicy {
	return DraftPolicy{
		Date:       DateToday,
		Total:      TotalFlag,
		Tolerance:  DefaultTotalTolerance,
		Categories: DefaultCategories,
	}
}

// FormatItems renders items as "desc: $price; desc: $price"
func FormatItems(items []LineItem) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, fmt.Sprintf("%s: $%s", item.Description, strconv.FormatFloat(item.Price, 'f', -1, 64)))
	}
	return strings.Join(parts, "; ")
}

// ItemsTotal sums item prices without float drift
func ItemsTotal(items []LineItem) decimal.Decimal {
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(decimal.NewFromFloat(item.Price))
	}
	return sum
}

// NewDraft maps a parsed receipt into an expense draft dated relative to now
func NewDraft(receipt ParsedReceipt, now time.Time, policy DraftPolicy) (*ExpenseDraft, error) {
	draft := &ExpenseDraft{
		Merchant:    receipt.Merchant,
		Amount:      receipt.Total,
		Category:    receipt.Category,
		Date:        now.Format("2006-01-02"),
		Description: FormatItems(receipt.Items),
	}

	if policy.Date == DateFromReceipt {
		if date, ok := parseReceiptDate(receipt.Date); ok {
			draft.Date = date
		} else {
			draft.Warnings = append(draft.Warnings, "receipt date not found, using today")
		}
	}

	if policy.Total != TotalIgnore && len(receipt.Items) > 0 {
		total := decimal.NewFromFloat(receipt.Total)
		sum := ItemsTotal(receipt.Items)
		if total.Sub(sum).Abs().GreaterThan(policy.Tolerance) {
			msg := fmt.Sprintf("total %s differs from item sum %s", total.StringFixed(2), sum.StringFixed(2))
			if policy.Total == TotalReject {
				return nil, &Error{Kind: KindTotalMismatch, Stage: StageNormalizing, Detail: msg}
			}
			draft.Warnings = append(draft.Warnings, msg)
		}
	}

	categories := policy.Categories
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	if !slices.Contains(categories, receipt.Category) {
		draft.Warnings = append(draft.Warnings, fmt.Sprintf("category %q is not one of %s", receipt.Category, strings.Join(categories, ", ")))
	}

	return draft, nil
}
