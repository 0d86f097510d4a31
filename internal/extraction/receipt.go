package extraction

// Stage names a step of the extraction pipeline
type Stage string

const (
	StageRecognizing Stage = "Recognizing"
	StageExtracting  Stage = "Extracting"
	StageNormalizing Stage = "Normalizing"
	StageDone        Stage = "Done"
	StageFailed      Stage = "Failed"
)

// RecognitionResult is the text found in a receipt image. Empty text is a
// valid result.
type RecognitionResult struct {
	Text string `json:"text"`
}

// ExtractionReply is the unprocessed text returned by the language model
type ExtractionReply struct {
	RawText string `json:"raw_text"`
}

// LineItem is a single purchased item on a receipt
type LineItem struct {
	Description string  `json:"description"`
	Price       float64 `json:"price"`
}

// ParsedReceipt is the structured guess produced from a model reply
type ParsedReceipt struct {
	Merchant string     `json:"merchant"`
	Total    float64    `json:"total"`
	Items    []LineItem `json:"items"`
	Category string     `json:"category"`
	// Date is only requested by PromptV2 and may be empty
	Date string `json:"date,omitempty"`
}

// ExpenseDraft is the pre-filled, not yet persisted expense handed back to
// the caller for review
type ExpenseDraft struct {
	Merchant    string   `json:"merchant"`
	Amount      float64  `json:"amount"`
	Category    string   `json:"category"`
	Date        string   `json:"date"` // YYYY-MM-DD
	Description string   `json:"description"`
	Warnings    []string `json:"warnings,omitempty"`
}

// ExtractResult pairs a parsed receipt with the cleaned model output it
// came from
type ExtractResult struct {
	Parsed    ParsedReceipt `json:"parsed"`
	RawOutput string        `json:"rawOutput"`
}

// DefaultCategories are the expense categories offered to the model
var DefaultCategories = []string{"Travel", "Meals", "Office Supplies", "Other"}
