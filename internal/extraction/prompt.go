package extraction

import (
	"fmt"
	"strings"
)

// PromptVersion selects the output schema requested from the model
type PromptVersion string

const (
	// PromptV1 requests merchant, total, items and category
	PromptV1 PromptVersion = "v1"
	// PromptV2 additionally requests the transaction date
	PromptV2 PromptVersion = "v2"
)

const schemaHeader = `Respond ONLY with valid JSON (no extra text, no markdown) matching this structure:

{
  "merchant": string,
  "total": number,
  "items": [
    { "description": string, "price": number }
  ],
`

const schemaFooter = `}

Rules:
- "total" is the final amount paid, as a number without currency symbols.
- "items" lists every purchased line with its price as a number. Use an empty array if no lines are readable.
- "category" must be exactly one of: %s. If uncertain, use "Other".
`

const dateRule = `- "date" is the transaction date in YYYY-MM-DD format, or null if the receipt shows none.
`

// Prompt is an immutable instruction block plus the OCR text it applies to
type Prompt struct {
	version    PromptVersion
	categories []string
	sourceText string
}

// BuildPrompt creates the prompt sent to the field extraction model
func BuildPrompt(version PromptVersion, categories []string, sourceText string) (Prompt, error) {
	if strings.TrimSpace(sourceText) == "" {
		return Prompt{}, invalidInput(StageExtracting, "missing ocrText")
	}
	switch version {
	case PromptV1, PromptV2:
	case "":
		version = PromptV1
	default:
		return Prompt{}, invalidInput(StageExtracting, fmt.Sprintf("unknown prompt version %q", version))
	}
	if len(categories) == 0 {
		categories = DefaultCategories
	}

	return Prompt{
		version:    version,
		categories: append([]string(nil), categories...),
		sourceText: sourceText,
	}, nil
}

func (p Prompt) Version() PromptVersion { return p.version }

func (p Prompt) SourceText() string { return p.sourceText }

// Text renders the full prompt
func (p Prompt) Text() string {
	quoted := make([]string, len(p.categories))
	for i, c := range p.categories {
		quoted[i] = fmt.Sprintf("%q", c)
	}

	var b strings.Builder
	b.WriteString(schemaHeader)
	if p.version == PromptV2 {
		b.WriteString("  \"category\": string,\n")
		b.WriteString("  \"date\": string or null\n")
	} else {
		b.WriteString("  \"category\": string\n")
	}
	fmt.Fprintf(&b, schemaFooter, strings.Join(quoted, ", "))
	if p.version == PromptV2 {
		b.WriteString(dateRule)
	}
	b.WriteString("\nOCR text:\n")
	b.WriteString(p.sourceText)
	b.WriteString("\n")
	return b.String()
}
