package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeRecognizer struct {
	mu      sync.Mutex
	calls   int
	results []RecognitionResult
	errs    []error
	// byImage answers by input when set
	byImage map[string]string
}

func (f *fakeRecognizer) RecognizeText(ctx context.Context, imageBase64 string) (RecognitionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if f.byImage != nil {
		return RecognitionResult{Text: f.byImage[imageBase64]}, nil
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return RecognitionResult{}, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return f.results[len(f.results)-1], nil
}

func (f *fakeRecognizer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeExtractor struct {
	mu      sync.Mutex
	calls   int
	prompts []Prompt
	replies []string
	errs    []error
	// reply computes the answer from the prompt when set
	reply  func(Prompt) string
	closed bool
}

func (f *fakeExtractor) ExtractFields(ctx context.Context, prompt Prompt) (ExtractionReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if f.reply != nil {
		return ExtractionReply{RawText: f.reply(prompt)}, nil
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return ExtractionReply{}, f.errs[i]
	}
	if i < len(f.replies) {
		return ExtractionReply{RawText: f.replies[i]}, nil
	}
	return ExtractionReply{RawText: f.replies[len(f.replies)-1]}, nil
}

func (f *fakeExtractor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeExtractor) Close() error {
	f.closed = true
	return nil
}

var _ = Describe("Pipeline", func() {
	var (
		recognizer *fakeRecognizer
		extractor  *fakeExtractor
		opts       Options
		pipeline   *Pipeline
		now        time.Time
	)

	BeforeEach(func() {
		now = time.Date(2024, 3, 20, 15, 4, 5, 0, time.UTC)
		recognizer = &fakeRecognizer{
			results: []RecognitionResult{{Text: "STORE X\nMilk 3.50\nBread 2.00\nTotal 5.50"}},
		}
		extractor = &fakeExtractor{
			replies: []string{"```json\n{\"merchant\":\"Store X\",\"total\":5.5,\"items\":[{\"description\":\"Milk\",\"price\":3.5},{\"description\":\"Bread\",\"price\":2}],\"category\":\"Meals\"}\n```"},
		}
		opts = DefaultOptions()
		opts.Now = func() time.Time { return now }
		opts.Retry.Backoff = 0
	})

	JustBeforeEach(func() {
		pipeline = NewPipeline(recognizer, extractor, opts)
	})

	Describe("ExtractExpenseFromImage", func() {
		var (
			draft *ExpenseDraft
			err   error
		)

		JustBeforeEach(func() {
			draft, err = pipeline.ExtractExpenseFromImage(context.Background(), "aW1n")
		})

		Context("with a readable grocery receipt", func() {
			It("should produce a draft", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(draft.Merchant).To(Equal("Store X"))
				Expect(draft.Amount).To(Equal(5.5))
				Expect(draft.Category).To(Equal("Meals"))
				Expect(draft.Date).To(Equal("2024-03-20"))
				Expect(draft.Description).To(Equal("Milk: $3.5; Bread: $2"))
				Expect(draft.Warnings).To(BeEmpty())
			})

			It("should call each upstream once", func() {
				Expect(recognizer.Calls()).To(Equal(1))
				Expect(extractor.Calls()).To(Equal(1))
			})

			It("should send the recognized text in the prompt", func() {
				Expect(extractor.prompts).To(HaveLen(1))
				Expect(extractor.prompts[0].SourceText()).To(Equal("STORE X\nMilk 3.50\nBread 2.00\nTotal 5.50"))
				Expect(extractor.prompts[0].Version()).To(Equal(PromptV1))
			})
		})

		Context("when the OCR key is rejected", func() {
			BeforeEach(func() {
				recognizer.errs = []error{upstreamError(StageRecognizing, 403, `{"error":"denied"}`, nil)}
			})

			It("should fail with the upstream status", func() {
				var extErr *Error
				Expect(errors.As(err, &extErr)).To(BeTrue())
				Expect(extErr.Kind).To(Equal(KindUpstream))
				Expect(extErr.Status).To(Equal(403))
				Expect(extErr.Stage).To(Equal(StageRecognizing))
				Expect(draft).To(BeNil())
			})

			It("should never call the extractor", func() {
				Expect(extractor.Calls()).To(Equal(0))
			})

			It("should not retry", func() {
				Expect(recognizer.Calls()).To(Equal(1))
			})
		})

		Context("when the model answers in prose", func() {
			BeforeEach(func() {
				extractor.replies = []string{"Sure! Here's what I found: merchant is Store X."}
			})

			It("should fail as malformed output carrying the reply", func() {
				var extErr *Error
				Expect(errors.As(err, &extErr)).To(BeTrue())
				Expect(extErr.Kind).To(Equal(KindMalformedOutput))
				Expect(extErr.Detail).To(Equal("Sure! Here's what I found: merchant is Store X."))
				Expect(draft).To(BeNil())
			})
		})

		Context("when the model omits items", func() {
			BeforeEach(func() {
				extractor.replies = []string{`{"merchant":"Store X","total":5.5}`}
			})

			It("should fail with an unvalidated shape", func() {
				Expect(errors.Is(err, ErrUnvalidatedShape)).To(BeTrue())
			})
		})

		Context("when no text is found in the image", func() {
			BeforeEach(func() {
				recognizer.results = []RecognitionResult{{Text: "  \n"}}
			})

			It("should fail as invalid input at extraction", func() {
				var extErr *Error
				Expect(errors.As(err, &extErr)).To(BeTrue())
				Expect(extErr.Kind).To(Equal(KindInvalidInput))
				Expect(extErr.Stage).To(Equal(StageExtracting))
			})

			It("should not call the extractor", func() {
				Expect(extractor.Calls()).To(Equal(0))
			})
		})

		Context("when the model fails once with a server error", func() {
			BeforeEach(func() {
				extractor.errs = []error{upstreamError(StageExtracting, 500, "internal", nil)}
				extractor.replies = []string{"", `{"merchant":"Store X","total":5.5,"items":[],"category":"Meals"}`}
			})

			It("should retry and succeed", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(extractor.Calls()).To(Equal(2))
				Expect(draft.Description).To(BeEmpty())
			})
		})

		Context("when the model rejects the request", func() {
			BeforeEach(func() {
				extractor.errs = []error{upstreamError(StageExtracting, 400, "bad request", nil)}
			})

			It("should fail after exactly one call", func() {
				Expect(errors.Is(err, ErrUpstream)).To(BeTrue())
				Expect(extractor.Calls()).To(Equal(1))
			})
		})

		Context("when the total disagrees and rejection is configured", func() {
			BeforeEach(func() {
				opts.Draft.Total = TotalReject
				extractor.replies = []string{`{"merchant":"Store X","total":6.25,"items":[{"description":"Milk","price":3.5},{"description":"Bread","price":2}],"category":"Meals"}`}
			})

			It("should fail with a total mismatch", func() {
				Expect(errors.Is(err, ErrTotalMismatch)).To(BeTrue())
				Expect(draft).To(BeNil())
			})
		})

		Context("when the receipt date is requested", func() {
			BeforeEach(func() {
				opts.PromptVersion = PromptV2
				opts.Draft.Date = DateFromReceipt
				extractor.replies = []string{`{"merchant":"Store X","total":5.5,"items":[],"category":"Meals","date":"03/14/2024"}`}
			})

			It("should use the receipt date", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(draft.Date).To(Equal("2024-03-14"))
			})

			It("should ask for the date in the prompt", func() {
				Expect(extractor.prompts[0].Version()).To(Equal(PromptV2))
				Expect(extractor.prompts[0].Text()).To(ContainSubstring(`"date"`))
			})
		})
	})

	Describe("RecognizeText", func() {
		It("should reject empty input without calling the recognizer", func() {
			_, err := pipeline.RecognizeText(context.Background(), "")
			Expect(errors.Is(err, ErrInvalidInput)).To(BeTrue())
			Expect(recognizer.Calls()).To(Equal(0))
		})

		It("should return the recognized text", func() {
			result, err := pipeline.RecognizeText(context.Background(), "aW1n")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Text).To(HavePrefix("STORE X"))
		})
	})

	Describe("ExtractReceipt", func() {
		It("should reject empty text without calling the extractor", func() {
			_, err := pipeline.ExtractReceipt(context.Background(), " ")
			Expect(errors.Is(err, ErrInvalidInput)).To(BeTrue())
			Expect(extractor.Calls()).To(Equal(0))
		})

		It("should return the parsed receipt and the cleaned reply", func() {
			result, err := pipeline.ExtractReceipt(context.Background(), "STORE X")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Parsed.Merchant).To(Equal("Store X"))
			Expect(result.Parsed.Items).To(HaveLen(2))
			Expect(result.RawOutput).To(HavePrefix("{"))
			Expect(result.RawOutput).NotTo(ContainSubstring("```"))
		})
	})

	Describe("concurrent use", func() {
		BeforeEach(func() {
			recognizer.byImage = map[string]string{}
			for i := 0; i < 8; i++ {
				recognizer.byImage[fmt.Sprintf("img-%d", i)] = fmt.Sprintf("MERCHANT-%d", i)
			}
			extractor.reply = func(p Prompt) string {
				name := strings.TrimSpace(p.SourceText())
				return fmt.Sprintf(`{"merchant":%q,"total":1,"items":[{"description":"x","price":1}],"category":"Other"}`, name)
			}
		})

		It("should keep each run's results separate", func() {
			var wg sync.WaitGroup
			merchants := make([]string, 8)
			errs := make([]error, 8)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					draft, err := pipeline.ExtractExpenseFromImage(context.Background(), fmt.Sprintf("img-%d", i))
					errs[i] = err
					if draft != nil {
						merchants[i] = draft.Merchant
					}
				}(i)
			}
			wg.Wait()

			for i := 0; i < 8; i++ {
				Expect(errs[i]).NotTo(HaveOccurred())
				Expect(merchants[i]).To(Equal(fmt.Sprintf("MERCHANT-%d", i)))
			}
		})
	})

	Describe("Close", func() {
		It("should close the extractor", func() {
			Expect(pipeline.Close()).To(Succeed())
			Expect(extractor.closed).To(BeTrue())
		})
	})
})
