package extraction

import (
	"context"
	"errors"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"google.golang.org/api/option"
)

const annotatePath = "/v1/images:annotate"

func newTestVisionRecognizer(server *ghttp.Server) *VisionRecognizer {
	recognizer, err := NewVisionRecognizer(context.Background(), "",
		option.WithEndpoint(server.URL()+"/"),
		option.WithHTTPClient(http.DefaultClient),
	)
	Expect(err).NotTo(HaveOccurred())
	return recognizer
}

var _ = Describe("VisionRecognizer", func() {
	var (
		server      *ghttp.Server
		recognizer  *VisionRecognizer
		imageBase64 string
		result      RecognitionResult
		err         error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		recognizer = newTestVisionRecognizer(server)
		imageBase64 = "aW1hZ2UgYnl0ZXM="
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		result, err = recognizer.RecognizeText(context.Background(), imageBase64)
	})

	When("the image contains text", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, annotatePath),
				ghttp.VerifyJSONRepresenting(map[string]any{
					"requests": []any{
						map[string]any{
							"image": map[string]any{"content": "aW1hZ2UgYnl0ZXM="},
							"features": []any{
								map[string]any{"type": "TEXT_DETECTION", "maxResults": 1},
							},
						},
					},
				}),
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
					"responses": []any{
						map[string]any{
							"fullTextAnnotation": map[string]any{"text": "STORE X\nTotal 5.50"},
						},
					},
				}),
			))
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should return the full text annotation", func() {
			Expect(result.Text).To(Equal("STORE X\nTotal 5.50"))
		})

		It("should send one request", func() {
			Expect(server.ReceivedRequests()).To(HaveLen(1))
		})
	})

	When("no text is found", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
				"responses": []any{map[string]any{}},
			}))
		})

		It("should succeed with empty text", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Text).To(BeEmpty())
		})
	})

	When("the response has no entries", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{}))
		})

		It("should succeed with empty text", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Text).To(BeEmpty())
		})
	})

	When("the service rejects the key", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusForbidden,
				`{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`,
				http.Header{"Content-Type": []string{"application/json"}},
			))
		})

		It("should return an upstream error with the status", func() {
			var extErr *Error
			Expect(errors.As(err, &extErr)).To(BeTrue())
			Expect(extErr.Kind).To(Equal(KindUpstream))
			Expect(extErr.Status).To(Equal(http.StatusForbidden))
			Expect(extErr.Stage).To(Equal(StageRecognizing))
		})

		It("should carry the raw error body", func() {
			var extErr *Error
			Expect(errors.As(err, &extErr)).To(BeTrue())
			Expect(extErr.Detail).To(ContainSubstring("API key not valid"))
		})
	})

	When("the image itself cannot be processed", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
				"responses": []any{
					map[string]any{
						"error": map[string]any{"code": 3, "message": "Bad image data."},
					},
				},
			}))
		})

		It("should return an upstream error", func() {
			var extErr *Error
			Expect(errors.As(err, &extErr)).To(BeTrue())
			Expect(extErr.Kind).To(Equal(KindUpstream))
			Expect(extErr.Status).To(Equal(http.StatusBadRequest))
			Expect(extErr.Detail).To(Equal("Bad image data."))
		})
	})

	When("the image is empty", func() {
		BeforeEach(func() {
			imageBase64 = ""
		})

		It("should return an invalid input error", func() {
			Expect(errors.Is(err, ErrInvalidInput)).To(BeTrue())
		})

		It("should not call the service", func() {
			Expect(server.ReceivedRequests()).To(BeEmpty())
		})
	})
})
