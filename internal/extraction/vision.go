package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	vision "google.golang.org/api/vision/v1"
)

// TextRecognizer turns a base64 encoded image into text
type TextRecognizer interface {
	RecognizeText(ctx context.Context, imageBase64 string) (RecognitionResult, error)
}

// VisionRecognizer implements TextRecognizer using Google Cloud Vision
// TEXT_DETECTION
type VisionRecognizer struct {
	service *vision.Service
}

// NewVisionRecognizer creates a recognizer. An empty apiKey leaves
// authentication to opts.
func NewVisionRecognizer(ctx context.Context, apiKey string, opts ...option.ClientOption) (*VisionRecognizer, error) {
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	service, err := vision.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating vision client: %w", err)
	}
	return &VisionRecognizer{service: service}, nil
}

// RecognizeText returns the first full-text annotation, or empty text when
// none was found
func (v *VisionRecognizer) RecognizeText(ctx context.Context, imageBase64 string) (RecognitionResult, error) {
	if strings.TrimSpace(imageBase64) == "" {
		return RecognitionResult{}, invalidInput(StageRecognizing, "missing imageBase64")
	}

	req := &vision.BatchAnnotateImagesRequest{
		Requests: []*vision.AnnotateImageRequest{
			{
				Image: &vision.Image{Content: imageBase64},
				Features: []*vision.Feature{
					{Type: "TEXT_DETECTION", MaxResults: 1},
				},
			},
		},
	}

	resp, err := v.service.Images.Annotate(req).Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			return RecognitionResult{}, upstreamError(StageRecognizing, apiErr.Code, apiErr.Body, err)
		}
		return RecognitionResult{}, upstreamError(StageRecognizing, 0, "", fmt.Errorf("calling vision API: %w", err))
	}

	if len(resp.Responses) == 0 || resp.Responses[0] == nil {
		return RecognitionResult{}, nil
	}
	first := resp.Responses[0]
	if first.Error != nil && first.Error.Code != 0 {
		return RecognitionResult{}, upstreamError(StageRecognizing, grpcToHTTPStatus(first.Error.Code), first.Error.Message, nil)
	}
	if first.FullTextAnnotation == nil {
		return RecognitionResult{}, nil
	}
	return RecognitionResult{Text: first.FullTextAnnotation.Text}, nil
}

// grpcToHTTPStatus maps the google.rpc.Code carried in a per-image error
func grpcToHTTPStatus(code int64) int {
	switch code {
	case 3, 9, 11: // INVALID_ARGUMENT, FAILED_PRECONDITION, OUT_OF_RANGE
		return 400
	case 16: // UNAUTHENTICATED
		return 401
	case 7: // PERMISSION_DENIED
		return 403
	case 5: // NOT_FOUND
		return 404
	case 8: // RESOURCE_EXHAUSTED
		return 429
	case 4: // DEADLINE_EXCEEDED
		return 504
	case 14: // UNAVAILABLE
		return 503
	default:
		return 500
	}
}
