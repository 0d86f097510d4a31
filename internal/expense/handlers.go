package expense

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zombor/expense-tracker/internal/extraction"
)

// errorResponse is the JSON body of every failed request
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	// Status is the upstream HTTP status for upstream failures
	Status int    `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorResponse{Error: message})
}

// writePipelineError maps an extraction failure onto a response. With
// passUpstream the upstream status is echoed back instead of 502.
func writePipelineError(w http.ResponseWriter, err error, passUpstream bool) {
	var extErr *extraction.Error
	if !errors.As(err, &extErr) {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			writeError(w, http.StatusBadRequest, validationErr.Error())
			return
		}
		slog.Error("Receipt pipeline failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	resp := errorResponse{Kind: extErr.Kind.String()}
	code := http.StatusBadGateway
	switch extErr.Kind {
	case extraction.KindInvalidInput:
		code = http.StatusBadRequest
		resp.Error = extErr.Detail
	case extraction.KindUpstream:
		resp.Error = "Upstream service failed"
		resp.Status = extErr.Status
		resp.Detail = extErr.Detail
		if passUpstream && extErr.Status >= 400 {
			code = extErr.Status
		}
	case extraction.KindMalformedOutput:
		resp.Error = "Model reply is not valid JSON"
		resp.Detail = extErr.Detail
	case extraction.KindUnvalidatedShape:
		resp.Error = "Model reply is missing expected fields"
		resp.Detail = extErr.Detail
	case extraction.KindTotalMismatch:
		resp.Error = "Receipt total does not match its items"
		resp.Detail = extErr.Detail
	default:
		resp.Error = extErr.Error()
	}
	slog.Warn("Receipt request failed", "kind", resp.Kind, "stage", extErr.Stage, "status", extErr.Status)
	writeJSON(w, code, resp)
}

// writeServiceError maps expense service failures onto a response
func writeServiceError(w http.ResponseWriter, err error, action string) {
	var validationErr *ValidationError
	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, validationErr.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "Expense not found")
	case errors.Is(err, ErrNotPending):
		writeError(w, http.StatusConflict, "Expense has already been reviewed")
	default:
		slog.Error("Error "+action, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// decodeBody reads a JSON body no larger than limit
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body is too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// base64Limit is the JSON body size that fits an image of maxUploadBytes
func (s *Server) base64Limit() int64 {
	return s.maxUploadBytes*4/3 + 4096
}

// handleRecognize returns the OCR text of a base64 encoded image
func (s *Server) handleRecognize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ImageBase64 string `json:"imageBase64"`
	}
	if !decodeBody(w, r, s.base64Limit(), &req) {
		return
	}

	text, err := s.service.RecognizeText(r.Context(), req.ImageBase64)
	if err != nil {
		writePipelineError(w, err, true)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ocrText": text})
}

// handleExtract returns the fields the model found in OCR text
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OCRText string `json:"ocrText"`
	}
	if !decodeBody(w, r, s.maxUploadBytes, &req) {
		return
	}

	result, err := s.service.ExtractReceipt(r.Context(), req.OCRText)
	if err != nil {
		writePipelineError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleDraft runs the full pipeline on a base64 encoded image
func (s *Server) handleDraft(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ImageBase64 string `json:"imageBase64"`
	}
	if !decodeBody(w, r, s.base64Limit(), &req) {
		return
	}

	draft, err := s.service.DraftFromImage(r.Context(), req.ImageBase64)
	if err != nil {
		writePipelineError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

// readUpload reads a multipart file field, returning nil data when the field
// is absent
func (s *Server) readUpload(r *http.Request, field string) (*ReceiptUpload, error) {
	f, header, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return &ReceiptUpload{
		Filename:    header.Filename,
		ContentType: uploadContentType(header),
		Data:        data,
	}, nil
}

// uploadContentType falls back to the file extension when the part has no
// Content-Type
func uploadContentType(header *multipart.FileHeader) string {
	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(header.Filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// parseUploadForm parses a multipart body bounded by the upload limit
func (s *Server) parseUploadForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+64<<10)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "File is too large")
			return false
		}
		slog.Error("Error parsing multipart form", "error", err)
		writeError(w, http.StatusBadRequest, "Error parsing form")
		return false
	}
	return true
}

// handleScanReceipt turns an uploaded receipt into a draft without storing it
func (s *Server) handleScanReceipt(w http.ResponseWriter, r *http.Request) {
	if !s.parseUploadForm(w, r) {
		return
	}

	upload, err := s.readUpload(r, "file")
	if err != nil {
		slog.Error("Error reading uploaded file", "error", err)
		writeError(w, http.StatusBadRequest, "Error reading file")
		return
	}
	if upload == nil {
		writeError(w, http.StatusBadRequest, "No file was selected. Please choose a file to upload.")
		return
	}
	if int64(len(upload.Data)) > s.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "File is too large")
		return
	}

	draft, err := s.service.ScanReceipt(r.Context(), upload.Data, upload.ContentType)
	if err != nil {
		slog.Error("Error scanning receipt", "filename", upload.Filename, "error", err)
		writePipelineError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Categories())
}

// handleSubmitExpense accepts a JSON body or a multipart form with an
// optional receipt file
func (s *Server) handleSubmitExpense(w http.ResponseWriter, r *http.Request) {
	var sub Submission

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if !s.parseUploadForm(w, r) {
			return
		}
		sub.Merchant = r.FormValue("merchant")
		sub.Category = r.FormValue("category")
		sub.Date = r.FormValue("date")
		sub.Description = r.FormValue("description")
		amount, err := decimal.NewFromString(strings.TrimSpace(r.FormValue("amount")))
		if err != nil {
			writeError(w, http.StatusBadRequest, "amount: must be a number")
			return
		}
		sub.Amount = amount

		upload, err := s.readUpload(r, "receipt")
		if err != nil {
			slog.Error("Error reading uploaded file", "error", err)
			writeError(w, http.StatusBadRequest, "Error reading file")
			return
		}
		sub.Receipt = upload
	} else if !decodeBody(w, r, s.maxUploadBytes, &sub) {
		return
	}

	if user, _, ok := r.BasicAuth(); ok && s.authEnabled() {
		sub.Submitter = user
	}

	expense, err := s.service.SubmitExpense(sub)
	if err != nil {
		writeServiceError(w, err, "submitting expense")
		return
	}
	writeJSON(w, http.StatusCreated, expense)
}

// handleListExpenses returns expenses, optionally filtered by ?status=
func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	var status Status
	if value := r.URL.Query().Get("status"); value != "" {
		var err error
		if status, err = ParseStatus(value); err != nil {
			writeServiceError(w, err, "listing expenses")
			return
		}
	}

	expenses, err := s.service.ListExpenses(status)
	if err != nil {
		writeServiceError(w, err, "listing expenses")
		return
	}
	if expenses == nil {
		expenses = []*Expense{}
	}
	writeJSON(w, http.StatusOK, expenses)
}

// handleGetExpense returns a single expense
func (s *Server) handleGetExpense(w http.ResponseWriter, r *http.Request) {
	expense, err := s.service.GetExpense(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err, "getting expense")
		return
	}
	writeJSON(w, http.StatusOK, expense)
}

// handleGetReceiptFile returns the receipt image for an expense
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetReceiptFile(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "File not found")
			return
		}
		writeServiceError(w, err, "getting receipt file")
		return
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteExpense deletes an expense and its receipt
func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteExpense(r.PathValue("id")); err != nil {
		writeServiceError(w, err, "deleting expense")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApproveExpense(w http.ResponseWriter, r *http.Request) {
	expense, err := s.service.ApproveExpense(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err, "approving expense")
		return
	}
	writeJSON(w, http.StatusOK, expense)
}

func (s *Server) handleRejectExpense(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Comment string `json:"comment"`
	}
	if !decodeBody(w, r, 64<<10, &req) {
		return
	}

	expense, err := s.service.RejectExpense(r.PathValue("id"), req.Comment)
	if err != nil {
		writeServiceError(w, err, "rejecting expense")
		return
	}
	writeJSON(w, http.StatusOK, expense)
}
