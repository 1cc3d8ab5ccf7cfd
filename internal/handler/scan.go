package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/nicqtran/umami-server/internal/domain"
	"github.com/nicqtran/umami-server/internal/service"
)

// maxScanRequestSize bounds the whole multipart body, photo plus fields.
const maxScanRequestSize = domain.MaxPhotoSize + 64*1024

// =============================================================================
// Scan Handler
// =============================================================================

// ScanHandler exposes the quota-gated meal scan workflow.
type ScanHandler struct {
	scans  service.ScanService
	logger *slog.Logger
}

// NewScanHandler creates a new ScanHandler.
func NewScanHandler(scans service.ScanService, logger *slog.Logger) *ScanHandler {
	return &ScanHandler{
		scans:  scans,
		logger: logger,
	}
}

// Analyze handles POST /api/v1/scan.
//
// Multipart form with a "photo" file part, plus optional "timezone" and
// "notes" fields. The authenticated user arrives in the X-User-ID header,
// set by the gateway.
//
// A quota denial is a 200 with the access status and a reason; the client
// branches on it. Only faults become HTTP errors, and those carry a
// "refunded" flag so the client knows whether the scan was given back.
func (h *ScanHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	const op = "handler.scan"

	userID, err := uuid.Parse(r.Header.Get("X-User-ID"))
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "X-User-ID header must be a UUID"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxScanRequestSize)
	if err := r.ParseMultipartForm(maxScanRequestSize); err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "Invalid multipart form or photo too large"))
		return
	}

	file, header, err := r.FormFile("photo")
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "A photo file part is required"))
		return
	}
	defer file.Close()

	result, err := h.scans.AnalyzeScan(r.Context(), service.ScanParams{
		UserID:   userID,
		Timezone: r.FormValue("timezone"),
		Photo:    file,
		Size:     header.Size,
		Notes:    r.FormValue("notes"),
	})
	if err != nil {
		h.writeScanError(w, r, err)
		return
	}

	JSON(w, http.StatusOK, result)
}

// writeScanError distinguishes business denials from faults.
func (h *ScanHandler) writeScanError(w http.ResponseWriter, r *http.Request, err error) {
	var denied *service.QuotaDeniedError
	if errors.As(err, &denied) {
		// Not an error: the gate worked exactly as intended.
		JSON(w, http.StatusOK, denied.Status)
		return
	}

	var failed *service.AnalysisFailedError
	if errors.As(err, &failed) {
		code := domain.ErrorCode(failed.Err)
		status := ErrorCodeToHTTPStatus(code)
		logError(h.logger, r, failed, code, domain.ErrorOp(failed.Err), status)
		JSON(w, status, map[string]any{
			"error": map[string]string{
				"code":    code,
				"message": domain.ErrorMessage(failed.Err),
			},
			"refunded": failed.Refunded,
		})
		return
	}

	ErrorResponse(w, r, h.logger, err)
}
