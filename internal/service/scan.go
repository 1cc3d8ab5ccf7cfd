// Package service contains business logic for the Umami server.
//
// This file implements the quota-gated meal scan workflow: admission through
// the entitlement gate, photo storage, AI analysis, and refund on failure.
package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/nicqtran/umami-server/internal/ai"
	"github.com/nicqtran/umami-server/internal/domain"
	"github.com/nicqtran/umami-server/internal/storage"
)

// =============================================================================
// Interface Definition
// =============================================================================

// ScanParams carries one meal scan request through the workflow.
type ScanParams struct {
	UserID   uuid.UUID
	Timezone string // IANA zone from the client, may be empty
	Photo    io.Reader
	Size     int64
	Notes    string
}

// QuotaDeniedError is returned when the entitlement gate refuses admission.
// Status carries the full access snapshot so callers can show the user
// exactly where they stand.
type QuotaDeniedError struct {
	Status *domain.AccessStatus
}

func (e *QuotaDeniedError) Error() string {
	return fmt.Sprintf("scan denied: %s", e.Status.State)
}

// AnalysisFailedError is returned when a scan was admitted but the analysis
// could not produce a result. Refunded reports whether the consumed scan
// was returned to the user's daily quota.
type AnalysisFailedError struct {
	Refunded bool
	Err      error
}

func (e *AnalysisFailedError) Error() string {
	return fmt.Sprintf("scan analysis failed (refunded=%t): %v", e.Refunded, e.Err)
}

func (e *AnalysisFailedError) Unwrap() error {
	return e.Err
}

// ScanService runs the quota-gated meal analysis workflow.
type ScanService interface {
	// AnalyzeScan admits the scan through the entitlement gate, stores the
	// photo and its thumbnail, and runs AI analysis.
	//
	// Returns *QuotaDeniedError (wrapped in a domain error) if the gate
	// refuses admission; the AI provider is never called in that case.
	// If admission succeeded but analysis failed, the consumed scan is
	// refunded best-effort before the error is returned.
	AnalyzeScan(ctx context.Context, params ScanParams) (*domain.ScanResult, error)
}

// =============================================================================
// Implementation
// =============================================================================

type scanService struct {
	entitlements EntitlementService
	provider     ai.Provider
	storage      storage.Storage
	thumbnails   ThumbnailProcessor
	logger       *slog.Logger
	now          func() time.Time
}

// NewScanService creates a new ScanService.
func NewScanService(
	entitlements EntitlementService,
	provider ai.Provider,
	st storage.Storage,
	thumbnails ThumbnailProcessor,
	logger *slog.Logger,
) ScanService {
	return &scanService{
		entitlements: entitlements,
		provider:     provider,
		storage:      st,
		thumbnails:   thumbnails,
		logger:       logger,
		now:          time.Now,
	}
}

// AnalyzeScan runs the full gated workflow for one meal photo.
func (s *scanService) AnalyzeScan(ctx context.Context, params ScanParams) (*domain.ScanResult, error) {
	const op = "scan.analyze"

	if err := domain.ValidatePhotoSize(params.Size); err != nil {
		return nil, err
	}

	// Sniff the content type from the first 512 bytes.
	photoData, err := io.ReadAll(io.LimitReader(params.Photo, domain.MaxPhotoSize+1))
	if err != nil {
		return nil, domain.Internal(err, op, "failed to read photo data")
	}
	if int64(len(photoData)) > domain.MaxPhotoSize {
		return nil, domain.Invalid(op, "Photo exceeds the 10MB size limit")
	}
	sniff := photoData
	if len(sniff) > 512 {
		sniff = sniff[:512]
	}
	contentType := http.DetectContentType(sniff)
	if !domain.IsValidPhotoContentType(contentType) {
		return nil, domain.Invalid(op, fmt.Sprintf("Unsupported photo type: %s. Only JPEG, PNG, and WebP are supported.", contentType))
	}

	// Admission is the one place a scan is consumed. Everything after this
	// point either completes the scan or refunds it.
	status, err := s.entitlements.GetAccessStatus(ctx, params.UserID, params.Timezone, true)
	if err != nil {
		return nil, err
	}
	if !status.Admitted() {
		return nil, &QuotaDeniedError{Status: status}
	}

	scanID := uuid.New()
	scannedAt := s.now().UTC()

	photoKey, thumbKey := s.storePhoto(ctx, params.UserID, scanID, photoData, contentType)

	analysis, err := s.provider.AnalyzeMeal(ctx, ai.AnalyzeMealParams{
		ImageData:   photoData,
		ContentType: contentType,
		Notes:       params.Notes,
		ScanID:      scanID,
		UserID:      params.UserID,
	})
	if err != nil {
		refunded := s.refund(ctx, params.UserID, params.Timezone, scanID)
		return nil, &AnalysisFailedError{
			Refunded: refunded,
			Err:      domain.Internal(err, op, "meal analysis failed"),
		}
	}
	if len(analysis.Foods) == 0 {
		refunded := s.refund(ctx, params.UserID, params.Timezone, scanID)
		return nil, &AnalysisFailedError{
			Refunded: refunded,
			Err:      domain.Invalid(op, "No food was identified in the photo"),
		}
	}

	foods := make([]domain.IdentifiedFood, len(analysis.Foods))
	for i, f := range analysis.Foods {
		foods[i] = domain.IdentifiedFood{
			Name:       f.Name,
			Portion:    f.Portion,
			Confidence: f.Confidence,
			Calories:   f.Calories,
			ProteinG:   f.ProteinG,
			CarbsG:     f.CarbsG,
			FatG:       f.FatG,
		}
	}

	return &domain.ScanResult{
		ScanID:       scanID,
		Foods:        foods,
		Totals:       domain.SumNutrition(foods),
		Notes:        analysis.GeneralNotes,
		PhotoKey:     photoKey,
		ThumbnailKey: thumbKey,
		ScannedAt:    scannedAt,
		Access:       status,
	}, nil
}

// storePhoto uploads the original photo and a thumbnail. Storage failures
// are logged but don't fail the scan; the analysis result is worth more
// than the archived photo.
func (s *scanService) storePhoto(ctx context.Context, userID, scanID uuid.UUID, data []byte, contentType string) (photoKey, thumbKey string) {
	photoKey = storage.PhotoKey(userID, scanID, domain.PhotoExt(contentType))

	if err := s.storage.Put(ctx, photoKey, bytes.NewReader(data), storage.PutOptions{
		ContentType: contentType,
		MaxSize:     domain.MaxPhotoSize,
	}); err != nil {
		s.logger.Error("failed to store scan photo", "error", err, "key", photoKey)
		return "", ""
	}

	thumbBytes, _, _, err := s.thumbnails.GenerateThumbnail(bytes.NewReader(data), ThumbnailMaxWidth, ThumbnailMaxHeight)
	if err != nil {
		s.logger.Error("failed to generate thumbnail", "error", err, "scan_id", scanID)
		return photoKey, ""
	}

	thumbKey = storage.ThumbnailKey(userID, scanID)
	if err := s.storage.Put(ctx, thumbKey, bytes.NewReader(thumbBytes), storage.PutOptions{
		ContentType: "image/jpeg",
	}); err != nil {
		s.logger.Error("failed to store thumbnail", "error", err, "key", thumbKey)
		return photoKey, ""
	}

	return photoKey, thumbKey
}

// refund returns the consumed scan after a failed analysis. Best-effort:
// a refund failure is logged, never surfaced over the analysis error.
func (s *scanService) refund(ctx context.Context, userID uuid.UUID, zone string, scanID uuid.UUID) bool {
	result, err := s.entitlements.RefundScan(ctx, userID, zone)
	if err != nil {
		s.logger.Error("failed to refund scan after analysis failure", "error", err, "user_id", userID, "scan_id", scanID)
		return false
	}
	if !result.Success {
		s.logger.Warn("scan refund skipped", "reason", result.Reason, "user_id", userID, "scan_id", scanID)
	}
	return result.Success
}
