// Package ai defines the provider abstraction for AI-powered meal analysis:
// identifying foods in a photo and estimating portions and macros.
//
// Providers are external collaborators of the entitlement gate: the scan
// workflow admits one usage unit before calling a provider and refunds it if
// the call fails or identifies nothing.
package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Provider analyzes meal photos.
type Provider interface {
	// AnalyzeMeal identifies foods in a meal photo and estimates nutrition.
	AnalyzeMeal(ctx context.Context, params AnalyzeMealParams) (*MealAnalysis, error)
}

// AnalyzeMealParams contains parameters for meal photo analysis.
type AnalyzeMealParams struct {
	ImageData   []byte    // Raw image bytes
	ContentType string    // MIME type (e.g., "image/jpeg")
	Notes       string    // Optional context from the user ("homemade, no oil")
	ScanID      uuid.UUID // Scan ID for tracking
	UserID      uuid.UUID // User ID for usage tracking
}

// FoodItem is one food the model identified in the photo.
type FoodItem struct {
	Name       string  // Common food name
	Portion    string  // Human-readable portion estimate ("1 cup", "150 g")
	Confidence float64 // Model confidence, 0-1
	Calories   int     // Estimated kcal for the portion
	ProteinG   float64
	CarbsG     float64
	FatG       float64
}

// MealAnalysis is the complete analysis of one meal photo.
type MealAnalysis struct {
	Foods             []FoodItem // Identified foods; empty means nothing recognizable
	GeneralNotes      string     // Model observations about the meal
	ImageQualityNotes string     // Notes about photo quality/usability
	Usage             UsageInfo  // Token usage and cost information
}

// UsageInfo tracks API usage for cost monitoring.
type UsageInfo struct {
	Model        string
	InputTokens  int
	OutputTokens int
	CostCents    int
	Duration     time.Duration
}

// ProviderConfig contains common configuration for AI providers.
type ProviderConfig struct {
	MaxRetries     int           // Maximum retry attempts for transient errors
	RetryBaseDelay time.Duration // Base delay for exponential backoff
	RequestTimeout time.Duration // Timeout for individual requests
}

// Error codes for AI provider operations
var (
	// ErrRateLimit indicates the API rate limit has been exceeded
	ErrRateLimit = errors.New("ai provider rate limit exceeded")

	// ErrInvalidImage indicates the image format or content is invalid
	ErrInvalidImage = errors.New("invalid image format or content")

	// ErrNoFood indicates the model could not identify any food in the photo
	ErrNoFood = errors.New("no food identified in image")

	// ErrTimeout indicates the request timed out
	ErrTimeout = errors.New("ai request timed out")

	// ErrUnavailable indicates the AI service is temporarily unavailable
	ErrUnavailable = errors.New("ai service temporarily unavailable")

	// ErrUnauthorized indicates invalid API credentials
	ErrUnauthorized = errors.New("ai provider authentication failed")
)

// IsRetryable returns true if the error is a transient error that can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUnavailable)
}

// WrapError wraps an error with context about the AI operation.
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("ai %s: %w", operation, err)
}
