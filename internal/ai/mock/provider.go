// Package mock provides a canned ai.Provider for development and tests.
package mock

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nicqtran/umami-server/internal/ai"
)

// Provider is a mock meal-analysis provider.
type Provider struct {
	logger *slog.Logger

	// Configurable responses for testing
	AnalyzeMealResponse *ai.MealAnalysis
	AnalyzeMealError    error

	// Call tracking for testing
	AnalyzeMealCalls atomic.Int32
}

// New creates a new mock AI provider.
func New(logger *slog.Logger) *Provider {
	return &Provider{
		logger: logger,
	}
}

// AnalyzeMeal returns a canned analysis, or the configured response/error.
func (p *Provider) AnalyzeMeal(ctx context.Context, params ai.AnalyzeMealParams) (*ai.MealAnalysis, error) {
	p.AnalyzeMealCalls.Add(1)

	if p.AnalyzeMealError != nil {
		return nil, p.AnalyzeMealError
	}
	if p.AnalyzeMealResponse != nil {
		return p.AnalyzeMealResponse, nil
	}

	if p.logger != nil {
		p.logger.Debug("Mock meal analysis", "scan_id", params.ScanID)
	}

	return &ai.MealAnalysis{
		Foods: []ai.FoodItem{
			{
				Name:       "grilled chicken breast",
				Portion:    "150 g",
				Confidence: 0.92,
				Calories:   248,
				ProteinG:   46.5,
				CarbsG:     0,
				FatG:       5.4,
			},
			{
				Name:       "steamed white rice",
				Portion:    "1 cup",
				Confidence: 0.88,
				Calories:   205,
				ProteinG:   4.3,
				CarbsG:     44.5,
				FatG:       0.4,
			},
			{
				Name:       "mixed green salad",
				Portion:    "1 bowl",
				Confidence: 0.75,
				Calories:   35,
				ProteinG:   1.8,
				CarbsG:     6.2,
				FatG:       0.4,
			},
		},
		GeneralNotes:      "Balanced plate with a lean protein, a starch, and vegetables.",
		ImageQualityNotes: "",
		Usage: ai.UsageInfo{
			Model:        "mock",
			InputTokens:  1200,
			OutputTokens: 300,
			CostCents:    0,
			Duration:     50 * time.Millisecond,
		},
	}, nil
}
