// Package domain contains core business types and interfaces.
//
// This file defines the result types for the gated meal-scan workflow.
package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	// MaxPhotoSize is the maximum allowed size for uploaded meal photos (10MB).
	MaxPhotoSize = 10 * 1024 * 1024
)

// SupportedPhotoTypes maps accepted content types to their canonical file
// extensions. These match what the vision model accepts.
var SupportedPhotoTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// IsValidPhotoContentType checks if the content type is supported.
func IsValidPhotoContentType(contentType string) bool {
	_, ok := SupportedPhotoTypes[contentType]
	return ok
}

// ValidatePhotoSize checks if the file size is within limits.
func ValidatePhotoSize(size int64) error {
	if size > MaxPhotoSize {
		return Invalid("scan.validate", "Photo exceeds the 10MB size limit")
	}
	if size == 0 {
		return Invalid("scan.validate", "Photo file is empty")
	}
	return nil
}

// PhotoExt returns the canonical file extension for a supported content type.
func PhotoExt(contentType string) string {
	return SupportedPhotoTypes[contentType]
}

// IdentifiedFood is one food item recognized in a meal photo, with the
// AI-estimated portion and macros.
type IdentifiedFood struct {
	Name       string  `json:"name"`
	Portion    string  `json:"portion"`
	Confidence float64 `json:"confidence"`
	Calories   int     `json:"calories"`
	ProteinG   float64 `json:"proteinG"`
	CarbsG     float64 `json:"carbsG"`
	FatG       float64 `json:"fatG"`
}

// NutritionTotals sums the macros across all identified foods.
type NutritionTotals struct {
	Calories int     `json:"calories"`
	ProteinG float64 `json:"proteinG"`
	CarbsG   float64 `json:"carbsG"`
	FatG     float64 `json:"fatG"`
}

// ScanResult is the outcome of one admitted, completed meal scan.
//
// Access is the AccessStatus captured at admission time, not a fresh
// re-query, so the client's displayed quota matches what this scan actually
// consumed.
type ScanResult struct {
	ScanID       uuid.UUID        `json:"scanId"`
	Foods        []IdentifiedFood `json:"foods"`
	Totals       NutritionTotals  `json:"totals"`
	Notes        string           `json:"notes,omitempty"`
	PhotoKey     string           `json:"photoKey,omitempty"`
	ThumbnailKey string           `json:"thumbnailKey,omitempty"`
	ScannedAt    time.Time        `json:"scannedAt"`
	Access       *AccessStatus    `json:"access"`
}

// SumNutrition computes totals from a list of identified foods.
func SumNutrition(foods []IdentifiedFood) NutritionTotals {
	var t NutritionTotals
	for _, f := range foods {
		t.Calories += f.Calories
		t.ProteinG += f.ProteinG
		t.CarbsG += f.CarbsG
		t.FatG += f.FatG
	}
	return t
}
