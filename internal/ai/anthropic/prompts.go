package anthropic

import "fmt"

// buildMealAnalysisPrompt creates the prompt for identifying foods and
// estimating nutrition from a meal photograph.
func buildMealAnalysisPrompt(notes string) string {
	prompt := `You are a registered dietitian analyzing a photograph of a meal. Your task is to identify every distinct food or drink visible and estimate its portion size and nutritional content.

For each food you identify:
- Give its common name (e.g., "grilled chicken breast", "white rice")
- Estimate the portion in everyday units ("1 cup", "150 g", "2 slices")
- Give your confidence as a number from 0 to 1
- Estimate calories (kcal) and macronutrients in grams: protein, carbohydrates, fat, for the estimated portion

**Important Guidelines:**
- Only report foods you can reasonably identify from the visible evidence
- Estimate portions from visual cues (plate size, utensils, packaging)
- Prefer conservative portion estimates when uncertain
- If the photo contains no recognizable food, return an empty foods list
- If image quality prevents confident assessment, note it`

	if notes != "" {
		prompt += fmt.Sprintf("\n\n**Additional Context from the User:**\n%s", notes)
	}

	prompt += `

**Response Format:**
Return your analysis as a JSON object with this exact structure and nothing else:

{
  "foods": [
    {
      "name": "grilled chicken breast",
      "portion": "150 g",
      "confidence": 0.9,
      "calories": 248,
      "protein_g": 46.5,
      "carbs_g": 0.0,
      "fat_g": 5.4
    }
  ],
  "general_notes": "Observations about the meal as a whole",
  "image_quality_notes": "Notes about photo quality, or empty string"
}`

	return prompt
}
