package inference

import (
	"math"

	"go-proctoring-server/models"

	"golang.org/x/text/cases"
)

// BestFace returns the detection with the highest confidence that carries a bounding
// box. ok is false when there is none.
func BestFace(detections []models.FaceDetection) (best models.FaceDetection, ok bool) {
	for _, d := range detections {
		if d.BoundingBox == nil {
			continue
		}
		if !ok || d.Score > best.Score {
			best, ok = d, true
		}
	}
	return best, ok
}

// DominantGesture returns the top category of the first detected hand.
func DominantGesture(gestures [][]models.GestureCategory) (models.GestureCategory, bool) {
	if len(gestures) == 0 || len(gestures[0]) == 0 {
		return models.GestureCategory{}, false
	}
	return gestures[0][0], true
}

// NormalizeLabel case-folds a gesture label for comparison. Separators are kept, so
// "Thumb_Up" matches "thumb_up" but "thumb up" does not.
func NormalizeLabel(label string) string {
	return cases.Fold().String(label)
}

// CosineSimilarity of two embeddings. Mismatched or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	similarity := dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to handle floating point errors
	return math.Max(-1, math.Min(1, similarity))
}
