package models

type ImageRequest struct {
	Image string `json:"image"` // Base64 encoded JPEG
}

type BoundingBox struct {
	OriginX int `json:"origin_x"`
	OriginY int `json:"origin_y"`
	Width   int `json:"width"`
	Height  int `json:"height"`
}

type FaceDetection struct {
	Score       float64      `json:"score"` // detector confidence, 0-1
	BoundingBox *BoundingBox `json:"bounding_box,omitempty"`
}

type FaceDetectResponse struct {
	Detections []FaceDetection `json:"detections"`
}

type EmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type GestureCategory struct {
	CategoryName string  `json:"category_name"`
	Score        float64 `json:"score"`
}

// GestureResponse holds one list of ranked categories per detected hand.
type GestureResponse struct {
	Gestures [][]GestureCategory `json:"gestures"`
}
