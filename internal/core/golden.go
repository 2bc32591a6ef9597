package core

import "time"

const GoldenImageKey = "golden_image"

// GoldenImage is the pointer to the image new instances should boot from.
type GoldenImage struct {
	ImageID   string    `json:"image_id"`
	UpdatedAt time.Time `json:"updated_at"`
}
