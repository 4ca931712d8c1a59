package models

import (
	"errors"
	"fmt"
)

// TurboModelID is a distilled model that does not support classifier free guidance
const TurboModelID = "stabilityai/sd-turbo"

// GenerationRequest describes one batched text-to-image generation run
type GenerationRequest struct {
	Prompt          string `json:"prompt"`
	Count           int    `json:"count"`
	BatchSize       int    `json:"batch_size"`
	ImageSize       int    `json:"image_size"`
	Steps           int    `json:"steps"`
	DisableGuidance bool   `json:"disable_guidance"`
}

// Validate checks that the request can be scheduled
func (r GenerationRequest) Validate() error {
	if r.Count <= 0 {
		return errors.New("image count must be positive")
	}
	if r.BatchSize <= 0 {
		return errors.New("batch size must be positive")
	}
	if r.Steps <= 0 {
		return errors.New("inference steps must be positive")
	}
	if r.ImageSize <= 0 || r.ImageSize%8 != 0 {
		return fmt.Errorf("image size %d must be a positive multiple of 8", r.ImageSize)
	}
	return nil
}

// MinBatches returns the number of batches needed when every image passes the safety checker
func (r GenerationRequest) MinBatches() int {
	if r.Count <= 0 || r.BatchSize <= 0 {
		return 0
	}
	return 1 + (r.Count-1)/r.BatchSize
}

// RequiresGuidanceOff reports whether a model cannot run with classifier free guidance
func RequiresGuidanceOff(modelID string) bool {
	return modelID == TurboModelID
}

// EventKind tags a generation event
type EventKind int

const (
	EventStep EventKind = iota
	EventImage
)

// Event is a single progress or image notification from the generation loop
type Event struct {
	Kind  EventKind
	Step  int    // global step, set for EventStep
	Index int    // image index, set for EventImage
	Path  string // image path, set for EventImage
}
