// Package api defines the request and response types of the contour HTTP
// service, shared by the server and the command line client.
package api

import (
	"fmt"
	"time"
)

// StatusError is an error with an HTTP status code and message.
type StatusError struct {
	StatusCode   int
	Status       string
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		// this should not happen
		return "something went wrong, please see the contour server logs for details"
	}
}

// ImageData is the raw binary data of an image file.
type ImageData []byte

// GenerateRequest describes one image generation request.
type GenerateRequest struct {
	// Prompt is the input prompt. Trigger tokens from the active trained
	// weights are substituted server-side.
	Prompt string `json:"prompt"`

	// Image is the structural conditioning input. Its edge map guides the
	// network; in img2img mode it is also the starting image.
	Image ImageData `json:"image,omitempty"`

	// Img2Img switches to the img2img pipeline, using Image both as the
	// control image and the base image.
	Img2Img bool `json:"img2img,omitempty"`

	// ConditionScale sets how strongly the control image steers the
	// result. Range 0-2, default 1.1.
	ConditionScale *float64 `json:"condition_scale,omitempty"`

	// Strength is the img2img denoising strength; 1 means total
	// destruction of the input image. Range 0-1, default 0.8.
	Strength *float64 `json:"strength,omitempty"`

	NegativePrompt string `json:"negative_prompt,omitempty"`

	// Steps is the number of denoising steps. Range 1-500, default 30.
	Steps *int `json:"steps,omitempty"`

	// NumOutputs is the number of images to produce. Range 1-4, default 1.
	NumOutputs *int `json:"num_outputs,omitempty"`

	// Scheduler selects the noise scheduler. Default K_EULER.
	Scheduler string `json:"scheduler,omitempty"`

	// GuidanceScale is the classifier-free guidance scale. Range 1-50,
	// default 7.5.
	GuidanceScale *float64 `json:"guidance_scale,omitempty"`

	// Seed fixes the random seed; leave unset to randomize.
	Seed *int64 `json:"seed,omitempty"`

	// LoraScale is the adapter additive scale. Applied only when the
	// active trained weights are a low-rank adapter. Range 0-1, default
	// 0.95.
	LoraScale *float64 `json:"lora_scale,omitempty"`

	// LoraWeights references a trained weight bundle (URL or local path)
	// to install before generating. Empty keeps the current weights.
	LoraWeights string `json:"lora_weights,omitempty"`
}

// GenerateResponse carries the finished images.
type GenerateResponse struct {
	CreatedAt time.Time   `json:"created_at"`
	Images    []ImageData `json:"images"`

	// Width and Height are the resolution the request was snapped to.
	Width  int `json:"width"`
	Height int `json:"height"`

	Seed          int64         `json:"seed"`
	TotalDuration time.Duration `json:"total_duration,omitempty"`
	LoadDuration  time.Duration `json:"load_duration,omitempty"`
}

// VersionResponse reports the server build.
type VersionResponse struct {
	Version string `json:"version"`
}
