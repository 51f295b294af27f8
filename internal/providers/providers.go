package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/amberline/storyboard/internal/models"
)

// Capability names the kinds of external calls the cascade can route.
type Capability string

const (
	CapabilityLLM          Capability = "llm-completion"
	CapabilityTextToImage  Capability = "text-to-image"
	CapabilityImageToImage Capability = "image-to-image"
	CapabilityImageToVideo Capability = "image-to-video"
)

// TransientError marks a failure worth retrying on the same candidate:
// rate limits, upstream 5xx, network hiccups. Anything not wrapped in a
// TransientError advances the cascade immediately.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether an error (anywhere in the chain) is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// isTransientStatus classifies HTTP status codes the way the cascade retries:
// rate limits and upstream flakiness retry, everything else is terminal.
func isTransientStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout ||
		status == http.StatusInternalServerError
}

// statusError builds a classified error from an HTTP response.
func statusError(provider string, status int, body string) error {
	err := fmt.Errorf("%s returned status %d: %s", provider, status, body)
	if isTransientStatus(status) {
		return Transient(err)
	}
	return err
}

// LLMProvider produces a structured JSON object from a system/user prompt
// pair. Name() is the model identifier used for cost tracking.
type LLMProvider interface {
	Name() string
	Complete(ctx context.Context, systemPrompt, userPrompt string) (json.RawMessage, error)
}

// ImageRequest is the input for text-to-image and image-to-image calls.
type ImageRequest struct {
	Prompt      string
	References  []models.Reference // ordered reference handles, may be empty
	AspectRatio string             // "16:9", "9:16", "1:1"
	Resolution  string             // "1K", "2K", "4K"
}

// ImageResult carries the generated image as inline bytes or a downloadable
// handle, whichever the provider returns.
type ImageResult struct {
	Data      []byte
	RemoteURL string
}

type ImageProvider interface {
	Name() string
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error)
}

// VideoRequest is the input for image-to-video calls.
type VideoRequest struct {
	ImageURL     string // remote handle of the source frame
	MotionPrompt string
	DurationSec  int
	AspectRatio  string
	Resolution   string
}

type VideoResult struct {
	Data        []byte
	RemoteURL   string
	DurationSec int
}

type VideoProvider interface {
	Name() string
	GenerateVideo(ctx context.Context, req VideoRequest) (*VideoResult, error)
}
