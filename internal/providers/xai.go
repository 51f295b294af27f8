package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// xAI Grok Imagine video generation. Deferred request pattern:
// submit generation -> poll by request_id -> download. This is the
// different-vendor last resort in the video cascade.
const (
	xaiBaseURL           = "https://api.x.ai/v1"
	xaiInitialDelay      = 15 * time.Second
	xaiPollMinInterval   = 5 * time.Second
	xaiPollMaxInterval   = 20 * time.Second
	xaiPollBackoffFactor = 1.5
	xaiMaxPollDuration   = 5 * time.Minute
	xaiMinDuration       = 1
	xaiMaxDuration       = 15
	xaiDefaultDuration   = 8
)

type XAIVideoProvider struct {
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewXAIVideoProvider(apiKey string) *XAIVideoProvider {
	return &XAIVideoProvider{
		apiKey: apiKey,
		model:  "grok-imagine-video",
		// Timeout covers individual HTTP calls, not the full poll cycle.
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *XAIVideoProvider) Name() string {
	return p.model
}

type xaiGenerationRequest struct {
	Prompt      string         `json:"prompt"`
	Model       string         `json:"model"`
	Image       *xaiImageInput `json:"image,omitempty"`
	Duration    int            `json:"duration,omitempty"`
	AspectRatio string         `json:"aspect_ratio,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
}

type xaiImageInput struct {
	URL string `json:"url"`
}

type xaiGenerationResponse struct {
	RequestID string `json:"request_id"`
}

// xaiVideoResult covers both poll shapes: pending responses carry a status,
// completed responses carry a video object and no status field.
type xaiVideoResult struct {
	Status string          `json:"status"`
	Video  *xaiVideoOutput `json:"video,omitempty"`
	Error  string          `json:"error"`
}

type xaiVideoOutput struct {
	URL      string `json:"url"`
	Duration int    `json:"duration"`
}

func (p *XAIVideoProvider) GenerateVideo(ctx context.Context, req VideoRequest) (*VideoResult, error) {
	durationSec := req.DurationSec
	if durationSec <= 0 {
		durationSec = xaiDefaultDuration
	}
	if durationSec < xaiMinDuration {
		durationSec = xaiMinDuration
	}
	if durationSec > xaiMaxDuration {
		durationSec = xaiMaxDuration
	}

	aspectRatio := req.AspectRatio
	if aspectRatio == "" {
		aspectRatio = "16:9"
	}
	resolution := req.Resolution
	if resolution == "" {
		resolution = "720p"
	}

	genReq := xaiGenerationRequest{
		Prompt:      req.MotionPrompt,
		Model:       p.model,
		Duration:    durationSec,
		AspectRatio: aspectRatio,
		Resolution:  resolution,
	}
	if req.ImageURL != "" {
		genReq.Image = &xaiImageInput{URL: req.ImageURL}
	}

	requestID, err := p.submitGeneration(ctx, genReq)
	if err != nil {
		return nil, err
	}

	log.Printf("[xAI Video] Generation submitted (request_id=%s, duration=%ds)", requestID, durationSec)

	// Videos typically take 30-40s; wait before the first poll.
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("video generation cancelled: %w", ctx.Err())
	case <-time.After(xaiInitialDelay):
	}

	result, err := p.pollUntilDone(ctx, requestID)
	if err != nil {
		return nil, err
	}

	videoBytes, err := p.downloadVideo(ctx, result.Video.URL)
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to download generated video: %w", err))
	}

	if len(videoBytes) == 0 {
		return nil, fmt.Errorf("downloaded video is empty")
	}

	log.Printf("[xAI Video] Video downloaded (%d bytes)", len(videoBytes))
	return &VideoResult{
		Data:        videoBytes,
		RemoteURL:   result.Video.URL,
		DurationSec: result.Video.Duration,
	}, nil
}

func (p *XAIVideoProvider) submitGeneration(ctx context.Context, genReq xaiGenerationRequest) (string, error) {
	jsonData, err := json.Marshal(genReq)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", xaiBaseURL+"/videos/generations", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", Transient(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Transient(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", statusError("xAI", resp.StatusCode, truncateBody(body))
	}

	var genResp xaiGenerationResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return "", fmt.Errorf("failed to parse generation response: %w", err)
	}

	if genResp.RequestID == "" {
		return "", fmt.Errorf("no request_id in generation response")
	}

	return genResp.RequestID, nil
}

func (p *XAIVideoProvider) pollUntilDone(ctx context.Context, requestID string) (*xaiVideoResult, error) {
	deadline := time.Now().Add(xaiMaxPollDuration)
	currentInterval := xaiPollMinInterval
	pollCount := 0

	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("video generation timed out after %v (polled %d times)", xaiMaxPollDuration, pollCount)
		}

		pollCount++
		result, err := p.getVideoResult(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll video result (attempt %d): %w", pollCount, err)
		}

		// Completed responses carry a video object and no status field.
		if result.Video != nil && result.Video.URL != "" {
			log.Printf("[xAI Video] Poll %d: completed (duration=%ds)", pollCount, result.Video.Duration)
			return result, nil
		}

		switch result.Status {
		case "failed":
			errMsg := result.Error
			if errMsg == "" {
				errMsg = "unknown error"
			}
			return nil, fmt.Errorf("video generation failed: %s (request_id=%s)", errMsg, requestID)

		default:
			log.Printf("[xAI Video] Poll %d: status=%s (next poll in %v)", pollCount, result.Status, currentInterval)

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("video generation cancelled: %w", ctx.Err())
			case <-time.After(currentInterval):
			}

			next := time.Duration(float64(currentInterval) * xaiPollBackoffFactor)
			if next > xaiPollMaxInterval {
				next = xaiPollMaxInterval
			}
			currentInterval = next
		}
	}
}

func (p *XAIVideoProvider) getVideoResult(ctx context.Context, requestID string) (*xaiVideoResult, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/videos/%s", xaiBaseURL, requestID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to read response: %w", err))
	}

	// 202 with {"status":"pending"} is a valid poll response.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, statusError("xAI", resp.StatusCode, truncateBody(body))
	}

	var result xaiVideoResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse video result: %w", err)
	}

	return &result, nil
}

func (p *XAIVideoProvider) downloadVideo(ctx context.Context, videoURL string) ([]byte, error) {
	// Videos can be large — use a longer timeout than the poll client.
	downloadClient := &http.Client{Timeout: 120 * time.Second}

	req, err := http.NewRequestWithContext(ctx, "GET", videoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := downloadClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("video download returned status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
