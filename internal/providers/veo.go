package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	veoPollInterval    = 10 * time.Second
	veoMaxPollDuration = 5 * time.Minute
)

// VeoProvider generates image-to-video via Google's Veo models through the
// Gen AI SDK. The shot's rendered image is passed as the first frame; the
// motion prompt describes what happens. Polling blocks the calling goroutine,
// which fits the orchestrator's one-goroutine-per-unit model.
type VeoProvider struct {
	apiKey string
	model  string
	client *http.Client // for fetching the source frame
}

func NewVeoProvider(apiKey, model string) *VeoProvider {
	if model == "" {
		model = "veo-3.1-generate-preview"
	}
	return &VeoProvider{
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *VeoProvider) Name() string {
	return p.model
}

func (p *VeoProvider) GenerateVideo(ctx context.Context, req VideoRequest) (*VideoResult, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	imageData, mimeType, err := p.fetchFrame(ctx, req.ImageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source frame: %w", err)
	}

	firstFrame := &genai.Image{
		ImageBytes: imageData,
		MIMEType:   mimeType,
	}

	aspectRatio := req.AspectRatio
	if aspectRatio == "" {
		aspectRatio = "16:9"
	}
	resolution := req.Resolution
	if resolution == "" {
		resolution = "1080p"
	}

	config := &genai.GenerateVideosConfig{
		AspectRatio:      aspectRatio,
		Resolution:       resolution,
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
	}

	log.Printf("[Veo] Starting video generation (model=%s, promptLen=%d, imageSize=%d bytes)", p.model, len(req.MotionPrompt), len(imageData))

	operation, err := client.Models.GenerateVideos(ctx, p.model, req.MotionPrompt, firstFrame, config)
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to start video generation: %w", err))
	}

	deadline := time.Now().Add(veoMaxPollDuration)
	pollCount := 0
	for !operation.Done {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("video generation timed out after %v (polled %d times)", veoMaxPollDuration, pollCount)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("video generation cancelled: %w", ctx.Err())
		case <-time.After(veoPollInterval):
		}

		pollCount++
		operation, err = client.Operations.GetVideosOperation(ctx, operation, nil)
		if err != nil {
			return nil, Transient(fmt.Errorf("failed to poll operation (attempt %d): %w", pollCount, err))
		}

		log.Printf("[Veo] Poll %d: done=%v", pollCount, operation.Done)
	}

	if len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return nil, fmt.Errorf("video generation operation failed: %s", string(errJSON))
	}

	if operation.Response == nil {
		return nil, fmt.Errorf("no response in completed operation after %d polls", pollCount)
	}

	if operation.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(operation.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(operation.Response.RAIMediaFilteredReasons, ", ")
		}
		return nil, fmt.Errorf("video blocked by safety filters: %d filtered, reasons: %s", operation.Response.RAIMediaFilteredCount, reasons)
	}

	if len(operation.Response.GeneratedVideos) == 0 {
		return nil, fmt.Errorf("no videos in response")
	}

	video := operation.Response.GeneratedVideos[0]
	if video.Video == nil {
		return nil, fmt.Errorf("generated video object is nil")
	}

	downloadURI := genai.NewDownloadURIFromVideo(video.Video)
	videoBytes, err := client.Files.Download(ctx, downloadURI, nil)
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to download generated video: %w", err))
	}

	if len(videoBytes) == 0 {
		return nil, fmt.Errorf("downloaded video is empty")
	}

	log.Printf("[Veo] Video generated (%d bytes, %d polls)", len(videoBytes), pollCount)

	return &VideoResult{Data: videoBytes, DurationSec: req.DurationSec}, nil
}

func (p *VeoProvider) fetchFrame(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", Transient(fmt.Errorf("frame download failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", statusError("frame download", resp.StatusCode, "")
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read frame body: %w", err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "image/png"
	}

	return data, mimeType, nil
}
