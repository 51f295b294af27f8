package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GeminiImageProvider generates images via the Gemini generateContent API.
// Reference images arrive as remote handles; they are fetched and embedded
// as inline data parts ahead of the generation call, which makes the same
// code path serve text-to-image (no references) and image-to-image.
type GeminiImageProvider struct {
	apiKey string
	model  string
	client *http.Client
}

func NewGeminiImageProvider(apiKey, model string) *GeminiImageProvider {
	return &GeminiImageProvider{
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: 300 * time.Second},
	}
}

func (p *GeminiImageProvider) Name() string {
	return p.model
}

// Gemini API request/response structures
type geminiGenerateContentRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string           `json:"responseModalities,omitempty"`
	ImageConfig        *geminiImageConfig `json:"imageConfig,omitempty"`
}

type geminiImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerateContentResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text       string            `json:"text,omitempty"`
				InlineData *geminiInlineData `json:"inlineData,omitempty"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (p *GeminiImageProvider) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	parts := []geminiPart{{Text: req.Prompt}}

	// References keep their resolver order: identity first, style last.
	for _, ref := range req.References {
		data, mimeType, err := p.fetchReference(ctx, ref.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s reference: %w", ref.Role, err)
		}
		parts = append(parts, geminiPart{
			InlineData: &geminiInlineData{
				MimeType: mimeType,
				Data:     base64.StdEncoding.EncodeToString(data),
			},
		})
	}

	aspectRatio := req.AspectRatio
	if aspectRatio == "" {
		aspectRatio = "16:9"
	}
	resolution := req.Resolution
	if resolution == "" {
		resolution = "2K"
	}

	reqBody := geminiGenerateContentRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: parts},
		},
		GenerationConfig: &geminiGenerationConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
			ImageConfig: &geminiImageConfig{
				AspectRatio: aspectRatio,
				ImageSize:   resolution,
			},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent?key=%s", p.model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, Transient(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("gemini", resp.StatusCode, truncateBody(bodyBytes))
	}

	var geminiResp geminiGenerateContentResponse
	if err := json.Unmarshal(bodyBytes, &geminiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(geminiResp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in gemini response")
	}

	var textParts []string
	for _, part := range geminiResp.Candidates[0].Content.Parts {
		if part.InlineData != nil && part.InlineData.Data != "" {
			imageData, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 image: %w", err)
			}
			return &ImageResult{Data: imageData}, nil
		}
		if part.Text != "" {
			textParts = append(textParts, part.Text)
		}
	}

	if len(textParts) > 0 {
		msg := textParts[0]
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, fmt.Errorf("gemini returned text instead of image: %s", msg)
	}
	return nil, fmt.Errorf("no image data in gemini response (%d parts)", len(geminiResp.Candidates[0].Content.Parts))
}

// fetchReference downloads a reference handle so it can be embedded inline.
func (p *GeminiImageProvider) fetchReference(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", Transient(fmt.Errorf("reference download failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", statusError("reference download", resp.StatusCode, "")
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read reference body: %w", err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "image/png"
	}

	return data, mimeType, nil
}

func truncateBody(body []byte) string {
	s := string(body)
	if len(s) > 400 {
		return s[:400] + "..."
	}
	return s
}
