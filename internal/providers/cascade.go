package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// Cascade defaults. Each candidate gets defaultAttempts tries with
// exponential backoff (2s, 4s, 8s) on transient failures before the cascade
// advances. A single external call never runs longer than defaultCallTimeout;
// hitting that timeout is a hard failure that advances the cascade.
const (
	defaultAttempts    = 3
	defaultBackoffBase = 2 * time.Second
	defaultCallTimeout = 300 * time.Second
)

// cascadeConfig tunes retry behavior. Tests shrink the backoff to keep
// cascade tests fast.
type cascadeConfig struct {
	Attempts    int
	BackoffBase time.Duration
	CallTimeout time.Duration
}

func defaultConfig() cascadeConfig {
	return cascadeConfig{
		Attempts:    defaultAttempts,
		BackoffBase: defaultBackoffBase,
		CallTimeout: defaultCallTimeout,
	}
}

// runCascade walks an ordered candidate list for one capability:
//   - transient failures retry the same candidate up to cfg.Attempts with
//     exponential backoff
//   - terminal failures, exhausted retries, and per-call timeouts advance to
//     the next candidate
//   - when every candidate is exhausted the call fails with a terminal
//     error — never a silent empty result
//
// Returns the result and the name of the candidate that produced it.
func runCascade[R any](ctx context.Context, capability Capability, names []string, calls []func(context.Context) (R, error), cfg cascadeConfig) (R, string, error) {
	var zero R
	var lastErr error

	for i, call := range calls {
		name := names[i]

		for attempt := 1; attempt <= cfg.Attempts; attempt++ {
			callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
			result, err := call(callCtx)
			cancel()

			if err == nil {
				if i > 0 || attempt > 1 {
					log.Printf("[Cascade] %s succeeded on candidate %s (attempt %d)", capability, name, attempt)
				}
				return result, name, nil
			}

			// Caller cancellation is not a provider failure.
			if ctx.Err() != nil {
				return zero, "", fmt.Errorf("%s cancelled: %w", capability, ctx.Err())
			}

			lastErr = err

			// A per-call timeout is a hard failure: the call ran its full
			// budget, so retrying the same candidate is pointless.
			if callCtx.Err() == context.DeadlineExceeded {
				log.Printf("[Cascade] %s candidate %s timed out after %v, advancing", capability, name, cfg.CallTimeout)
				break
			}

			if !IsTransient(err) {
				log.Printf("[Cascade] %s candidate %s failed hard: %v (advancing)", capability, name, err)
				break
			}

			if attempt == cfg.Attempts {
				log.Printf("[Cascade] %s candidate %s exhausted %d attempts: %v (advancing)", capability, name, cfg.Attempts, err)
				break
			}

			delay := cfg.BackoffBase << (attempt - 1) // 2s, 4s, 8s
			log.Printf("[Cascade] %s candidate %s transient failure (attempt %d/%d): %v — retrying in %v", capability, name, attempt, cfg.Attempts, err, delay)

			select {
			case <-ctx.Done():
				return zero, "", fmt.Errorf("%s cancelled: %w", capability, ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	return zero, "", fmt.Errorf("%s: all %d candidates exhausted: %w", capability, len(calls), lastErr)
}

// LLMCascade routes llm-completion calls through an ordered model list.
type LLMCascade struct {
	candidates []LLMProvider
	cfg        cascadeConfig
}

func NewLLMCascade(candidates ...LLMProvider) *LLMCascade {
	return &LLMCascade{candidates: candidates, cfg: defaultConfig()}
}

// SetBackoff overrides the retry schedule. Used by tests.
func (c *LLMCascade) SetBackoff(base time.Duration, callTimeout time.Duration) {
	c.cfg.BackoffBase = base
	c.cfg.CallTimeout = callTimeout
}

// Complete invokes the cascade and returns the raw JSON object plus the name
// of the model that produced it.
func (c *LLMCascade) Complete(ctx context.Context, systemPrompt, userPrompt string) (json.RawMessage, string, error) {
	names := make([]string, len(c.candidates))
	calls := make([]func(context.Context) (json.RawMessage, error), len(c.candidates))
	for i, p := range c.candidates {
		p := p
		names[i] = p.Name()
		calls[i] = func(ctx context.Context) (json.RawMessage, error) {
			return p.Complete(ctx, systemPrompt, userPrompt)
		}
	}
	return runCascade(ctx, CapabilityLLM, names, calls, c.cfg)
}

// ImageCascade routes image generation through an ordered provider list.
// The same mechanism serves text-to-image and image-to-image; the capability
// label follows from whether the request carries references.
type ImageCascade struct {
	candidates []ImageProvider
	cfg        cascadeConfig
}

func NewImageCascade(candidates ...ImageProvider) *ImageCascade {
	return &ImageCascade{candidates: candidates, cfg: defaultConfig()}
}

func (c *ImageCascade) SetBackoff(base time.Duration, callTimeout time.Duration) {
	c.cfg.BackoffBase = base
	c.cfg.CallTimeout = callTimeout
}

func (c *ImageCascade) Generate(ctx context.Context, req ImageRequest) (*ImageResult, string, error) {
	capability := CapabilityTextToImage
	if len(req.References) > 0 {
		capability = CapabilityImageToImage
	}

	names := make([]string, len(c.candidates))
	calls := make([]func(context.Context) (*ImageResult, error), len(c.candidates))
	for i, p := range c.candidates {
		p := p
		names[i] = p.Name()
		calls[i] = func(ctx context.Context) (*ImageResult, error) {
			return p.GenerateImage(ctx, req)
		}
	}
	return runCascade(ctx, capability, names, calls, c.cfg)
}

// VideoCascade routes image-to-video generation through an ordered provider
// list (Veo first, xAI as the different-vendor last resort).
type VideoCascade struct {
	candidates []VideoProvider
	cfg        cascadeConfig
}

func NewVideoCascade(candidates ...VideoProvider) *VideoCascade {
	return &VideoCascade{candidates: candidates, cfg: defaultConfig()}
}

func (c *VideoCascade) SetBackoff(base time.Duration, callTimeout time.Duration) {
	c.cfg.BackoffBase = base
	c.cfg.CallTimeout = callTimeout
}

func (c *VideoCascade) Generate(ctx context.Context, req VideoRequest) (*VideoResult, string, error) {
	names := make([]string, len(c.candidates))
	calls := make([]func(context.Context) (*VideoResult, error), len(c.candidates))
	for i, p := range c.candidates {
		p := p
		names[i] = p.Name()
		calls[i] = func(ctx context.Context) (*VideoResult, error) {
			return p.GenerateVideo(ctx, req)
		}
	}
	return runCascade(ctx, CapabilityImageToVideo, names, calls, c.cfg)
}
