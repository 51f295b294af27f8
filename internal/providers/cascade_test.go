package providers

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// scriptedProvider fails a set number of times before succeeding.
type scriptedProvider struct {
	name      string
	failures  int
	transient bool
	calls     int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	p.calls++
	if p.calls <= p.failures {
		if p.transient {
			return nil, Transient(errors.New("rate limited"))
		}
		return nil, errors.New("content policy rejection")
	}
	return &ImageResult{Data: []byte(p.name)}, nil
}

func fastCascade(candidates ...ImageProvider) *ImageCascade {
	c := NewImageCascade(candidates...)
	c.SetBackoff(time.Millisecond, time.Second)
	return c
}

func TestCascadeRetriesTransientThenSucceeds(t *testing.T) {
	first := &scriptedProvider{name: "model-a", failures: 2, transient: true}
	second := &scriptedProvider{name: "model-b"}
	cascade := fastCascade(first, second)

	result, name, err := cascade.Generate(context.Background(), ImageRequest{Prompt: "p"})
	if err != nil {
		t.Fatalf("cascade failed: %v", err)
	}

	// Two transient failures, then success: three calls on candidate 1.
	if first.calls != 3 {
		t.Errorf("candidate 1 called %d times, want 3", first.calls)
	}
	if second.calls != 0 {
		t.Errorf("candidate 2 called %d times, want 0", second.calls)
	}
	if name != "model-a" || string(result.Data) != "model-a" {
		t.Errorf("result came from %q, want model-a", name)
	}
}

func TestCascadeAdvancesAfterExhaustedRetries(t *testing.T) {
	first := &scriptedProvider{name: "model-a", failures: 10, transient: true}
	second := &scriptedProvider{name: "model-b"}
	cascade := fastCascade(first, second)

	_, name, err := cascade.Generate(context.Background(), ImageRequest{Prompt: "p"})
	if err != nil {
		t.Fatalf("cascade failed: %v", err)
	}

	if first.calls != defaultAttempts {
		t.Errorf("candidate 1 called %d times, want %d", first.calls, defaultAttempts)
	}
	if second.calls != 1 {
		t.Errorf("candidate 2 called %d times, want exactly 1", second.calls)
	}
	if name != "model-b" {
		t.Errorf("result came from %q, want model-b", name)
	}
}

func TestCascadeAdvancesImmediatelyOnHardFailure(t *testing.T) {
	first := &scriptedProvider{name: "model-a", failures: 10, transient: false}
	second := &scriptedProvider{name: "model-b"}
	cascade := fastCascade(first, second)

	_, name, err := cascade.Generate(context.Background(), ImageRequest{Prompt: "p"})
	if err != nil {
		t.Fatalf("cascade failed: %v", err)
	}

	// A terminal failure never retries the same candidate.
	if first.calls != 1 {
		t.Errorf("candidate 1 called %d times, want 1", first.calls)
	}
	if name != "model-b" {
		t.Errorf("result came from %q, want model-b", name)
	}
}

func TestCascadeAllExhaustedIsTerminal(t *testing.T) {
	first := &scriptedProvider{name: "model-a", failures: 10, transient: true}
	second := &scriptedProvider{name: "model-b", failures: 10, transient: true}
	cascade := fastCascade(first, second)

	result, _, err := cascade.Generate(context.Background(), ImageRequest{Prompt: "p"})
	if err == nil {
		t.Fatal("expected terminal error when every candidate exhausts")
	}
	if result != nil {
		t.Error("exhausted cascade must not return a result")
	}
	if !strings.Contains(err.Error(), "exhausted") {
		t.Errorf("error should name exhaustion, got: %v", err)
	}
	if first.calls != defaultAttempts || second.calls != defaultAttempts {
		t.Errorf("calls = %d / %d, want %d each", first.calls, second.calls, defaultAttempts)
	}
}

func TestCascadeCallerCancellation(t *testing.T) {
	first := &scriptedProvider{name: "model-a", failures: 10, transient: true}
	cascade := fastCascade(first)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := cascade.Generate(ctx, ImageRequest{Prompt: "p"})
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got: %v", err)
	}
}

func TestCascadeTimeoutAdvancesCandidate(t *testing.T) {
	slow := &slowProvider{name: "model-slow"}
	fast := &scriptedProvider{name: "model-fast"}
	cascade := NewImageCascade(slow, fast)
	cascade.SetBackoff(time.Millisecond, 20*time.Millisecond)

	_, name, err := cascade.Generate(context.Background(), ImageRequest{Prompt: "p"})
	if err != nil {
		t.Fatalf("cascade failed: %v", err)
	}

	// The per-call timeout is a hard failure: one call, then advance.
	if slow.calls != 1 {
		t.Errorf("slow candidate called %d times, want 1", slow.calls)
	}
	if name != "model-fast" {
		t.Errorf("result came from %q, want model-fast", name)
	}
}

type slowProvider struct {
	name  string
	calls int
}

func (p *slowProvider) Name() string { return p.name }

func (p *slowProvider) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	p.calls++
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTransientClassification(t *testing.T) {
	if !IsTransient(Transient(errors.New("boom"))) {
		t.Error("wrapped error must classify as transient")
	}
	if IsTransient(errors.New("boom")) {
		t.Error("bare error must not classify as transient")
	}
	wrapped := Transient(errors.New("root"))
	if !errors.Is(errors.Join(wrapped), wrapped) {
		t.Error("transient wrapper must survive error chains")
	}

	for _, status := range []int{429, 408, 500, 502, 503, 504} {
		if !isTransientStatus(status) {
			t.Errorf("status %d should be transient", status)
		}
	}
	for _, status := range []int{400, 401, 403, 404, 422} {
		if isTransientStatus(status) {
			t.Errorf("status %d should be terminal", status)
		}
	}
}
