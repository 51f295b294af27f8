package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amberline/storyboard/internal/api"
	"github.com/amberline/storyboard/internal/assets"
	"github.com/amberline/storyboard/internal/config"
	"github.com/amberline/storyboard/internal/costs"
	"github.com/amberline/storyboard/internal/encoder"
	"github.com/amberline/storyboard/internal/lockmgr"
	"github.com/amberline/storyboard/internal/orchestrator"
	"github.com/amberline/storyboard/internal/providers"
	"github.com/amberline/storyboard/internal/queue"
	"github.com/amberline/storyboard/internal/recovery"
	"github.com/amberline/storyboard/internal/refs"
	"github.com/amberline/storyboard/internal/store"
	"github.com/amberline/storyboard/internal/uploads"
)

func main() {
	log.Println("Starting Storyboard API...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Project state store
	st, err := store.New(cfg.DataRoot)
	if err != nil {
		log.Fatalf("Failed to open state store: %v", err)
	}
	log.Printf("State store at %s", st.Root())

	// Connect to Redis queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	// Asset object store
	assetStore, err := assets.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("Failed to create asset store: %v", err)
	}
	if cfg.MinioPublicURL != "" {
		assetStore.SetPublicBase(cfg.MinioPublicURL)
	}
	ensureCtx, ensureCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := assetStore.EnsureBucket(ensureCtx); err != nil {
		log.Fatalf("Failed to ensure asset bucket: %v", err)
	}
	ensureCancel()
	log.Printf("Asset store ready (bucket: %s)", cfg.MinioBucket)

	// Core collaborators. The session cost aggregator starts from zero at
	// every process start.
	locks := lockmgr.New()
	session := costs.NewSessionTotals()
	session.Reset()
	ledger := costs.NewLedger(session)
	uploadCache := uploads.NewCache(assetStore)
	resolver := refs.NewResolver(uploadCache)
	ffmpeg := encoder.NewFFmpegService(cfg.TempDir)

	// Provider cascades, most to least capable, fallback vendors last.
	var llmCandidates []providers.LLMProvider
	for _, model := range cfg.LLMModels {
		llmCandidates = append(llmCandidates, providers.NewOpenAIProvider(cfg.OpenAIKey, model))
	}
	if cfg.LLMFallback != "" && cfg.LLMFallbackURL != "" {
		llmCandidates = append(llmCandidates, providers.NewOpenAIProviderWithBaseURL(cfg.OpenAIKey, cfg.LLMFallbackURL, cfg.LLMFallback))
		log.Printf("LLM fallback vendor enabled (model: %s)", cfg.LLMFallback)
	}
	llmCascade := providers.NewLLMCascade(llmCandidates...)

	var imageCandidates []providers.ImageProvider
	for _, model := range cfg.ImageModels {
		imageCandidates = append(imageCandidates, providers.NewGeminiImageProvider(cfg.GeminiKey, model))
	}
	imageCascade := providers.NewImageCascade(imageCandidates...)

	var videoCandidates []providers.VideoProvider
	if cfg.VeoEnabled {
		videoCandidates = append(videoCandidates, providers.NewVeoProvider(cfg.GeminiKey, cfg.VeoModel))
		log.Printf("Veo video generation enabled (model: %s)", cfg.VeoModel)
	}
	if cfg.XAIEnabled {
		videoCandidates = append(videoCandidates, providers.NewXAIVideoProvider(cfg.XAIAPIKey))
		log.Println("xAI Grok Imagine video generation enabled")
	}
	videoCascade := providers.NewVideoCascade(videoCandidates...)

	orch := orchestrator.New(orchestrator.Deps{
		Store:    st,
		Locks:    locks,
		Ledger:   ledger,
		Resolver: resolver,
		Uploads:  uploadCache,
		Assets:   assetStore,
		Queue:    q,
		Encoder:  ffmpeg,
		LLM:      llmCascade,
		Image:    imageCascade,
		Video:    videoCascade,
	})
	scanner := recovery.NewScanner(st, locks)

	// Create API handler
	handler := api.NewHandler(st, locks, q, orch, scanner, session)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set — API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start worker if enabled
	var workerCancel context.CancelFunc
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background processing...")
		w := orchestrator.NewWorker(q, orch)

		var workerCtx context.Context
		workerCtx, workerCancel = context.WithCancel(context.Background())
		go w.Start(workerCtx, cfg.MaxConcurrentJobs)
	}

	// Start server in goroutine
	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	if workerCancel != nil {
		workerCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
