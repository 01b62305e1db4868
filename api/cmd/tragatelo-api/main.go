package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"tragatelo/api/internal/analysis"
	"tragatelo/api/internal/analysis/gemini"
	"tragatelo/api/internal/config"
	"tragatelo/api/internal/httpserver"
	"tragatelo/api/internal/logger"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Setup(cfg.LogLevel, cfg.LogFilePath)

	gen, release, err := gemini.NewGenerator(context.Background(), gemini.Options{
		Transport: cfg.GeminiTransport,
		APIKey:    cfg.GeminiAPIKey,
		Model:     cfg.GeminiModel,
		BaseURL:   cfg.GeminiBaseURL,
		RPS:       cfg.GeminiRPS,
		Timeout:   cfg.AnalysisTimeout,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to build inference transport")
	}
	defer release()

	client := analysis.NewClient(gen, analysis.Prompts{Dir: cfg.PromptDir}, cfg.AnalysisTimeout)
	// the request budget leaves room to read the upload on slow links
	requestTimeout := cfg.AnalysisTimeout + 15*time.Second

	server := &http.Server{
		Addr: cfg.Addr(),
		Handler: httpserver.NewHandler(client, httpserver.Options{
			MaxUploadBytes: cfg.MaxUploadBytes,
			MinPayloadLen:  cfg.MinPayloadLen,
			RequestTimeout: requestTimeout,
			Version:        version,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       requestTimeout,
		WriteTimeout:      requestTimeout + 5*time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"address":   cfg.Addr(),
			"transport": gen.Name(),
			"model":     cfg.GeminiModel,
			"version":   version,
		}).Info("Starting HTTP server")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	logger.Info("Server exited")
}
