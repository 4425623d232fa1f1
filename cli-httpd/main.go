package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	ocrserver "github.com/xf0e/ppocr-httpd"
)

// To test it:
// curl -X POST -H "Content-Type: application/json" -d "{\"file\":\"$(base64 -w0 page.png)\"}" http://127.0.0.1:8080/ocr

func init() {
	zerolog.TimeFieldFormat = time.StampMilli
	// Default level is info, unless -log_level or -debug say otherwise
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	serverConfig, err := ocrserver.DefaultConfigFlagsOverride(ocrserver.NoOpFlagFunction())
	if err != nil {
		log.Fatal().Err(err).Str("component", "CLI_HTTP").Msg("unable to read configuration")
	}
	if err := serverConfig.Validate(); err != nil {
		log.Fatal().Err(err).Str("component", "CLI_HTTP").Msg("invalid configuration")
	}
	level, _ := serverConfig.ZerologLevel()
	zerolog.SetGlobalLevel(level)
	ocrserver.ConfigureDeadlockDetection(serverConfig)

	log.Info().Str("component", "CLI_HTTP").Str("engine", serverConfig.Engine.String()).
		Str("detModelDir", serverConfig.DetModelDir).Str("recModelDir", serverConfig.RecModelDir).
		Str("device", serverConfig.Device).Msg("loading OCR models, please wait")
	pipeline, err := ocrserver.NewPipeline(serverConfig)
	if err != nil {
		log.Fatal().Err(err).Str("component", "CLI_HTTP").Msg("unable to load OCR pipeline")
	}
	log.Info().Str("component", "CLI_HTTP").Msg("OCR models loaded")

	service := ocrserver.NewOcrService(pipeline)
	server := ocrserver.NewOcrHTTPServer(serverConfig, service)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	exitCode := 0
	if err := server.ListenAndServe(ctx); err != nil {
		log.Error().Err(err).Str("component", "CLI_HTTP").Caller().Msg("cli_http has failed")
		exitCode = 1
	}

	if err := service.Close(); err != nil {
		log.Warn().Err(err).Str("component", "CLI_HTTP").Msg("pipeline did not close cleanly")
	}
	log.Info().Str("component", "CLI_HTTP").Msg("service stopped")
	stop()
	os.Exit(exitCode)
}
