package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xf0e/ppocr-httpd/api"
	"github.com/xf0e/ppocr-httpd/ocrclient"
)

// check_request sends a health check and one OCR request to a running
// server and validates both responses against the OpenAPI document.
//
//	check_request -server http://127.0.0.1:8080 -image page.png

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli})

	var serverURL, imagePath string
	var timeout time.Duration
	flag.StringVar(&serverURL, "server", ocrclient.DefaultServerURL, "server url")
	flag.StringVar(&imagePath, "image", "", "image to send, skips the OCR check when empty")
	flag.DurationVar(&timeout, "timeout", ocrclient.DefaultTimeout, "request timeout")
	flag.Parse()

	ocrURL, err := ocrclient.NormalizeServerURL(serverURL)
	if err != nil {
		log.Fatal().Err(err).Str("component", "CHECK_REQUEST").Msg("invalid server url")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ocrclient.ClampTimeout(timeout))
	defer cancel()

	validator, err := api.NewValidator(ctx)
	if err != nil {
		log.Fatal().Err(err).Str("component", "CHECK_REQUEST").Msg("unable to load openapi document")
	}

	failed := false
	healthReq, _ := http.NewRequestWithContext(ctx, http.MethodGet, ocrclient.HealthURL(ocrURL), nil)
	if !check(ctx, validator, healthReq) {
		failed = true
	}

	if imagePath != "" {
		img, err := os.ReadFile(imagePath)
		if err != nil {
			log.Fatal().Err(err).Str("component", "CHECK_REQUEST").Msg("unable to read image")
		}
		body, _ := json.Marshal(map[string]interface{}{
			"file":     base64.StdEncoding.EncodeToString(img),
			"fileType": 1,
		})
		ocrReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, ocrURL, bytes.NewReader(body))
		ocrReq.Header.Set("Content-Type", "application/json")
		if !check(ctx, validator, ocrReq) {
			failed = true
		}
	}

	if failed {
		os.Exit(1)
	}
}

func check(ctx context.Context, validator *api.Validator, req *http.Request) bool {
	logger := log.With().Str("component", "CHECK_REQUEST").Str("method", req.Method).Str("url", req.URL.String()).Logger()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Error().Err(err).Msg("request failed")
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error().Err(err).Msg("unable to read response")
		return false
	}

	if err := validator.ValidateResponse(ctx, req, resp.StatusCode, resp.Header, body); err != nil {
		logger.Error().Err(err).Int("status", resp.StatusCode).Msg("response does not match the openapi document")
		return false
	}
	logger.Info().Int("status", resp.StatusCode).Msg("response is valid")
	return true
}
