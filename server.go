package ocrserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"
)

// OcrHTTPServer routes the public endpoints to one shared OcrService.
type OcrHTTPServer struct {
	config  ServerConfig
	service *OcrService
	mux     *http.ServeMux
}

func NewOcrHTTPServer(config ServerConfig, service *OcrService) *OcrHTTPServer {
	mux := http.NewServeMux()
	mux.Handle("/ocr", service.metrics.instrument("ocr", NewOcrHttpHandler(service)))
	mux.Handle("/healthz", service.metrics.instrument("healthz", NewOcrHttpHealthHandler()))
	mux.Handle("/metrics", service.metrics.handler())
	mux.HandleFunc("/", notFoundHandler)

	return &OcrHTTPServer{config: config, service: service, mux: mux}
}

func (s *OcrHTTPServer) Handler() http.Handler {
	return s.mux
}

// ListenAndServe blocks until ctx is cancelled or the listener fails. On
// cancellation in-flight requests get ShutdownTimeout to complete.
func (s *OcrHTTPServer) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.ListenAddr())
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.config.ListenAddr())
	}
	return s.Serve(ctx, listener)
}

func (s *OcrHTTPServer) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 30 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("component", "OCR_HTTP").Str("listenAddr", listener.Addr().String()).
			Msg("service started: http://" + listener.Addr().String() + "/ocr")
		serveErr <- server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info().Str("component", "OCR_HTTP").Dur("timeout", s.config.ShutdownTimeout).
		Msg("shutting down, waiting for in-flight requests")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	if err := <-serveErr; err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func init() {
	// go-deadlock exits the process on a long wait by default; a slow
	// inference must only block the callers queued behind it
	deadlock.Opts.Disable = true
}

// ConfigureDeadlockDetection turns the inference lock into a watched lock
// when -detect_deadlocks is set. A wait longer than DeadlockTimeout is
// logged together with the goroutine stacks; the process keeps running.
func ConfigureDeadlockDetection(config ServerConfig) {
	deadlock.Opts.Disable = !config.DetectDeadlocks
	if !config.DetectDeadlocks {
		return
	}
	deadlock.Opts.DeadlockTimeout = config.DeadlockTimeout
	deadlock.Opts.LogBuf = log.With().Str("component", "OCR_DEADLOCK").Logger()
	deadlock.Opts.OnPotentialDeadlock = func() {
		log.Error().Str("component", "OCR_DEADLOCK").Dur("timeout", config.DeadlockTimeout).
			Msg("inference lock held longer than deadlock_timeout")
	}
}
