package ocrserver

import (
	"net/http"

	"github.com/rs/zerolog/log"
)

type healthStatus struct {
	Status string `json:"status"`
}

// OcrHttpHealthHandler answers GET /healthz. It does not touch the pipeline,
// so it stays responsive while an inference is running.
type OcrHttpHealthHandler struct {
}

func NewOcrHttpHealthHandler() *OcrHttpHealthHandler {
	return &OcrHttpHealthHandler{}
}

func (s *OcrHttpHealthHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	logger := log.With().Str("component", "OCR_STATUS").Logger()
	logger.Debug().Msg("serveHttp called")

	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		logID := newLogID()
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, logger.With().Str("logId", logID).Logger(), logID,
			http.StatusMethodNotAllowed, "method not allowed, use GET /healthz")
		return
	}
	writeJSON(w, logger, http.StatusOK, healthStatus{Status: "ok"})
}

// notFoundHandler renders the error envelope for every unknown route.
func notFoundHandler(w http.ResponseWriter, req *http.Request) {
	logID := newLogID()
	logger := log.With().Str("component", "OCR_HTTP").Str("logId", logID).
		Str("method", req.Method).Str("path", req.URL.Path).Logger()
	writeError(w, logger, logID, http.StatusNotFound, "route not found, only POST /ocr and GET /healthz are served")
}
