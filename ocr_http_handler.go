package ocrserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/ksuid"
)

const successMsg = "Success"

// OcrResponse is the envelope of every response on the OCR routes. Result
// is only present on success.
type OcrResponse struct {
	LogID     string     `json:"logId"`
	ErrorCode int        `json:"errorCode"`
	ErrorMsg  string     `json:"errorMsg"`
	Result    *OcrResult `json:"result,omitempty"`
}

// OcrHTTPHandler serves POST /ocr
type OcrHTTPHandler struct {
	service *OcrService
}

func NewOcrHttpHandler(service *OcrService) *OcrHTTPHandler {
	return &OcrHTTPHandler{service: service}
}

func (s *OcrHTTPHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	logID := newLogID()
	logger := log.With().Str("component", "OCR_HTTP").Str("logId", logID).Logger()
	logger.Debug().Str("remote", req.RemoteAddr).Int64("contentLength", req.ContentLength).Msg("serveHttp called")
	defer req.Body.Close()

	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, logger, logID, http.StatusMethodNotAllowed, "method not allowed, use POST /ocr")
		return
	}

	body, status, msg := readBody(req)
	if status != 0 {
		if status == http.StatusRequestEntityTooLarge {
			w.Header().Set("Connection", "close")
		}
		writeError(w, logger, logID, status, msg)
		return
	}

	if !utf8.Valid(body) {
		writeError(w, logger, logID, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	payload, err := decodeJSON(bytes.NewReader(body))
	if err != nil {
		logger.Warn().Err(err).Msg("did the client send a valid json?")
		writeError(w, logger, logID, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	ocrRequest, err := ParseOcrRequest(payload)
	if err != nil {
		writeError(w, logger, logID, statusForError(err), err.Error())
		return
	}

	ocrResult, err := s.service.Infer(ocrRequest, logID)
	if err != nil {
		logger.Error().Err(err).Msgf("OCR inference failed: %+v", err)
		writeError(w, logger, logID, statusForError(err), fmt.Sprintf("OCR inference failed: %v", err))
		return
	}

	logger.Info().Int("pages", ocrResult.DataInfo.Pages).Msg("OCR request done")
	writeJSON(w, logger, http.StatusOK, OcrResponse{
		LogID:     logID,
		ErrorCode: 0,
		ErrorMsg:  successMsg,
		Result:    &ocrResult,
	})
}

// readBody enforces the framing rules. A non-zero status means the request
// was rejected; oversized bodies are refused before a single byte is read.
func readBody(req *http.Request) ([]byte, int, string) {
	switch {
	case req.ContentLength < 0:
		return nil, http.StatusBadRequest, "missing Content-Length header"
	case req.ContentLength == 0:
		if req.Header.Get("Content-Length") == "" {
			return nil, http.StatusBadRequest, "missing Content-Length header"
		}
		return nil, http.StatusBadRequest, "request body must not be empty"
	case req.ContentLength > MaxRequestBodyBytes:
		return nil, http.StatusRequestEntityTooLarge,
			"request body is too large, limit is " + strconv.Itoa(MaxRequestBodyBytes) + " bytes"
	}

	body := make([]byte, req.ContentLength)
	if _, err := io.ReadFull(req.Body, body); err != nil {
		return nil, http.StatusBadRequest, "request body is shorter than Content-Length"
	}
	return body, 0, ""
}

func statusForError(err error) int {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func newLogID() string {
	requestIDRaw, err := uuid.NewV4()
	if err != nil {
		return ksuid.New().String()
	}
	return requestIDRaw.String()
}

func writeError(w http.ResponseWriter, logger zerolog.Logger, logID string, status int, msg string) {
	logger.Warn().Int("status", status).Msg(msg)
	writeJSON(w, logger, status, OcrResponse{
		LogID:     logID,
		ErrorCode: status,
		ErrorMsg:  msg,
	})
}

func writeJSON(w http.ResponseWriter, logger zerolog.Logger, status int, body interface{}) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(body); err != nil {
		logger.Error().Err(err).Msg("unable to encode response")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	js := bytes.TrimRight(buf.Bytes(), "\n")

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(js)))
	w.WriteHeader(status)
	if _, err := w.Write(js); err != nil {
		logger.Error().Err(err).Msg("http write() failed")
	}
}
