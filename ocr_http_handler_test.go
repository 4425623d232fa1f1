package ocrserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/couchbaselabs/go.assert"
	"github.com/nu7hatch/gouuid"
	"github.com/xf0e/ppocr-httpd/api"
)

type envelope struct {
	LogID     string          `json:"logId"`
	ErrorCode int             `json:"errorCode"`
	ErrorMsg  string          `json:"errorMsg"`
	Result    json.RawMessage `json:"result"`
	Status    string          `json:"status"`
}

func openAPIValidator(t *testing.T) *api.Validator {
	validator, err := api.NewValidator(context.Background())
	assert.True(t, err == nil)
	return validator
}

// checkAgainstOpenAPI fails the test when the response does not match the
// documented schema of the route req was sent to.
func checkAgainstOpenAPI(t *testing.T, validator *api.Validator, req *http.Request, rec *httptest.ResponseRecorder) {
	err := validator.ValidateResponse(context.Background(), req, rec.Code, rec.Header(), rec.Body.Bytes())
	if err != nil {
		t.Errorf("response does not match openapi document: %v\n%s", err, rec.Body.String())
	}
}

func newTestHandler(pipeline Pipeline) http.Handler {
	config := DefaultServerConfig()
	config.Engine = PipelineMock
	return NewOcrHTTPServer(config, NewOcrService(pipeline)).Handler()
}

func ocrRequestBody(t *testing.T, fields map[string]interface{}) []byte {
	js, err := json.Marshal(fields)
	assert.True(t, err == nil)
	return js
}

func newOcrPost(body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/ocr", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json"))
	var env envelope
	assert.True(t, json.Unmarshal(rec.Body.Bytes(), &env) == nil)
	return env
}

func assertErrorEnvelope(t *testing.T, rec *httptest.ResponseRecorder, status int, msg string) {
	assert.Equals(t, rec.Code, status)
	env := decodeEnvelope(t, rec)
	assert.Equals(t, env.ErrorCode, status)
	assert.Equals(t, env.ErrorMsg, msg)
	assert.True(t, env.Result == nil)
	_, err := uuid.ParseHex(env.LogID)
	assert.True(t, err == nil)
}

func TestOcrHttpHandlerSuccess(t *testing.T) {
	validator := openAPIValidator(t)
	mock := &MockPipeline{}
	handler := newTestHandler(mock)

	req := newOcrPost(ocrRequestBody(t, map[string]interface{}{
		"file":               base64.StdEncoding.EncodeToString(whitePNG(t)),
		"fileType":           1,
		"textRecScoreThresh": 0.0,
		"visualize":          false,
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equals(t, rec.Code, http.StatusOK)
	checkAgainstOpenAPI(t, validator, req, rec)
	assert.Equals(t, rec.Header().Get("Content-Type"), "application/json; charset=utf-8")

	env := decodeEnvelope(t, rec)
	assert.Equals(t, env.ErrorCode, 0)
	assert.Equals(t, env.ErrorMsg, "Success")
	_, err := uuid.ParseHex(env.LogID)
	assert.True(t, err == nil)

	var result OcrResult
	assert.True(t, json.Unmarshal(env.Result, &result) == nil)
	assert.Equals(t, result.DataInfo.Pages, 1)
	assert.Equals(t, result.DataInfo.InputType, "image")
	assert.True(t, result.OcrResults[0].OcrImage == nil)
	assert.True(t, bytes.Contains(env.Result, []byte(`"text_rec_score_thresh":0`)))
	assert.True(t, bytes.Contains(env.Result, []byte(MOCK_ENGINE_RESPONSE)))
	assert.Equals(t, mock.Calls(), 1)
}

func TestOcrHttpHandlerLogIDIsFresh(t *testing.T) {
	handler := newTestHandler(&MockPipeline{})
	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newOcrPost([]byte(`{"file":"`+helloBase64+`"}`)))
		env := decodeEnvelope(t, rec)
		assert.True(t, !seen[env.LogID])
		seen[env.LogID] = true
	}
}

func TestOcrHttpHandlerValidationErrors(t *testing.T) {
	validator := openAPIValidator(t)
	mock := &MockPipeline{}
	handler := newTestHandler(mock)

	testCases := map[string]string{
		`{"file":""}`:                                  "file must be a non-empty Base64 string",
		`{"file":"%%%"}`:                               "file is not a valid Base64 string",
		`{"file":"aGVsbG8=","fileType":0}`:             "only image input is supported, set fileType to 1",
		`{"file":"aGVsbG8=","useDocUnwarping":1}`:      "useDocUnwarping must be a boolean",
		`{"file":"aGVsbG8=","textRecScoreThresh":1.5}`: "textRecScoreThresh must be within [0.0, 1.0]",
		`["file"]`:                                     "request body must be a JSON object",
		`{"file":`:                                     "request body is not valid JSON",
		`{"file":"aGVsbG8="} trailing`:                 "request body is not valid JSON",
		"\xff\xfe":                                     "request body is not valid JSON",
	}
	for body, msg := range testCases {
		req := newOcrPost([]byte(body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assertErrorEnvelope(t, rec, http.StatusBadRequest, msg)
		checkAgainstOpenAPI(t, validator, req, rec)
	}
	assert.Equals(t, mock.Calls(), 0)
}

func TestOcrHttpHandlerFraming(t *testing.T) {
	validator := openAPIValidator(t)
	mock := &MockPipeline{}
	handler := newTestHandler(mock)

	// no Content-Length header at all
	req := httptest.NewRequest(http.MethodPost, "/ocr", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assertErrorEnvelope(t, rec, http.StatusBadRequest, "missing Content-Length header")
	checkAgainstOpenAPI(t, validator, req, rec)

	// chunked upload, length unknown
	req = newOcrPost([]byte(`{"file":"aGVsbG8="}`))
	req.ContentLength = -1
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assertErrorEnvelope(t, rec, http.StatusBadRequest, "missing Content-Length header")

	req = httptest.NewRequest(http.MethodPost, "/ocr", nil)
	req.Header.Set("Content-Length", "0")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assertErrorEnvelope(t, rec, http.StatusBadRequest, "request body must not be empty")
	checkAgainstOpenAPI(t, validator, req, rec)

	req = newOcrPost([]byte(`{"file":`))
	req.ContentLength = 100
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assertErrorEnvelope(t, rec, http.StatusBadRequest, "request body is shorter than Content-Length")

	assert.Equals(t, mock.Calls(), 0)
}

// trackingReader records whether the handler touched the body.
type trackingReader struct {
	read bool
}

func (r *trackingReader) Read(p []byte) (int, error) {
	r.read = true
	return 0, io.EOF
}

func TestOcrHttpHandlerBodyTooLarge(t *testing.T) {
	validator := openAPIValidator(t)
	handler := newTestHandler(&MockPipeline{})

	body := &trackingReader{}
	req := httptest.NewRequest(http.MethodPost, "/ocr", body)
	req.ContentLength = MaxRequestBodyBytes + 1
	req.Header.Set("Content-Length", "52428801")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equals(t, rec.Code, http.StatusRequestEntityTooLarge)
	env := decodeEnvelope(t, rec)
	assert.Equals(t, env.ErrorCode, http.StatusRequestEntityTooLarge)
	assert.True(t, strings.HasPrefix(env.ErrorMsg, "request body is too large"))
	assert.True(t, !body.read)
	checkAgainstOpenAPI(t, validator, req, rec)
}

func TestOcrHttpHandlerInferenceFailure(t *testing.T) {
	validator := openAPIValidator(t)
	mock := &MockPipeline{Err: errors.New("cuda out of memory")}
	handler := newTestHandler(mock)

	req := newOcrPost([]byte(`{"file":"` + helloBase64 + `"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equals(t, rec.Code, http.StatusInternalServerError)
	env := decodeEnvelope(t, rec)
	assert.Equals(t, env.ErrorCode, http.StatusInternalServerError)
	assert.True(t, strings.HasPrefix(env.ErrorMsg, "OCR inference failed: "))
	assert.True(t, strings.Contains(env.ErrorMsg, "cuda out of memory"))
	checkAgainstOpenAPI(t, validator, req, rec)
	assert.Equals(t, mock.Calls(), 1)
}

func TestOcrHttpHealth(t *testing.T) {
	validator := openAPIValidator(t)
	handler := newTestHandler(&MockPipeline{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equals(t, rec.Code, http.StatusOK)
	assert.Equals(t, rec.Body.String(), `{"status":"ok"}`)
	checkAgainstOpenAPI(t, validator, req, rec)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", strings.NewReader("{}")))
	assert.Equals(t, rec.Code, http.StatusMethodNotAllowed)
	assert.Equals(t, decodeEnvelope(t, rec).ErrorCode, http.StatusMethodNotAllowed)
}

func TestOcrHttpRouting(t *testing.T) {
	handler := newTestHandler(&MockPipeline{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ocr", nil))
	assertErrorEnvelope(t, rec, http.StatusMethodNotAllowed, "method not allowed, use POST /ocr")
	assert.Equals(t, rec.Header().Get("Allow"), http.MethodPost)

	for _, target := range []string{"/", "/ocr/", "/predict", "/healthz/x"} {
		for _, method := range []string{http.MethodGet, http.MethodPost} {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
			assertErrorEnvelope(t, rec, http.StatusNotFound,
				"route not found, only POST /ocr and GET /healthz are served")
		}
	}
}

func TestOcrHttpMetrics(t *testing.T) {
	handler := newTestHandler(&MockPipeline{})
	handler.ServeHTTP(httptest.NewRecorder(), newOcrPost([]byte(`{"file":"`+helloBase64+`"}`)))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equals(t, rec.Code, http.StatusOK)
	assert.True(t, strings.Contains(rec.Body.String(), `ocr_api_requests_total{code="200",method="post"} 1`))
	assert.True(t, strings.Contains(rec.Body.String(), "ocr_inference_duration_seconds_count 1"))
}

func TestOcrHttpServerConcurrentRequests(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode.")
	}

	mock := &MockPipeline{Delay: 10 * time.Millisecond}
	server := httptest.NewServer(newTestHandler(mock))
	defer server.Close()

	const requests = 8
	statuses := make([]int, requests)
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Post(server.URL+"/ocr", "application/json",
				strings.NewReader(`{"file":"`+helloBase64+`"}`))
			if err != nil {
				return
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	for _, status := range statuses {
		assert.Equals(t, status, http.StatusOK)
	}
	assert.Equals(t, mock.Calls(), requests)
	assert.Equals(t, mock.MaxInFlight(), 1)
}
