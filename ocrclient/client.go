// Package ocrclient talks to a running ppocr-httpd instance.
package ocrclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
)

const (
	DefaultServerURL = "http://127.0.0.1:8080/ocr"

	DefaultTimeout = 30 * time.Second
	MinTimeout     = 5 * time.Second
	MaxTimeout     = 180 * time.Second

	// MaxImageBytes is the largest image Recognize will send
	MaxImageBytes = 30 * 1024 * 1024
	MaxTextItems  = 500
	MaxTextLength = 2000

	maxErrorMsgLength = 500
	healthTimeout     = 10 * time.Second
)

var serverURLPattern = regexp.MustCompile(`^https?://[A-Za-z0-9._:-]+(/.*)?$`)

// APIError is returned when the server answered but not with a usable
// result.
type APIError struct {
	StatusCode int
	ErrorCode  int
	LogID      string
	Msg        string
}

func (e *APIError) Error() string {
	if e.LogID != "" {
		return fmt.Sprintf("ocr server error %d (logId %s): %s", e.ErrorCode, e.LogID, e.Msg)
	}
	return fmt.Sprintf("ocr server error %d: %s", e.ErrorCode, e.Msg)
}

// Options mirrors the optional request fields of POST /ocr.
type Options struct {
	TextRecScoreThresh        float64
	UseDocOrientationClassify bool
	UseDocUnwarping           bool
	UseTextlineOrientation    bool
}

type ocrRequest struct {
	File                      string  `json:"file"`
	FileType                  int     `json:"fileType"`
	Visualize                 bool    `json:"visualize"`
	TextRecScoreThresh        float64 `json:"textRecScoreThresh"`
	UseDocOrientationClassify bool    `json:"useDocOrientationClassify"`
	UseDocUnwarping           bool    `json:"useDocUnwarping"`
	UseTextlineOrientation    bool    `json:"useTextlineOrientation"`
}

type Response struct {
	LogID     string  `json:"logId"`
	ErrorCode int     `json:"errorCode"`
	ErrorMsg  string  `json:"errorMsg"`
	Result    *Result `json:"result"`
}

type Result struct {
	OcrResults []PageResult `json:"ocrResults"`
	DataInfo   DataInfo     `json:"dataInfo"`
}

type PageResult struct {
	PrunedResult interface{} `json:"prunedResult"`
}

type DataInfo struct {
	InputType string `json:"inputType"`
	Pages     int    `json:"pages"`
}

type Client struct {
	ServerURL  string
	Timeout    time.Duration
	httpClient *http.Client
}

// NewClient validates serverURL and clamps timeout into [MinTimeout,
// MaxTimeout]. A zero timeout selects DefaultTimeout.
func NewClient(serverURL string, timeout time.Duration) (*Client, error) {
	normalized, err := NormalizeServerURL(serverURL)
	if err != nil {
		return nil, err
	}
	timeout = ClampTimeout(timeout)
	return &Client{
		ServerURL:  normalized,
		Timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func ClampTimeout(timeout time.Duration) time.Duration {
	switch {
	case timeout <= 0:
		return DefaultTimeout
	case timeout < MinTimeout:
		return MinTimeout
	case timeout > MaxTimeout:
		return MaxTimeout
	}
	return timeout
}

// NormalizeServerURL accepts a base URL or the full /ocr endpoint and
// returns the /ocr endpoint without trailing slashes.
func NormalizeServerURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if len(value) < 10 || len(value) > 2048 {
		return "", errors.Errorf("server url %q must be 10 to 2048 characters long", raw)
	}
	if !serverURLPattern.MatchString(value) {
		return "", errors.Errorf("server url %q must start with http:// or https://", raw)
	}
	value = strings.TrimRight(value, "/")
	if !strings.HasSuffix(value, "/ocr") {
		value += "/ocr"
	}
	return value, nil
}

// HealthURL maps the /ocr endpoint to the health check endpoint.
func HealthURL(serverURL string) string {
	return strings.TrimSuffix(serverURL, "/ocr") + "/healthz"
}

// Health returns nil when the server reports {"status":"ok"}.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, minDuration(c.Timeout, healthTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, HealthURL(c.ServerURL), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "health check request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read health check response")
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, ErrorCode: resp.StatusCode,
			Msg: "health check returned status " + resp.Status}
	}

	var status struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &status); err != nil || status.Status != "ok" {
		return &APIError{StatusCode: resp.StatusCode, Msg: "unexpected health check response: " + truncate(string(body), maxErrorMsgLength)}
	}
	return nil
}

// Recognize posts one image and returns the decoded envelope. Any answer
// other than a 200 with errorCode 0 and a result.ocrResults array is an
// *APIError.
func (c *Client) Recognize(ctx context.Context, img []byte, opts Options) (*Response, error) {
	if len(img) == 0 {
		return nil, errors.New("image is empty")
	}
	if len(img) > MaxImageBytes {
		return nil, errors.Errorf("image is %d bytes, limit is %d", len(img), MaxImageBytes)
	}

	payload, err := json.Marshal(ocrRequest{
		File:                      base64.StdEncoding.EncodeToString(img),
		FileType:                  1,
		TextRecScoreThresh:        clampFloat(opts.TextRecScoreThresh, 0, 1),
		UseDocOrientationClassify: opts.UseDocOrientationClassify,
		UseDocUnwarping:           opts.UseDocUnwarping,
		UseTextlineOrientation:    opts.UseTextlineOrientation,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ServerURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "ocr request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read ocr response")
	}
	return parseResponse(resp.StatusCode, body)
}

func parseResponse(statusCode int, body []byte) (*Response, error) {
	var response Response
	decodeErr := json.Unmarshal(body, &response)

	if statusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: statusCode, ErrorCode: statusCode,
			Msg: fmt.Sprintf("server returned status %d", statusCode)}
		if decodeErr == nil {
			apiErr.LogID = response.LogID
			if msg := normalizeErrorMessage(response.ErrorMsg); msg != "" {
				apiErr.Msg = msg
			}
		}
		return nil, apiErr
	}
	if decodeErr != nil {
		return nil, &APIError{StatusCode: statusCode, Msg: "response is not a JSON object"}
	}
	if response.ErrorCode != 0 {
		msg := normalizeErrorMessage(response.ErrorMsg)
		if msg == "" {
			msg = "unknown error"
		}
		return nil, &APIError{StatusCode: statusCode, ErrorCode: response.ErrorCode, LogID: response.LogID, Msg: msg}
	}
	if response.Result == nil || response.Result.OcrResults == nil {
		return nil, &APIError{StatusCode: statusCode, LogID: response.LogID, Msg: "response has no result.ocrResults"}
	}
	return &response, nil
}

// ExtractTexts collects the recognized lines of every page in order.
// Blank lines are dropped, long ones truncated, and at most MaxTextItems
// are returned.
func ExtractTexts(results []PageResult) []string {
	texts := make([]string, 0)
	for _, page := range results {
		prunedResult, ok := page.PrunedResult.(map[string]interface{})
		if !ok {
			continue
		}
		recTexts, ok := prunedResult["rec_texts"].([]interface{})
		if !ok {
			continue
		}
		for _, item := range recTexts {
			if len(texts) >= MaxTextItems {
				return texts
			}
			text, ok := item.(string)
			if !ok {
				continue
			}
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			texts = append(texts, truncate(text, MaxTextLength))
		}
	}
	return texts
}

func normalizeErrorMessage(msg string) string {
	return truncate(strings.TrimSpace(msg), maxErrorMsgLength)
}

// truncate cuts s to at most n characters
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
