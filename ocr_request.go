package ocrserver

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

const (
	// MaxRequestBodyBytes caps the body of a single POST /ocr request
	MaxRequestBodyBytes = 50 * 1024 * 1024
	// MaxBase64Chars caps the length of the file field before decoding
	MaxBase64Chars = 64 * 1024 * 1024

	fileTypeImage = 1
)

// OcrRequest is the validated form of a POST /ocr body. Nil pointers mean
// the client did not send the field and the pipeline default applies.
type OcrRequest struct {
	ImgBytes                  []byte
	UseDocOrientationClassify *bool
	UseDocUnwarping           *bool
	UseTextlineOrientation    *bool
	TextRecScoreThresh        *float64
}

// ValidationError reports a request that is outside the accepted contract.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func validationErrorf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// PredictOptions returns the tuning options explicitly set on the request.
func (r OcrRequest) PredictOptions() PredictOptions {
	return PredictOptions{
		UseDocOrientationClassify: r.UseDocOrientationClassify,
		UseDocUnwarping:           r.UseDocUnwarping,
		UseTextlineOrientation:    r.UseTextlineOrientation,
		TextRecScoreThresh:        r.TextRecScoreThresh,
	}
}

// ParseOcrRequest validates an untyped JSON payload, as produced by
// decodeJSON, and turns it into an OcrRequest.
func ParseOcrRequest(payload interface{}) (OcrRequest, error) {
	fields, ok := asObject(payload)
	if !ok {
		return OcrRequest{}, &ValidationError{Msg: "request body must be a JSON object"}
	}

	fileValue, ok := fields("file").(string)
	if !ok || strings.TrimSpace(fileValue) == "" {
		return OcrRequest{}, &ValidationError{Msg: "file must be a non-empty Base64 string"}
	}

	if len(fileValue) > MaxBase64Chars && utf8.RuneCountInString(fileValue) > MaxBase64Chars {
		return OcrRequest{}, &ValidationError{Msg: "file is too large"}
	}

	imgBytes, err := decodeStrictBase64(fileValue)
	if err != nil {
		return OcrRequest{}, &ValidationError{Msg: "file is not a valid Base64 string"}
	}
	if len(imgBytes) == 0 {
		return OcrRequest{}, &ValidationError{Msg: "file is empty after Base64 decoding"}
	}

	if err := checkFileType(fields("fileType")); err != nil {
		return OcrRequest{}, err
	}

	ocrRequest := OcrRequest{ImgBytes: imgBytes}

	if ocrRequest.UseDocOrientationClassify, err = parseOptionalBool(fields("useDocOrientationClassify"), "useDocOrientationClassify"); err != nil {
		return OcrRequest{}, err
	}
	if ocrRequest.UseDocUnwarping, err = parseOptionalBool(fields("useDocUnwarping"), "useDocUnwarping"); err != nil {
		return OcrRequest{}, err
	}
	if ocrRequest.UseTextlineOrientation, err = parseOptionalBool(fields("useTextlineOrientation"), "useTextlineOrientation"); err != nil {
		return OcrRequest{}, err
	}
	if ocrRequest.TextRecScoreThresh, err = parseOptionalFloatRange(fields("textRecScoreThresh"), "textRecScoreThresh", 0.0, 1.0); err != nil {
		return OcrRequest{}, err
	}

	return ocrRequest, nil
}

// asObject returns a field getter for JSON objects in either of the shapes
// the decoders in this package produce. Missing fields read as nil.
func asObject(payload interface{}) (func(string) interface{}, bool) {
	switch obj := payload.(type) {
	case *JSONObject:
		if obj == nil {
			return nil, false
		}
		return func(key string) interface{} {
			v, _ := obj.Get(key)
			return v
		}, true
	case map[string]interface{}:
		if obj == nil {
			return nil, false
		}
		return func(key string) interface{} { return obj[key] }, true
	}
	return nil, false
}

// decodeStrictBase64 accepts only the standard alphabet with correct
// padding. The stdlib decoder silently skips CR and LF, so those are
// rejected up front.
func decodeStrictBase64(s string) ([]byte, error) {
	if strings.ContainsAny(s, "\r\n") {
		return nil, fmt.Errorf("line breaks are not allowed in base64 input")
	}
	return base64.StdEncoding.DecodeString(s)
}

// checkFileType enforces image-only input. Absent and null both mean 1.
func checkFileType(value interface{}) error {
	if value == nil {
		return nil
	}
	f, ok := asNumber(value)
	if !ok || f != fileTypeImage {
		return &ValidationError{Msg: "only image input is supported, set fileType to 1"}
	}
	return nil
}

func parseOptionalBool(value interface{}, field string) (*bool, error) {
	if value == nil {
		return nil, nil
	}
	b, ok := value.(bool)
	if !ok {
		return nil, validationErrorf("%s must be a boolean", field)
	}
	return &b, nil
}

func parseOptionalFloatRange(value interface{}, field string, minValue, maxValue float64) (*float64, error) {
	if value == nil {
		return nil, nil
	}
	f, ok := asNumber(value)
	if !ok {
		return nil, validationErrorf("%s must be a number", field)
	}
	if f < minValue || f > maxValue {
		return nil, validationErrorf("%s must be within [%.1f, %.1f]", field, minValue, maxValue)
	}
	return &f, nil
}

// asNumber accepts JSON numbers only; booleans and numeric strings are not
// numbers here.
func asNumber(value interface{}) (float64, bool) {
	switch n := value.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
