package ocrserver

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

type PipelineType int

const (
	PipelinePaddle = PipelineType(iota)
	PipelineTesseract
	PipelineMock
)

// Pipeline is the external OCR inference pipeline. Implementations are not
// required to be safe for concurrent use; OcrService serializes calls.
type Pipeline interface {
	// Predict runs OCR on the image stored at inputPath and returns one
	// value per page. Pages are arbitrary values handed to Normalize.
	Predict(inputPath string, opts PredictOptions) ([]interface{}, error)
	Close() error
}

// PredictOptions holds per-request tuning. Nil fields keep the pipeline
// defaults.
type PredictOptions struct {
	UseDocOrientationClassify *bool
	UseDocUnwarping           *bool
	UseTextlineOrientation    *bool
	TextRecScoreThresh        *float64
}

// Args returns only the options that were set, keyed the way the pipeline
// names its keyword arguments.
func (o PredictOptions) Args() *JSONObject {
	args := newJSONObject()
	if o.UseDocOrientationClassify != nil {
		args.Set("use_doc_orientation_classify", *o.UseDocOrientationClassify)
	}
	if o.UseDocUnwarping != nil {
		args.Set("use_doc_unwarping", *o.UseDocUnwarping)
	}
	if o.UseTextlineOrientation != nil {
		args.Set("use_textline_orientation", *o.UseTextlineOrientation)
	}
	if o.TextRecScoreThresh != nil {
		args.Set("text_rec_score_thresh", *o.TextRecScoreThresh)
	}
	return args
}

// NewPipeline builds the pipeline selected in the config. For the paddle
// pipeline this loads the models and can take a while.
func NewPipeline(config ServerConfig) (Pipeline, error) {
	switch config.Engine {
	case PipelinePaddle:
		return NewPaddlePipeline(config)
	case PipelineTesseract:
		return NewTesseractPipeline(config)
	case PipelineMock:
		return &MockPipeline{}, nil
	}
	return nil, fmt.Errorf("unknown pipeline type %d", int(config.Engine))
}

func (e PipelineType) String() string {
	switch e {
	case PipelinePaddle:
		return "PADDLE"
	case PipelineTesseract:
		return "TESSERACT"
	case PipelineMock:
		return "MOCK"
	}
	return ""
}

// ParsePipelineType maps an engine name as given on the command line.
func ParsePipelineType(s string) (PipelineType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PADDLE", "PADDLEOCR", "PPOCR":
		return PipelinePaddle, nil
	case "TESSERACT":
		return PipelineTesseract, nil
	case "MOCK":
		return PipelineMock, nil
	}
	return PipelinePaddle, fmt.Errorf("unknown engine %q, use paddle, tesseract or mock", s)
}

// Set implements flag.Value.
func (e *PipelineType) Set(s string) error {
	parsed, err := ParsePipelineType(s)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

func (e *PipelineType) UnmarshalJSON(b []byte) (err error) {

	var engineTypeStr string

	if err := json.Unmarshal(b, &engineTypeStr); err == nil {
		parsed, err := ParsePipelineType(engineTypeStr)
		if err != nil {
			log.Warn().Str("engineString", engineTypeStr).Msg("Unexpected PipelineType json")
			return err
		}
		*e = parsed
		return nil
	}

	// not a string .. maybe it's an int

	var engineTypeInt int
	if err := json.Unmarshal(b, &engineTypeInt); err != nil {
		return err
	}
	if engineTypeInt < int(PipelinePaddle) || engineTypeInt > int(PipelineMock) {
		return fmt.Errorf("unknown pipeline type %d", engineTypeInt)
	}
	*e = PipelineType(engineTypeInt)
	return nil

}
