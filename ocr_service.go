package ocrserver

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"
)

// OcrPageResult is one page of the public response. Image fields are
// always null because this server never renders visualizations.
type OcrPageResult struct {
	PrunedResult          interface{} `json:"prunedResult"`
	OcrImage              *string     `json:"ocrImage"`
	DocPreprocessingImage *string     `json:"docPreprocessingImage"`
	InputImage            *string     `json:"inputImage"`
}

type OcrDataInfo struct {
	InputType string `json:"inputType"`
	Pages     int    `json:"pages"`
}

// OcrResult is the "result" member of a successful response.
type OcrResult struct {
	OcrResults []OcrPageResult `json:"ocrResults"`
	DataInfo   OcrDataInfo     `json:"dataInfo"`
}

// InferenceError wraps any failure that happened after validation, while
// preparing or running the pipeline.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return e.Err.Error()
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// inferenceGate admits one pipeline call at a time process-wide. Callers
// beyond the first block until the slot is free. This caps throughput at
// one inference stream on purpose: the pipeline is not safe for concurrent
// use.
type inferenceGate struct {
	mu      deadlock.Mutex
	waiting int32
	gauge   interface{ Set(float64) }
}

func (g *inferenceGate) run(fn func() error) error {
	g.gauge.Set(float64(atomic.AddInt32(&g.waiting, 1)))
	g.mu.Lock()
	g.gauge.Set(float64(atomic.AddInt32(&g.waiting, -1)))
	defer g.mu.Unlock()
	return fn()
}

// Waiting reports how many callers are currently blocked on the gate.
func (g *inferenceGate) Waiting() int {
	return int(atomic.LoadInt32(&g.waiting))
}

// OcrService owns the pipeline handle. Build exactly one per process and
// hand it to the HTTP handlers.
type OcrService struct {
	pipeline Pipeline
	gate     *inferenceGate
	metrics  *ocrMetrics
}

func NewOcrService(pipeline Pipeline) *OcrService {
	metrics := newOcrMetrics()
	return &OcrService{
		pipeline: pipeline,
		gate:     &inferenceGate{gauge: metrics.gateWaiting},
		metrics:  metrics,
	}
}

// Infer stores the image in a temp file, runs the pipeline on it and
// shapes the pages into the public result. The temp file is removed on
// every return path.
func (s *OcrService) Infer(ocrRequest OcrRequest, requestID string) (OcrResult, error) {
	var ocrResults []OcrPageResult

	err := withTempImage(ocrRequest.ImgBytes, func(tmpFileName string) error {
		return s.gate.run(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("pipeline panic: %v", r)
				}
			}()

			start := time.Now()
			pages, err := s.pipeline.Predict(tmpFileName, ocrRequest.PredictOptions())
			s.metrics.inferenceDuration.Observe(time.Since(start).Seconds())
			timeTrack(start, "predict", "pipeline predict returned", requestID)
			if err != nil {
				return err
			}

			ocrResults = shapePages(pages, requestID)
			return nil
		})
	})
	if err != nil {
		s.metrics.inferenceFailures.Inc()
		return OcrResult{}, &InferenceError{Err: errors.Wrap(err, "predict")}
	}

	return OcrResult{
		OcrResults: ocrResults,
		DataInfo: OcrDataInfo{
			InputType: "image",
			Pages:     len(ocrResults),
		},
	}, nil
}

// Close releases the pipeline. It waits for a running inference to finish.
func (s *OcrService) Close() error {
	return s.gate.run(s.pipeline.Close)
}

func shapePages(pages []interface{}, requestID string) []OcrPageResult {
	ocrResults := make([]OcrPageResult, 0, len(pages))
	for i, page := range pages {
		pageJSON := page
		if jsoner, ok := page.(PageJSONer); ok {
			pageJSON = jsoner.PageJSON()
		}

		fields, ok := asObject(pageJSON)
		if !ok {
			log.Warn().Str("component", "OCR_SERVICE").Str("logId", requestID).
				Int("page", i).Str("type", fmt.Sprintf("%T", pageJSON)).
				Msg("skipping page that is not a JSON object")
			continue
		}

		prunedResult := fields("res")
		if prunedResult == nil {
			prunedResult = pageJSON
		}

		ocrResults = append(ocrResults, OcrPageResult{
			PrunedResult: Normalize(prunedResult),
		})
	}
	return ocrResults
}
