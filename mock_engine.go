package ocrserver

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const MOCK_ENGINE_RESPONSE = "mock engine decoder response"

// MockPipeline returns one canned page per call. Delay and Err let tests
// simulate slow or failing inference.
type MockPipeline struct {
	Delay time.Duration
	Err   error

	inFlight    int32
	maxInFlight int32
	calls       int32

	mu    sync.Mutex
	paths []string
}

func (m *MockPipeline) Predict(inputPath string, opts PredictOptions) ([]interface{}, error) {
	current := atomic.AddInt32(&m.inFlight, 1)
	defer atomic.AddInt32(&m.inFlight, -1)
	atomic.AddInt32(&m.calls, 1)
	for {
		seen := atomic.LoadInt32(&m.maxInFlight)
		if current <= seen || atomic.CompareAndSwapInt32(&m.maxInFlight, seen, current) {
			break
		}
	}

	m.mu.Lock()
	m.paths = append(m.paths, inputPath)
	m.mu.Unlock()

	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}
	if m.Err != nil {
		return nil, m.Err
	}

	imgBytes, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(imgBytes)

	res := newJSONObject()
	res.Set("input_path", inputPath)
	res.Set("page_index", nil)
	res.Set("input_sha256", hex.EncodeToString(digest[:]))
	res.Set("model_settings", opts.Args())
	res.Set("rec_texts", []string{MOCK_ENGINE_RESPONSE})
	res.Set("rec_scores", []float64{1.0})
	res.Set("rec_boxes", NDArray{Shape: []int{1, 4}, Data: []float64{0, 0, 10, 10}})

	page := newJSONObject()
	page.Set("res", res)
	return []interface{}{page}, nil
}

func (m *MockPipeline) Close() error {
	return nil
}

// MaxInFlight reports the highest number of concurrent Predict calls seen.
func (m *MockPipeline) MaxInFlight() int {
	return int(atomic.LoadInt32(&m.maxInFlight))
}

// Calls reports how many times Predict was invoked.
func (m *MockPipeline) Calls() int {
	return int(atomic.LoadInt32(&m.calls))
}

// InputPaths returns the temp file paths Predict was called with.
func (m *MockPipeline) InputPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.paths...)
}
