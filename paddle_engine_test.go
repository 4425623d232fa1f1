package ocrserver

import (
	"bytes"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/couchbaselabs/go.assert"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// fakeHelper speaks the helper protocol without PaddleOCR: "fail" in the
// request yields an error reply, "crash" makes the process exit.
const fakeHelper = `echo 'loading models' >&2
echo '{"ready": true}'
while read line; do
  case "$line" in
    *crash*) exit 3 ;;
    *fail*) echo '{"error": "cannot read image"}' ;;
    *) echo '{"pages": [{"res": {"input_path": "x", "rec_texts": ["from helper"], "rec_scores": [0.9]}}]}' ;;
  esac
done
`

func fakePaddleConfig(t *testing.T, script string) ServerConfig {
	shell, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "helper.sh")
	assert.True(t, os.WriteFile(path, []byte(script), 0600) == nil)

	config := DefaultServerConfig()
	// "sh -u script ..." runs the script with nounset; the model flags are ignored
	config.Python = shell
	config.PaddleScript = path
	config.StartupTimeout = 10 * time.Second
	return config
}

func TestPaddlePipelinePredict(t *testing.T) {
	pipeline, err := NewPaddlePipeline(fakePaddleConfig(t, fakeHelper))
	assert.True(t, err == nil)
	defer pipeline.Close()

	pages, err := pipeline.Predict("/tmp/page.png", PredictOptions{})
	assert.True(t, err == nil)
	assert.Equals(t, len(pages), 1)
	assert.Equals(t, mustMarshal(t, Normalize(pages[0])),
		`{"res":{"input_path":"x","rec_texts":["from helper"],"rec_scores":[0.9]}}`)

	_, err = pipeline.Predict("/tmp/fail.png", PredictOptions{})
	assert.True(t, err != nil)
	assert.True(t, strings.Contains(err.Error(), "cannot read image"))

	// an error reply keeps the helper alive
	_, err = pipeline.Predict("/tmp/page.png", PredictOptions{})
	assert.True(t, err == nil)
}

func TestPaddlePipelineRestartsHelper(t *testing.T) {
	pipeline, err := NewPaddlePipeline(fakePaddleConfig(t, fakeHelper))
	assert.True(t, err == nil)
	defer pipeline.Close()

	_, err = pipeline.Predict("/tmp/crash.png", PredictOptions{})
	assert.True(t, err != nil)

	pages, err := pipeline.Predict("/tmp/page.png", PredictOptions{})
	assert.True(t, err == nil)
	assert.Equals(t, len(pages), 1)
}

func TestPaddlePipelineCloseDrainsStderr(t *testing.T) {
	var buf bytes.Buffer
	previous := log.Logger
	log.Logger = zerolog.New(zerolog.SyncWriter(&buf)).Level(zerolog.DebugLevel)
	defer func() { log.Logger = previous }()

	pipeline, err := NewPaddlePipeline(fakePaddleConfig(t, fakeHelper+"echo 'helper shutting down' >&2\n"))
	assert.True(t, err == nil)
	assert.True(t, pipeline.Close() == nil)

	out := buf.String()
	assert.True(t, strings.Contains(out, "helper shutting down"))
	assert.True(t, !strings.Contains(out, "stderr forwarding stopped"))
}

func TestPaddlePipelineStartupFailure(t *testing.T) {
	_, err := NewPaddlePipeline(fakePaddleConfig(t, "echo 'no module named paddleocr' >&2\nexit 1\n"))
	assert.True(t, err != nil)

	_, err = NewPaddlePipeline(fakePaddleConfig(t, "echo '{\"ready\": false}'\nsleep 1\n"))
	assert.True(t, err != nil)
}

func TestPaddlePipelineEmbeddedScript(t *testing.T) {
	assert.True(t, len(paddleWorkerScript) > 0)
	assert.True(t, strings.Contains(string(paddleWorkerScript), `"ready"`))
}

func TestPaddleHelperNonFiniteMatchesNormalize(t *testing.T) {
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	dir := t.TempDir()
	assert.True(t, os.WriteFile(filepath.Join(dir, "paddle_worker.py"), paddleWorkerScript, 0600) == nil)

	code := `import json, sys; sys.path.insert(0, sys.argv[1]); import paddle_worker as w; ` +
		`print(json.dumps(w._finite([float("nan"), float("inf"), float("-inf"), 1.5]), separators=(",", ":")))`
	out, err := exec.Command(python, "-c", code, dir).Output()
	assert.True(t, err == nil)

	expected := mustMarshal(t, Normalize([]float64{math.NaN(), math.Inf(1), math.Inf(-1), 1.5}))
	assert.Equals(t, expected, `["NaN","Infinity","-Infinity",1.5]`)
	assert.Equals(t, strings.TrimSpace(string(out)), expected)
}
