package ocrserver

import (
	"bufio"
	"bytes"
	_ "embed"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

//go:embed scripts/paddle_worker.py
var paddleWorkerScript []byte

const paddleStopTimeout = 10 * time.Second

// PaddlePipeline drives a long-lived PaddleOCR helper process. Models are
// loaded once when the process starts; every Predict is one request/reply
// line pair on the process' stdin/stdout. A broken process is torn down and
// started again on the next call.
type PaddlePipeline struct {
	config     ServerConfig
	scriptPath string
	scriptDir  string

	mu   sync.Mutex
	proc *paddleProcess
}

type paddleProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	// closed once stderr hits EOF; cmd.Wait must not run before that
	stderrDone chan struct{}
}

func NewPaddlePipeline(config ServerConfig) (*PaddlePipeline, error) {
	p := &PaddlePipeline{config: config, scriptPath: config.PaddleScript}

	if p.scriptPath == "" {
		dir, err := os.MkdirTemp("", "ppocr-httpd-")
		if err != nil {
			return nil, errors.Wrap(err, "create helper script dir")
		}
		p.scriptDir = dir
		p.scriptPath = filepath.Join(dir, "paddle_worker.py")
		if err := os.WriteFile(p.scriptPath, paddleWorkerScript, 0600); err != nil {
			_ = os.RemoveAll(dir)
			return nil, errors.Wrap(err, "write helper script")
		}
	}

	proc, err := p.start()
	if err != nil {
		p.removeScript()
		return nil, err
	}
	p.proc = proc
	return p, nil
}

func (p *PaddlePipeline) args() []string {
	return []string{
		"-u", p.scriptPath,
		"--det_model_name", p.config.DetModelName,
		"--det_model_dir", p.config.DetModelDir,
		"--rec_model_name", p.config.RecModelName,
		"--rec_model_dir", p.config.RecModelDir,
		"--device", p.config.Device,
	}
}

func (p *PaddlePipeline) start() (*paddleProcess, error) {
	cmd := exec.Command(p.config.Python, p.args()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	log.Info().Str("component", "OCR_PADDLE").Interface("cmdArgs", cmd.Args).
		Msg("starting PaddleOCR helper, loading models")
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", p.config.Python)
	}

	proc := &paddleProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout:     bufio.NewReaderSize(stdout, 1<<20),
		stderrDone: make(chan struct{}),
	}
	go forwardStderr(stderr, proc.stderrDone)

	ready := make(chan error, 1)
	go func() {
		ready <- proc.awaitReady()
	}()

	select {
	case err := <-ready:
		if err != nil {
			proc.stop()
			return nil, errors.Wrap(err, "PaddleOCR helper failed to start")
		}
	case <-time.After(p.config.StartupTimeout):
		proc.stop()
		return nil, errors.Errorf("PaddleOCR helper not ready after %v", p.config.StartupTimeout)
	}

	log.Info().Str("component", "OCR_PADDLE").Int("pid", cmd.Process.Pid).Msg("PaddleOCR models loaded")
	return proc, nil
}

func (p *PaddlePipeline) Predict(inputPath string, opts PredictOptions) ([]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.proc == nil {
		log.Warn().Str("component", "OCR_PADDLE").Msg("PaddleOCR helper is not running, restarting")
		proc, err := p.start()
		if err != nil {
			return nil, err
		}
		p.proc = proc
	}

	request := newJSONObject()
	request.Set("input", inputPath)
	request.Set("options", opts.Args())

	reply, err := p.proc.roundTrip(request)
	if err != nil {
		log.Error().Err(err).Str("component", "OCR_PADDLE").Msg("PaddleOCR helper stream broken, stopping it")
		p.proc.stop()
		p.proc = nil
		return nil, err
	}

	fields, ok := asObject(reply)
	if !ok {
		return nil, errors.Errorf("unexpected reply from PaddleOCR helper: %T", reply)
	}
	if errMsg := fields("error"); errMsg != nil {
		return nil, errors.Errorf("PaddleOCR: %v", errMsg)
	}
	pages, ok := fields("pages").([]interface{})
	if !ok {
		return nil, errors.New("reply from PaddleOCR helper has no pages")
	}
	return pages, nil
}

func (p *PaddlePipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.proc != nil {
		p.proc.stop()
		p.proc = nil
	}
	p.removeScript()
	return nil
}

func (p *PaddlePipeline) removeScript() {
	if p.scriptDir == "" {
		return
	}
	if err := os.RemoveAll(p.scriptDir); err != nil {
		log.Warn().Err(err).Str("component", "OCR_PADDLE").Msg(p.scriptDir + " could not be removed")
	}
	p.scriptDir = ""
}

func (proc *paddleProcess) awaitReady() error {
	reply, err := proc.readReply()
	if err != nil {
		return err
	}
	fields, ok := asObject(reply)
	if !ok || fields("ready") != true {
		return errors.Errorf("unexpected greeting from PaddleOCR helper: %v", Normalize(reply))
	}
	return nil
}

func (proc *paddleProcess) roundTrip(request *JSONObject) (interface{}, error) {
	line, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	if _, err := proc.stdin.Write(append(line, '\n')); err != nil {
		return nil, errors.Wrap(err, "write to PaddleOCR helper")
	}
	return proc.readReply()
}

// readReply reads the next non-empty line and decodes it keeping the key
// order of every object.
func (proc *paddleProcess) readReply() (interface{}, error) {
	for {
		line, err := proc.stdout.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			value, decodeErr := decodeJSON(bytes.NewReader(line))
			if decodeErr != nil {
				return nil, errors.Wrap(decodeErr, "decode PaddleOCR helper reply")
			}
			return value, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "read from PaddleOCR helper")
		}
	}
}

// stop closes stdin and reaps the process. The helper exits on stdin EOF;
// one that does not is killed after paddleStopTimeout. Wait only runs once
// forwardStderr has drained the pipe.
func (proc *paddleProcess) stop() {
	_ = proc.stdin.Close()

	select {
	case <-proc.stderrDone:
	case <-time.After(paddleStopTimeout):
		log.Warn().Str("component", "OCR_PADDLE").Msg("PaddleOCR helper did not exit, killing it")
		_ = proc.cmd.Process.Kill()
		select {
		case <-proc.stderrDone:
		case <-time.After(paddleStopTimeout):
			// a child of the helper still holds stderr open
			log.Warn().Str("component", "OCR_PADDLE").Msg("helper stderr still open after kill")
		}
	}

	if err := proc.cmd.Wait(); err != nil {
		log.Info().Err(err).Str("component", "OCR_PADDLE").Msg("PaddleOCR helper exited")
	}
}

func forwardStderr(stderr io.Reader, stderrDone chan<- struct{}) {
	defer close(stderrDone)
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		log.Debug().Str("component", "OCR_PADDLE").Str("stderr", scanner.Text()).Msg("helper output")
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Str("component", "OCR_PADDLE").Msg("stderr forwarding stopped")
	}
}
