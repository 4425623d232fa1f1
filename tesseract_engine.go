package ocrserver

import (
	"bufio"
	"bytes"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const tesseractWordLevel = 5

// TesseractPipeline calls tesseract via exec and reshapes its TSV output
// into the same page layout the PaddleOCR pipeline produces.
type TesseractPipeline struct {
	binary      string
	lang        string
	tessdataDir string
}

type TesseractEngineArgs struct {
	pageSegMode string
	lang        string
	tessdataDir string
}

func NewTesseractPipeline(config ServerConfig) (*TesseractPipeline, error) {
	binary, err := exec.LookPath(config.TesseractBin)
	if err != nil {
		return nil, errors.Wrapf(err, "tesseract binary %q not found", config.TesseractBin)
	}

	t := &TesseractPipeline{binary: binary, lang: config.TesseractLang}
	// the recognizer model dir doubles as tessdata dir when it holds traineddata files
	if matches, _ := filepath.Glob(filepath.Join(config.RecModelDir, "*.traineddata")); len(matches) > 0 {
		t.tessdataDir = config.RecModelDir
	}
	log.Info().Str("component", "OCR_TESSERACT").Str("binary", binary).
		Str("lang", t.lang).Str("tessdataDir", t.tessdataDir).
		Msg("tesseract pipeline ready, detector model dir is not used by this engine")
	return t, nil
}

func (t *TesseractPipeline) engineArgs(opts PredictOptions) TesseractEngineArgs {
	engineArgs := TesseractEngineArgs{lang: t.lang, tessdataDir: t.tessdataDir}
	if opts.UseDocOrientationClassify != nil && *opts.UseDocOrientationClassify {
		// automatic page segmentation with orientation and script detection
		engineArgs.pageSegMode = "1"
	}
	if opts.UseDocUnwarping != nil && *opts.UseDocUnwarping {
		log.Debug().Str("component", "OCR_TESSERACT").Msg("useDocUnwarping is not supported by tesseract, ignored")
	}
	return engineArgs
}

// return a slice that can be passed to tesseract binary as command line
// args, eg, ["--tessdata-dir", "/models", "-l", "eng", "--psm", "1"]
func (t TesseractEngineArgs) Export() []string {
	var result []string
	if t.tessdataDir != "" {
		result = append(result, "--tessdata-dir", t.tessdataDir)
	}
	if t.lang != "" {
		result = append(result, "-l", t.lang)
	}
	if t.pageSegMode != "" {
		result = append(result, "--psm", t.pageSegMode)
	}
	return result
}

func (t *TesseractPipeline) Predict(inputPath string, opts PredictOptions) ([]interface{}, error) {
	cmdArgs := []string{inputPath, "stdout"}
	cmdArgs = append(cmdArgs, t.engineArgs(opts).Export()...)
	cmdArgs = append(cmdArgs, "tsv")
	log.Debug().Str("component", "OCR_TESSERACT").Interface("cmdArgs", cmdArgs).Msg("exec tesseract")

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(t.binary, cmdArgs...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		log.Error().Err(err).Str("component", "OCR_TESSERACT").Msg(stderr.String())
		return nil, errors.Wrapf(err, "tesseract: %s", strings.TrimSpace(stderr.String()))
	}

	lines, err := parseTesseractTSV(stdout.Bytes())
	if err != nil {
		return nil, err
	}

	thresh := 0.0
	if opts.TextRecScoreThresh != nil {
		thresh = *opts.TextRecScoreThresh
	}
	return []interface{}{buildTesseractPage(inputPath, opts, lines, thresh)}, nil
}

func (t *TesseractPipeline) Close() error {
	return nil
}

type tesseractLine struct {
	words []string
	confs []float64
	box   [4]int
}

func (l *tesseractLine) text() string {
	return strings.Join(l.words, " ")
}

// score is the mean word confidence scaled to [0, 1]
func (l *tesseractLine) score() float64 {
	if len(l.confs) == 0 {
		return 0
	}
	var sum float64
	for _, c := range l.confs {
		sum += c
	}
	return sum / float64(len(l.confs)) / 100
}

// parseTesseractTSV groups word rows into text lines in reading order.
func parseTesseractTSV(tsv []byte) ([]*tesseractLine, error) {
	var lines []*tesseractLine
	index := make(map[string]*tesseractLine)

	scanner := bufio.NewScanner(bytes.NewReader(tsv))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	header := true
	for scanner.Scan() {
		if header {
			header = false
			continue
		}
		cols := strings.Split(scanner.Text(), "\t")
		if len(cols) < 12 {
			continue
		}
		level, err := strconv.Atoi(cols[0])
		if err != nil {
			return nil, fmt.Errorf("malformed tesseract tsv row %q", scanner.Text())
		}
		text := strings.TrimSpace(cols[11])
		if level != tesseractWordLevel || text == "" {
			continue
		}

		var geom [4]int
		for i := 0; i < 4; i++ {
			if geom[i], err = strconv.Atoi(cols[6+i]); err != nil {
				return nil, fmt.Errorf("malformed tesseract tsv row %q", scanner.Text())
			}
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed tesseract tsv row %q", scanner.Text())
		}
		left, top, right, bottom := geom[0], geom[1], geom[0]+geom[2], geom[1]+geom[3]

		key := strings.Join(cols[1:5], "/")
		line, ok := index[key]
		if !ok {
			line = &tesseractLine{box: [4]int{left, top, right, bottom}}
			index[key] = line
			lines = append(lines, line)
		}
		line.words = append(line.words, text)
		if conf >= 0 {
			line.confs = append(line.confs, conf)
		}
		line.box = [4]int{
			minInt(line.box[0], left), minInt(line.box[1], top),
			maxInt(line.box[2], right), maxInt(line.box[3], bottom),
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func buildTesseractPage(inputPath string, opts PredictOptions, lines []*tesseractLine, thresh float64) *JSONObject {
	texts := make([]string, 0, len(lines))
	scores := make([]float64, 0, len(lines))
	boxes := make([]float64, 0, 4*len(lines))
	for _, line := range lines {
		score := line.score()
		if score < thresh {
			continue
		}
		texts = append(texts, line.text())
		scores = append(scores, score)
		for _, v := range line.box {
			boxes = append(boxes, float64(v))
		}
	}

	settings := newJSONObject()
	settings.Set("use_doc_preprocessor", false)
	settings.Set("use_textline_orientation", opts.UseTextlineOrientation != nil && *opts.UseTextlineOrientation)

	res := newJSONObject()
	res.Set("input_path", inputPath)
	res.Set("page_index", nil)
	res.Set("model_settings", settings)
	res.Set("text_rec_score_thresh", thresh)
	res.Set("rec_texts", texts)
	res.Set("rec_scores", scores)
	res.Set("rec_boxes", NDArray{Shape: []int{len(texts), 4}, Data: boxes})

	page := newJSONObject()
	page.Set("res", res)
	return page
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

