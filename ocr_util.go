package ocrserver

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/ksuid"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const defaultImageSuffix = ".png"

// createTempFileName returns a ksuid based file name inside the temp
// directory. The file itself is not created.
func createTempFileName(suffix string) string {
	return filepath.Join(os.TempDir(), ksuid.New().String()+suffix)
}

func saveBytesToFileName(imgBytes []byte, tmpFileName string) error {
	return os.WriteFile(tmpFileName, imgBytes, 0600)
}

// withTempImage writes imgBytes to a fresh temp file, calls fn with its path
// and removes the file on every return path, panics included.
func withTempImage(imgBytes []byte, fn func(path string) error) error {
	tmpFileName := createTempFileName(imageSuffix(imgBytes))
	defer func(name string) {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("component", "OCR_UTIL").Msg(name + " could not be removed")
		}
	}(tmpFileName)

	if err := saveBytesToFileName(imgBytes, tmpFileName); err != nil {
		return err
	}
	return fn(tmpFileName)
}

// imageSuffix sniffs the image format so the pipeline sees a matching file
// extension. Unknown data keeps the .png suffix.
func imageSuffix(imgBytes []byte) string {
	_, format, err := image.DecodeConfig(bytes.NewReader(imgBytes))
	if err != nil {
		return defaultImageSuffix
	}
	switch format {
	case "jpeg":
		return ".jpg"
	case "png", "gif", "bmp", "tiff", "webp":
		return "." + format
	}
	return defaultImageSuffix
}

// timeTrack used to measure time of selected operations
func timeTrack(start time.Time, operation string, message string, requestID string) {
	elapsed := time.Since(start)
	event := log.Info().Str("component", "OCR_SERVICE").Dur(operation, elapsed)
	if requestID != "" {
		event = event.Str("logId", requestID)
	}
	event.Msg(message)
}
