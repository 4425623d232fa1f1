package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/xf0e/ppocr-httpd/ocrclient"
)

var (
	serverURL string
	timeout   time.Duration
	debug     bool
	opts      ocrclient.Options
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "ppocr-client",
		Short:         "Client for the local PP-OCR http server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli})
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the server is up",
		Args:  cobra.NoArgs,
		RunE:  runHealth,
	}

	recognizeCmd := &cobra.Command{
		Use:   "recognize [image files...]",
		Short: "Run OCR on one or more images and print the recognized text",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRecognize,
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", ocrclient.DefaultServerURL, "server url, /ocr is appended when missing")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", ocrclient.DefaultTimeout, "request timeout, clamped to [5s, 180s]")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "print debug messages")

	recognizeCmd.Flags().Float64Var(&opts.TextRecScoreThresh, "score-thresh", 0, "drop lines scored below this, in [0, 1]")
	recognizeCmd.Flags().BoolVar(&opts.UseDocOrientationClassify, "doc-orientation", false, "classify document orientation")
	recognizeCmd.Flags().BoolVar(&opts.UseDocUnwarping, "doc-unwarping", false, "unwarp the document image")
	recognizeCmd.Flags().BoolVar(&opts.UseTextlineOrientation, "textline-orientation", false, "classify text line orientation")

	rootCmd.AddCommand(healthCmd, recognizeCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Str("component", "CLI_CLIENT").Msg("command failed")
		os.Exit(1)
	}
}

func newClient() (*ocrclient.Client, error) {
	client, err := ocrclient.NewClient(serverURL, timeout)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("component", "CLI_CLIENT").Str("serverUrl", client.ServerURL).
		Dur("timeout", client.Timeout).Msg("client ready")
	return client, nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	if err := client.Health(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func runRecognize(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bar := progressbar.NewOptions(len(args),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionSetDescription("[cyan]recognizing[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(os.Stderr)
		}),
	)

	failed := 0
	for _, path := range args {
		bar.Describe(fmt.Sprintf("[cyan]recognizing[reset] %s", filepath.Base(path)))
		texts, err := recognizeFile(ctx, client, path)
		_ = bar.Add(1)
		if err != nil {
			failed++
			log.Error().Err(err).Str("component", "CLI_CLIENT").Str("file", path).Msg("recognition failed")
			if ctx.Err() != nil {
				break
			}
			continue
		}

		fmt.Printf("==> %s <==\n", path)
		for _, text := range texts {
			fmt.Println(text)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(args))
	}
	return nil
}

func recognizeFile(ctx context.Context, client *ocrclient.Client, path string) ([]string, error) {
	img, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	response, err := client.Recognize(ctx, img, opts)
	if err != nil {
		return nil, err
	}
	texts := ocrclient.ExtractTexts(response.Result.OcrResults)
	if len(texts) == 0 {
		log.Warn().Str("component", "CLI_CLIENT").Str("file", path).Str("logId", response.LogID).
			Msg("no text recognized")
	}
	return texts, nil
}
