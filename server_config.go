package ocrserver

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const envPrefix = "PPOCR"

type ServerConfig struct {
	Host     string
	HTTPPort uint

	Engine       PipelineType
	DetModelName string
	DetModelDir  string
	RecModelName string
	RecModelDir  string
	Device       string

	Python         string
	PaddleScript   string
	StartupTimeout time.Duration

	TesseractBin  string
	TesseractLang string

	LogLevel        string
	Debug           bool
	DetectDeadlocks bool
	DeadlockTimeout time.Duration
	ShutdownTimeout time.Duration

	ConfigFile string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "127.0.0.1",
		HTTPPort:        8080,
		Engine:          PipelinePaddle,
		DetModelName:    "PP-OCRv5_server_det",
		RecModelName:    "PP-OCRv5_server_rec",
		Device:          "cpu",
		Python:          "python3",
		StartupTimeout:  5 * time.Minute,
		TesseractBin:    "tesseract",
		TesseractLang:   "eng",
		LogLevel:        "info",
		DeadlockTimeout: 10 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
	}
}

type FlagFunction func()

func NoOpFlagFunction() FlagFunction {
	return func() {}
}

// DefaultConfigFlagsOverride registers the server flags on the global flag
// set next to whatever flagFunction adds, parses the command line and
// applies the config file / environment overlay.
func DefaultConfigFlagsOverride(flagFunction FlagFunction) (ServerConfig, error) {
	flagFunction()
	return ParseConfigFlags(flag.CommandLine, os.Args[1:])
}

// ParseConfigFlags parses args into a ServerConfig. Values given on the
// command line win; flags left unset are filled from the config file named
// by -config and from PPOCR_<FLAG_NAME> environment variables.
func ParseConfigFlags(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	serverConfig := DefaultServerConfig()
	registerConfigFlags(fs, &serverConfig)

	if err := fs.Parse(args); err != nil {
		return serverConfig, err
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	if err := applyConfigOverlay(fs, explicit, serverConfig.ConfigFile); err != nil {
		return serverConfig, err
	}
	return serverConfig, nil
}

func registerConfigFlags(fs *flag.FlagSet, c *ServerConfig) {
	fs.StringVar(&c.Host, "host", c.Host, "The host to bind to, eg, 0.0.0.0")
	fs.UintVar(&c.HTTPPort, "http_port", c.HTTPPort, "The http port to listen on, eg, 8081")
	fs.Var(&c.Engine, "engine", "OCR pipeline to run: paddle, tesseract or mock")
	fs.StringVar(&c.DetModelName, "det_model_name", c.DetModelName, "text detection model name")
	fs.StringVar(&c.DetModelDir, "det_model_dir", c.DetModelDir, "text detection model directory (required)")
	fs.StringVar(&c.RecModelName, "rec_model_name", c.RecModelName, "text recognition model name")
	fs.StringVar(&c.RecModelDir, "rec_model_dir", c.RecModelDir, "text recognition model directory (required)")
	fs.StringVar(&c.Device, "device", c.Device, "inference device, eg, cpu or gpu:0")
	fs.StringVar(&c.Python, "python", c.Python, "python interpreter with paddleocr installed")
	fs.StringVar(&c.PaddleScript, "paddle_script", c.PaddleScript, "use this helper script instead of the embedded one")
	fs.DurationVar(&c.StartupTimeout, "startup_timeout", c.StartupTimeout, "how long to wait for the models to load")
	fs.StringVar(&c.TesseractBin, "tesseract_bin", c.TesseractBin, "tesseract binary for -engine tesseract")
	fs.StringVar(&c.TesseractLang, "tesseract_lang", c.TesseractLang, "tesseract language, eg, eng+deu")
	fs.StringVar(&c.LogLevel, "log_level", c.LogLevel, "log level: trace, debug, info, warn, error")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "sets debug flag, program will print more messages")
	fs.BoolVar(&c.DetectDeadlocks, "detect_deadlocks", c.DetectDeadlocks, "report inference lock waits longer than -deadlock_timeout")
	fs.DurationVar(&c.DeadlockTimeout, "deadlock_timeout", c.DeadlockTimeout, "lock wait considered a deadlock")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown_timeout", c.ShutdownTimeout, "grace period for in-flight requests on shutdown")
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "optional config file (toml, yaml or json) with flag names as keys")
}

func applyConfigOverlay(fs *flag.FlagSet, explicit map[string]bool, configFile string) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if configFile == "" {
		configFile = v.GetString("config")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "read config file %s", configFile)
		}
	}

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || explicit[f.Name] || !v.IsSet(f.Name) {
			return
		}
		if setErr := fs.Set(f.Name, v.GetString(f.Name)); setErr != nil {
			err = errors.Wrapf(setErr, "invalid value for %s", f.Name)
		}
	})
	return err
}

// Validate checks everything that must hold before the models are loaded.
func (c ServerConfig) Validate() error {
	if err := ensureModelDir(c.DetModelDir, "detector model directory"); err != nil {
		return err
	}
	if err := ensureModelDir(c.RecModelDir, "recognizer model directory"); err != nil {
		return err
	}
	if c.HTTPPort == 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d is out of range", c.HTTPPort)
	}
	if c.StartupTimeout <= 0 {
		return fmt.Errorf("startup_timeout must be positive")
	}
	if _, err := c.ZerologLevel(); err != nil {
		return err
	}
	return nil
}

// ZerologLevel resolves -log_level, with -debug forcing debug output.
func (c ServerConfig) ZerologLevel() (zerolog.Level, error) {
	if c.Debug {
		return zerolog.DebugLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel)))
	if err != nil {
		return zerolog.InfoLevel, errors.Wrapf(err, "invalid log_level %q", c.LogLevel)
	}
	return level, nil
}

// ListenAddr is host:port for net.Listen.
func (c ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

func ensureModelDir(path, name string) error {
	if path == "" {
		return fmt.Errorf("%s is required", name)
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%s does not exist: %s", name, path)
	}
	return nil
}
