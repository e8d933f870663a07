package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"subteksto/internal/asr"
	"subteksto/internal/audio"
	"subteksto/internal/config"
	"subteksto/internal/doctor"
	"subteksto/internal/logging"
	"subteksto/internal/pipeline"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

// Exit codes: 0 success, 2 configuration error, 3 fatal backend error,
// 130 interrupted.
const (
	exitOK        = 0
	exitConfig    = 2
	exitBackend   = 3
	exitInterrupt = 130
)

func main() {
	os.Exit(run())
}

type options struct {
	cfgPath     string
	listDevices bool
	showConfig  bool
	diagnose    bool
	backend     string
	logLevel    string
	logFile     string
}

func run() int {
	opts := &options{}
	interrupted := &atomic.Bool{}

	root := &cobra.Command{
		Use:   "subteksto",
		Short: "Subteksto — realtime Esperanto meeting transcription",
		Long: `Subteksto captures loopback audio from a meeting, streams it to a
speech recognizer, and fans transcripts out to the terminal, a Zoom
closed-caption endpoint, a browser caption board, and a Discord webhook.

Configuration comes from ~/.config/subteksto/config.toml plus environment
variables (TRANSCRIPTION_BACKEND, AUDIO_*, CLOUD_*, CAPTION_*, ...).`,
		SilenceUsage:          true,
		SilenceErrors:         true,
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMain(cmd, opts, interrupted)
		},
	}
	root.Version = version
	root.SetVersionTemplate("subteksto v{{.Version}}\n")

	root.Flags().StringVarP(&opts.cfgPath, "config", "c", "", "path to config file (TOML)")
	root.Flags().BoolVar(&opts.listDevices, "list-devices", false, "enumerate audio devices and exit")
	root.Flags().BoolVar(&opts.showConfig, "show-config", false, "print the effective config (secrets masked) and exit")
	root.Flags().BoolVar(&opts.diagnose, "diagnose-audio", false, "run the audio diagnosis report and exit")
	root.Flags().StringVar(&opts.backend, "backend", "", "override TRANSCRIPTION_BACKEND (cloud|local_offline|local_large)")
	root.Flags().StringVar(&opts.logLevel, "log-level", "", "override LOG_LEVEL")
	root.Flags().StringVar(&opts.logFile, "log-file", "", "override LOG_FILE")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, config.ErrInvalid) {
			return exitConfig
		}
		var fatal *asr.FatalError
		if errors.As(err, &fatal) {
			return exitBackend
		}
		return exitConfig
	}
	if interrupted.Load() {
		return exitInterrupt
	}
	return exitOK
}

func runMain(cmd *cobra.Command, opts *options, interrupted *atomic.Bool) error {
	cfg, err := config.Load(opts.cfgPath)
	if err != nil {
		return err
	}
	if opts.backend != "" {
		cfg.Backend = opts.backend
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFile != "" {
		cfg.Logging.File = opts.logFile
	}

	switch {
	case opts.listDevices:
		return listDevices(cmd)
	case opts.showConfig:
		return showConfig(cmd, cfg)
	case opts.diagnose:
		doctor.Print(doctor.Run(cfg), cmd.OutOrStdout())
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := logging.Configure(cfg)
	if err != nil {
		return err
	}

	p, err := pipeline.New(cfg, logger)
	if err != nil {
		var fatal *asr.FatalError
		if errors.As(err, &fatal) {
			return err
		}
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		s := <-sigCh
		logger.Infof("received signal %s, shutting down", s)
		if s == syscall.SIGINT {
			interrupted.Store(true)
		}
		cancel()
	}()

	logger.Infof("starting transcription pipeline with backend=%s", cfg.Backend)
	return p.Run(ctx)
}

func listDevices(cmd *cobra.Command) error {
	drv, err := audio.NewDriver()
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	defer drv.Close()
	return audio.ListDevices(drv, cmd.OutOrStdout())
}

func showConfig(cmd *cobra.Command, cfg *config.Config) error {
	red := cfg.Redacted()
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(red)
}
