// Command validator is the entrypoint of a validator container. It executes
// one input envelope and exits.
//
// Usage:
//
//	validator [run] [input-uri]
//	validator metadata [-format json|yaml] [-type TYPE]
//
// The input URI comes from VALIDATOR_INPUT_URI, the legacy INPUT_URI, or the
// first argument. Exit status is 0 when an output envelope was persisted, 1
// when the run aborted before that, and 2 for usage errors.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/validator/internal/config"
	"github.com/seantiz/validator/internal/coordinator"
	"github.com/seantiz/validator/internal/location"
	"github.com/seantiz/validator/internal/storage"
)

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2

	pushTimeout = 10 * time.Second
)

func main() {
	os.Exit(runMain(os.Args[1:], os.Stdout, os.Stderr))
}

func runMain(args []string, stdout, stderr io.Writer) int {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(stderr, "validator: load .env: %v\n", err)
		return exitUsage
	}

	cmd := "run"
	if len(args) > 0 && (args[0] == "run" || args[0] == "metadata") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "metadata":
		return metadataCmd(args, stdout, stderr)
	default:
		return runCmd(args, stderr)
	}
}

func runCmd(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg := config.Load()
	logger := config.NewLogger(stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	runners := cfg.Runners(logger)
	codec, err := config.NewCodec(runners)
	if err != nil {
		logger.Error("build envelope codec", "error", err)
		return exitFatal
	}
	notifier, err := cfg.NewNotifier(logger)
	if err != nil {
		logger.Error("configure callbacks", "error", err)
		return exitFatal
	}

	coord := coordinator.New(coordinator.Options{
		Locator:  location.FromProcess(fs.Args()),
		Storage:  storage.NewClient(cfg.StorageOptions(), logger),
		Codec:    codec,
		Runners:  runners,
		Notifier: notifier,
		WorkRoot: cfg.WorkDir,
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	o := coord.Run(ctx)

	if cfg.PushgatewayURL != "" {
		pctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		if err := coordinator.PushMetrics(pctx, cfg.PushgatewayURL, o.RunID); err != nil {
			logger.Warn("metrics push failed", "error", err)
		}
		cancel()
	}

	return o.ExitCode
}

func metadataCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("metadata", flag.ContinueOnError)
	fs.SetOutput(stderr)
	format := fs.String("format", "json", "output format: json or yaml")
	validatorType := fs.String("type", "", "describe only this validator type")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg := config.Load()
	runners := cfg.Runners(slog.New(slog.NewJSONHandler(io.Discard, nil)))

	var doc any = runners.List()
	if *validatorType != "" {
		rn, err := runners.Resolve(*validatorType)
		if err != nil {
			fmt.Fprintf(stderr, "validator: %v\n", err)
			return exitUsage
		}
		doc = rn.Metadata()
	}

	switch *format {
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			fmt.Fprintf(stderr, "validator: encode metadata: %v\n", err)
			return exitFatal
		}
	case "yaml":
		enc := yaml.NewEncoder(stdout)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			fmt.Fprintf(stderr, "validator: encode metadata: %v\n", err)
			return exitFatal
		}
		if err := enc.Close(); err != nil {
			fmt.Fprintf(stderr, "validator: encode metadata: %v\n", err)
			return exitFatal
		}
	default:
		fmt.Fprintf(stderr, "validator: unknown format %q (want json or yaml)\n", *format)
		return exitUsage
	}
	return exitOK
}
