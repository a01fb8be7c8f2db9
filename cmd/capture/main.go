// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Capture sends analytics events through the capture pipeline from the
// command line. Events come either from arguments:
//
//	capture [flags] <event> [key=value ...]
//
// or, with no positional arguments, from JSON lines on stdin:
//
//	{"event": "deploy", "properties": {"service": "api"}}
//
// The pipeline configuration is read from --config or CAPTURE_CONFIG.
// Without either, --token and --api-host are required and all state is
// kept in memory. Events that cannot be delivered before exit are
// written to the retry queue in the state database and delivered by
// the next invocation.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/capture/lib/capture"
	"github.com/bureau-foundation/capture/lib/config"
	"github.com/bureau-foundation/capture/lib/consent"
	"github.com/bureau-foundation/capture/lib/process"
	"github.com/bureau-foundation/capture/lib/storage"
	"github.com/bureau-foundation/capture/lib/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	process.Exit(err)
}

// options holds the parsed command line.
type options struct {
	configPath string
	token      string
	apiHost    string
	name       string
	distinctID string
	batchKey   string
	logFormat  string
	logLevel   string
	optIn      bool
	optOut     bool
	instant    bool
	stats      bool
	version    bool
}

func parseFlags(args []string, stderr io.Writer) (*options, []string, error) {
	var opts options
	flagSet := pflag.NewFlagSet("capture", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to the pipeline config file (default: $"+config.EnvVar+")")
	flagSet.StringVar(&opts.token, "token", "", "project token (overrides the config file)")
	flagSet.StringVar(&opts.apiHost, "api-host", "", "collector base URL (overrides the config file)")
	flagSet.StringVar(&opts.name, "name", "", "pipeline name (overrides the config file)")
	flagSet.StringVar(&opts.distinctID, "distinct-id", "", "identify as this distinct id before capturing")
	flagSet.StringVar(&opts.batchKey, "batch-key", "", "batch key for captured events")
	flagSet.StringVar(&opts.logFormat, "log-format", "text", "log output format: text or json")
	flagSet.StringVar(&opts.logLevel, "log-level", "warn", "minimum log level: debug, info, warn, error")
	flagSet.BoolVar(&opts.optIn, "opt-in", false, "record consent before capturing")
	flagSet.BoolVar(&opts.optOut, "opt-out", false, "record an opt-out and exit")
	flagSet.BoolVar(&opts.instant, "instant", false, "send each event immediately instead of batching")
	flagSet.BoolVar(&opts.stats, "stats", false, "print pipeline statistics as JSON on exit")
	flagSet.BoolVar(&opts.version, "version", false, "print version information and exit")
	flagSet.Usage = func() {
		fmt.Fprintf(stderr, `Send analytics events through the capture pipeline.

Usage:
  capture [flags] <event> [key=value ...]
  capture [flags] < events.jsonl

Property values are parsed as JSON when they parse, and kept as
strings otherwise.

Flags:
`)
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		return nil, nil, err
	}
	if opts.optIn && opts.optOut {
		return nil, nil, errors.New("--opt-in and --opt-out are mutually exclusive")
	}
	return &opts, flagSet.Args(), nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	opts, positional, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if opts.version {
		fmt.Fprintf(stdout, "capture %s\n", version.Info())
		return nil
	}

	logger, err := newLogger(stderr, opts.logFormat, opts.logLevel)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	pipeline, closeState, err := openPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer closeState()

	if opts.optOut {
		pipeline.OptOut()
		return pipeline.Close()
	}
	if opts.optIn {
		pipeline.OptIn(consent.OptInOptions{})
	}
	if opts.distinctID != "" {
		if err := pipeline.Identify(opts.distinctID, nil, nil); err != nil {
			pipeline.Close()
			return err
		}
	}

	captureOptions := capture.CaptureOptions{BatchKey: opts.batchKey, Instant: opts.instant}
	var captureErr error
	if len(positional) > 0 {
		captureErr = captureArgs(pipeline, positional, captureOptions)
	} else {
		if file, ok := stdin.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
			pipeline.Close()
			return errors.New("no event given and stdin is a terminal (see --help)")
		}
		captureErr = captureLines(ctx, pipeline, stdin, captureOptions, logger)
	}

	if ctx.Err() != nil {
		// Interrupted: hand everything to the beacon path so that
		// failures land in the persisted retry queue.
		pipeline.Unload()
	}
	closeErr := pipeline.Close()

	if opts.stats {
		encoder := json.NewEncoder(stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(pipeline.Stats()); err != nil {
			return err
		}
	}
	return errors.Join(captureErr, closeErr)
}

// loadConfig loads the config file when one is named and applies the
// flag overrides.
func loadConfig(opts *options) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case opts.configPath != "":
		cfg, err = config.LoadFile(opts.configPath)
	case os.Getenv(config.EnvVar) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
		cfg.State.Path = ""
		cfg.Persistence = config.MemoryPersistence
		cfg.Consent.Persistence = config.MemoryPersistence
	}
	if err != nil {
		return nil, err
	}

	if opts.token != "" {
		cfg.Token = opts.token
	}
	if opts.apiHost != "" {
		cfg.APIHost = opts.apiHost
	}
	if opts.name != "" {
		cfg.Name = opts.name
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openPipeline opens the state database named by cfg and builds the
// pipeline over it. The returned function closes the database and
// must run after the pipeline is closed.
func openPipeline(cfg *config.Config, logger *slog.Logger) (*capture.Pipeline, func(), error) {
	var cookies, local storage.Store
	closeState := func() {}
	if cfg.State.Path != "" {
		if err := cfg.EnsureStateDir(); err != nil {
			return nil, nil, err
		}
		database, err := storage.OpenSQLite(storage.SQLiteConfig{
			Path:   cfg.State.Path,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}
		cookies = database.Medium(storage.Cookie)
		local = database.Medium(storage.LocalStorage)
		closeState = func() {
			if err := database.Close(); err != nil {
				logger.Error("closing state database", "path", cfg.State.Path, "error", err)
			}
		}
	}

	policy, err := cfg.RetryPolicy()
	if err != nil {
		closeState()
		return nil, nil, err
	}
	supported, err := cfg.SupportedCompression()
	if err != nil {
		closeState()
		return nil, nil, err
	}

	pipeline, err := capture.New(capture.Config{
		Token:                      cfg.Token,
		APIHost:                    cfg.APIHost,
		Name:                       cfg.Name,
		Cookies:                    cookies,
		LocalStorage:               local,
		Persistence:                cfg.PersistenceMedium(),
		ConsentPersistence:         cfg.ConsentMedium(),
		ConsentPrefix:              cfg.Consent.Prefix,
		RespectDNT:                 cfg.Consent.RespectDNT,
		DoNotTrack:                 doNotTrack,
		OptOutCapturingByDefault:   cfg.Consent.OptOutCapturingByDefault,
		OptOutPersistenceByDefault: cfg.Consent.OptOutPersistenceByDefault,
		SessionIdleTimeout:         cfg.IdleTimeout(),
		BootstrapSessionID:         cfg.Session.BootstrapSessionID,
		EventsPerSecond:            cfg.RateLimit.EventsPerSecond,
		BurstLimit:                 cfg.RateLimit.BurstLimit,
		FlushInterval:              cfg.FlushInterval(),
		BatchThreshold:             cfg.Queue.BatchThreshold,
		DisableBatching:            !cfg.Queue.RequestBatching,
		DisableCompression:         cfg.Compression.Disabled,
		Retry:                      policy,
		Strategy:                   cfg.Strategy(),
		Timeout:                    cfg.Timeout(),
		WithCredentials:            cfg.Transport.WithCredentials,
		Denylist:                   cfg.Properties.Denylist,
		StringMaxLength:            cfg.Properties.StringMaxLength,
		Logger:                     logger,
	})
	if err != nil {
		closeState()
		return nil, nil, err
	}
	pipeline.SetRemoteConfig(capture.RemoteConfig{
		SupportedCompression:  supported,
		AnalyticsEndpoint:     cfg.Compression.AnalyticsEndpoint,
		ElementsChainAsString: cfg.Compression.ElementsChainAsString,
	})
	return pipeline, closeState, nil
}

// doNotTrack reports the DO_NOT_TRACK convention used by command line
// tools.
func doNotTrack() bool {
	value := strings.TrimSpace(os.Getenv("DO_NOT_TRACK"))
	return value != "" && value != "0" && !strings.EqualFold(value, "false")
}

func newLogger(output io.Writer, format, level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	handlerOptions := &slog.HandlerOptions{Level: slogLevel}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(output, handlerOptions)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(output, handlerOptions)), nil
	default:
		return nil, fmt.Errorf("--log-format must be text or json, got %q", format)
	}
}

// captureArgs captures one event named by args[0] with key=value
// properties.
func captureArgs(pipeline *capture.Pipeline, args []string, options capture.CaptureOptions) error {
	properties, err := parseProperties(args[1:])
	if err != nil {
		return err
	}
	_, err = pipeline.Capture(args[0], properties, options)
	return err
}

func parseProperties(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	properties := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("property %q is not key=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		properties[key] = value
	}
	return properties, nil
}

// inputEvent is one line of JSON input.
type inputEvent struct {
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
	Timestamp  time.Time      `json:"timestamp"`
	Set        map[string]any `json:"$set"`
	SetOnce    map[string]any `json:"$set_once"`
}

// captureLines captures one event per non-empty line of input. Lines
// that fail to parse or are refused by the pipeline are logged and
// skipped; the returned error counts them.
func captureLines(ctx context.Context, pipeline *capture.Pipeline, input io.Reader, options capture.CaptureOptions, logger *slog.Logger) error {
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var failed, lineNumber int
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var parsed inputEvent
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			logger.Warn("skipping malformed input line", "line", lineNumber, "error", err)
			failed++
			continue
		}
		lineOptions := options
		lineOptions.Timestamp = parsed.Timestamp
		lineOptions.Set = parsed.Set
		lineOptions.SetOnce = parsed.SetOnce
		if _, err := pipeline.Capture(parsed.Event, parsed.Properties, lineOptions); err != nil {
			logger.Warn("event not captured", "line", lineNumber, "event", parsed.Event, "error", err)
			failed++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d input lines not captured", failed, lineNumber)
	}
	return nil
}
