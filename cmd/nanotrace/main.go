package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/spf13/pflag"

	"github.com/coffersTech/nanotrace/internal/capture"
	"github.com/coffersTech/nanotrace/internal/config"
	"github.com/coffersTech/nanotrace/internal/engine"
	"github.com/coffersTech/nanotrace/internal/filter"
	"github.com/coffersTech/nanotrace/internal/registry"
	"github.com/coffersTech/nanotrace/internal/server"
	"github.com/coffersTech/nanotrace/internal/storage"
)

const journalFileName = "journal.cbor"

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Error().Err(err).Msg("nanotrace failed")
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("nanotrace", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	configPath := fs.String("config", "", "Path to config file (default $"+config.EnvVar+")")
	level := fs.String("level", "", "Log level: trace, debug, info, warn, error")
	addr := fs.String("addr", "", "HTTP listen address")
	noServer := fs.Bool("no-server", false, "Disable the HTTP API")
	dataDir := fs.String("data", "", "Directory for the journal and stats")
	codec := fs.String("codec", "", "Block codec: snappy, zstd, lz4")
	history := fs.Int("history", 0, "Maximum number of messages kept (0 keeps all)")
	rules := fs.String("rules", "", "Filter rule file (.yaml or .json)")
	logFile := fs.String("log-file", "", "Append accepted lines to this file")
	noDBWin := fs.Bool("no-dbwin", false, "Do not capture the shared-memory debug channel")
	global := fs.Bool("global", false, "Also capture the global debug channel")
	kernel := fs.Bool("kernel", false, "Capture the kernel log")
	stdin := fs.Bool("stdin", false, "Capture lines piped to standard input")
	tail := fs.StringArray("tail", nil, "Tail a file (repeatable)")
	load := fs.StringArray("load", nil, "Load a file once (repeatable)")
	udp := fs.StringArray("udp", nil, "Listen for UDP datagrams on addr (repeatable)")
	agent := fs.StringArray("agent", nil, "Connect to a DebugView agent on host (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: nanotrace [flags] [-- command [args...]]\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	if fs.Changed("level") {
		cfg.Log.Level = *level
	}
	if fs.Changed("addr") {
		cfg.Server.Addr = *addr
	}
	if *noServer {
		cfg.Server.Enabled = false
		cfg.Capture.HTTP = false
	}
	if fs.Changed("data") {
		cfg.Storage.DataDir = *dataDir
	}
	if fs.Changed("codec") {
		cfg.Storage.Codec = *codec
	}
	if fs.Changed("history") {
		cfg.Storage.HistorySize = *history
	}
	if fs.Changed("rules") {
		cfg.Filter.RulesFile = *rules
	}
	if fs.Changed("log-file") {
		cfg.Storage.LogFile = *logFile
	}
	if *noDBWin {
		cfg.Capture.DBWin = false
	}
	cfg.Capture.Global = cfg.Capture.Global || *global
	cfg.Capture.Kernel = cfg.Capture.Kernel || *kernel
	cfg.Capture.Stdin = cfg.Capture.Stdin || *stdin
	for _, p := range *tail {
		cfg.Capture.Files = append(cfg.Capture.Files, config.FileConfig{Path: p, Tail: true})
	}
	for _, p := range *load {
		cfg.Capture.Files = append(cfg.Capture.Files, config.FileConfig{Path: p})
	}
	cfg.Capture.UDP = append(cfg.Capture.UDP, *udp...)
	cfg.Capture.Agents = append(cfg.Capture.Agents, *agent...)
	if rest := fs.Args(); len(rest) > 0 {
		cfg.Capture.Processes = append(cfg.Capture.Processes, config.ProcessConfig{Path: rest[0], Args: rest[1:]})
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}
	return serve(cfg)
}

func setupLogging(cfg config.LogConfig) error {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	var writer log.Writer = &log.ConsoleWriter{
		ColorOutput:    log.IsTerminal(os.Stderr.Fd()),
		EndWithMessage: true,
		Writer:         os.Stderr,
	}
	if cfg.JSON {
		writer = &log.IOWriter{Writer: os.Stderr}
	}
	log.DefaultLogger = log.Logger{
		Level:      level,
		TimeFormat: "15:04:05.000",
		Writer:     writer,
	}
	return nil
}

func serve(cfg *config.Config) error {
	log.Info().Msg("nanotrace starting")

	codec, err := storage.ParseCodec(cfg.Storage.Codec)
	if err != nil {
		return err
	}
	messages := engine.NewMessageLog(storage.NewIndexedStore(codec, cfg.Storage.BlockSize))
	messages.SetHistorySize(cfg.Storage.HistorySize)
	log.Info().Str("codec", codec.Name()).Int("block_size", cfg.Storage.BlockSize).Int("history", cfg.Storage.HistorySize).Msg("message log initialized")

	var rules *filter.LogFilter
	if cfg.Filter.RulesFile != "" {
		name, lf, err := filter.Load(cfg.Filter.RulesFile)
		if err != nil {
			return err
		}
		rules = lf
		log.Info().Str("rules", name).Int("message_filters", len(lf.MessageFilters)).Int("process_filters", len(lf.ProcessFilters)).Msg("filters loaded")
	}

	if cfg.Storage.DataDir != "" {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
			return fmt.Errorf("data dir: %w", err)
		}
	}
	stats := engine.NewStats(cfg.Storage.DataDir)

	var journal *engine.Journal
	if cfg.Storage.Journal {
		journal, err = engine.OpenJournal(filepath.Join(cfg.Storage.DataDir, journalFileName))
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer func() {
			if err := journal.Close(); err != nil {
				log.Error().Err(err).Msg("journal close failed")
			}
		}()
	}

	var logWriter *engine.LogWriter
	if cfg.Storage.LogFile != "" {
		logWriter, err = engine.OpenLogWriter(cfg.Storage.LogFile, cfg.Storage.LogFileTruncate)
		if err != nil {
			return fmt.Errorf("log file: %w", err)
		}
		defer logWriter.Close()
	}

	opts := capture.Options{Timer: capture.NewTimer(), AutoNewline: cfg.Capture.AutoNewline}
	reg := registry.New(opts)
	defer reg.Close()

	consumer := engine.NewConsumer(reg, messages, engine.ConsumerOptions{
		Filter:    rules,
		Journal:   journal,
		LogWriter: logWriter,
		Stats:     stats,
	})
	if _, err := consumer.Restore(); err != nil {
		log.Warn().Err(err).Msg("journal replay incomplete")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	stats.StartTicker(ctx, time.Second)

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	consumerDone := make(chan struct{})
	go func() {
		consumer.Run(consumerCtx)
		close(consumerDone)
	}()

	ingest := startSources(cfg.Capture, reg, opts)

	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.New(consumer, reg, server.Options{Ingest: ingest, TailBuffer: cfg.Server.TailBuffer})
		go func() {
			log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP API listening")
			if err := srv.Start(cfg.Server.Addr); err != nil {
				log.Error().Err(err).Msg("HTTP server stopped")
				stop()
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("server shutdown error")
		}
		cancel()
	}

	// The consumer drains once more before it returns, then the sources go.
	stopConsumer()
	<-consumerDone
	reg.Close()

	if journal != nil {
		if err := journal.Sync(); err != nil {
			log.Error().Err(err).Msg("journal sync failed")
		}
	}
	if err := stats.Save(); err != nil {
		log.Warn().Err(err).Msg("stats persist failed")
	}
	log.Info().Int("stored", messages.Len()).Msg("nanotrace exited")
	return nil
}

// startSources creates the configured sources. A source that fails to
// start is reported and skipped.
func startSources(cfg config.CaptureConfig, reg *registry.Registry, opts capture.Options) *capture.HTTPSource {
	add := func(src capture.Source) {
		if err := reg.Add(src); err != nil {
			log.Error().Err(err).Str("source", src.Description()).Msg("add source failed")
		}
	}
	failed := func(what string, err error) {
		log.Error().Err(err).Msg(what + " failed")
		reg.AddMessage(fmt.Sprintf("%s failed: %v", what, err))
	}

	if cfg.DBWin {
		sources, err := capture.OpenDBWin(opts, cfg.Global, func(msg string) {
			log.Warn().Msg(msg)
			reg.AddMessage(msg)
		})
		if err != nil {
			failed("Debug output capture", err)
		}
		for _, s := range sources {
			add(s)
		}
	}
	if cfg.Kernel {
		if src, err := capture.NewKernelSource(opts); err != nil {
			failed("Kernel log capture", err)
		} else {
			add(src)
		}
	}
	if cfg.Stdin {
		add(capture.NewStdinSource(opts))
	}
	for _, f := range cfg.Files {
		src, err := capture.NewFileSource(opts, f.Path, f.Tail)
		if err != nil {
			failed("Opening "+f.Path, err)
			continue
		}
		add(src)
		if f.Tail {
			reg.AddMessage("Started tailing " + f.Path)
		}
	}
	for _, p := range cfg.Processes {
		src, err := capture.NewProcessSource(opts, p.Path, p.Args...)
		if err != nil {
			failed("Starting "+p.Path, err)
			continue
		}
		add(src)
	}
	for _, a := range cfg.UDP {
		src, err := capture.NewUDPSource(opts, a)
		if err != nil {
			failed("UDP listener on "+a, err)
			continue
		}
		add(src)
	}
	for _, h := range cfg.Agents {
		add(capture.NewAgentSource(opts, h))
	}

	var ingest *capture.HTTPSource
	if cfg.HTTP {
		ingest = capture.NewHTTPSource(opts)
		add(ingest)
	}
	return ingest
}
