// Copyright 2026 The Zipline-Go Authors
// SPDX-License-Identifier: Apache-2.0

// zipline-loader is a standalone command line front end for the
// zipline module loader. It exposes three subcommands:
//
//	download   fetch and verify an application once, writing every
//	           module and the manifest to a directory
//	poll       continuously poll a manifest URL and report each
//	           distinct successful load
//	cache      inspect or prune the on-disk content cache
//
// Configuration is loaded from the file named by --config or
// ZIPLINE_CONFIG; see lib/config for its shape.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/ziplineloader/zipline/lib/cachestore"
	"github.com/ziplineloader/zipline/lib/config"
	"github.com/ziplineloader/zipline/lib/continuous"
	"github.com/ziplineloader/zipline/lib/fetch"
	"github.com/ziplineloader/zipline/lib/loader"
	"github.com/ziplineloader/zipline/lib/verify"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	switch os.Args[1] {
	case "download":
		return runDownload(os.Args[2:])
	case "poll":
		return runPoll(os.Args[2:])
	case "cache":
		return runCache(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", os.Args[1])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: zipline-loader <subcommand> [flags]

Subcommands:
  download   fetch and verify an application once, writing it to a directory
  poll       continuously poll a manifest URL and report each distinct load
  cache      inspect or prune the on-disk content cache

Run 'zipline-loader <subcommand> --help' for subcommand flags.
`)
}

// commonFlags are shared by download and poll: where to find loader
// config and which application/manifest to act on.
type commonFlags struct {
	configPath      string
	applicationName string
	manifestURL     string
	embeddedDir     string
	logLevel        string
}

func (f *commonFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.configPath, "config", os.Getenv("ZIPLINE_CONFIG"), "path to loader config YAML (default: $ZIPLINE_CONFIG)")
	flagSet.StringVar(&f.applicationName, "app", "", "application name (required)")
	flagSet.StringVar(&f.manifestURL, "manifest-url", "", "manifest URL (required)")
	flagSet.StringVar(&f.embeddedDir, "embedded-dir", "", "directory of pre-bundled modules, consulted before cache and network")
	flagSet.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn, error")
}

func (f *commonFlags) logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.logLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// components holds the wired-up loader stack shared by download and
// poll, plus the open cache they must close on exit.
type components struct {
	cache  *cachestore.Cache
	chain  *fetch.Chain
	verify *verify.Verifier
	loader *loader.Loader
	cfg    *config.Config
}

func buildComponents(f *commonFlags) (*components, error) {
	if f.configPath == "" {
		return nil, fmt.Errorf("--config (or ZIPLINE_CONFIG) is required")
	}
	if f.applicationName == "" {
		return nil, fmt.Errorf("--app is required")
	}

	cfg, err := config.LoadFile(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureCacheDir(); err != nil {
		return nil, err
	}

	logger := f.logger()

	maxSize, err := cfg.ParsedCacheMaxSize()
	if err != nil {
		return nil, err
	}
	cache, err := cachestore.Open(cachestore.Config{
		Dir:            cfg.CacheDir,
		MaxSizeInBytes: maxSize,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}

	keys, err := cfg.TrustedKeySet()
	if err != nil {
		cache.Close()
		return nil, err
	}
	v := verify.New(keys, verify.Options{InsecureSkipVerify: cfg.AllowInsecure})

	httpFetcher := fetch.NewHTTPFetcher(nil, nil, logger)
	cacheFetcher := fetch.NewCacheFetcher(cache, httpFetcher, logger)

	var fetchers []fetch.Fetcher
	if cfg.EmbeddedBundleEnabled && f.embeddedDir != "" {
		embedded := fetch.NewEmbeddedFetcher(os.DirFS(f.embeddedDir), "modules", "manifest.json", f.applicationName, logger)
		fetchers = append(fetchers, embedded)
	}
	fetchers = append(fetchers, cacheFetcher, httpFetcher)
	chain := fetch.NewChain(fetchers...)

	l := loader.New(loader.Config{
		Chain:               chain,
		Verifier:            v,
		AllowInsecure:       cfg.AllowInsecure,
		ConcurrentDownloads: cfg.ConcurrentDownloads,
		Logger:              logger,
	})

	return &components{cache: cache, chain: chain, verify: v, loader: l, cfg: cfg}, nil
}

func runDownload(args []string) error {
	var f commonFlags
	var outDir string

	flagSet := pflag.NewFlagSet("download", pflag.ContinueOnError)
	f.register(flagSet)
	flagSet.StringVar(&outDir, "out", "", "directory to write the downloaded application to (required)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if outDir == "" {
		return fmt.Errorf("--out is required")
	}

	comps, err := buildComponents(&f)
	if err != nil {
		return err
	}
	defer comps.cache.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := comps.loader.Download(ctx, f.applicationName, f.manifestURL, outDir); err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	fmt.Printf("downloaded %s to %s\n", f.applicationName, outDir)
	return nil
}

func runPoll(args []string) error {
	var f commonFlags

	flagSet := pflag.NewFlagSet("poll", pflag.ContinueOnError)
	f.register(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	comps, err := buildComponents(&f)
	if err != nil {
		return err
	}
	defer comps.cache.Close()

	pollInterval, err := comps.cfg.ParsedPollInterval()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	ctrl := continuous.New(continuous.Config{
		Chain:           comps.chain,
		Verifier:        comps.verify,
		Loader:          comps.loader,
		ApplicationName: f.applicationName,
		PollInterval:    pollInterval,
		Logger:          f.logger(),
	})

	urls := make(chan string, 1)
	urls <- f.manifestURL

	for sess := range ctrl.Run(ctx, urls, nil) {
		fmt.Printf("loaded %s: session=%s modules=%d\n", sess.ApplicationName, sess.ID, len(sess.Manifest.Modules))
		sess.Close()
	}
	return nil
}

func runCache(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("cache subcommand requires an action: stats, list-pins, or prune")
	}

	var f commonFlags
	flagSet := pflag.NewFlagSet("cache", pflag.ContinueOnError)
	flagSet.StringVar(&f.configPath, "config", os.Getenv("ZIPLINE_CONFIG"), "path to loader config YAML (default: $ZIPLINE_CONFIG)")
	if err := flagSet.Parse(args[1:]); err != nil {
		return err
	}
	action := args[0]

	if f.configPath == "" {
		return fmt.Errorf("--config (or ZIPLINE_CONFIG) is required")
	}
	cfg, err := config.LoadFile(f.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	maxSize, err := cfg.ParsedCacheMaxSize()
	if err != nil {
		return err
	}
	cache, err := cachestore.Open(cachestore.Config{Dir: cfg.CacheDir, MaxSizeInBytes: maxSize})
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer cache.Close()

	ctx := context.Background()

	switch action {
	case "stats":
		stats, err := cache.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("files:        %d (%s)\n", stats.TotalFiles, humanize.Bytes(uint64(stats.TotalSizeBytes)))
		fmt.Printf("pinned:       %s across %d application(s)\n", humanize.Bytes(uint64(stats.PinnedSizeBytes)), stats.PinnedAppCount)
		return nil
	case "list-pins":
		pins, err := cache.ListPins(ctx)
		if err != nil {
			return err
		}
		for _, pin := range pins {
			fmt.Printf("%s\tmanifest=%s\tfiles=%d\n", pin.ApplicationName, pin.ManifestHash, len(pin.FileHashes))
		}
		return nil
	case "prune":
		if err := cache.Prune(ctx); err != nil {
			return err
		}
		fmt.Println("pruned unpinned entries over the configured size bound")
		return nil
	default:
		return fmt.Errorf("unknown cache action: %q (want stats, list-pins, or prune)", action)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
