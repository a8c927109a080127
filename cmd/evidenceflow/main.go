// Command evidenceflow runs the evidence orchestration engine from a
// terminal.
//
// Usage:
//
//	evidenceflow chat --user u1 --thread t1             # interactive session
//	evidenceflow chat --config evidenceflow.yaml
//	evidenceflow index --user u1 --thread t1 FILE...    # ingest documents
//	evidenceflow purge --user u1 --thread t1            # drop a scope's index
//	evidenceflow version
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/evidenceflow/evidenceflow"
	"github.com/evidenceflow/evidenceflow/config"
	"github.com/evidenceflow/evidenceflow/graph"
	"github.com/evidenceflow/evidenceflow/internal/metrics"
	"github.com/evidenceflow/evidenceflow/internal/telemetry"
	"github.com/evidenceflow/evidenceflow/retrieval"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "chat":
		runChat(os.Args[2:])
	case "index":
		runIndex(os.Args[2:])
	case "purge":
		runPurge(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

type scopeFlags struct {
	configPath  string
	userID      string
	threadID    string
	metricsAddr string
}

func parseScopeFlags(name string, args []string) (scopeFlags, []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	sf := scopeFlags{}
	fs.StringVar(&sf.configPath, "config", "", "Path to config file (YAML)")
	fs.StringVar(&sf.userID, "user", "", "User identifier (required)")
	fs.StringVar(&sf.threadID, "thread", "", "Thread identifier")
	fs.StringVar(&sf.metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on (chat only)")
	fs.Parse(args)

	if sf.userID == "" {
		fmt.Fprintln(os.Stderr, "--user is required")
		os.Exit(1)
	}
	return sf, fs.Args()
}

func setup(sf scopeFlags) (*graph.Engine, *metrics.Metrics, *zap.Logger, func()) {
	loader := config.NewLoader()
	if sf.configPath != "" {
		loader = loader.WithConfigPath(sf.configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	m := metrics.New()
	engine, err := evidenceflow.New(cfg, evidenceflow.WithLogger(logger), evidenceflow.WithMetrics(m))
	if err != nil {
		logger.Fatal("failed to build engine", zap.Error(err))
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProviders.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
		logger.Sync()
	}
	return engine, m, logger, cleanup
}

func runChat(args []string) {
	sf, _ := parseScopeFlags("chat", args)
	engine, m, logger, cleanup := setup(sf)
	defer cleanup()

	if sf.metricsAddr != "" {
		go serveMetrics(sf.metricsAddr, m, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("evidenceflow chat (user=%s thread=%s). Ctrl-D to exit.\n", sf.userID, sf.threadID)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		query := strings.TrimSpace(scanner.Text())
		if query == "" {
			continue
		}

		events := engine.RunTurnStream(ctx, sf.userID, sf.threadID, query, nil)
		for ev := range events {
			switch {
			case ev.Err != nil:
				fmt.Fprintf(os.Stderr, "\nturn failed: %v\n", ev.Err)
			case ev.Fragment != "":
				fmt.Print(ev.Fragment)
			case ev.Done:
				fmt.Println()
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	fmt.Println()
}

func runIndex(args []string) {
	sf, files := parseScopeFlags("index", args)
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "index requires at least one file argument")
		os.Exit(1)
	}

	engine, _, logger, cleanup := setup(sf)
	defer cleanup()

	scope := retrieval.Scope{UserID: sf.userID, ThreadID: sf.threadID}
	docs := make([]graph.DocumentInput, 0, len(files))
	for _, path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			logger.Fatal("read document", zap.String("path", path), zap.Error(err))
		}
		docs = append(docs, graph.DocumentInput{
			Filename: filepath.Base(path),
			Content:  string(content),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	chunks, err := engine.IndexDocuments(ctx, scope, docs)
	if err != nil {
		logger.Fatal("indexing failed", zap.Error(err))
	}
	fmt.Printf("Indexed %d documents (%d chunks)\n", len(docs), chunks)
}

func runPurge(args []string) {
	sf, _ := parseScopeFlags("purge", args)
	engine, _, logger, cleanup := setup(sf)
	defer cleanup()

	scope := retrieval.Scope{UserID: sf.userID, ThreadID: sf.threadID}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := engine.DeleteScope(ctx, scope); err != nil {
		logger.Fatal("purge failed", zap.Error(err))
	}
	fmt.Println("Scope purged")
}

func serveMetrics(addr string, m *metrics.Metrics, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))

	logger.Info("serving metrics", zap.String("addr", addr))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}

func printVersion() {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	fmt.Printf("evidenceflow %s\n", version)
}

func printUsage() {
	fmt.Println(`evidenceflow - evidence orchestration engine

Usage:
  evidenceflow <command> [options]

Commands:
  chat      Interactive conversation over the engine
  index     Ingest documents into a scope
  purge     Remove everything indexed under a scope
  version   Show version information
  help      Show this help message

Common options:
  --config <path>   Path to configuration file (YAML)
  --user <id>       User identifier (required)
  --thread <id>     Thread identifier (optional, user-wide scope if empty)

Options for 'chat':
  --metrics-addr <addr>   Serve Prometheus metrics (e.g. :9090)

Examples:
  evidenceflow chat --user alice --thread support-1
  evidenceflow index --user alice --thread support-1 notes.txt report.md
  evidenceflow purge --user alice`)
}
