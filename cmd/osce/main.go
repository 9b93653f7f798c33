package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pavelanni/osce/internal/conversation"
	"github.com/pavelanni/osce/internal/events"
	"github.com/pavelanni/osce/internal/handler"
	appI18n "github.com/pavelanni/osce/internal/i18n"
	"github.com/pavelanni/osce/internal/llm"
	"github.com/pavelanni/osce/internal/metrics"
	"github.com/pavelanni/osce/internal/model"
	"github.com/pavelanni/osce/internal/observability"
	"github.com/pavelanni/osce/internal/scoring"
	"github.com/pavelanni/osce/internal/session"
	"github.com/pavelanni/osce/internal/store"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "osce",
		Short:   "Simulated-patient OSCE stations with automatic scoring",
		Version: version,
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), exportCmd(), rescoreCmd(), watchCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `osce --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	addStoreFlags(cmd)
	addLLMFlags(cmd)
	f.StringP("lang", "l", "en", "Default debrief language (en, ru)")
	f.Bool("score-on-expiry", true, "Score runs in the background when their countdown expires")
	f.Bool("skip-llm-check", false, "Start even if the LLM endpoint is unreachable")
	f.String("redis-addr", "", "Redis address for run lifecycle events (empty disables)")
	f.String("redis-channel", events.DefaultChannel, "Redis pub/sub channel for run events")
	f.String("trace", "none", "Trace exporter (none, stdout)")
	f.Float64("trace-ratio", 1, "Trace sampling ratio")
	addLogFlags(cmd)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import case documents and assignments into the database",
		RunE:  runImport,
	}
	addStoreFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export runs and scores as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "osce.db", "SQLite database path")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(cmd)
	return cmd
}

func rescoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rescore [run-id...]",
		Short: "Re-run scoring for submitted runs",
		RunE:  runRescore,
	}
	f := cmd.Flags()
	f.String("db", "osce.db", "SQLite database path")
	f.Bool("all", false, "Rescore every submitted or scored run")
	f.Int("concurrency", 4, "Runs rescored in parallel")
	addLLMFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print run lifecycle events from Redis as JSON lines",
		RunE:  runWatch,
	}
	f := cmd.Flags()
	f.String("redis-addr", "localhost:6379", "Redis address")
	f.String("redis-channel", events.DefaultChannel, "Redis pub/sub channel for run events")
	addLogFlags(cmd)
	return cmd
}

func addStoreFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "osce.db", "SQLite database path")
	f.StringSliceP("cases", "c", []string{"cases"}, "Case files or directories (repeatable)")
	f.String("assignments", "cases/assignments.yaml", "Assignments file (empty to skip)")
}

func addLLMFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.Float64("llm-rps", 2, "Maximum LLM requests per second (0 = unlimited)")
}

func addLogFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	f.String("log-file", "", "Also write logs to this file, rotated by size")
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if path := v.GetString("log-file"); path != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(out, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(out, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("OSCE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("osce")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/osce")
	v.AddConfigPath("/etc/osce")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func newLLMClient(v *viper.Viper) *llm.Client {
	return llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		llm.WithRateLimit(v.GetFloat64("llm-rps"), 2),
	)
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TraceConfig{
		ServiceName: "osce",
		Version:     version,
		Exporter:    v.GetString("trace"),
		SampleRatio: v.GetFloat64("trace-ratio"),
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("trace shutdown", "error", err)
		}
	}()
	metrics.Init()

	// Open database.
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := importFiles(ctx, db, v.GetStringSlice("cases"), v.GetString("assignments")); err != nil {
		return fmt.Errorf("import: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	llmClient := newLLMClient(v)
	if err := llmClient.Ping(ctx); err != nil {
		if !v.GetBool("skip-llm-check") {
			return fmt.Errorf("LLM health check: %w", err)
		}
		slog.Warn("LLM endpoint unreachable, continuing", "url", v.GetString("llm-url"), "error", err)
	} else {
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	}

	var publisher events.Publisher = events.Nop{}
	if addr := v.GetString("redis-addr"); addr != "" {
		bus, err := events.NewRedis(ctx, addr, v.GetString("redis-channel"))
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer bus.Close()
		publisher = bus
	}

	ctl := session.New(db, conversation.New(llmClient), scoring.New(llmClient),
		session.WithPublisher(publisher),
		session.WithScoreOnExpiry(v.GetBool("score-on-expiry")),
	)
	defer ctl.Close()
	if err := ctl.Recover(ctx); err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}

	h := handler.New(ctl, lang, map[string]handler.Pinger{"db": db, "llm": llmClient})
	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"model", v.GetString("llm-model"),
			"llm_url", v.GetString("llm-url"),
			"lang", lang,
			"score_on_expiry", v.GetBool("score-on-expiry"),
			"redis", v.GetString("redis-addr") != "",
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

func runImport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	return importFiles(cmd.Context(), db, v.GetStringSlice("cases"), v.GetString("assignments"))
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	results, err := db.ExportAllRuns(cmd.Context())
	if err != nil {
		return fmt.Errorf("export runs: %w", err)
	}

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	slog.Info("exported runs", "count", len(results), "output", outPath)
	return nil
}

// rescoreIDs merges explicit run ids with listed runs, keeping the first
// occurrence of each id.
func rescoreIDs(args []string, runs []model.Run) []string {
	seen := make(map[string]bool, len(args)+len(runs))
	var ids []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}
	for _, id := range args {
		add(id)
	}
	for _, r := range runs {
		add(r.ID)
	}
	return ids
}

func runRescore(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var runs []model.Run
	if v.GetBool("all") {
		runs, err = db.ListRuns(ctx, model.PhaseSubmitted, model.PhaseScored)
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
	}
	ids := rescoreIDs(args, runs)
	if len(ids) == 0 {
		return errors.New("no runs given: pass run ids or --all")
	}

	llmClient := newLLMClient(v)
	ctl := session.New(db, conversation.New(llmClient), scoring.New(llmClient))
	defer ctl.Close()

	var (
		mu     sync.Mutex
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, v.GetInt("concurrency")))
	for _, id := range ids {
		id := id
		g.Go(func() error {
			d, err := ctl.RetryScoring(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Error("rescore failed", "run_id", id, "error", err)
				failed++
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d%%\t%s\tpartial=%t\n", id, d.Percentage, d.Grade, d.Partial)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed to rescore", failed, len(ids))
	}
	return nil
}

func runWatch(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus, err := events.NewRedis(ctx, v.GetString("redis-addr"), v.GetString("redis-channel"))
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer bus.Close()

	enc := json.NewEncoder(cmd.OutOrStdout())
	slog.Info("watching run events", "channel", v.GetString("redis-channel"))
	return bus.Subscribe(ctx, func(e events.Event) {
		if err := enc.Encode(e); err != nil {
			slog.Warn("write event", "error", err)
		}
	})
}
