// Command hydroharvest runs harvest tasks from a YAML playbook.
//
// One-shot mode (-task or -all) harvests and exits non-zero when chunks
// failed, which makes cron and CI wiring trivial. Serve mode (-serve)
// exposes the admin API over HTTP; MCP_TRANSPORT=stdio instead serves the
// harvest tools to an MCP client over stdin/stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hydrolab/hydroharvest/harvest"
)

func main() {
	playbook := flag.String("playbook", env("PLAYBOOK", "playbook.yml"), "path of the task playbook")
	taskID := flag.String("task", "", "run a single task and exit")
	runAll := flag.Bool("all", false, "run every playbook task and exit")
	force := flag.Bool("force", false, "reset done chunks before running")
	serve := flag.Bool("serve", false, "serve the admin API over HTTP")
	flag.Parse()

	mcpTransport := env("MCP_TRANSPORT", "")
	logLevel := env("LOG_LEVEL", "info")

	// Logging. Stdio MCP owns stdout, so logs move to stderr there.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logOut := os.Stdout
	if mcpTransport == "stdio" {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := harvest.LoadConfig(*playbook)
	if err != nil {
		slog.Error("load playbook", "path", *playbook, "error", err)
		os.Exit(1)
	}

	svc, err := harvest.New(cfg, logger)
	if err != nil {
		slog.Error("init service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	switch {
	case *taskID != "":
		os.Exit(runTasks(ctx, svc, []string{*taskID}, *force))
	case *runAll:
		ids := make([]string, 0, len(svc.Tasks()))
		for _, t := range svc.Tasks() {
			ids = append(ids, t.ID)
		}
		os.Exit(runTasks(ctx, svc, ids, *force))
	case mcpTransport == "stdio":
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "hydroharvest",
			Version: "1.0.0",
		}, nil)
		svc.RegisterMCP(mcpSrv)
		if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil {
			slog.Error("mcp server", "error", err)
			os.Exit(1)
		}
	case *serve:
		serveHTTP(ctx, svc)
	default:
		fmt.Fprintln(os.Stderr, "nothing to do: pass -task, -all, -serve or MCP_TRANSPORT=stdio")
		flag.Usage()
		os.Exit(2)
	}
}

// runTasks harvests the given tasks in order and returns the process exit
// code: non-zero when any chunk ended up failed.
func runTasks(ctx context.Context, svc *harvest.Service, ids []string, force bool) int {
	exit := 0
	enc := json.NewEncoder(os.Stdout)
	for _, id := range ids {
		report, err := svc.RunTask(ctx, id, force)
		if err != nil {
			slog.Error("task run aborted", "task", id, "error", err)
			return 1
		}
		if err := enc.Encode(report); err != nil {
			slog.Error("encode report", "task", id, "error", err)
		}
		if report.Failed > 0 {
			exit = 1
		}
	}
	return exit
}

func serveHTTP(ctx context.Context, svc *harvest.Service) {
	port := env("PORT", "8080")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           svc.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Minute, // synchronous task runs can be long
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
