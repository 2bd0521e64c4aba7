package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/apollo-nexus/nexus/internal/api"
	"github.com/apollo-nexus/nexus/internal/config"
	"github.com/apollo-nexus/nexus/internal/corpus"
	"github.com/apollo-nexus/nexus/internal/estimator"
	"github.com/apollo-nexus/nexus/internal/fusion"
	"github.com/apollo-nexus/nexus/internal/monitor"
	"github.com/apollo-nexus/nexus/internal/notify"
	"github.com/apollo-nexus/nexus/internal/pipeline"
	"github.com/apollo-nexus/nexus/internal/remedy"
	"github.com/apollo-nexus/nexus/internal/retrieval"
	"github.com/apollo-nexus/nexus/internal/storage"
	"github.com/apollo-nexus/nexus/internal/tools"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the nexus server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running nexus server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show nexus server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "nexus.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// buildEnsemble assembles the eight specialists, in process or behind the
// remote estimator service.
func buildEnsemble(cfg config.Config, logger *slog.Logger) (*estimator.Ensemble, error) {
	ests := estimator.Builtin()
	if cfg.Ensemble.Backend == "remote" {
		ests = estimator.Remote(estimator.NewRemoteClient(cfg.Ensemble.RemoteURL), ests)
	}
	return estimator.NewEnsemble(cfg.Ensemble.Master, ests,
		estimator.WithConcurrency(cfg.Ensemble.Concurrency),
		estimator.WithTimeout(cfg.EnsembleTimeout()),
		estimator.WithLogger(logger),
	)
}

// buildValidator loads the safety policy and keeps it in sync with the file
// until ctx is done. No policy file means no rules.
func buildValidator(ctx context.Context, path string) (*fusion.Validator, error) {
	if path == "" {
		return fusion.NewValidator(fusion.Policy{}), nil
	}
	p, err := fusion.LoadPolicyFile(path)
	if err != nil {
		return nil, err
	}
	v := fusion.NewValidator(p)
	if err := v.Watch(ctx, path); err != nil {
		return nil, err
	}
	slog.Info("safety policy loaded", "path", path, "rules", len(p.Rules))
	return v, nil
}

func newNotifier(cfg config.Config, logger *slog.Logger) notify.Notifier {
	if cfg.Notify.WebhookURL != "" {
		return notify.NewWebhookNotifier(cfg.Notify.WebhookURL)
	}
	return notify.LogNotifier{Logger: logger}
}

func openCorpus(store *storage.Store, cfg config.Config) (*retrieval.Embedder, *retrieval.TextEmbedder, *retrieval.SQLitePatternIndex, *retrieval.SQLiteSolutionIndex, *corpus.Loader) {
	embedder := retrieval.NewEmbedder(cfg.Embedding.Dim)
	text := retrieval.NewTextEmbedder(cfg.Embedding.TextDim)
	patterns := retrieval.NewSQLitePatternIndex(store.DB())
	solutions := retrieval.NewSQLiteSolutionIndex(store.DB())
	return embedder, text, patterns, solutions, corpus.NewLoader(patterns, solutions, embedder, text)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "nexus version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, logCloser, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	apiToken, err := config.APIToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("nexus is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("nexus is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	embedder, text, patterns, solutions, loader := openCorpus(store, cfg)
	seeded, err := loader.Seed(ctx, false)
	if err != nil {
		return fmt.Errorf("seeding corpus: %w", err)
	}
	if !seeded.Skipped {
		slog.Info("corpus seeded", "patterns", seeded.Patterns, "solutions", seeded.Solutions)
	}

	ens, err := buildEnsemble(cfg, logger)
	if err != nil {
		return fmt.Errorf("building ensemble: %w", err)
	}
	validator, err := buildValidator(ctx, cfg.Safety.PolicyFile)
	if err != nil {
		return fmt.Errorf("loading safety policy: %w", err)
	}

	orch := pipeline.NewOrchestrator(pipeline.Deps{
		Embedder:  embedder,
		Patterns:  patterns,
		Ensemble:  ens,
		Safety:    validator,
		Tools:     tools.Simulated(),
		Retriever: remedy.NewRetriever(solutions, text, cfg.Remedy.Candidates, cfg.SearchTimeout()),
		Planner:   remedy.NewPlanner(cfg.Remedy.SuccessThreshold, cfg.Remedy.SetpointDelta),
		Recorder:  store,
		Registry:  store,
		Logger:    logger,
	}, pipeline.Config{TopK: cfg.Search.TopK, SearchTimeout: cfg.SearchTimeout()})

	// Alert outbox worker.
	worker := notify.NewWorker(store, newNotifier(cfg, logger), 500*time.Millisecond)
	go worker.Run(ctx)

	// Auto-rerun monitor; a zero interval leaves it idle.
	mon := monitor.New(store, orch, cfg.MonitorInterval(), cfg.Monitor.Rate)
	go mon.Run(ctx)

	handler := api.NewAppHandler(api.AppDeps{
		Store:        store,
		Orchestrator: orch,
		Ensemble:     ens,
		Loader:       loader,
		Token:        apiToken,
		BaseContext:  ctx,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	// MCP server over stdio.
	if cfg.Server.MCPEnabled {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:        store,
			Orchestrator: orch,
			Patterns:     patterns,
			Embedder:     embedder,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "nexus listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	// Runs in flight observe the cancelled context and finish with an error
	// record; wait so their final writes land before the store closes.
	orch.Wait()
	return err
}

func stopServer() error {
	cfg, err := loadConfig()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("nexus is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop nexus (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to nexus (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Ensemble", "%s (master %s)", cfg.Ensemble.Backend, cfg.Ensemble.Master)
	if cfg.Safety.PolicyFile != "" {
		printStatus("Safety policy", "%s", cfg.Safety.PolicyFile)
	}
	if d := cfg.MonitorInterval(); d > 0 {
		printStatus("Monitor", "every %s", d)
	} else {
		printStatus("Monitor", "disabled")
	}

	if running {
		if token, err := config.APIToken(cfg); err == nil {
			c := &apiClient{baseURL: serverURL, token: token, httpClient: client}
			if resp, err := c.get(context.Background(), "/stats"); err == nil {
				var st storage.Stats
				if decodeJSON(resp, &st) == nil {
					printStatus("Patterns", "%d", st.Patterns)
					printStatus("Solutions", "%d", st.Solutions)
					printStatus("Runs", "%s", countLabel(st.Runs, 1000))
					printStatus("Pending alerts", "%d", st.PendingJobs)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
