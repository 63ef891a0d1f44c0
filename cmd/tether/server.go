package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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

	"github.com/kalambet/tether/internal/api"
	"github.com/kalambet/tether/internal/config"
	"github.com/kalambet/tether/internal/identity"
	"github.com/kalambet/tether/internal/notify"
	"github.com/kalambet/tether/internal/remote"
	"github.com/kalambet/tether/internal/resync"
	"github.com/kalambet/tether/internal/status"
	"github.com/kalambet/tether/internal/storage"
	"github.com/kalambet/tether/internal/syncer"
	"github.com/kalambet/tether/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the tether server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		mcp, _ := cmd.Flags().GetBool("mcp")
		return runServer(owner, mcp)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running tether server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tether server and sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().String("owner", "", "sign in as this owner on startup")
	startCmd.Flags().Bool("mcp", true, "serve MCP over stdio")
}

// remoteBackend is what the server needs from a configured backend.
type remoteBackend interface {
	remote.Backend
	remote.Pinger
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "tether.pid")
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

// openBackend builds the configured remote backend. The returned close func
// is never nil.
func openBackend(ctx context.Context, cfg config.RemoteConfig) (remoteBackend, func(), error) {
	switch cfg.Kind {
	case config.RemotePostgres:
		pg, err := remote.NewPostgresBackend(ctx, cfg.DSN, cfg.OwnerColumn)
		if err != nil {
			return nil, func() {}, fmt.Errorf("connecting to postgres: %w", err)
		}
		return pg, pg.Close, nil
	default:
		return remote.NewRESTBackend(cfg.URL, cfg.APIKey, cfg.OwnerColumn), func() {}, nil
	}
}

func runServer(owner string, serveMCP bool) error {
	fmt.Fprintf(os.Stderr, "tether version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := config.ValidateRemote(cfg); err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})))

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice. The health check catches a server that lost its PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("tether is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("tether is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if errors.Is(err, storage.ErrLocked) {
		printWarning("another tether process owns %s", cfg.Storage.DataDir)
		return err
	}
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := openBackend(ctx, cfg.Remote)
	if err != nil {
		return err
	}
	defer closeBackend()

	// An unreachable remote is not fatal: changes queue locally until it returns.
	if err := remote.WaitReachable(ctx, backend, 10*time.Second); err != nil {
		printWarning("remote %s not reachable yet: %v", cfg.Remote.Kind, err)
	}

	bus := notify.NewBus(cfg.Events.Buffer)
	defer bus.Close()
	metrics := telemetry.New(bus.Dropped)
	session := identity.NewSession()

	engine, err := syncer.New(ctx, syncer.Deps{
		Queue:     store.Queue(),
		Pusher:    remote.NewAdapter(backend, cfg.Remote.PushTimeout),
		Identity:  session,
		Publisher: bus,
		Runs:      store,
		Metrics:   metrics,
		Logger:    slog.Default(),
	}, syncer.Options{
		BatchSize:  cfg.Sync.BatchSize,
		MaxRetries: cfg.Sync.MaxRetries,
		RetryDelay: cfg.Sync.RetryDelay,
		AutoDrain:  cfg.Sync.AutoDrain,
	})
	if err != nil {
		return fmt.Errorf("starting sync engine: %w", err)
	}
	defer engine.Close()

	if owner != "" {
		session.SignIn(owner)
		slog.Info("signed in", "owner", owner)
	}

	if cfg.Sync.Interval > 0 {
		worker := resync.NewWorker(engine, session, backend, cfg.Sync.Interval)
		go worker.Run(ctx)
	}

	appHandler := api.NewAppHandler(api.AppDeps{
		Sync:    engine,
		Session: session,
		Runs:    store,
		Bus:     bus,
		Metrics: metrics,
		Token:   apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	if serveMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Sync:    engine,
			Session: session,
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
		fmt.Fprintf(os.Stderr, "tether listening on %s\n", addr)
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
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("tether is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop tether (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to tether (PID %d)", pid)
	return nil
}

type statusResponse struct {
	QueueSize int            `json:"queue_size"`
	Scopes    []status.Entry `json:"scopes"`
}

func showStatus(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running at %s", client.baseURL)

	resp, err = client.get(ctx, "/session")
	if err == nil {
		var sess map[string]string
		if decodeJSON(resp, &sess) == nil {
			if sess["owner_id"] == "" {
				printStatus("Owner", "signed out")
			} else {
				printStatus("Owner", "%s", sess["owner_id"])
			}
		}
	}

	resp, err = client.get(ctx, "/status")
	if err != nil {
		return err
	}
	var st statusResponse
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}
	printStatus("Queue", "%d pending", st.QueueSize)
	for _, s := range st.Scopes {
		line := stateLabel(s.State)
		if s.Step != "" {
			line += " (" + s.Step + ")"
		}
		if s.LastSuccess != nil {
			line += ", last sync " + s.LastSuccess.Local().Format(time.DateTime)
		}
		printStatus(string(s.Scope), "%s", line)
	}
	return nil
}
