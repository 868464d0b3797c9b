package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/pairbook/pairbook/internal/chat"
	"github.com/pairbook/pairbook/internal/config"
	"github.com/pairbook/pairbook/internal/inbox"
	"github.com/pairbook/pairbook/internal/ledger"
	"github.com/pairbook/pairbook/internal/logging"
	"github.com/pairbook/pairbook/internal/mcpserver"
	"github.com/pairbook/pairbook/internal/remote"
	"github.com/pairbook/pairbook/internal/store"
	pairsync "github.com/pairbook/pairbook/internal/sync"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("pairbookd starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.String("party", cfg.Party),
		slog.Bool("inbox", cfg.InboxDir != ""),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("opening local store: %w", err)
	}
	defer st.Close()

	client := remote.NewClient(cfg.RemoteBaseURL, cfg.RemoteAPIKey, nil)
	subscriber := remote.NewSubscriber(cfg.RemoteBaseURL, cfg.RemoteAPIKey, logger)

	engine := pairsync.NewEngine(logger, st, client, subscriber, cfg.DebounceInterval, cfg.PairingID)
	chatSvc := chat.NewService(logger, client, ledger.Party(cfg.Party), cfg.PairingID)
	engine.SetMessageHandler(chatSvc.HandleEvent)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(gctx)
	})

	// Bind chat to the session the engine actually restored: the local
	// snapshot may carry a pairing id from a previous run that the
	// environment does not.
	snap, err := engine.Snapshot(gctx)
	if err != nil {
		return fmt.Errorf("reading initial snapshot: %w", err)
	}

	chatSvc.SetPairing(snap.Settings.PairingID)

	if cfg.InboxDir != "" {
		watcher := inbox.NewWatcher(logger, cfg.InboxDir, &sessionControl{engine: engine, chat: chatSvc})
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, logger, engine, chatSvc)
		})
	}

	return g.Wait()
}

// sessionControl fans a pairing change out to every session-scoped
// component, so the inbox can treat "set_pairing" as one operation.
type sessionControl struct {
	engine *pairsync.Engine
	chat   *chat.Service
}

func (c *sessionControl) Update(ctx context.Context, fn func(*ledger.Ledger)) error {
	return c.engine.Update(ctx, fn)
}

func (c *sessionControl) SetPairingID(ctx context.Context, pairingID string) error {
	if err := c.engine.SetPairingID(ctx, pairingID); err != nil {
		return err
	}

	c.chat.SetPairing(pairingID)

	return nil
}

// runMCP serves the read-only tool surface over HTTP.
func runMCP(ctx context.Context, cfg *config.Config, logger *slog.Logger, engine *pairsync.Engine, chatSvc *chat.Service) error {
	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "pairbookd-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, engine, chatSvc)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpHandler)

	server := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server", slog.String("listen", cfg.MCPListenAddr))

	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
