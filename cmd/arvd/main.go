package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/arvhq/arv/internal/actor"
	"github.com/arvhq/arv/internal/api/httpapi"
	"github.com/arvhq/arv/internal/assist"
	"github.com/arvhq/arv/internal/config"
	"github.com/arvhq/arv/internal/conntest"
	"github.com/arvhq/arv/internal/domain"
	"github.com/arvhq/arv/internal/eventbus"
	"github.com/arvhq/arv/internal/identity"
	"github.com/arvhq/arv/internal/mcpserver"
	"github.com/arvhq/arv/internal/runner"
	"github.com/arvhq/arv/internal/session"
	"github.com/arvhq/arv/internal/store"
)

func main() {
	var (
		storageRoot  = flag.String("storage", "./.arv", "Directory for session state, presets, and the search index")
		httpAddr     = flag.String("http", ":7420", "REST+SSE bind address (empty to disable)")
		enableMCP    = flag.Bool("mcp", false, "Enable MCP stdio transport alongside the HTTP server")
		assistCLI    = flag.String("assist-cli", "claude", "Path to the claude CLI binary used by the Assist Sub-engine")
		callbackHost = flag.String("callback-host", "http://localhost:7420", "Base URL this daemon is reachable at, for connection-test callbacks")
	)
	flag.Parse()

	cfg := config.DefaultConfig()
	cfg.StorageRoot = *storageRoot
	cfg.HTTPAddr = *httpAddr

	fs, err := store.New(cfg.StorageRoot)
	if err != nil {
		log.Fatalf("failed to open session store: %v", err)
	}

	idx, err := store.OpenIndex(store.IndexConfig{
		DatabaseFileName: filepath.Join(cfg.StorageRoot, "index.db"),
	})
	if err != nil {
		log.Fatalf("failed to open search index: %v", err)
	}
	defer idx.Close()

	if err := seedDefaultPresets(fs); err != nil {
		log.Fatalf("failed to seed default presets: %v", err)
	}

	tokens := identity.NewRegistry()
	runs := runner.New(cfg.Runner)

	actorSystem := actor.NewActorSystem()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := actorSystem.Shutdown(shutdownCtx); err != nil {
			log.Printf("actor system shutdown incomplete: %v", err)
		}
	}()

	publisher, subscriber := eventbus.Spawn(actorSystem)

	ctrl := session.New(fs, idx, tokens, runs, publisher, cfg)
	ctrl.SetHelper(assist.NewClaudeHelper(assist.Config{CLIPath: *assistCLI}))

	tester := conntest.New(cfg.ConnTester, tokens)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Restart(ctx); err != nil {
		log.Fatalf("failed to recover sessions on boot: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received %v, shutting down", sig)
		cancel()
	}()

	if *httpAddr != "" {
		server := httpapi.New(ctrl, tester, subscriber, *callbackHost+"/api/conntest/callback")

		httpSrv := &http.Server{
			Addr:    *httpAddr,
			Handler: server.Router(),
		}

		go func() {
			log.Printf("arvd REST+SSE listening on %s", *httpAddr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()
	}

	if *enableMCP {
		mcpSrv := mcpserver.NewServer(ctrl)
		log.Println("starting arvd MCP server on stdio")
		if err := mcpSrv.Run(ctx, &sdkmcp.StdioTransport{}); err != nil {
			fmt.Fprintf(os.Stderr, "mcp server error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	<-ctx.Done()
}

// seedDefaultPresets writes the built-in reviewer personas the first time
// arvd runs against a storage root, leaving an operator's own edits alone
// on every subsequent boot.
func seedDefaultPresets(fs *store.FileStore) error {
	existing, err := fs.ListPresets()
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	for _, preset := range domain.DefaultPresets() {
		if err := fs.PutPreset(preset); err != nil {
			return err
		}
	}
	return nil
}
