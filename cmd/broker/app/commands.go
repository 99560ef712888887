// Package app provides the entry point for the broker command-line
// application.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mark3labs/mcp-go/server"

	"github.com/ztxtxwd/dext/pkg/broker"
	"github.com/ztxtxwd/dext/pkg/broker/restapi"
	"github.com/ztxtxwd/dext/pkg/embedder"
	"github.com/ztxtxwd/dext/pkg/executor"
	"github.com/ztxtxwd/dext/pkg/indexer"
	"github.com/ztxtxwd/dext/pkg/logger"
	"github.com/ztxtxwd/dext/pkg/registry"
	"github.com/ztxtxwd/dext/pkg/retrieval"
	"github.com/ztxtxwd/dext/pkg/storage/sqlite"
)

const (
	serverName             = "dext-broker"
	defaultPort            = "8080"
	defaultShutdownTimeout = 15 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

// version is injected at build time via -ldflags.
var version = "dev"

// NewRootCmd creates the root broker command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "broker",
		DisableAutoGenTag: true,
		Short:             "Tool-retrieval broker - search and invoke MCP tools through a semantic catalog",
		Long: `The broker sits in front of any number of upstream MCP servers and presents
agents with exactly two tools: retriever, which searches the combined tool
catalog by natural-language description, and executor, which invokes a tool
previously surfaced by the retriever. A REST surface alongside the MCP
endpoint manages the set of upstream servers.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Errorf("displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize(viper.GetBool("debug"))
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	bindFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func bindFlag(name string, flag *pflag.Flag) {
	if err := viper.BindPFlag(name, flag); err != nil {
		logger.Errorf("binding flag %q: %v", name, err)
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker's MCP and REST endpoints",
		RunE:  runServe,
	}
	cmd.Flags().String("port", defaultPort, "Port serving both /mcp and /api")
	bindFlag("port", cmd.Flags().Lookup("port"))
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the embedder and storage configuration without serving",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg := embedderConfigFromEnv()
			if cfg.APIKey == "" {
				return fmt.Errorf("EMBEDDING_API_KEY is not set")
			}
			if _, err := embedder.New(cfg); err != nil {
				return fmt.Errorf("embedder configuration invalid: %w", err)
			}
			logger.Infof("configuration OK: model=%s dimension=%d", cfg.ModelName, cfg.Dimension)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("broker version: %s", version)
		},
	}
}

func embedderConfigFromEnv() embedder.Config {
	dim, _ := strconv.Atoi(os.Getenv("EMBEDDING_VECTOR_DIMENSION"))
	return embedder.Config{
		APIKey:    os.Getenv("EMBEDDING_API_KEY"),
		BaseURL:   os.Getenv("EMBEDDING_BASE_URL"),
		ModelName: os.Getenv("EMBEDDING_MODEL_NAME"),
		Dimension: dim,
	}.WithDefaults()
}

func dbPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	dir := filepath.Join(home, ".dext")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating state directory: %w", err)
	}
	return filepath.Join(dir, "tools_vector.db"), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg := embedderConfigFromEnv()
	if cfg.APIKey == "" {
		return fmt.Errorf("EMBEDDING_API_KEY is not set")
	}
	embed, err := embedder.New(cfg)
	if err != nil {
		return fmt.Errorf("creating embedder: %w", err)
	}

	path, err := dbPath()
	if err != nil {
		return err
	}
	db, err := sqlite.Open(ctx, path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warnf("closing database: %v", err)
		}
	}()
	store := sqlite.New(db)

	idx := indexer.New(store, embed)
	reg := registry.New(store, idx, cfg.ModelName)
	defer reg.Close()

	logger.Infof("connecting to all enabled upstream servers")
	if err := reg.LoadAndConnectAll(ctx); err != nil {
		logger.Warnf("loading upstream servers: %v", err)
	}
	if err := reg.RefreshCatalog(ctx); err != nil {
		logger.Warnf("initial catalog refresh failed: %v", err)
	}

	retrievalEngine := retrieval.New(store, embed, reg)
	exec := executor.New(reg)
	brk := broker.New(retrievalEngine, exec)

	port := viper.GetString("port")
	if v := os.Getenv("MCP_SERVER_PORT"); v != "" {
		port = v
	}
	addr := net.JoinHostPort("", port)

	streamableServer := server.NewStreamableHTTPServer(
		brk.NewMCPServer(serverName, version),
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", streamableServer)
	mux.Handle("/api/", http.StripPrefix("/api", restapi.Router(
		store, reg, cfg.ModelName, os.Getenv("BROKER_AUTH_TOKEN"), serverName, version,
	)))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("shutting down server: %v", err)
		}
	}()

	logger.Infof("broker listening on %s (mcp: /mcp, rest: /api)", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server stopped: %w", err)
	}
	logger.Infof("broker stopped")
	return nil
}
