package cli

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/keygate/keygate/internal/connector"
	kmcp "github.com/keygate/keygate/internal/mcp"
	"github.com/keygate/keygate/internal/service"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		addr      string
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol server exposing keygate's services, API keys,
usage ledger and read queries as tools.

In stdio mode the server speaks JSON-RPC over stdin/stdout for local MCP
clients. In http mode it serves the streamable HTTP transport without
authentication; bind it to a trusted interface. 'keygate serve' mounts the
same server at /mcp behind admin auth.`,
		Example: `  keygate mcp                                   # stdio
  keygate mcp --transport http --addr 127.0.0.1:3001`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log)

			store, err := openStore(cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			registry := connector.NewRegistry()
			connectServices(context.Background(), store, registry, logger)
			defer registry.CloseAll()

			keys := service.NewKeyService(store, cfg.RateLimit.DefaultPerHour)
			srv := kmcp.NewMCPServer(registry, store, keys, logger, versionString())

			switch transport {
			case "stdio":
				return srv.ServeStdio()
			case "http":
				logger.Info("starting MCP HTTP server", "addr", addr)
				return http.ListenAndServe(addr, srv.Handler())
			default:
				return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", transport)
			}
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:3001", "Listen address (only used with --transport http)")

	return cmd
}
