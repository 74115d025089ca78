package cli

import (
	"context"
	"net/http"

	"github.com/m-mizutani/carebot/pkg/server"
	"github.com/m-mizutani/carebot/pkg/service/mcp"
	"github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	var (
		cfg          config
		addr         string
		adminToken   string
		asyncSummary bool
		mcpHTTP      bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Aliases:     []string{"a"},
			Usage:       "Listen address",
			Value:       "127.0.0.1:8080",
			Sources:     cli.EnvVars("CAREBOT_ADDR"),
			Destination: &addr,
		},
		&cli.StringFlag{
			Name:        "admin-token",
			Usage:       "Bearer token of the admin API, admin routes are closed when empty",
			Sources:     cli.EnvVars("CAREBOT_ADMIN_TOKEN"),
			Destination: &adminToken,
		},
		&cli.BoolFlag{
			Name:        "async-summary",
			Usage:       "Refresh session summaries in the background",
			Sources:     cli.EnvVars("CAREBOT_ASYNC_SUMMARY"),
			Destination: &asyncSummary,
		},
		&cli.BoolFlag{
			Name:        "mcp-http",
			Usage:       "Mount the MCP tools on /mcp",
			Sources:     cli.EnvVars("CAREBOT_MCP_HTTP"),
			Destination: &mcpHTTP,
		},
	}
	flags = append(flags, appFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg.readInts(c)
			closeLog, err := cfg.setupLogger()
			if err != nil {
				return err
			}
			defer closeLog()

			a, err := cfg.newApp(ctx, appOption{asyncSummary: asyncSummary})
			defer a.close()
			if err != nil {
				return err
			}

			var mcpHandler http.Handler
			if mcpHTTP {
				mcpHandler = mcp.HTTPHandler(mcp.Deps{
					Router:  a.router,
					Domain:  a.domain,
					Memory:  a.store,
					Gateway: a.gateway,
				})
			}

			srv := server.New(server.Deps{
				Router:     a.router,
				Memory:     a.store,
				Gateway:    a.gateway,
				Profiles:   a.db,
				Resolver:   a.resolver,
				Gatherer:   a.registry,
				MCP:        mcpHandler,
				AdminToken: adminToken,
			})
			return srv.Run(ctx, addr)
		},
	}
}
