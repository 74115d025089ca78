package cli

import (
	"context"

	"github.com/m-mizutani/carebot/pkg/service/mcp"
	"github.com/urfave/cli/v3"
)

func mcpCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the clinic tools to an MCP client over stdio",
		Flags: appFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg.readInts(c)
			closeLog, err := cfg.setupLogger()
			if err != nil {
				return err
			}
			defer closeLog()

			a, err := cfg.newApp(ctx, appOption{})
			defer a.close()
			if err != nil {
				return err
			}

			return mcp.ServeStdio(ctx, mcp.Deps{
				Router:  a.router,
				Domain:  a.domain,
				Memory:  a.store,
				Gateway: a.gateway,
			})
		},
	}
}
