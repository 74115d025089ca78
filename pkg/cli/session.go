package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/carebot/pkg/usecase/identity"
	"github.com/urfave/cli/v3"
)

func sessionCommand() *cli.Command {
	var (
		cfg    config
		userID string
		ttl    time.Duration
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "Patient to sign in",
			Required:    true,
			Destination: &userID,
		},
		&cli.DurationFlag{
			Name:        "ttl",
			Usage:       "Session lifetime",
			Value:       24 * time.Hour,
			Destination: &ttl,
		},
	}
	flags = append(flags, logFlags(&cfg)...)
	flags = append(flags, storeFlags(&cfg)...)

	return &cli.Command{
		Name:  "session",
		Usage: "Create an authenticated session and print its token",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			closeLog, err := cfg.setupLogger()
			if err != nil {
				return err
			}
			defer closeLog()

			var cl closers
			defer cl.run()
			db, err := cfg.newSQLite(&cl)
			if err != nil {
				return err
			}

			session, err := identity.New(db).Login(ctx, model.UserID(userID), ttl)
			if err != nil {
				return err
			}

			fmt.Fprintln(c.Root().Writer, session.Token)
			return nil
		},
	}
}
