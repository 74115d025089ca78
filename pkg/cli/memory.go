package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/carebot/pkg/usecase/memory"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func cleanupCommand() *cli.Command {
	var (
		cfg    config
		userID string
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:     "days",
			Aliases:  []string{"d"},
			Usage:    "Remove memories created this many days ago or earlier",
			Required: true,
		},
		&cli.StringFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "Only clean up this patient. Every patient when omitted",
			Destination: &userID,
		},
	}
	flags = append(flags, logFlags(&cfg)...)
	flags = append(flags, storeFlags(&cfg)...)

	return &cli.Command{
		Name:  "cleanup",
		Usage: "Remove old long-term memories",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg.readInts(c)
			days := int(c.Int("days"))
			closeLog, err := cfg.setupLogger()
			if err != nil {
				return err
			}
			defer closeLog()

			return cfg.withStore(ctx, func(store *memory.Store) error {
				var (
					removed int
					err     error
				)
				if userID != "" {
					removed, err = store.Cleanup(ctx, model.UserID(userID), days)
				} else {
					removed, err = store.CleanupAll(ctx, days)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(c.Root().Writer, "removed %d memories\n", removed)
				return nil
			})
		},
	}
}

func purgeCommand() *cli.Command {
	var (
		cfg    config
		userID string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "Patient whose data is erased",
			Required:    true,
			Destination: &userID,
		},
	}
	flags = append(flags, logFlags(&cfg)...)
	flags = append(flags, storeFlags(&cfg)...)

	return &cli.Command{
		Name:  "purge",
		Usage: "Erase every memory, preference and transcript of a patient",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg.readInts(c)
			closeLog, err := cfg.setupLogger()
			if err != nil {
				return err
			}
			defer closeLog()

			owner := model.UserID(userID)
			return cfg.withStore(ctx, func(store *memory.Store) error {
				removed, err := store.Purge(ctx, owner)
				if err != nil {
					return err
				}

				var cl closers
				defer cl.run()
				db, err := cfg.newSQLite(&cl)
				if err != nil {
					return err
				}
				if err := db.DeleteUserData(ctx, owner); err != nil {
					return goerr.Wrap(err, "failed to delete user data", goerr.V("user", owner))
				}

				fmt.Fprintf(c.Root().Writer, "removed %d memories and the profile of %s\n", removed, owner)
				return nil
			})
		},
	}
}

func exportCommand() *cli.Command {
	var (
		cfg    config
		userID string
		all    bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "Patient to export",
			Destination: &userID,
		},
		&cli.BoolFlag{
			Name:        "all",
			Aliases:     []string{"a"},
			Usage:       "Export every patient",
			Destination: &all,
		},
	}
	flags = append(flags, logFlags(&cfg)...)
	flags = append(flags, storeFlags(&cfg)...)
	flags = append(flags, exportFlags(&cfg)...)

	return &cli.Command{
		Name:  "export",
		Usage: "Export long-term memories to Cloud Storage as JSON",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg.readInts(c)
			if (userID == "") == !all {
				return goerr.New("exactly one of --user or --all is required")
			}
			closeLog, err := cfg.setupLogger()
			if err != nil {
				return err
			}
			defer closeLog()

			storage, err := cfg.newStorage(ctx)
			if err != nil {
				return err
			}

			return cfg.withStore(ctx, func(store *memory.Store) error {
				owners := []model.UserID{model.UserID(userID)}
				if all {
					owners = store.Owners()
				}

				for _, owner := range owners {
					n, err := store.Export(ctx, owner, storage)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.Root().Writer, "%s: exported %d memories to %s\n", owner, n, memory.ExportKey(owner))
				}
				return nil
			})
		},
	}
}

func importCommand() *cli.Command {
	var (
		cfg    config
		userID string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "Patient whose export is restored",
			Required:    true,
			Destination: &userID,
		},
	}
	flags = append(flags, logFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, storeFlags(&cfg)...)
	flags = append(flags, exportFlags(&cfg)...)

	return &cli.Command{
		Name:  "import",
		Usage: "Restore long-term memories from a Cloud Storage export",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg.readInts(c)
			closeLog, err := cfg.setupLogger()
			if err != nil {
				return err
			}
			defer closeLog()

			storage, err := cfg.newStorage(ctx)
			if err != nil {
				return err
			}

			var cl closers
			defer cl.run()
			gw, err := cfg.newGateway(ctx, &cl)
			if err != nil {
				return err
			}

			owner := model.UserID(userID)
			return cfg.withStore(ctx, func(store *memory.Store) error {
				n, err := store.Import(ctx, owner, storage, gw)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.Root().Writer, "%s: imported %d memories from %s\n", owner, n, memory.ExportKey(owner))
				return nil
			})
		},
	}
}
