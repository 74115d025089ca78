package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/carebot/pkg/usecase/router"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func chatCommand() *cli.Command {
	var (
		cfg    config
		userID string
		token  string
		ttl    time.Duration
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "Chat as this patient. A guest session is used when omitted",
			Sources:     cli.EnvVars("CAREBOT_USER_ID"),
			Destination: &userID,
		},
		&cli.StringFlag{
			Name:        "token",
			Aliases:     []string{"t"},
			Usage:       "Resume an existing session token",
			Sources:     cli.EnvVars("CAREBOT_SESSION_TOKEN"),
			Destination: &token,
		},
		&cli.DurationFlag{
			Name:        "ttl",
			Usage:       "Lifetime of the session created for --user",
			Value:       24 * time.Hour,
			Destination: &ttl,
		},
	}
	flags = append(flags, appFlags(&cfg)...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Talk to the clinic assistant in the terminal",
		Flags: flags,
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

			w := c.Root().Writer
			if token == "" && userID != "" {
				session, err := a.resolver.Login(ctx, model.UserID(userID), ttl)
				if err != nil {
					return err
				}
				token = string(session.Token)
				fmt.Fprintf(w, "Signed in as %s (session expires %s)\n", userID, session.ExpiresAt.Format(time.RFC3339))
			}

			return runChat(ctx, w, a.router, model.SessionToken(token))
		},
	}
}

func historyFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "carebot", "chat_history")
}

func runChat(ctx context.Context, w io.Writer, rt *router.Router, token model.SessionToken) error {
	histPath := historyFile()
	if histPath != "" {
		_ = os.MkdirAll(filepath.Dir(histPath), 0o700)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     histPath,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdout:          w,
	})
	if err != nil {
		return goerr.Wrap(err, "failed to start line editor")
	}
	defer rl.Close()

	fmt.Fprintf(w, "Chat session started. Type 'exit' to quit.\n")

	for {
		if ctx.Err() != nil {
			break
		}

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				break
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return goerr.Wrap(err, "failed to read input")
		}

		message := strings.TrimSpace(line)
		if message == "exit" {
			break
		}
		if message == "" {
			continue
		}

		sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
		sp.Suffix = " thinking..."
		sp.Start()
		reply := rt.Reply(ctx, &router.Request{Token: token, Message: message})
		sp.Stop()

		fmt.Fprintf(w, "%s\n\n", reply.Text)
	}

	fmt.Fprintf(w, "\nChat session completed\n")
	return nil
}
