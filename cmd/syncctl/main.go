package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dhawalhost/dirsync/pkg/client"
	"github.com/urfave/cli/v3"
)

const defaultBaseURL = "http://localhost:8090"

func main() {
	args := os.Args
	if len(args) == 1 {
		args = append(args, "--help")
	}

	root := &cli.Command{
		Name:  "syncctl",
		Usage: "Operate the directory synchronization service",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: defaultBaseURL, Usage: "service base URL", Sources: cli.EnvVars("SYNC_API_URL")},
			&cli.DurationFlag{Name: "timeout", Value: 10 * time.Second, Usage: "request timeout"},
		},
		Commands: []*cli.Command{
			triggerCommand(),
			statusCommand(),
		},
	}

	if err := root.Run(context.Background(), args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(c *cli.Command) *client.Client {
	return client.New(client.Config{BaseURL: c.String("url"), Timeout: c.Duration("timeout")})
}

func triggerCommand() *cli.Command {
	return &cli.Command{
		Name:  "trigger",
		Usage: "Start a synchronization run",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "tenant", Usage: "restrict the run to one tenant; all tenants when empty"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			tenant := c.String("tenant")
			err := newClient(c).Trigger(ctx, tenant)
			var apiErr *client.APIError
			if errors.As(err, &apiErr) && apiErr.Conflict() {
				return errors.New("a synchronization covering this scope is already running")
			}
			if err != nil {
				return err
			}
			if tenant == "" {
				tenant = "all tenants"
			}
			fmt.Println("Synchronization started for", tenant)
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the last synchronization outcome of a tenant",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "tenant", Required: true, Usage: "tenant (group name)"},
			&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			state, err := newClient(c).Status(ctx, c.String("tenant"))
			if err != nil {
				return err
			}
			if c.Bool("json") {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(state)
			}

			fmt.Printf("Status: %s\n", state.Status)
			if state.LastSuccessfulDate != nil {
				fmt.Printf("Last successful run: %s\n", state.LastSuccessfulDate.Format(time.RFC3339))
			} else {
				fmt.Println("Last successful run: never")
			}
			if len(state.FailedUsers) > 0 {
				fmt.Printf("Failed users (%d): %s\n", len(state.FailedUsers), strings.Join(state.FailedUsers, ", "))
			}
			return nil
		},
	}
}
