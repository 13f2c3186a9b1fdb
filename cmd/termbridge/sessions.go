package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/guseggert/termbridge/agent"
	"github.com/guseggert/termbridge/bridge"
	"github.com/urfave/cli/v2"
	"nhooyr.io/websocket"
)

var createCommand = &cli.Command{
	Name:  "create",
	Usage: "create a session",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "owner",
			Usage: "The session owner.",
		},
	},
	Action: func(ctx *cli.Context) error {
		client, err := newClient(ctx)
		if err != nil {
			return err
		}
		resp, err := client.CreateSession(ctx.Context, ctx.String("owner"))
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var listCommand = &cli.Command{
	Name:  "list",
	Usage: "list sessions",
	Action: func(ctx *cli.Context) error {
		client, err := newClient(ctx)
		if err != nil {
			return err
		}
		summaries, err := client.ListSessions(ctx.Context)
		if err != nil {
			return err
		}
		return printJSON(summaries)
	},
}

var getCommand = &cli.Command{
	Name:      "get",
	Usage:     "show a session",
	ArgsUsage: "<session id>",
	Action: func(ctx *cli.Context) error {
		id, err := sessionArg(ctx)
		if err != nil {
			return err
		}
		client, err := newClient(ctx)
		if err != nil {
			return err
		}
		summary, err := client.GetSession(ctx.Context, id)
		if err != nil {
			return err
		}
		return printJSON(summary)
	},
}

var deleteCommand = &cli.Command{
	Name:      "delete",
	Usage:     "terminate a session",
	ArgsUsage: "<session id>",
	Action: func(ctx *cli.Context) error {
		id, err := sessionArg(ctx)
		if err != nil {
			return err
		}
		client, err := newClient(ctx)
		if err != nil {
			return err
		}
		return client.DeleteSession(ctx.Context, id)
	},
}

var attachCommand = &cli.Command{
	Name:      "attach",
	Usage:     "attach to a session, sending stdin lines as commands and printing its output",
	ArgsUsage: "<session id>",
	Action:    attach,
}

func newClient(ctx *cli.Context) (*agent.Client, error) {
	logger, err := buildLogger(ctx)
	if err != nil {
		return nil, err
	}
	return agent.NewClient(logger.Sugar(), ctx.String("url"))
}

func sessionArg(ctx *cli.Context) (string, error) {
	if ctx.NArg() != 1 {
		return "", errors.New("expected exactly one session id")
	}
	return ctx.Args().First(), nil
}

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling output: %w", err)
	}
	fmt.Println(string(b))
	return nil
}

func attach(ctx *cli.Context) error {
	id, err := sessionArg(ctx)
	if err != nil {
		return err
	}
	client, err := newClient(ctx)
	if err != nil {
		return err
	}

	conn, err := client.Attach(ctx.Context, id)
	if err != nil {
		return err
	}
	defer conn.Close()

	sendCtx, cancel := context.WithCancel(ctx.Context)
	defer cancel()
	detached := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := conn.Send(sendCtx, scanner.Text()); err != nil {
				return
			}
		}
		// stdin closed, detach
		close(detached)
		conn.Close()
	}()

	for {
		msg, err := conn.Recv(ctx.Context)
		if err != nil {
			select {
			case <-detached:
				return nil
			default:
			}
			if websocket.CloseStatus(err) != -1 {
				return nil
			}
			return fmt.Errorf("receiving: %w", err)
		}
		switch msg.Type {
		case bridge.TypeOutput:
			os.Stdout.WriteString(msg.Data)
		case bridge.TypeError:
			fmt.Fprintf(os.Stderr, "error: %s\n", msg.Message)
		case bridge.TypeExit:
			return cli.Exit(fmt.Sprintf("session exited with code %d", msg.Code), exitStatus(msg.Code))
		}
	}
}

func exitStatus(code int) int {
	if code < 0 {
		return 1
	}
	return code
}
