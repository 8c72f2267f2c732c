package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukerupert/togetha/internal/config"
	"github.com/dukerupert/togetha/internal/logging"
)

const usage = `usage: togetha <command> [args]

commands:
  signup <email> <password>   create an account
  login <email> <password>    sign in
  logout                      sign out and clear cached credentials
  whoami                      show the signed-in user
  profile name <name>         change your display name
  route                       show where the app would land
  family create [name]        create a family
  family join <code>          join a family with an invite code
  family show                 show the family and its members
  family leave                leave the current family
  tasks list                  list the family's tasks
  tasks add <title>           add a task
  tasks toggle <id>           flip a task's completed flag
  serve                       run the HTTP API and change feed
  watch                       stream family changes from a server
  backup run|list             snapshot the database to S3, or list snapshots
  backup restore <key> <path> download and decrypt a snapshot to path
`

func main() {
	timeout := flag.Duration("timeout", 10*time.Second, "time limit for client commands")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := open(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer e.close()

	if !cmd.long {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	if err := cmd.run(ctx, e, args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, describe(err))
		e.close()
		os.Exit(1)
	}
}
