package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"udpft/config"
)

const usage = `usage: udpft <command> [flags]

commands:
  serve     receive files over UDP into the receive directory
  send      send one or more files to a receiver
  watch     send every file dropped into a directory
  history   list recorded transfers and events
  discover  list receivers advertised on the local network
`

// app carries what every command needs.
type app struct {
	cfg     *config.Config
	cfgPath string
	dataDir string
	logger  *logrus.Logger
	stdout  io.Writer
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		logger.WithError(err).Fatal("startup failed while loading config")
	}
	logger.SetLevel(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{
		cfg:     cfg,
		cfgPath: cfgPath,
		dataDir: dataDir,
		logger:  logger,
		stdout:  os.Stdout,
	}

	err = a.run(ctx, os.Args[1], os.Args[2:])
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
	case errors.Is(err, errUsage):
		fmt.Fprint(os.Stderr, usage)
		stop()
		os.Exit(2)
	default:
		logger.WithError(err).Error(os.Args[1] + " failed")
		stop()
		os.Exit(1)
	}
}

var errUsage = errors.New("unknown command")

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "serve":
		return a.serve(ctx, args)
	case "send":
		return a.send(ctx, args)
	case "watch":
		return a.watch(ctx, args)
	case "history":
		return a.history(args)
	case "discover":
		return a.discover(ctx, args)
	case "help", "-h", "--help":
		fmt.Fprint(a.stdout, usage)
		return nil
	default:
		return fmt.Errorf("%w %q", errUsage, command)
	}
}
