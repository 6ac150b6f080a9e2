// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/login/lib/clock"
	"github.com/bureau-foundation/login/lib/config"
	"github.com/bureau-foundation/login/lib/ioloop"
	"github.com/bureau-foundation/login/lib/loginmaster"
	"github.com/bureau-foundation/login/lib/process"
	"github.com/bureau-foundation/login/lib/version"
)

// masterFDVariable names the descriptor of an already-connected master
// channel. A master that starts login processes itself sets it.
const masterFDVariable = "BUREAU_LOGIN_MASTER_FD"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		process.Fatal(err)
	}
}

type options struct {
	configPath   string
	group        string
	masterSocket string
	logLevel     string
	showVersion  bool
	showStatus   bool
}

func parseFlags(args []string) (*options, *pflag.FlagSet, error) {
	var opts options
	flagSet := pflag.NewFlagSet("bureau-login", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "path to the login configuration file (default: $BUREAU_LOGIN_CONFIG)")
	flagSet.StringVar(&opts.group, "group", "", "login group name sent to the master (overrides login.group)")
	flagSet.StringVar(&opts.masterSocket, "master-socket", "", "master control socket path (overrides login.master_socket)")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	flagSet.BoolVar(&opts.showStatus, "status", false, "query the status socket of a running login process and exit")
	if err := flagSet.Parse(args); err != nil {
		return nil, nil, err
	}
	if flagSet.NArg() > 0 {
		return nil, nil, fmt.Errorf("unexpected arguments: %v", flagSet.Args())
	}
	return &opts, flagSet, nil
}

func run(args []string, stdout io.Writer) error {
	opts, flagSet, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Fprintf(stdout, "bureau-login %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(opts, flagSet)
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.showStatus {
		return printStatus(ctx, cfg.Login.StatusSocket, stdout)
	}

	logger.Info("bureau-login starting",
		"version", version.Full(),
		"group", cfg.Login.Group,
		"service", cfg.Service.Name,
	)

	masterFD, notify, err := masterChannel(cfg, logger)
	if err != nil {
		return err
	}

	loop, err := ioloop.New()
	if err != nil {
		unix.Close(masterFD)
		return err
	}
	defer loop.Close()

	srv := newServer(serverConfig{
		Group:        cfg.Login.Group,
		Service:      cfg.Service,
		LoginTimeout: cfg.Login.Timeout(),
		StatusSocket: cfg.Login.StatusSocket,
		Loop:         loop,
		Clock:        clock.Real(),
		Logger:       logger,
	})
	return srv.run(ctx, masterFD, notify)
}

// loadConfig loads the file named by --config or BUREAU_LOGIN_CONFIG,
// applies flag overrides, and validates the result.
func loadConfig(opts *options, flagSet *pflag.FlagSet) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if flagSet.Changed("group") {
		cfg.Login.Group = opts.group
	}
	if flagSet.Changed("master-socket") {
		cfg.Login.MasterSocket = opts.masterSocket
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// masterChannel returns a descriptor connected to the master and
// whether the master must be told we started. A master that launched
// us already knows.
func masterChannel(cfg *config.Config, logger *slog.Logger) (int, bool, error) {
	if value, ok := os.LookupEnv(masterFDVariable); ok {
		os.Unsetenv(masterFDVariable)
		fd, err := strconv.Atoi(value)
		if err != nil || fd < 0 {
			return -1, false, fmt.Errorf("invalid %s %q", masterFDVariable, value)
		}
		unix.CloseOnExec(fd)
		logger.Info("using master channel from environment", "fd", fd)
		return fd, false, nil
	}

	connector := &loginmaster.Connector{
		SocketPath:  cfg.Login.MasterSocket,
		GroupName:   cfg.Login.Group,
		Attempts:    cfg.Login.ConnectAttempts,
		MaxLineSize: cfg.Login.MaxEnvironmentLine,
		Logger:      logger,
	}
	if cfg.Login.MasterExecutable != "" {
		connector.Spawner = &loginmaster.ExecSpawner{
			Executable: cfg.Login.MasterExecutable,
			Args:       cfg.Login.MasterArgs,
			Logger:     logger,
		}
	}
	fd, err := connector.Connect()
	if err != nil {
		return -1, false, err
	}
	return fd, true, nil
}
