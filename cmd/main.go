package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"steward/internal/app"
	"steward/internal/auth"
	"steward/internal/client"
	"steward/internal/config"

	// Bundled extensions register themselves from init()
	_ "steward/internal/extensions/base"
	_ "steward/internal/extensions/shop"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   string
		dev          bool
		hashPassword string
		call         string
		callArgs     string
		remote       string
		user         string
	)

	flagSet := pflag.NewFlagSet("steward", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", config.DefaultPath, "path to the configuration file")
	flagSet.BoolVar(&dev, "dev", false, "development logging")
	flagSet.StringVar(&hashPassword, "hash-password", "", "print a bcrypt hash for auth.users and exit")
	flagSet.StringVar(&call, "call", "", "invoke a command on a running server, print the result and exit")
	flagSet.StringVar(&callArgs, "args", "", "JSON arguments for --call")
	flagSet.StringVar(&remote, "remote", "ws://localhost:8080/ws", "websocket endpoint used by --call")
	flagSet.StringVarP(&user, "user", "u", "", "user for --call; the password is read from STEWARD_PASSWORD")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if hashPassword != "" {
		hash, err := auth.HashPassword(hashPassword)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	}

	// Initialize logger
	var logger *zap.Logger
	var err error
	if dev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if call != "" {
		return callRemote(logger, remote, user, call, callArgs)
	}

	cfg, err := config.NewLoader(configPath, logger).Load()
	if err != nil {
		return err
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}
	logger.Info("Steward running. Press Ctrl+C to exit.",
		zap.String("listen", cfg.Listen),
		zap.Strings("extensions", a.Server.Extensions()))

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return a.Stop(shutdownCtx)
}

func callRemote(logger *zap.Logger, remote, user, command, args string) error {
	var opts []client.Option
	if user != "" {
		opts = append(opts, client.WithBasicAuth(user, os.Getenv("STEWARD_PASSWORD")))
	}

	var params any
	if args != "" {
		var raw json.RawMessage
		if err := json.Unmarshal([]byte(args), &raw); err != nil {
			return fmt.Errorf("--args must be JSON: %w", err)
		}
		params = raw
	}

	c := client.NewClient(remote, logger, opts...)
	if err := c.Connect(); err != nil {
		return err
	}
	defer c.Close()

	var result json.RawMessage
	if err := c.Call(context.Background(), command, params, &result); err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
