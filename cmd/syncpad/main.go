package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"go.uber.org/zap"

	"github.com/ilnaes/syncpad/internal/config"
	"github.com/ilnaes/syncpad/internal/logger"
	"github.com/ilnaes/syncpad/internal/server"
)

const Version = "0.1.0"

const usage = `Collaborative document sync server.

Settings come from the environment and an optional dotenv file; flags
given here win over both.

Usage:
    syncpad [--env=<file>] [--host=<host>] [--port=<port>]
        [--driver=<driver>] [--path=<path>] [--url=<url>]
        [--seed] [--log=<level>]
    syncpad token <uid> [--env=<file>] [--ttl=<ttl>]
    syncpad -h | --help
    syncpad --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --env=<file>       Dotenv file to read [default: .env].
    --host=<host>      Interface to listen on (HOST).
    --port=<port>      Port to listen on (PORT).
    --driver=<driver>  memory, file, bolt, mongo, redis or postgres (STORE_DRIVER).
    --path=<path>      Directory or database file for file and bolt (STORE_PATH).
    --url=<url>        Connection string for mongo, redis and postgres (STORE_URL).
    --seed             Create the example rich-text document (SEED).
    --log=<level>      debug, info, warn or error (LOG_LEVEL).
    --ttl=<ttl>        Token lifetime [default: 720h].`

// flag -> config key
var overrides = map[string]string{
	"--host":   "HOST",
	"--port":   "PORT",
	"--driver": "STORE_DRIVER",
	"--path":   "STORE_PATH",
	"--url":    "STORE_URL",
	"--log":    "LOG_LEVEL",
}

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	cfg, err := load(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if tok, _ := opts.Bool("token"); tok {
		os.Exit(token(opts, cfg))
	}
	os.Exit(serve(cfg))
}

func load(opts docopt.Opts) (config.Config, error) {
	env, _ := opts.String("--env")
	vals, err := config.Read(env)
	if err != nil {
		return config.Config{}, err
	}
	for flag, key := range overrides {
		if v, err := opts.String(flag); err == nil && v != "" {
			vals[key] = v
		}
	}
	if seed, _ := opts.Bool("--seed"); seed {
		vals["SEED"] = "true"
	}

	cfg := config.Default()
	if err := cfg.Apply(vals); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func serve(cfg config.Config) int {
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "bad LOG_LEVEL %q: %v\n", cfg.LogLevel, err)
		return 2
	}
	defer logger.Sync()
	logger.Info("starting", zap.String("version", Version), zap.String("addr", cfg.Addr()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", zap.Error(err))
		return 1
	}
	return 0
}

func token(opts docopt.Opts, cfg config.Config) int {
	if cfg.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET is not set")
		return 2
	}
	uid, _ := opts.String("<uid>")
	ttlStr, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad --ttl: %v\n", err)
		return 2
	}

	tok, err := server.SignToken([]byte(cfg.JWTSecret), uid, ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(tok)
	return 0
}
