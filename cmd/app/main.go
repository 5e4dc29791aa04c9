package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"RegimeTrader/internal/di"
	"RegimeTrader/internal/service/session"
	"RegimeTrader/pkg/config"
)

func main() {
	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("dotenv: %v", err)
	}

	configPath := flag.String("config", "config/config.yaml", "config file path")
	account := flag.String("account", "", "account to trade (defaults to config account)")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	id, acc, err := cfg.SelectAccount(*account)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if !acc.Enabled {
		log.Printf("account %s is disabled, nothing to do", id)
		return
	}

	log.Printf("env=%s account=%s server=%s gateway=%s trading=%t",
		cfg.Environment, id, acc.Server, acc.Gateway, cfg.Trading.EnableTrading)

	app, err := di.InitializeApp(cfg)
	if err != nil {
		log.Fatalf("app initialization failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		var conflict *session.ConflictError
		if errors.As(err, &conflict) {
			log.Printf("refusing to start: %v", err)
		} else {
			log.Printf("app error: %v", err)
		}
		stop()
		os.Exit(1)
	}
}
