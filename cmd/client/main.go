package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/crdtsign/internal/client/cli"
	"github.com/dmitrijs2005/crdtsign/internal/client/config"
	"github.com/dmitrijs2005/crdtsign/internal/client/services"
	"github.com/dmitrijs2005/crdtsign/internal/logging"
)

func main() {

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadConfig()
	logger := logging.NewJSONLogger(os.Stderr, cfg.LogLevel)

	svc, err := services.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}

	app := cli.NewApp(cfg, svc, os.Stdin, os.Stdout, logger)
	if err := app.Run(ctx); err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}

}
