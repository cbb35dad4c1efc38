package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"blastd/internal/app"
)

func main() {
	// .env may carry BLASTD_CONFIG and driver credentials for local runs.
	_ = godotenv.Load()

	defPath := os.Getenv("BLASTD_CONFIG")
	if defPath == "" {
		defPath = "./config.yaml"
	}
	var cfgPath string
	flag.StringVar(&cfgPath, "config", defPath, "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	<-ctx.Done()
	_ = a.Stop(context.Background())
}
