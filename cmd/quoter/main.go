package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/yanun0323/logs"

	"quoter/internal/app"
	"quoter/internal/obs"
	"quoter/internal/ops"
)

func main() {
	if err := run(); err != nil {
		log.Printf("quoter: %v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config/quoter.yaml", "Path to YAML config")
	envFiles := flag.String("env", ".env", "Comma separated .env files (missing files are ignored)")
	flag.Parse()

	loaded, err := ops.Load(*configPath, splitList(*envFiles)...)
	if err != nil {
		return err
	}
	logs.SetDefault(loaded.App.NewLogger())
	logs.Infof("config loaded, name=%s log_level=%s venues=%d markets=%d",
		loaded.App.Name, loaded.App.LogLevel, len(loaded.Venues), len(loaded.Registry.Markets()))

	if loaded.App.PyroscopeURL != "" {
		stop, err := obs.StartProfiler(loaded.App.Name, loaded.App.PyroscopeURL, map[string]string{"app": loaded.App.Name})
		if err != nil {
			return err
		}
		defer stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, loaded)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
