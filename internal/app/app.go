package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"trafficguard/internal/app/bootstrap"
	"trafficguard/internal/app/server"
	"trafficguard/internal/config"
)

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	portFlag := flag.Int("port", 0, "Port for API server (overrides BACKEND_PORT)")
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	settings, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	settings.Port = resolvePort(*portFlag, settings.Port)

	log.SetLevel(resolveLogLevel(settings.LogLevel, *debugFlag))

	services, err := bootstrap.Setup(settings)
	if err != nil {
		return err
	}
	defer services.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := server.Dependencies{
		Routes:    services.Gateway,
		Blacklist: services.Blacklist,
		Auth:      services.Auth,
	}
	if services.Audit != nil {
		deps.Audit = services.Audit
	}

	return server.OpenRoutes(ctx, settings.Port, server.NewRouter(deps))
}

func resolvePort(flagValue, fallback int) int {
	if flagValue > 0 && flagValue <= 65535 {
		return flagValue
	}
	if flagValue != 0 {
		log.Warn("invalid port override", "flag", "port", "value", flagValue)
	}
	return fallback
}

func resolveLogLevel(raw string, debug bool) log.Level {
	if debug {
		return log.DebugLevel
	}
	level, err := log.ParseLevel(raw)
	if err != nil {
		log.Warn("invalid log level", "value", raw, "error", err)
		return log.InfoLevel
	}
	return level
}
