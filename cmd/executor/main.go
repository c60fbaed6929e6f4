// The executor polls a courthouse for writs, runs them in the sandbox and
// submits the results. Run as many of these as you have judging capacity
// for; they coordinate only through the courthouse.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/code-court/courthouse/internal/executor"
	"github.com/code-court/courthouse/internal/sandbox"
)

func main() {
	// Load .env before flag defaults are computed from the environment.
	_ = godotenv.Load()

	url := flag.String("url", envOr("COURTHOUSE_URL", "http://localhost:9191"), "courthouse base URL")
	username := flag.String("username", envOr("COURTHOUSE_USER", "exec"), "executioner account username")
	password := flag.String("password", envOr("COURTHOUSE_PASS", "epass"), "executioner account password")
	image := flag.String("image", sandbox.DefaultImage, "docker image for sandboxed execution")
	shareDir := flag.String("share-dir", "share_data", "host directory for per-writ scratch dirs")
	insecure := flag.Bool("insecure", false, "run writs directly on the host without isolation (tests only)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	engine, err := buildEngine(*image, *shareDir, *insecure, logger)
	if err != nil {
		log.Fatalf("sandbox: %v", err)
	}

	worker := executor.New(executor.Options{
		BaseURL:  *url,
		Username: *username,
		Password: *password,
		Engine:   engine,
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("executor polling", "courthouse", *url, "insecure", *insecure)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("executor: %v", err)
	}
	logger.Info("executor stopped")
}

func buildEngine(image, shareDir string, insecure bool, logger *slog.Logger) (sandbox.Engine, error) {
	if insecure {
		return sandbox.NewInsecureEngine(shareDir, sandbox.DefaultLimits(), logger)
	}
	return sandbox.NewDockerEngine(image, shareDir, sandbox.DefaultLimits(), logger)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
