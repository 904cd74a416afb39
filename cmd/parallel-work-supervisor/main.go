// The parallel-work supervisor: the process clients actually launch. It
// spawns the engine with stdio passed through, restarts it after crashes
// with exponential backoff, and forwards termination signals.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/parallelwork/parallelwork/internal/common/config"
	"github.com/parallelwork/parallelwork/internal/common/logger"
	"github.com/parallelwork/parallelwork/internal/supervisor"
)

const engineBinary = "parallel-work"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	enginePath, err := locateEngine()
	if err != nil {
		log.Fatal("Failed to locate engine binary", zap.Error(err))
	}
	log.Info("Supervising engine", zap.String("path", enginePath))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	sup := supervisor.New(cfg.Supervisor, supervisor.NewExecChild(enginePath, os.Args[1:]), log)
	if err := sup.Run(context.Background(), sigs); err != nil {
		log.Error("Supervision ended", zap.Error(err))
		os.Exit(1)
	}
}

// locateEngine finds the engine binary next to the supervisor executable,
// falling back to PATH.
func locateEngine() (string, error) {
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), engineBinary)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return exec.LookPath(engineBinary)
}
