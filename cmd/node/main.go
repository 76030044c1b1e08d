package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/agent"
	"github.com/taskmgr818/remote-subagent/internal/config"
	"github.com/taskmgr818/remote-subagent/internal/database"
	"github.com/taskmgr818/remote-subagent/internal/logging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadNode(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.MustBuild(cfg.Log.Level, cfg.Log.Encoding)
	defer log.Sync()

	log.Info("starting worker node",
		zap.String("nodeId", cfg.Node.ID),
		zap.String("server", cfg.Server.URL),
		zap.Strings("capabilities", cfg.Node.Capabilities))

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Fatal("failed to open database", zap.String("path", cfg.Database.Path), zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := agent.New(ctx, cfg, db, log)

	// Determine dashboard address
	dashboardAddr := ""
	if cfg.Dashboard.Enabled {
		dashboardAddr = cfg.Dashboard.Address
		log.Info("dashboard enabled", zap.String("addr", dashboardAddr))
	}

	if err := a.Start(ctx, dashboardAddr); err != nil {
		log.Fatal("failed to start node", zap.Error(err))
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	if err := a.Stop(); err != nil {
		log.Error("error during shutdown", zap.Error(err))
	}
	cancel()

	log.Info("node stopped")
}
