package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/auth"
	"github.com/taskmgr818/remote-subagent/internal/config"
	"github.com/taskmgr818/remote-subagent/internal/handler"
	"github.com/taskmgr818/remote-subagent/internal/logging"
	"github.com/taskmgr818/remote-subagent/internal/middleware"
	"github.com/taskmgr818/remote-subagent/internal/observer"
	"github.com/taskmgr818/remote-subagent/internal/registry"
	"github.com/taskmgr818/remote-subagent/internal/router"
	"github.com/taskmgr818/remote-subagent/internal/service"
	"github.com/taskmgr818/remote-subagent/internal/session"
	"github.com/taskmgr818/remote-subagent/internal/store"
	"github.com/taskmgr818/remote-subagent/internal/ws"
)

func main() {
	// ── Configuration ──
	cfg := config.LoadCoordinator()

	// ── Logging (stdout/stderr + buffered tail for observers) ──
	logs := logging.NewBuffer(cfg.LogBufferSize)
	log := logging.MustBuild(cfg.LogLevel, cfg.LogEncoding, logs.Core())
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Observers ──
	observers := ws.NewObserverHub(log)
	sinks := observer.Multi{observers}

	var rdb *redis.Client
	var mirror *observer.RedisMirror
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("failed to connect to redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		mirror = observer.NewRedisMirror(rdb, cfg.RedisChannel, log)
		sinks = append(sinks, mirror)
		log.Info("mirroring observer events to redis", zap.String("addr", cfg.RedisAddr), zap.String("channel", cfg.RedisChannel))
	}
	logs.SetBroadcaster(sinks)

	// ── Audit store (optional) ──
	var st *store.Store
	if cfg.DBDSN != "" {
		var err error
		st, err = store.NewStore(cfg.DBDSN, log)
		if err != nil {
			log.Fatal("failed to init store", zap.Error(err))
		}
		log.Info("task audit log enabled")
	}

	// ── Registry, sessions, router ──
	reg := registry.New(cfg.AuxTTL, sinks, log)
	observers.SetSnapshot(reg.Nodes)
	sessions := session.NewManager(cfg.SessionTTL, log)
	waiter := ws.NewResultWaiter()

	opts := []router.Option{
		router.WithSessions(sessions),
		router.WithNotifier(waiter),
		router.WithHistorySize(cfg.TaskHistorySize),
		router.WithDefaultTimeout(cfg.DefaultTaskTimeout),
	}
	if st != nil {
		opts = append(opts, router.WithRecorder(st))
	}
	rt := router.New(reg, sinks, log, opts...)

	// ── Background sweepers ──
	reg.StartSweeper(ctx, cfg.AuxSweepInterval)
	sessions.StartSweeper(ctx, cfg.SessionSweepInterval)

	// ── Node authentication ──
	creds := auth.NewCredentialStore()
	var verifier *auth.SignatureVerifier
	if cfg.NodeVerifyKey != "" {
		var err error
		verifier, err = auth.NewSignatureVerifier(cfg.NodeVerifyKey)
		if err != nil {
			log.Fatal("failed to init node verifier", zap.Error(err))
		}
		log.Info("signed node tokens accepted")
	}
	authenticator := auth.NewAuthenticator(creds, verifier, log)

	// ── Transport and control API ──
	hub := ws.NewHub(reg, rt, sessions, authenticator, log)
	h := handler.NewHandler(handler.Deps{
		Commands:  service.NewCommandService(rt, waiter, cfg.TaskWaitTimeout, log),
		Registry:  reg,
		Router:    rt,
		Sessions:  sessions,
		Hub:       hub,
		Observers: observers,
		Logs:      logs,
		Version:   cfg.Version,
	}, log)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.Logger(log))

	secret := middleware.DashboardSecret(cfg.DashboardSecret)
	if cfg.DashboardSecret == "" {
		log.Warn("DASHBOARD_SECRET not set, control API is unauthenticated")
	}
	h.RegisterRoutes(r, secret, cfg.MetricsEnabled)

	tokens := r.Group("/api", secret)
	if cfg.AdminToken != "" {
		tokens.Use(middleware.AdminTokenAuth(cfg.AdminToken))
	}
	handler.NewAdminHandler(creds, log).RegisterRoutes(tokens)

	// ── HTTP Server with graceful shutdown ──
	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: r,
	}

	go func() {
		log.Info("coordinator listening", zap.String("addr", cfg.ServerAddr), zap.Bool("tls", cfg.TLSEnabled()), zap.String("version", cfg.Version))
		var err error
		if cfg.TLSEnabled() {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen error", zap.Error(err))
		}
	}()

	// ── Graceful Shutdown ──
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down coordinator")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}

	if st != nil {
		if err := st.Close(); err != nil {
			log.Error("store close error", zap.Error(err))
		}
	}
	if mirror != nil {
		mirror.Close()
	}
	if rdb != nil {
		rdb.Close()
	}
	log.Info("coordinator exited cleanly")
}
