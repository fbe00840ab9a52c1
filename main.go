package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"companion-chat/config"
	"companion-chat/controllers"
	"companion-chat/models"
	"companion-chat/routes"
	"companion-chat/services"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	envFile := pflag.String("env-file", ".env", "path to an optional .env file")
	addr := pflag.String("addr", "", "listen address (overrides ADDR)")
	pflag.Parse()

	if err := run(*envFile, *addr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(envFile, addr string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Addr = addr
	}

	log, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// 初始化数据库
	db, err := config.OpenDB(cfg, log)
	if err != nil {
		return err
	}
	// 自动迁移
	if err := models.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	storage, err := services.NewDiskStorage(cfg.UploadDir, cfg.UploadBaseURL)
	if err != nil {
		return err
	}

	identity := services.NewJWTIdentity(cfg.JWTSecret, db)
	gate := services.NewGate(db, services.NewUserEntitlements(db))
	messages := services.NewMessageStore(db, gate, storage, log.Named("messages"), services.MessageStoreOptions{
		MaxLength:     cfg.MaxMessageLength,
		UploadTimeout: cfg.UploadTimeout,
	})
	notifications := services.NewNotifications(db, gate, messages, log.Named("notifications"))
	dispatcher := services.NewDispatcher(services.DispatcherDeps{
		Registry:      services.NewRegistry(),
		Typing:        services.NewTyping(cfg.TypingTimeout, nil),
		Gate:          gate,
		Messages:      messages,
		Notifications: notifications,
		Escrow:        services.NoEscrow{},
		Log:           log.Named("dispatcher"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go dispatcher.Run(ctx)

	if cfg.NatsURL != "" {
		sub, err := services.NewReminderSubscriber(cfg.NatsURL, dispatcher, log.Named("reminders"))
		if err != nil {
			return err
		}
		defer sub.Close()
		if err := sub.Subscribe(cfg.ReminderSubject); err != nil {
			return err
		}
	}

	h := &controllers.Controller{
		Config:        cfg,
		DB:            db,
		Connections:   services.NewConnections(db, gate),
		Messages:      messages,
		Notifications: notifications,
		Dispatcher:    dispatcher,
		WS:            services.NewWSHandler(identity, dispatcher, cfg.AllowedOrigins, log.Named("ws")),
		Log:           log,
	}
	// 注册路由
	r := routes.RegisterRoutes(h, identity, log)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed to start: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
