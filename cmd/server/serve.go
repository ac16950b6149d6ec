package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ia-chat-server/internal/config"
	"ia-chat-server/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 HTTP / WebSocket 服务",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), cfg)
	},
}

// runServe 启动服务并阻塞到收到退出信号
func runServe(ctx context.Context, cfg *config.Config) error {
	log := logger.L

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	// WebSocket 连接由读写泵自行设置超时，这里不设 WriteTimeout
	server := &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", addr, "models", cfg.LLM.ModelKeys(), "backend", cfg.LLM.Backend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down server")
	case serveErr = <-errCh:
		if serveErr != nil {
			log.Error("server failed", "error", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// 被劫持的 WebSocket 连接不受 server.Shutdown 管理，由 a.shutdown 关闭
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}
	if err := a.shutdown(shutdownCtx); err != nil {
		log.Error("release resources failed", "error", err)
	}

	log.Info("server exited")
	return serveErr
}
