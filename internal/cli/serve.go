package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"misorachat/internal/config"
	"misorachat/internal/logger"
)

const shutdownTimeout = 10 * time.Second

type serveCommander struct {
	configPath string
	listen     string
	debug      bool

	logger *zap.Logger
}

func NewServeCmd() *cobra.Command {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.configPath, err = cmd.Flags().GetString("config")
			if err != nil {
				return fmt.Errorf("could not get config flag: %w", err)
			}
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %w", err)
			}
			return cmder.run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&cmder.listen, "listen", "l", "", "Address to listen on (overrides basic_config.server_address)")
	return cmd
}

func (c *serveCommander) run(parent context.Context) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	debug := c.debug || cfg.BasicConfig.Debug
	c.logger = logger.NewLogger(debug)
	defer func() { _ = c.logger.Sync() }()
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			c.logger.Warn("closing resources", zap.Error(err))
		}
	}()

	addr := c.listen
	if addr == "" {
		addr = cfg.BasicConfig.ServerAddress
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: cfg.BasicConfig.RequestTimeout,
		ReadTimeout:       cfg.BasicConfig.RequestTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		c.logger.Info("starting api server", zap.String("addr", addr), zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("api server error: %w", err)
		}
		close(errChan)
	}()

	select {
	case err, ok := <-errChan:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
		c.logger.Info("received signal, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api server: %w", err)
	}
	return nil
}
