package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/workbench-sh/workbench/internal/auth"
	"github.com/workbench-sh/workbench/internal/config"
	"github.com/workbench-sh/workbench/internal/gateway"
	"github.com/workbench-sh/workbench/internal/images"
	"github.com/workbench-sh/workbench/internal/logger"
	"github.com/workbench-sh/workbench/internal/workspace"
)

func main() {
	root := &cobra.Command{
		Use:   "workbenchd",
		Short: "workbench session gateway daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return run(configPath)
		},
	}

	root.Flags().String("config", "", "path to config.yaml")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	scoper, err := workspace.NewScoper(cfg.Workspace.Root)
	if err != nil {
		return fmt.Errorf("workspace root: %w", err)
	}

	registry, err := workspace.OpenRegistry(cfg.Workspace.RegistryFile, scoper)
	if err != nil {
		return fmt.Errorf("workspace registry: %w", err)
	}
	defer registry.Close()

	store, err := auth.Open(cfg.Auth.DBPath)
	if err != nil {
		return fmt.Errorf("auth store: %w", err)
	}
	defer store.Close()

	secret, err := auth.GenerateOrLoadSecret(store, cfg.Auth.JWTSecret)
	if err != nil {
		return fmt.Errorf("jwt secret: %w", err)
	}
	resolver := &auth.Resolver{Store: store, Secret: secret}

	imgStore, err := images.NewStore(cfg.Images.Dir, cfg.Images.MaxBytes)
	if err != nil {
		return fmt.Errorf("image store: %w", err)
	}

	gw := gateway.New(gateway.Options{
		Config:     cfg,
		Scoper:     scoper,
		Workspaces: registry,
		Images:     imgStore,
		Resolver:   resolver,
	})
	if err := gw.Start(); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	api := gateway.NewAPI(gw, resolver)
	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", cfg.Server.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		gw.Stop(shutdownCtx)
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		gwCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		gw.Stop(gwCtx)
		return err
	}
}
