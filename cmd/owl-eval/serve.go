package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"owleval/internal/app"
	"owleval/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var insecure bool
	var autoSync time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.Open(ctx, app.Options{
				Workspace: viper.GetString("workspace"),
				LogLevel:  viper.GetString("log-level"),
				LogOutput: os.Stderr,
			})
			if err != nil {
				return err
			}
			defer a.Close()

			secretEnv := a.Config.Server.JWTSecretEnv
			authCfg := server.AuthConfig{JWTSecret: os.Getenv(secretEnv), AllowAnonymous: insecure, Log: a.Log}
			if authCfg.JWTSecret == "" && !insecure {
				return fmt.Errorf("%s is required for bearer auth (or pass --insecure)", secretEnv)
			}
			if insecure {
				a.Log.Warn("serving without authentication")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Log:      a.Log,
				Metrics:  a.Metrics,
			})
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			if !cmd.Flags().Changed("auto-sync") {
				autoSync = a.Config.Server.AutoSyncInterval
			}
			if autoSync > 0 && a.Engine.Prolific == nil {
				a.Log.Warn("auto-sync disabled: prolific token not set")
				autoSync = 0
			}
			syncCtx, stopSync := context.WithCancel(ctx)
			defer stopSync()
			server.StartAutoSync(syncCtx, a.Engine, autoSync, a.Log)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			a.Log.WithField("addr", addr).WithField("base_path", basePath).Info("serving owl-eval API")
			fmt.Printf("Serving owl-eval API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", server.DefaultBasePath, "API base path")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "accept requests without a bearer token")
	cmd.Flags().DurationVar(&autoSync, "auto-sync", 0, "Prolific sync interval; 0 disables (defaults to server.auto_sync_interval)")
	return cmd
}
