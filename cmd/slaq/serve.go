package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextseek-chat/server/internal/api"
	logx "github.com/nextseek-chat/server/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long:  `Starts the sample retriever API: POST /sampleretriever/invoke, POST /sampleretriever/upload, /healthz and /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if port, _ := cmd.Flags().GetString("port"); port != "" {
			cfg.HTTP.Port = port
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		srv := &http.Server{
			Addr:              ":" + cfg.HTTP.Port,
			Handler:           api.NewHandler(a.manager, a.gatherer),
			ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		}

		// Channel to listen for errors coming from the listener.
		serverErrors := make(chan error, 1)
		go func() {
			logx.Info().Str("addr", srv.Addr).Str("env", cfg.Env.String()).Msg("Starting sample retriever server")
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErrors:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err

		case sig := <-shutdown:
			logx.Info().Str("signal", sig.String()).Msg("Start shutdown")

			// Give outstanding turns a deadline for completion.
			sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				logx.Error().Err(err).Dur("timeout", cfg.HTTP.ShutdownTimeout).Msg("Graceful shutdown did not complete")
				if err := srv.Close(); err != nil {
					logx.Error().Err(err).Msg("Error killing server")
				}
			}
			logx.Info().Msg("Server stopped gracefully")
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("port", "p", "", "Port to listen on (overrides HTTP_PORT)")
}
