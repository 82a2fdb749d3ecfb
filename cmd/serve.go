package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/pushlite/internal/config"
	"github.com/markb/pushlite/internal/log"
	"github.com/markb/pushlite/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pushlite server",
	Long:  `Starts the websocket endpoint and the HTTP control-plane API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")

		cfg, err := buildConfig(cmd, cfgPath)
		if err != nil {
			return err
		}
		log.Init(cfg.Log)

		if len(cfg.Apps) == 0 {
			fmt.Println("Warning: no applications configured; every control-plane request will be rejected.")
		}

		srv, err := server.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to build server: %w", err)
		}

		fmt.Printf("Starting pushlite on %s\n", cfg.Listen)
		fmt.Printf("  Websocket:     ws://%s/app/{appKey}\n", cfg.Listen)
		fmt.Printf("  Control plane: http://%s/apps/{appId}\n", cfg.Listen)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.ListenAndServe(cfg.Listen)
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	},
}

// buildConfig loads the config file and applies environment overrides.
// Priority: environment variables > config file > defaults.
func buildConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	var cfg *config.Config
	if _, err := os.Stat(path); err == nil {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	if listen := os.Getenv("PUSHLITE_LISTEN"); listen != "" {
		cfg.Listen = listen
	}
	if level := os.Getenv("PUSHLITE_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := os.Getenv("PUSHLITE_LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}
	if backend := os.Getenv("PUSHLITE_STORE_BACKEND"); backend != "" {
		cfg.Store.Backend = backend
	}
	if storePath := os.Getenv("PUSHLITE_STORE_PATH"); storePath != "" {
		cfg.Store.Path = storePath
	}

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Listen = listen
	}
	return cfg, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("config", "pushlite.yaml", "Path to configuration file")
	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
}
