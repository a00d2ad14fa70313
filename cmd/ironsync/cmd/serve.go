package cmd

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsync/api"
	"github.com/jmcleod/ironsync/config"
)

var (
	listenAddr   string
	serveBackend string
	serveDataDir string
	tlsCert      string
	tlsKey       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the development storage server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadServeConfig(cmd)
		if err != nil {
			return err
		}

		b, err := openBackend(cmd.Context(), cfg.Serve.Backend, cfg.Serve.DataDir, cfg.Serve.PostgresDSN, "server")
		if err != nil {
			return fmt.Errorf("failed to open server storage: %w", err)
		}
		defer b.close()

		opts := []api.Option{api.WithLogger(logger)}
		if cfg.Serve.ClusterURL != "" {
			opts = append(opts, api.WithClusterURL(cfg.Serve.ClusterURL))
		}
		if len(cfg.Serve.Users) > 0 {
			opts = append(opts, api.WithAuthenticator(usersAuthenticator(cfg.Serve.Users)))
		} else {
			logger.Warn("no users configured, accepting any credentials")
		}
		a := api.New(b.store, opts...)

		r := chi.NewRouter()
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Mount("/", a.Router())

		server := &http.Server{
			Addr:              cfg.Serve.Listen,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if tlsCert != "" && tlsKey != "" {
				err = server.ListenAndServeTLS(tlsCert, tlsKey)
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Serving storage API on %s (backend: %s)\n", cfg.Serve.Listen, cfg.Serve.Backend)
		fmt.Println("API docs at /docs")

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// loadServeConfig reads the config file when there is one and applies the
// command line flags over it.
func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config"):
		cfg = config.Default()
	case err != nil:
		return nil, err
	}
	if cmd.Flags().Changed("listen") {
		cfg.Serve.Listen = listenAddr
	}
	if cmd.Flags().Changed("backend") {
		cfg.Serve.Backend = serveBackend
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.Serve.DataDir = serveDataDir
	}
	if err := cfg.ValidateServer(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func usersAuthenticator(users map[string]string) api.Authenticator {
	return func(username, password string) bool {
		want, ok := users[username]
		if !ok {
			logger.Debug("unknown user", slog.String("user", username))
			return false
		}
		return subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":8080", "Address to listen on")
	serveCmd.Flags().StringVar(&serveBackend, "backend", config.BackendMemory, "Storage backend: memory, bbolt, sqlite or postgres")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "./server-data", "Directory for persistent data")
	serveCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serveCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
