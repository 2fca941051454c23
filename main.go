package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

// server holds the relay's long-lived state: the subscriber registry, the
// dispatcher over it, and the optional audit log.
type server struct {
	cfg    config
	logger *slog.Logger
	reg    *registry
	disp   *dispatcher
	audit  *auditStore
}

func newServer(cfg config, logger *slog.Logger, audit *auditStore) *server {
	reg := newRegistry()
	return &server{
		cfg:    cfg,
		logger: logger,
		reg:    reg,
		disp:   newDispatcher(reg, logger),
		audit:  audit,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/ws/", s.handleWS)
	mux.HandleFunc("/emit", s.handleEmit)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/clients/filter", s.handleClientFilter)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/history", s.handleHistory)
	return s.loggingMiddleware(mux)
}

func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// run serves until ctx is cancelled, then shuts down. In-flight HTTP
// requests get shutdownTimeout to finish. Hijacked WebSocket connections
// are not waited on; they end when the process exits.
func (s *server) run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Listen, err)
	}

	httpServer := &http.Server{Handler: s.routes()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", "error", err)
		}
		_ = httpServer.Close()
	}()

	s.logger.Info("filterhub listening", "addr", ln.Addr().String(), "default_scope", s.cfg.DefaultScope)
	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

var rootCmd = &cobra.Command{
	Use:           "filterhub",
	Short:         "Filter-addressed publish/subscribe relay",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	Long: `Start the relay server.

Clients connect over WebSocket at /ws/{service}, declare attribute filters,
and receive every event published to their service whose criteria their
filters satisfy. Events are published with POST /emit.

The server runs until interrupted (Ctrl+C) or receives SIGTERM.

Example:
  filterhub serve
  filterhub serve -c config.yaml`,
	RunE: runServe,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file without starting the server",
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file (optional)")
	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	var audit *auditStore
	if cfg.AuditDB != "" {
		audit, err = openAuditStore(cmd.Context(), cfg.AuditDB)
		if err != nil {
			return err
		}
		defer func() {
			if err := audit.Close(); err != nil {
				logger.Warn("close audit db", "error", err)
			}
		}()
		logger.Info("publish audit log enabled", "path", cfg.AuditDB)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return newServer(cfg, logger, audit).run(ctx)
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	fmt.Printf("%s is valid\n", configFile)
	fmt.Printf("  listen:        %s\n", cfg.Listen)
	fmt.Printf("  default scope: %s\n", cfg.DefaultScope)
	if cfg.AuditDB != "" {
		fmt.Printf("  audit db:      %s\n", cfg.AuditDB)
	} else {
		fmt.Printf("  audit db:      (disabled)\n")
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
