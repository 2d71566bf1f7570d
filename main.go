package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/webosbrew/dev-manager-desktop/internal/config"
	"github.com/webosbrew/dev-manager-desktop/internal/database"
	"github.com/webosbrew/dev-manager-desktop/internal/device"
	"github.com/webosbrew/dev-manager-desktop/internal/handlers"
	"github.com/webosbrew/dev-manager-desktop/internal/logging"
	"github.com/webosbrew/dev-manager-desktop/internal/sshaudit"
	"github.com/webosbrew/dev-manager-desktop/internal/sshfiles"
	"github.com/webosbrew/dev-manager-desktop/internal/sshlogs"
	"golang.org/x/sync/errgroup"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "devmgr",
	Short: "Manage developer-mode TVs over SSH",
	Long: `devmgr runs commands, interactive shells and file transfers on
webOS developer-mode devices over pooled SSH connections. "devmgr serve"
exposes the same operations over HTTP and websockets for the desktop UI.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.Load()
	},
}

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP and websocket API",
	Args:  cobra.NoArgs,
	RunE:  runServer,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log connection activity to stderr")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (default from DEVMGR_LISTEN_ADDR)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(encryptSecretCmd)
	rootCmd.AddCommand(keygenCmd)
}

// exitCode is returned by commands that mirror a remote exit status.
type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", int(c)) }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var code exitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer database.Close()

	key, err := loadSecretKey()
	if err != nil {
		return fmt.Errorf("secret key: %w", err)
	}
	auditor, err := sshaudit.NewAuditor(database.DB, config.Cfg.AuditRetentionDays)
	if err != nil {
		return fmt.Errorf("audit init: %w", err)
	}

	mgr := newManager(auditor)
	if err := mgr.Start(); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	log.Printf("Session manager initialized (pool max=%d, idle_timeout=%s, retry=%d, scrollback=%d)",
		config.Cfg.PoolMaxSize, config.Cfg.PoolIdleTimeout, config.Cfg.RetryAttempts, config.Cfg.ScrollbackLines)

	handlers.Sessions = mgr
	handlers.Devices = device.NewFileDirectory(config.Cfg.DevicesFile, key)
	handlers.Files = sshfiles.New(mgr)
	handlers.Logs = sshlogs.New(mgr, handlers.Files)
	log.Printf("Devices file: %s", config.Cfg.DevicesFile)

	addr := config.Cfg.ListenAddr
	if listenAddr != "" {
		addr = listenAddr
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: handlers.NewRouter(),
	}

	sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(sigCtx)

	g.Go(func() error {
		log.Printf("Server starting on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Closing the shells ends their websockets, which Shutdown does not track.
		mgr.Close(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		log.Println("Server stopped")
		return nil
	})
	return g.Wait()
}
