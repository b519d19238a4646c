package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/linkden/linkden/internal/broadcast"
	"github.com/linkden/linkden/internal/config"
	"github.com/linkden/linkden/internal/realtime"
	"github.com/linkden/linkden/internal/reconcile"
	"github.com/linkden/linkden/internal/remote"
	"github.com/linkden/linkden/internal/session"
	"github.com/linkden/linkden/internal/store"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync core until interrupted",
	Long: `Run the linkden sync core.

The daemon:
  1. Recovers the backend session from persisted credentials
  2. Keeps change-feed subscriptions alive while authenticated
  3. Serves guest reads/writes from the local database
  4. Propagates logout/expiry to other linkden processes

Logs go to stderr, or to a rotated file when log.file is configured.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if err := runDaemon(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func runDaemon(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	logOut := logWriter(cfg)
	logger := log.New(logOut, "[daemon] ", log.LstdFlags)

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()
	if err := st.InitSchema(); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	client := remote.NewClient(cfg.Backend.URL, cfg.Backend.APIKey, st,
		log.New(logOut, "[remote] ", log.LstdFlags))

	sessions := session.NewManager(client, st, &session.Config{
		Cooldown:       cfg.Session.Cooldown,
		RecoverTimeout: cfg.Session.RecoverTimeout,
		Retry:          cfg.SessionPolicy(),
		Logger:         log.New(logOut, "[session] ", log.LstdFlags),
	})

	// TokenFunc keeps feed handshakes current across token refreshes.
	transport := &realtime.WebsocketTransport{
		BaseURL:   cfg.Backend.FeedURL,
		TokenFunc: client.AccessToken,
	}
	rt := realtime.NewManager(transport, &realtime.Config{
		Reconnect: cfg.ReconnectPolicy(),
		Logger:    log.New(logOut, "[realtime] ", log.LstdFlags),
	})
	defer rt.Close()

	bus := broadcast.New(cfg.BusPath(), log.New(logOut, "[broadcast] ", log.LstdFlags))
	defer bus.Close()

	rec, err := reconcile.New(reconcile.Config{
		Local:    st,
		Remote:   client,
		Sessions: sessions,
		Realtime: rt,
		Bus:      bus,
		Debounce: cfg.DebounceSpec(),
		Logger:   log.New(logOut, "[reconcile] ", log.LstdFlags),
	})
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %w", err)
	}
	defer rec.Close()

	logger.Println("Starting linkden daemon")

	recoverCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.Session.RecoverTimeout)
	state, err := sessions.RecoverSession(recoverCtx)
	cancel()
	if err != nil {
		logger.Printf("Session recovery resolved with error: %v", err)
	}
	logger.Printf("Session state: %s, mode: %s", state, rec.Mode())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Println("Shutting down")
	return nil
}

// logWriter routes daemon logs to a rotated file when configured.
func logWriter(cfg *config.Config) io.Writer {
	if cfg.Log.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
	}
}
