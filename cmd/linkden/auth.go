package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/linkden/linkden/internal/broadcast"
	"github.com/linkden/linkden/internal/remote"
	"github.com/linkden/linkden/internal/session"
	"github.com/linkden/linkden/internal/store"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the hosted backend",
	Long: `Sign in with email and password.

Credentials are exchanged for tokens which are persisted locally, so
the daemon can recover the session after a restart. Guest data is not
touched by signing in.`,
	Run: func(cmd *cobra.Command, args []string) {
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")
		if email == "" {
			fmt.Fprintln(os.Stderr, "Error: --email is required")
			os.Exit(1)
		}
		if password == "" {
			fmt.Fprint(os.Stderr, "Password: ")
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to read password: %v\n", err)
				os.Exit(1)
			}
			password = string(raw)
		}

		sessions, st := openSessionManager()
		defer st.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		sess, err := sessions.SignIn(ctx, email, password)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: sign in failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Signed in as %s\n", sess.UserID)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and notify other linkden processes",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		sessions, st := openSessionManager()
		defer st.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := sessions.SignOut(ctx); err != nil {
			// The local marker is already down; the backend call is
			// best effort.
			fmt.Fprintf(os.Stderr, "Warning: backend sign-out failed: %v\n", err)
		}

		bus := broadcast.New(cfg.BusPath(), log.New(io.Discard, "", 0))
		if err := bus.Publish(broadcast.TypeLogout, nil); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to notify other processes: %v\n", err)
		}
		bus.Close()

		fmt.Println("Signed out")
	},
}

// openSessionManager wires the store, remote client, and session
// manager for one-shot auth commands.
func openSessionManager() (*session.Manager, *store.Store) {
	cfg := loadConfig()

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
		os.Exit(1)
	}
	if err := st.InitSchema(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize schema: %v\n", err)
		os.Exit(1)
	}

	quiet := log.New(io.Discard, "", 0)
	client := remote.NewClient(cfg.Backend.URL, cfg.Backend.APIKey, st, quiet)
	sessions := session.NewManager(client, st, &session.Config{
		Cooldown:       cfg.Session.Cooldown,
		RecoverTimeout: cfg.Session.RecoverTimeout,
		Retry:          cfg.SessionPolicy(),
		Logger:         quiet,
	})
	return sessions, st
}

func init() {
	loginCmd.Flags().StringP("email", "e", "", "account email")
	loginCmd.Flags().StringP("password", "p", "", "account password (prompted when omitted)")
}
