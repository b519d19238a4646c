package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/linkden/linkden/internal/remote"
	"github.com/linkden/linkden/internal/session"
	"github.com/linkden/linkden/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mode, session, and local data counts",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		st, err := store.Open(cfg.DatabasePath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()
		if err := st.InitSchema(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to initialize schema: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		mode := "guest"
		if v, err := st.GetKV(ctx, "active_mode"); err == nil && v != "" {
			mode = v
		}
		fmt.Printf("Mode:    %s\n", mode)

		quiet := log.New(io.Discard, "", 0)
		client := remote.NewClient(cfg.Backend.URL, cfg.Backend.APIKey, st, quiet)
		sess, err := client.GetSession(ctx)
		switch {
		case err == nil:
			fmt.Printf("Session: %s (expires %s)\n", sess.UserID, sess.ExpiresAt.Format(time.RFC3339))
		case errors.Is(err, session.ErrNoSession) || cfg.Backend.URL == "":
			fmt.Println("Session: none")
		default:
			fmt.Printf("Session: unavailable (%v)\n", err)
		}

		folders, err := st.ListFolders(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to list folders: %v\n", err)
			os.Exit(1)
		}
		links, err := st.ListLinks(ctx, false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to list links: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Local:   %d folders, %d links\n", len(folders), len(links))
	},
}
