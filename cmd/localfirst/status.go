package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tabkeep/localfirst"
)

var (
	statusJSON   bool
	statusWatch  bool
	serveAddr    string
	serveOrigins []string
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.AddCommand(statusServeCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output raw JSON")
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "keep printing the status on every change")
	statusServeCmd.Flags().StringVar(&serveAddr, "addr", ":8787", "listen address")
	statusServeCmd.Flags().StringSliceVar(&serveOrigins, "origin", nil, "allowed websocket origin patterns")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity and queue status",
	Long: `Show whether the data layer is online, how many operations are pending and
when the queue last synced. With --watch the command also probes
remote.probe_url, replays the queue in the background and prints every change
until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if !statusWatch {
			return printStatus(a.status.Snapshot())
		}

		updates := a.status.Subscribe()
		if l := a.probeLoop(ctx); l != nil {
			defer l.Stop()
		}
		a.queue.Start(ctx)

		if err := printStatus(a.status.Snapshot()); err != nil {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case snap, ok := <-updates:
				if !ok {
					return nil
				}
				if err := printStatus(snap); err != nil {
					return err
				}
			}
		}
	},
}

var statusServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the status feed over a websocket",
	Long: `Run the queue scheduler and connectivity probe, and stream status snapshots
to websocket clients connecting to /status. GET /healthz reports the current
snapshot as JSON.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if l := a.probeLoop(ctx); l != nil {
			defer l.Stop()
		}
		a.queue.Start(ctx)

		mux := http.NewServeMux()
		mux.Handle("/status", localfirst.NewStatusFeed(a.status, logger.Named("feed"), serveOrigins...))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(a.status.Snapshot())
		})

		srv := &http.Server{Addr: serveAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		logger.Info("status feed listening", zap.String("addr", serveAddr))

		select {
		case err := <-errc:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Websocket handlers return once the status subscriptions close.
		a.status.Close()
		return srv.Shutdown(shutdownCtx)
	},
}

func printStatus(s localfirst.SyncStatusSnapshot) error {
	if statusJSON {
		return printJSON(s)
	}
	fmt.Printf("State:        %s\n", s.State)
	fmt.Printf("Pending:      %d\n", s.PendingCount)
	if s.DeadLetterCount > 0 {
		fmt.Printf("Dead letters: %d\n", s.DeadLetterCount)
	}
	if s.LastSyncedAt != nil {
		fmt.Printf("Last synced:  %s\n", s.LastSyncedAt.Format(time.RFC3339))
	} else {
		fmt.Println("Last synced:  never")
	}
	if s.LastError != nil {
		fmt.Printf("Last error:   %s\n", *s.LastError)
	}
	if statusWatch {
		fmt.Println()
	}
	return nil
}
