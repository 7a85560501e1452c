package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabkeep/localfirst"
)

var queueJSON bool

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd, queueDeadCmd, queueFlushCmd, queueClearCmd, queueRequeueCmd)
	queueCmd.AddCommand(
		mutationCmd(localfirst.OpSet, "set <key> <json>", "Store a value, queueing it while offline"),
		mutationCmd(localfirst.OpUpdate, "update <key> <json>", "Merge fields into a stored object, queueing while offline"),
		mutationCmd(localfirst.OpRemove, "remove <key>", "Remove a value, queueing while offline"),
	)

	queueCmd.PersistentFlags().BoolVar(&queueJSON, "json", false, "output raw JSON")
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay the offline mutation queue",
}

// ============================================================================
// queue list / dead
// ============================================================================

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending operations in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return printOps(a.queue.Pending(), "No pending operations.")
	},
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return printOps(a.queue.DeadLetters(), "No dead-lettered operations.")
	},
}

func printOps(ops []localfirst.QueuedOperation, empty string) error {
	if queueJSON {
		if ops == nil {
			ops = []localfirst.QueuedOperation{}
		}
		return printJSON(ops)
	}
	if len(ops) == 0 {
		fmt.Println(empty)
		return nil
	}
	for i, op := range ops {
		fmt.Printf("%3d  %-7s %-30s %s  attempts=%d\n",
			i+1, op.Kind, op.Key, op.EnqueuedAt.Format(time.RFC3339), op.Attempts)
		if op.LastError != "" {
			fmt.Printf("     last error: %s\n", op.LastError)
		}
	}
	return nil
}

// ============================================================================
// queue flush / clear / requeue
// ============================================================================

var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Replay pending operations now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if !a.conn.IsOnline() {
			return fmt.Errorf("offline: %d operations stay queued", a.queue.Len())
		}
		res, err := a.queue.ProcessQueue(cmd.Context())
		if err != nil {
			return err
		}
		if queueJSON {
			return printJSON(res)
		}
		fmt.Printf("Applied: %d  Failed: %d  Dead-lettered: %d  Remaining: %d\n",
			res.Applied, res.Failed, res.DeadLettered, res.Remaining)
		if msg := a.queue.LastError(); msg != "" {
			fmt.Printf("Last error: %s\n", msg)
		}
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every pending operation",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		n := a.queue.Len()
		if err := a.queue.Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Dropped %d operations\n", n)
		return nil
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Move dead-lettered operations back to the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.queue.RequeueDeadLetters(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Requeued %d operations\n", n)
		return nil
	},
}

// ============================================================================
// queue set / update / remove
// ============================================================================

func mutationCmd(kind localfirst.OpKind, use, short string) *cobra.Command {
	nargs := 2
	if kind == localfirst.OpRemove {
		nargs = 1
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any
			if nargs == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("payload is not valid JSON: %s", args[1])
				}
				payload = json.RawMessage(args[1])
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			queued, err := a.queue.Submit(cmd.Context(), kind, args[0], payload)
			if err != nil {
				return err
			}
			if queued {
				// Submit only kicks the background scheduler, which is not
				// running in a one-shot command.
				if a.conn.IsOnline() {
					if _, err := a.queue.ProcessQueue(cmd.Context()); err != nil {
						return err
					}
				}
				if a.queue.Len() > 0 {
					fmt.Printf("Queued %s %s (%d pending)\n", kind, args[0], a.queue.Len())
					return nil
				}
			}
			fmt.Printf("Applied %s %s\n", kind, args[0])
			return nil
		},
	}
}
