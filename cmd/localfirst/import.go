package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tabkeep/localfirst"
)

var (
	importChunkSize   int
	importPause       time.Duration
	importConcurrency int
	importPrefix      string
)

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().IntVar(&importChunkSize, "chunk-size", 0, "items per chunk (default stream.chunk_size)")
	importCmd.Flags().DurationVar(&importPause, "pause", -1, "pause between chunks (default stream.pause_between_chunks)")
	importCmd.Flags().IntVar(&importConcurrency, "concurrency", -1, "parallel items per chunk (default stream.max_concurrency)")
	importCmd.Flags().StringVar(&importPrefix, "prefix", "bookmark:", "key prefix for imported items")
}

var importCmd = &cobra.Command{
	Use:   "import <bookmarks.json>",
	Short: "Import a JSON array of bookmarks in chunks",
	Long: `Store every element of a JSON array under <prefix><id>, where id is the
element's "id" field or its index. Items are written in chunks; while offline
they are queued for replay. Ctrl-C stops after the current chunk.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("cannot read %s: %w", args[0], err)
		}
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("%s: expected a JSON array: %w", args[0], err)
		}

		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		opts := localfirst.StreamOptions[json.RawMessage]{
			ChunkSize:          cfg.Stream.ChunkSize,
			PauseBetweenChunks: time.Duration(cfg.Stream.PauseBetweenChunks),
			MaxConcurrency:     cfg.Stream.MaxConcurrency,
			OnProgress: func(percent float64) {
				fmt.Fprintf(os.Stderr, "\rImported %5.1f%%", percent)
			},
			OnError: func(err error, _ json.RawMessage, index int) {
				logger.Warn("import item failed", zap.Int("index", index), zap.Error(err))
			},
		}
		if importChunkSize > 0 {
			opts.ChunkSize = importChunkSize
		}
		if importPause >= 0 {
			opts.PauseBetweenChunks = importPause
		}
		if importConcurrency >= 0 {
			opts.MaxConcurrency = importConcurrency
		}

		var queued int64
		res := localfirst.Process(ctx, items, func(ctx context.Context, item json.RawMessage, index int) (bool, error) {
			return a.queue.Submit(ctx, localfirst.OpSet, importPrefix+itemID(item, index), item)
		}, opts)
		fmt.Fprintln(os.Stderr)

		for _, q := range res.Results {
			if q {
				queued++
			}
		}
		if a.conn.IsOnline() && a.queue.Len() > 0 && ctx.Err() == nil {
			if _, err := a.queue.ProcessQueue(ctx); err != nil {
				return err
			}
		}
		fmt.Printf("Import %s: %d/%d processed, %d failed, %d queued, %d still pending\n",
			res.Status, res.Processed, len(items), res.Failed, queued, a.queue.Len())
		if res.Status == localfirst.StreamCanceled {
			fmt.Println("Re-run the import to continue; already stored items are overwritten.")
		}
		return nil
	},
}

// itemID returns the item's "id" field, or its index when it has none.
func itemID(item json.RawMessage, index int) string {
	var v struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(item, &v); err == nil && len(v.ID) > 0 {
		var s string
		if json.Unmarshal(v.ID, &s) == nil {
			return s
		}
		return string(v.ID)
	}
	return strconv.Itoa(index)
}
