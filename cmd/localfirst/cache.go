package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cacheListJSON bool

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheListCmd)

	cacheListCmd.Flags().BoolVar(&cacheListJSON, "json", false, "print entries as JSON")
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the local cache",
}

type cachedKey struct {
	Key       string    `json:"key"`
	FetchedAt time.Time `json:"fetchedAt"`
	Age       string    `json:"age"`
	Fresh     bool      `json:"fresh"`
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached keys with their age",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		keys, err := a.cache.Keys(ctx)
		if err != nil {
			return err
		}

		now := time.Now()
		items := make([]cachedKey, 0, len(keys))
		for _, k := range keys {
			entry, err := a.cache.Peek(ctx, k)
			if err != nil {
				logger.Warn("unreadable cache entry", zap.String("key", k), zap.Error(err))
				continue
			}
			if entry == nil {
				continue
			}
			ttl := time.Duration(cfg.Cache.DefaultTTL)
			if entry.TTLMs > 0 {
				ttl = entry.TTL()
			}
			items = append(items, cachedKey{
				Key:       k,
				FetchedAt: entry.FetchedAt,
				Age:       now.Sub(entry.FetchedAt).Round(time.Second).String(),
				Fresh:     entry.IsFresh(now, ttl),
			})
		}

		if cacheListJSON {
			return printJSON(items)
		}
		if len(items) == 0 {
			fmt.Println("Cache is empty")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tAGE\tFRESH")
		for _, it := range items {
			fmt.Fprintf(w, "%s\t%s\t%v\n", it.Key, it.Age, it.Fresh)
		}
		return w.Flush()
	},
}
