package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabkeep/localfirst"
)

var (
	getTTL        time.Duration
	getForce      bool
	getNoFallback bool
	getJSON       bool
)

func init() {
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(invalidateCmd)

	getCmd.Flags().DurationVar(&getTTL, "ttl", 0, "freshness window (default cache.default_ttl)")
	getCmd.Flags().BoolVar(&getForce, "force", false, "refetch even when the cached value is fresh")
	getCmd.Flags().BoolVar(&getNoFallback, "no-fallback", false, "fail instead of serving a stale value")
	getCmd.Flags().BoolVar(&getJSON, "json", false, "print the result metadata as JSON")
}

var getCmd = &cobra.Command{
	Use:   "get <key> <path>",
	Short: "Read a value through the cache",
	Long: `Read key through the cache, fetching GET <remote.base_url><path> when the
cached value is missing or expired. A stale value is served when the fetch
fails unless --no-fallback is given.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, path := args[0], args[1]
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if a.client == nil {
			return fmt.Errorf("remote.base_url is not set; run 'localfirst config set remote.base_url <url>'")
		}

		res, err := a.cache.GetData(ctx, key, a.client.Fetch(path), localfirst.GetOptions{
			TTL:                    getTTL,
			ForceRefresh:           getForce,
			DisableOfflineFallback: getNoFallback,
		})
		if err != nil {
			return err
		}

		if getJSON {
			return printJSON(res)
		}
		if res.Stale {
			fmt.Fprintf(os.Stderr, "(stale, fetched %s)\n", res.FetchedAt.Format(time.RFC3339))
		}
		fmt.Println(string(res.Value))
		return nil
	},
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate <key>",
	Short: "Drop a cached value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.cache.Invalidate(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Invalidated %s\n", args[0])
		return nil
	},
}
