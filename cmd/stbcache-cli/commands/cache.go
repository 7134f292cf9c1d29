package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/piwi3910/stbcache/internal/api/admin"
)

// NewStatsCmd creates the stats command
func NewStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache and ingestion statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewAdminClient()
			if err != nil {
				return err
			}

			stats, err := client.Stats(cmd.Context())
			if err != nil {
				return err
			}

			printStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
}

func printStats(out io.Writer, stats *admin.StatsResponse) {
	c := stats.Cache

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Size:\t%s / %s\n", FormatSize(c.Size), FormatSize(c.Capacity))
	fmt.Fprintf(w, "Entries:\t%d / %d\n", c.Entries, c.MaxEntries)
	fmt.Fprintf(w, "Hits:\t%d\n", c.Hits)
	fmt.Fprintf(w, "Misses:\t%d\n", c.Misses)
	fmt.Fprintf(w, "Hit rate:\t%.1f%%\n", c.HitRate*100)
	fmt.Fprintf(w, "Served:\t%s\n", FormatSize(c.BytesServed))

	if in := stats.Ingest; in != nil {
		fmt.Fprintf(w, "Packets:\t%d\n", in.Packets)
		fmt.Fprintf(w, "Objects:\t%d stored, %d failed\n", in.Stored, in.Failed)
		if !in.LastPacketAt.IsZero() {
			fmt.Fprintf(w, "Last packet:\t%s\n", in.LastPacketAt.Format(time.RFC3339))
		}
	}

	if last := stats.LastSweep; !last.Started.IsZero() {
		fmt.Fprintf(w, "Last sweep:\t%s (%d expired, %d evicted, %d deferred)\n",
			last.Started.Format(time.RFC3339), last.Expired, last.Evicted, last.Deferred)
	}

	_ = w.Flush()
}

// NewEntriesCmd creates the entries command
func NewEntriesCmd() *cobra.Command {
	var (
		prefix string
		limit  int
	)

	cmd := &cobra.Command{
		Use:     "entries",
		Aliases: []string{"ls"},
		Short:   "List cached objects",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewAdminClient()
			if err != nil {
				return err
			}

			resp, err := client.Entries(cmd.Context(), prefix, limit)
			if err != nil {
				return err
			}

			printEntries(cmd.OutOrStdout(), resp)
			return nil
		},
	}

	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "Only list keys with this prefix")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of entries to list")

	return cmd
}

func printEntries(out io.Writer, resp *admin.EntriesResponse) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSIZE\tTTL\tLAST ACCESS")

	for _, e := range resp.Entries {
		ttl := (time.Duration(e.TTL) * time.Second).String()
		if e.Expired {
			ttl = "expired"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Key, FormatSize(e.Size), ttl, e.LastAccess.Format(time.RFC3339))
	}

	_ = w.Flush()

	if resp.Truncated {
		fmt.Fprintf(out, "(%d of %d entries shown)\n", len(resp.Entries), resp.Total)
	}
}

// NewPurgeCmd creates the purge command
func NewPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <key>",
		Short: "Remove an object from the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewAdminClient()
			if err != nil {
				return err
			}

			if err := client.Purge(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to purge %s: %w", args[0], err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Purged '%s'\n", args[0])
			return nil
		},
	}
}

// NewSweepCmd creates the sweep command
func NewSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run an eviction pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewAdminClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			res, err := client.Sweep(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Expired %d, evicted %d, deferred %d, freed %s in %s\n",
				res.Expired, res.Evicted, res.Deferred, FormatSize(res.Freed), res.Duration)
			return nil
		},
	}
}
