package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yomibot/backend/internal/cache"
	"github.com/yomibot/backend/internal/llm"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Show model priority, usage and cooldowns",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApplication(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		printModels(cmd, app.gateway.Status())
		return nil
	},
}

func printModels(cmd *cobra.Command, statuses []llm.ModelStatus) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tPROVIDER\tSTATUS\tREQUESTS\tLAST USED\tBREAKER")
	for _, s := range statuses {
		state := "available"
		if !s.Available {
			state = "cooldown " + s.CooldownRemaining.Round(time.Second).String()
		}
		lastUsed := "-"
		if !s.LastUsed.IsZero() {
			lastUsed = s.LastUsed.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", s.Name, s.Provider, state, s.Requests, lastUsed, s.Breaker)
	}
	w.Flush()
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage cached fetches",
}

var cacheClearCmd = &cobra.Command{
	Use:       "clear [kind...]",
	Short:     "Drop cached entries of the given kinds (all kinds when none given)",
	ValidArgs: kindNames(),
	Args:      cobra.OnlyValidArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		inv, ok := store.(cache.Invalidator)
		if !ok {
			return fmt.Errorf("cache backend %q cannot be cleared", cfg.Cache.Backend)
		}

		kinds := cache.Kinds
		if len(args) > 0 {
			kinds = kinds[:0:0]
			for _, a := range args {
				kinds = append(kinds, cache.Kind(a))
			}
		}
		for _, k := range kinds {
			if err := inv.Invalidate(cmd.Context(), k); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", k)
		}
		return nil
	},
}

func kindNames() []string {
	names := make([]string, 0, len(cache.Kinds))
	for _, k := range cache.Kinds {
		names = append(names, string(k))
	}
	return names
}

func init() {
	cacheCmd.AddCommand(cacheClearCmd)
}
