package main

import (
	"fmt"

	"github.com/coder/quartz"
	"github.com/spf13/cobra"

	"example.com/uniques/internal/domain"
	"example.com/uniques/internal/uniques"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the event store schema and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg, log.Named("store"))
		if err != nil {
			return err
		}
		return store.Close()
	},
}

var warmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Rebuild the cache once and print per-day estimates",
	Long: `Rebuilds the configured cache from the event store and prints the
estimated distinct count for every day inside the query horizon that has
any activity. With CACHE_BACKEND=redis this also refreshes the shared cache.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		clk := quartz.NewReal()

		store, err := openStore(ctx, cfg, log.Named("store"))
		if err != nil {
			return err
		}
		defer store.Close()
		c, closeCache, err := newCache(cfg, clk, log, nil)
		if err != nil {
			return err
		}
		defer closeCache()

		svc, err := uniques.New(store, c, uniques.Options{
			QueryHorizonDays:    cfg.QueryHorizonDays,
			RebuildLookbackDays: cfg.RebuildLookbackDays,
			Clock:               clk,
			Logger:              log,
		})
		if err != nil {
			return err
		}
		if err := svc.Rewarm(ctx); err != nil {
			return err
		}

		today := domain.DayOf(clk.Now())
		out := cmd.OutOrStdout()
		for _, day := range domain.DaysBetween(today.AddDays(-cfg.QueryHorizonDays), today) {
			n, err := svc.CountDay(ctx, day)
			if err != nil {
				return err
			}
			if n > 0 {
				fmt.Fprintf(out, "%s\t%d\n", day, n)
			}
		}
		mtd, err := svc.CountMonthToDate(ctx, today)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "month-to-date %s\t%d\n", today, mtd)
		return nil
	},
}
