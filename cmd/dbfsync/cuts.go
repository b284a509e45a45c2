package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smartdbf/dbfsync/internal/sqlitepool"
	"github.com/smartdbf/dbfsync/internal/store"
)

var cutsCmd = &cobra.Command{
	Use:   "cuts",
	Short: "Manage reconciliation cut boundaries",
	Long: `Cuts mark reconciliation boundaries (an identifier plus its start
date). They are consumed by external reconciliation tooling; dbfsync only
maintains the table.`,
}

var cutsAddCmd = &cobra.Command{
	Use:   "add <cut-id> <start-date>",
	Short: "Record a new cut boundary",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.Store) error {
			if err := st.EnsureCuts(); err != nil {
				return err
			}
			if err := st.InsertCut(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Cut %s recorded\n", args[0])
			return nil
		})
	},
}

var cutsListCmd = &cobra.Command{
	Use:   "list <from> <to>",
	Short: "List cuts starting within a date range",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.Store) error {
			if err := st.EnsureCuts(); err != nil {
				return err
			}
			cuts, err := st.CutsInRange(args[0], args[1])
			if err != nil {
				return err
			}
			if len(cuts) == 0 {
				fmt.Println("No cuts in range")
				return nil
			}
			for _, c := range cuts {
				fmt.Printf("  %s  start=%s  inserted=%s\n", c.ID, c.StartDate, c.InsertedAt)
			}
			return nil
		})
	},
}

var cutsFindCmd = &cobra.Command{
	Use:   "find <date>",
	Short: "Find the cut covering a date",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.Store) error {
			if err := st.EnsureCuts(); err != nil {
				return err
			}
			cut, err := st.CutForDate(args[0])
			if err != nil {
				return err
			}
			if cut == nil {
				fmt.Printf("No cut covers %s\n", args[0])
				return nil
			}
			fmt.Printf("%s  start=%s  inserted=%s\n", cut.ID, cut.StartDate, cut.InsertedAt)
			return nil
		})
	},
}

// withStore opens the pool and store for one command invocation.
func withStore(fn func(st *store.Store) error) error {
	pool, err := sqlitepool.New(cfg.DBPath, cfg.PoolSize, logger)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(store.New(pool, cfg.AcquireTimeout, logger))
}

func init() {
	cutsCmd.AddCommand(cutsAddCmd, cutsListCmd, cutsFindCmd)
	rootCmd.AddCommand(cutsCmd)
}
