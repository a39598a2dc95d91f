package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/aegis-gateway/internal/receipt"
)

func newReceiptsCmd() *cobra.Command {
	var (
		dbPath   string
		tenantID string
		id       string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "receipts",
		Short: "Show receipts stored in the SQLite audit sink",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(dbPath); err != nil {
				return fmt.Errorf("open audit db: %w", err)
			}
			db, err := sql.Open("sqlite", dbPath)
			if err != nil {
				return fmt.Errorf("open audit db: %w", err)
			}
			defer func() { _ = db.Close() }()

			store, err := receipt.NewSQLiteSink(db)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if id != "" {
				body, err := store.Get(cmd.Context(), id)
				if errors.Is(err, receipt.ErrNotFound) {
					return fmt.Errorf("receipt %s not found", id)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(body))
				return nil
			}

			list, err := store.ListByTenant(cmd.Context(), tenantID, limit)
			if err != nil {
				return err
			}
			for _, r := range list {
				actual := "-"
				if r.Result.ActualUSD != nil {
					actual = fmt.Sprintf("%.6f", *r.Result.ActualUSD)
				}
				fmt.Fprintf(out, "%s  %d  %-8s %-24s status=%d est=%.6f actual=%s\n",
					r.ReceiptID, r.TsMs, r.Provider, r.Model, r.Result.Status, r.Result.EstimatedUSD, actual)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", ".aegis/receipts.db", "path to the SQLite audit database")
	cmd.Flags().StringVar(&tenantID, "tenant", "default", "tenant to list")
	cmd.Flags().StringVar(&id, "id", "", "print one receipt by id")
	cmd.Flags().IntVar(&limit, "limit", 20, "max receipts to list")
	return cmd
}
