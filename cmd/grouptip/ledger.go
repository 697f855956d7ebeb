package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Veraticus/grouptip/internal/ledger"
	"github.com/Veraticus/grouptip/internal/model"
	"github.com/Veraticus/grouptip/internal/service"
	"github.com/spf13/cobra"
)

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Audit the ledger",
	}
	cmd.AddCommand(ledgerExportCmd())
	return cmd
}

func ledgerExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export ledger entries as JSON lines or CSV",
		Long: `Write ledger entries in write order. Amounts are atomic units and debits
are negative, so the amounts for one user and token sum to their balance.`,
		RunE: runLedgerExport,
	}
	cmd.Flags().String("format", "jsonl", "output format (jsonl, csv)")
	cmd.Flags().StringP("output", "o", "", "output file (default: stdout)")
	cmd.Flags().String("user", "", "only entries for this user")
	cmd.Flags().String("token", "", "only entries for this token")
	cmd.Flags().String("pool", "", "only entries for this pool")
	cmd.Flags().String("type", "", "only entries of this type, such as POOL_PAYOUT")
	cmd.Flags().String("since", "", "only entries at or after this RFC 3339 time")
	cmd.Flags().String("until", "", "only entries before this RFC 3339 time")
	cmd.Flags().Int("limit", 0, "maximum entries (0 for all)")
	return cmd
}

func runLedgerExport(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	var write func(io.Writer, []model.LedgerEntry) error
	switch format {
	case "jsonl":
		write = ledger.WriteJSONLines
	case "csv":
		write = ledger.WriteCSV
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	filter, err := exportFilter(cmd)
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		entries, err := a.store.ListLedgerEntries(ctx, filter)
		if err != nil {
			return err
		}

		out := io.Writer(os.Stdout)
		if path, _ := cmd.Flags().GetString("output"); path != "" {
			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", path, err)
			}
			defer func() {
				if closeErr := f.Close(); closeErr != nil {
					slog.Error("Failed to close export file", "error", closeErr)
				}
			}()
			out = f
		}

		if err := write(out, entries); err != nil {
			return err
		}
		slog.Info("Ledger exported", "entries", len(entries), "format", format)
		return nil
	})
}

func exportFilter(cmd *cobra.Command) (service.LedgerFilter, error) {
	flags := cmd.Flags()
	user, _ := flags.GetString("user")
	token, _ := flags.GetString("token")
	pool, _ := flags.GetString("pool")
	kind, _ := flags.GetString("type")
	limit, _ := flags.GetInt("limit")

	filter := service.LedgerFilter{
		UserID:  user,
		TokenID: token,
		PoolID:  pool,
		Type:    model.EntryType(strings.ToUpper(kind)),
		Limit:   limit,
	}
	for name, dst := range map[string]**time.Time{"since": &filter.Since, "until": &filter.Until} {
		raw, _ := flags.GetString(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("--%s must be RFC 3339: %w", name, err)
		}
		*dst = &t
	}
	return filter, nil
}
