package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

// PoolRow is one pool rendered with display amounts.
type PoolRow struct {
	ExpiresAt time.Time
	ID        string
	FunderID  string
	Amount    string
	Symbol    string
	Status    string
	Claims    int
}

// ClaimRow is one claim on a pool.
type ClaimRow struct {
	CreatedAt  time.Time
	ClaimantID string
	Status     string
}

// PayoutRow is one claimant's share of a settlement.
type PayoutRow struct {
	ClaimantID string
	Amount     string
}

// WritePools writes pools as an aligned table.
func WritePools(w io.Writer, rows []PoolRow) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
		HeaderStyle.Render("ID"),
		HeaderStyle.Render("Funder"),
		HeaderStyle.Render("Amount"),
		HeaderStyle.Render("Status"),
		HeaderStyle.Render("Claims"),
		HeaderStyle.Render("Expires")); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
		strings.Repeat("─", 36),
		strings.Repeat("─", 10),
		strings.Repeat("─", 12),
		strings.Repeat("─", 10),
		strings.Repeat("─", 6),
		strings.Repeat("─", 16)); err != nil {
		return fmt.Errorf("failed to write separator: %w", err)
	}
	for _, row := range rows {
		if _, err := fmt.Fprintf(tw, "%s\t%s\t%s %s\t%s\t%d\t%s\n",
			row.ID,
			row.FunderID,
			row.Amount,
			row.Symbol,
			FormatStatus(row.Status),
			row.Claims,
			row.ExpiresAt.Local().Format("2006-01-02 15:04")); err != nil {
			return fmt.Errorf("failed to write pool row: %w", err)
		}
	}
	return tw.Flush()
}

// WriteClaims writes a pool's claims in registration order.
func WriteClaims(w io.Writer, rows []ClaimRow) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, SubtleStyle.Render("No claims yet."))
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\n",
		HeaderStyle.Render("Claimant"),
		HeaderStyle.Render("Status"),
		HeaderStyle.Render("Claimed")); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, row := range rows {
		if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\n",
			row.ClaimantID,
			FormatStatus(row.Status),
			row.CreatedAt.Local().Format("2006-01-02 15:04:05")); err != nil {
			return fmt.Errorf("failed to write claim row: %w", err)
		}
	}
	return tw.Flush()
}

// FormatSettlement summarizes a settlement outcome and its payouts.
func FormatSettlement(poolID, outcome, symbol, refund string, payouts []PayoutRow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pool:    %s\nOutcome: %s\n", poolID, FormatStatus(outcome))
	if refund != "" {
		fmt.Fprintf(&b, "Refund:  %s %s\n", refund, symbol)
	}
	for _, p := range payouts {
		fmt.Fprintf(&b, "  %s  %s %s\n", p.ClaimantID, p.Amount, symbol)
	}
	return strings.TrimRight(b.String(), "\n")
}
