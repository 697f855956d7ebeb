package ledger

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Veraticus/grouptip/internal/model"
)

// ExportRecord is the audit representation of one ledger entry. Amounts are
// atomic units; Amount is negative for debits.
type ExportRecord struct {
	CreatedAt      time.Time `json:"created_at"`
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	UserID         string    `json:"user_id"`
	TokenID        string    `json:"token_id"`
	Amount         string    `json:"amount"`
	Fee            string    `json:"fee"`
	CounterpartyID string    `json:"counterparty_id,omitempty"`
	CorrelationRef string    `json:"correlation_ref,omitempty"`
}

var csvHeader = []string{"id", "created_at", "type", "user_id", "token_id", "amount", "fee", "counterparty_id", "correlation_ref"}

// Record converts an entry to its export form.
func Record(e model.LedgerEntry) ExportRecord {
	fee := "0"
	if e.Fee != nil {
		fee = e.Fee.Dec()
	}
	return ExportRecord{
		CreatedAt:      e.CreatedAt.UTC(),
		ID:             e.ID,
		Type:           string(e.Type),
		UserID:         e.UserID,
		TokenID:        e.TokenID,
		Amount:         e.SignedAmount(),
		Fee:            fee,
		CounterpartyID: e.CounterpartyID,
		CorrelationRef: e.CorrelationRef,
	}
}

// WriteJSONLines writes one JSON object per entry.
func WriteJSONLines(w io.Writer, entries []model.LedgerEntry) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(Record(e)); err != nil {
			return fmt.Errorf("failed to write entry %s: %w", e.ID, err)
		}
	}
	return nil
}

// WriteCSV writes a header row followed by one row per entry.
func WriteCSV(w io.Writer, entries []model.LedgerEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		r := Record(e)
		row := []string{
			r.ID,
			r.CreatedAt.Format(time.RFC3339Nano),
			r.Type,
			r.UserID,
			r.TokenID,
			r.Amount,
			r.Fee,
			r.CounterpartyID,
			r.CorrelationRef,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write entry %s: %w", e.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
