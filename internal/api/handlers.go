package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/Veraticus/grouptip/internal/amount"
	"github.com/Veraticus/grouptip/internal/common"
	"github.com/Veraticus/grouptip/internal/ledger"
	"github.com/Veraticus/grouptip/internal/model"
	"github.com/Veraticus/grouptip/internal/pools"
	"github.com/Veraticus/grouptip/internal/service"
)

type createPoolRequest struct {
	FunderID    string `json:"funder_id"`
	TokenID     string `json:"token_id"`
	Amount      string `json:"amount"`
	Duration    string `json:"duration"`
	ExternalRef string `json:"external_ref"`
}

type claimRequest struct {
	ClaimantID string `json:"claimant_id"`
	// Pending claims only count once accepted.
	Pending bool `json:"pending"`
}

type cancelRequest struct {
	FunderID string `json:"funder_id"`
}

type abortRequest struct {
	Reason string `json:"reason"`
}

type poolView struct {
	CreatedAt     time.Time   `json:"created_at"`
	ExpiresAt     time.Time   `json:"expires_at"`
	SettledAt     *time.Time  `json:"settled_at,omitempty"`
	ID            string      `json:"id"`
	FunderID      string      `json:"funder_id"`
	TokenID       string      `json:"token_id"`
	TokenSymbol   string      `json:"token_symbol"`
	Amount        string      `json:"amount"`
	Fee           string      `json:"fee"`
	Status        string      `json:"status"`
	ExternalRef   string      `json:"external_ref,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
	Claims        []claimView `json:"claims,omitempty"`
	ClaimCount    int         `json:"claim_count"`
}

type claimView struct {
	CreatedAt  time.Time `json:"created_at"`
	ClaimantID string    `json:"claimant_id"`
	Status     string    `json:"status"`
}

type payoutView struct {
	ClaimantID string `json:"claimant_id"`
	Amount     string `json:"amount"`
}

type settlementView struct {
	PoolID  string       `json:"pool_id"`
	Outcome string       `json:"outcome"`
	Refund  string       `json:"refund,omitempty"`
	Payouts []payoutView `json:"payouts"`
	Pool    *poolView    `json:"pool,omitempty"`
}

type balanceView struct {
	UserID      string `json:"user_id"`
	TokenID     string `json:"token_id"`
	TokenSymbol string `json:"token_symbol"`
	Amount      string `json:"amount"`
	Atomic      string `json:"atomic"`
}

func (s *Server) createPool(w http.ResponseWriter, r *http.Request) {
	var req createPoolRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	duration, err := time.ParseDuration(req.Duration)
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: %q", common.ErrInvalidDuration, req.Duration))
		return
	}

	pool, err := s.cfg.Pools.Create(r.Context(), pools.CreateRequest{
		FunderID:    req.FunderID,
		TokenID:     req.TokenID,
		Amount:      req.Amount,
		ExternalRef: req.ExternalRef,
		Duration:    duration,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/pools/"+pool.ID)
	writeJSON(w, http.StatusCreated, s.poolView(r, pool, nil))
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pool, err := s.cfg.Pools.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	claims, err := s.cfg.Pools.Claims(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.poolView(r, pool, claims))
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := defaultListLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit.")
			return
		}
		limit = n
	}

	// EXPIRED is a derived status: ACTIVE pools past expiry.
	raw := strings.ToUpper(strings.TrimSpace(query.Get("status")))
	expiredOnly := raw == "EXPIRED"
	status := model.PoolStatus(raw)
	switch {
	case raw == "", expiredOnly:
		status = model.PoolActive
	case !status.IsValid():
		writeError(w, http.StatusBadRequest, "Unknown pool status.")
		return
	}

	list, err := s.cfg.Pools.List(r.Context(), status, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	now := s.cfg.Now()
	views := make([]poolView, 0, len(list))
	for i := range list {
		if expiredOnly && !list[i].IsExpired(now) {
			continue
		}
		views = append(views, s.poolView(r, &list[i], nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": views})
}

func (s *Server) registerClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	id := chi.URLParam(r, "id")

	register := s.cfg.Claims.RegisterClaim
	status := model.ClaimClaimed
	if req.Pending {
		register = s.cfg.Claims.RegisterPendingClaim
		status = model.ClaimPending
	}
	count, err := register(r.Context(), id, req.ClaimantID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"pool_id":     id,
		"claimant_id": strings.TrimSpace(req.ClaimantID),
		"status":      status,
		"claim_count": count,
	})
}

func (s *Server) acceptClaim(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claimant := chi.URLParam(r, "claimant")
	if err := s.cfg.Claims.AcceptClaim(r.Context(), id, claimant); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pool_id":     id,
		"claimant_id": claimant,
		"status":      model.ClaimClaimed,
	})
}

func (s *Server) cancelPool(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	result, err := s.cfg.Settler.Cancel(r.Context(), chi.URLParam(r, "id"), req.FunderID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.settlementView(r, result))
}

func (s *Server) expirePool(w http.ResponseWriter, r *http.Request) {
	result, err := s.cfg.Settler.ForceExpire(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.settlementView(r, result))
}

func (s *Server) abortPool(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	if err := decode(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "aborted by operator"
	}
	result, err := s.cfg.Settler.Abort(r.Context(), chi.URLParam(r, "id"), reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.settlementView(r, result))
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "token")
	token, err := s.cfg.Tokens.Token(r.Context(), tokenID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	bal, err := s.cfg.Store.GetBalance(r.Context(), chi.URLParam(r, "user"), tokenID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceView{
		UserID:      bal.UserID,
		TokenID:     token.ID,
		TokenSymbol: token.Symbol,
		Amount:      amount.ToDecimalString(bal.Amount, token.Precision),
		Atomic:      amount.FormatAtomic(bal.Amount),
	})
}

// exportLedger streams matching ledger entries as JSON lines.
func (s *Server) exportLedger(w http.ResponseWriter, r *http.Request) {
	filter, err := ledgerFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid ledger filter: "+err.Error()+".")
		return
	}
	entries, err := s.cfg.Store.ListLedgerEntries(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if err := ledger.WriteJSONLines(w, entries); err != nil {
		s.fail(w, r, err)
	}
}

func ledgerFilter(r *http.Request) (service.LedgerFilter, error) {
	query := r.URL.Query()
	filter := service.LedgerFilter{
		UserID:  query.Get("user"),
		TokenID: query.Get("token"),
		PoolID:  query.Get("pool"),
		Type:    model.EntryType(strings.ToUpper(query.Get("type"))),
	}
	for name, dst := range map[string]**time.Time{"since": &filter.Since, "until": &filter.Until} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("%s must be RFC 3339", name)
		}
		*dst = &t
	}
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return filter, errors.New("limit must be a positive integer")
		}
		filter.Limit = n
	}
	return filter, nil
}

// display renders atomic values in the pool's token. Unknown tokens fall back
// to atomic units.
func (s *Server) display(r *http.Request, tokenID string) (model.Token, func(*uint256.Int) string) {
	token, err := s.cfg.Tokens.Token(r.Context(), tokenID)
	if err != nil {
		token = model.Token{ID: tokenID, Symbol: tokenID}
	}
	return token, func(v *uint256.Int) string {
		if v == nil {
			return ""
		}
		return amount.ToDecimalString(v, token.Precision)
	}
}

func (s *Server) poolView(r *http.Request, pool *model.Pool, claims []model.Claim) poolView {
	token, format := s.display(r, pool.TokenID)
	view := poolView{
		CreatedAt:     pool.CreatedAt,
		ExpiresAt:     pool.ExpiresAt,
		SettledAt:     pool.SettledAt,
		ID:            pool.ID,
		FunderID:      pool.FunderID,
		TokenID:       pool.TokenID,
		TokenSymbol:   token.Symbol,
		Amount:        format(pool.Total),
		Fee:           format(pool.Fee),
		Status:        pool.DisplayStatus(s.cfg.Now()),
		ExternalRef:   pool.ExternalRef,
		FailureReason: pool.FailureReason,
		ClaimCount:    pool.ClaimCount,
	}
	for _, c := range claims {
		view.Claims = append(view.Claims, claimView{
			CreatedAt:  c.CreatedAt,
			ClaimantID: c.ClaimantID,
			Status:     string(c.Status),
		})
	}
	return view
}

func (s *Server) settlementView(r *http.Request, result *model.SettlementResult) settlementView {
	view := settlementView{
		PoolID:  result.PoolID,
		Outcome: string(result.Outcome),
		Payouts: make([]payoutView, 0, len(result.Payouts)),
	}
	if result.Pool == nil {
		return view
	}
	_, format := s.display(r, result.Pool.TokenID)
	view.Refund = format(result.Refund)
	for _, p := range result.Payouts {
		view.Payouts = append(view.Payouts, payoutView{ClaimantID: p.ClaimantID, Amount: format(p.Amount)})
	}
	pv := s.poolView(r, result.Pool, nil)
	view.Pool = &pv
	return view
}
