package testutil

import (
	"context"
	"fmt"

	"github.com/Veraticus/grouptip/internal/common"
	"github.com/Veraticus/grouptip/internal/model"
)

// Common token fixtures.
var (
	// USDC has six decimals and a 1% fee.
	USDC = model.Token{ID: "usdc", Symbol: "USDC", Precision: 6, FeeBasisPoints: 100, Active: true}
	// Points has no decimals and no fee, which keeps arithmetic in tests obvious.
	Points = model.Token{ID: "pts", Symbol: "PTS", Precision: 0, FeeBasisPoints: 0, Active: true}
	// Retired is configured but no longer accepts new pools.
	Retired = model.Token{ID: "old", Symbol: "OLD", Precision: 2, FeeBasisPoints: 50, Active: false}
)

// Tokens is an in-memory token registry for tests.
type Tokens map[string]model.Token

// NewTokens builds a registry from fixtures, defaulting to all of them.
func NewTokens(tokens ...model.Token) Tokens {
	if len(tokens) == 0 {
		tokens = []model.Token{USDC, Points, Retired}
	}
	reg := make(Tokens, len(tokens))
	for _, tok := range tokens {
		reg[tok.ID] = tok
	}
	return reg
}

// Token implements service.TokenRegistry.
func (r Tokens) Token(_ context.Context, id string) (model.Token, error) {
	tok, ok := r[id]
	if !ok {
		return model.Token{}, fmt.Errorf("%w: %s", common.ErrTokenNotFound, id)
	}
	return tok, nil
}
