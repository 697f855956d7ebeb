// Package tokens holds the static token registry loaded from configuration.
package tokens

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Veraticus/grouptip/internal/amount"
	"github.com/Veraticus/grouptip/internal/common"
	"github.com/Veraticus/grouptip/internal/model"
)

// Registry is a read-only set of tokens keyed by id.
type Registry struct {
	byID map[string]model.Token
}

// NewRegistry validates tokens and indexes them by id.
func NewRegistry(tokens []model.Token) (*Registry, error) {
	r := &Registry{byID: make(map[string]model.Token, len(tokens))}
	for _, tok := range tokens {
		id := strings.TrimSpace(tok.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: token with empty id", common.ErrInvalidConfig)
		}
		if _, dup := r.byID[id]; dup {
			return nil, fmt.Errorf("%w: duplicate token %q", common.ErrInvalidConfig, id)
		}
		if tok.Precision > amount.MaxPrecision {
			return nil, fmt.Errorf("%w: token %q precision %d exceeds %d", common.ErrInvalidConfig, id, tok.Precision, amount.MaxPrecision)
		}
		if tok.FeeBasisPoints > amount.BasisPointsDenominator {
			return nil, fmt.Errorf("%w: token %q fee exceeds 100%%", common.ErrInvalidConfig, id)
		}
		tok.ID = id
		r.byID[id] = tok
	}
	return r, nil
}

// Token returns a token by id, or common.ErrTokenNotFound. Inactive tokens are
// returned too; callers decide whether inactivity matters.
func (r *Registry) Token(_ context.Context, id string) (model.Token, error) {
	tok, ok := r.byID[id]
	if !ok {
		return model.Token{}, fmt.Errorf("%w: %s", common.ErrTokenNotFound, id)
	}
	return tok, nil
}

// List returns every token ordered by id.
func (r *Registry) List() []model.Token {
	out := make([]model.Token, 0, len(r.byID))
	for _, tok := range r.byID {
		out = append(out, tok)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
