package casefile

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Service exposes case operations.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Create inserts c inside tx. TotalAmount is derived from the components.
func (s *Service) Create(ctx context.Context, tx pgx.Tx, c Case) (Case, error) {
	if c.BankID == "" || c.DebtorID == "" {
		return Case{}, fmt.Errorf("casefile: bank and debtor are required")
	}
	if strings.TrimSpace(c.BankReference) == "" {
		return Case{}, fmt.Errorf("casefile: bank reference is required")
	}
	if !c.AmountPrincipal.IsPositive() {
		return Case{}, fmt.Errorf("casefile: principal must be positive, got %s", c.AmountPrincipal)
	}
	if len(c.Currency) != 3 {
		return Case{}, fmt.Errorf("casefile: invalid currency %q", c.Currency)
	}
	c.TotalAmount = c.AmountPrincipal.Add(c.AmountInterest).Add(c.AmountPenalties).Add(c.AmountFees)
	return s.repo.Insert(ctx, tx, c)
}

func (s *Service) Get(ctx context.Context, id string) (Case, error) {
	return s.repo.Get(ctx, id)
}

// GetOrdered loads the cases for ids and returns them in the order of ids.
// Ids without a case are skipped.
func (s *Service) GetOrdered(ctx context.Context, ids []string) ([]Case, error) {
	found, err := s.repo.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Case, len(found))
	for _, c := range found {
		byID[c.ID] = c
	}
	out := make([]Case, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}
