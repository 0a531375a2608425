package debtor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Service exposes debtor operations used by the finalizer and the API.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Key is one identifying column value of a debtor.
type Key struct {
	Column string
	Value  string
}

// Identities returns the natural keys of d in lookup order: national id then
// passport number for PP, registration number then tax id for PM. Blank
// values are skipped.
func Identities(d Debtor) []Key {
	var candidates []Key
	if d.Type == TypeCompany {
		candidates = []Key{
			{Column: "registration_number", Value: trimmed(d.RegistrationNumber)},
			{Column: "tax_id", Value: trimmed(d.TaxID)},
		}
	} else {
		candidates = []Key{
			{Column: "national_id", Value: trimmed(d.NationalID)},
			{Column: "passport_number", Value: trimmed(d.PassportNumber)},
		}
	}
	keys := candidates[:0]
	for _, k := range candidates {
		if k.Value != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func trimmed(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// Resolve returns the existing debtor sharing one of d's identities, or
// inserts d. created reports whether a new debtor was written.
func (s *Service) Resolve(ctx context.Context, tx pgx.Tx, d Debtor) (Debtor, bool, error) {
	if d.Type != TypeIndividual && d.Type != TypeCompany {
		return Debtor{}, false, fmt.Errorf("debtor: invalid type %q", d.Type)
	}
	for _, key := range Identities(d) {
		existing, err := s.repo.FindByIdentity(ctx, tx, d.Type, key)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Debtor{}, false, err
		}
	}
	created, err := s.repo.Insert(ctx, tx, d)
	if err != nil {
		return Debtor{}, false, err
	}
	return created, true, nil
}

func (s *Service) Get(ctx context.Context, id string) (Debtor, error) {
	return s.repo.Get(ctx, id)
}
