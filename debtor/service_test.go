package debtor

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestResolve_ReusesExistingIdentity(t *testing.T) {
	repo := &stubRepo{byIdentity: map[string]Debtor{
		"PP/national_id/123": {ID: "d-1", Type: TypeIndividual, NationalID: strPtr("123")},
	}}
	svc := NewService(repo)

	d, created, err := svc.Resolve(context.Background(), nil, Debtor{Type: TypeIndividual, NationalID: strPtr(" 123 ")})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "d-1", d.ID)
	assert.Zero(t, repo.inserted)
}

func TestResolve_InsertsWhenUnknown(t *testing.T) {
	repo := &stubRepo{byIdentity: map[string]Debtor{}}
	svc := NewService(repo)

	d, created, err := svc.Resolve(context.Background(), nil, Debtor{Type: TypeCompany, CompanyName: strPtr("SNIM"), RegistrationNumber: strPtr("RC-9")})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "new-1", d.ID)

	_, created, err = svc.Resolve(context.Background(), nil, Debtor{Type: TypeCompany, CompanyName: strPtr("No Id")})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 2, repo.inserted)
}

func TestResolve_FallsBackToPassportAndTaxID(t *testing.T) {
	repo := &stubRepo{byIdentity: map[string]Debtor{
		"PP/passport_number/P-77": {ID: "d-pass", Type: TypeIndividual, PassportNumber: strPtr("P-77")},
		"PM/tax_id/NIF-4":         {ID: "d-nif", Type: TypeCompany, TaxID: strPtr("NIF-4")},
	}}
	svc := NewService(repo)

	d, created, err := svc.Resolve(context.Background(), nil, Debtor{Type: TypeIndividual, NationalID: strPtr("999"), PassportNumber: strPtr("P-77")})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "d-pass", d.ID)
	assert.Equal(t, []string{"national_id", "passport_number"}, repo.lookups)

	d, created, err = svc.Resolve(context.Background(), nil, Debtor{Type: TypeCompany, CompanyName: strPtr("Mauritel"), TaxID: strPtr(" NIF-4 ")})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "d-nif", d.ID)
	assert.Zero(t, repo.inserted)
}

func TestIdentities_SkipsBlankKeys(t *testing.T) {
	assert.Empty(t, Identities(Debtor{Type: TypeIndividual, NationalID: strPtr("  ")}))
	assert.Equal(t, []Key{{Column: "tax_id", Value: "NIF-1"}},
		Identities(Debtor{Type: TypeCompany, TaxID: strPtr("NIF-1")}))
}

func TestResolve_PropagatesLookupFailure(t *testing.T) {
	boom := errors.New("connection reset")
	svc := NewService(&stubRepo{findErr: boom})
	_, _, err := svc.Resolve(context.Background(), nil, Debtor{Type: TypeIndividual, NationalID: strPtr("1")})
	assert.ErrorIs(t, err, boom)

	_, _, err = svc.Resolve(context.Background(), nil, Debtor{Type: "XX"})
	assert.Error(t, err)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Fatimetou Mint Ahmed", Debtor{Type: TypeIndividual, FirstName: strPtr("Fatimetou"), LastName: strPtr("Mint Ahmed")}.DisplayName())
	assert.Equal(t, "Sall", Debtor{Type: TypeIndividual, LastName: strPtr("Sall")}.DisplayName())
	assert.Equal(t, "SNIM", Debtor{Type: TypeCompany, CompanyName: strPtr("SNIM")}.DisplayName())
}

type stubRepo struct {
	byIdentity map[string]Debtor
	findErr    error
	inserted   int
	lookups    []string
}

func (s *stubRepo) Insert(_ context.Context, _ pgx.Tx, d Debtor) (Debtor, error) {
	s.inserted++
	d.ID = "new-" + string(rune('0'+s.inserted))
	return d, nil
}

func (s *stubRepo) FindByIdentity(_ context.Context, _ pgx.Tx, t Type, key Key) (Debtor, error) {
	s.lookups = append(s.lookups, key.Column)
	if s.findErr != nil {
		return Debtor{}, s.findErr
	}
	d, ok := s.byIdentity[string(t)+"/"+key.Column+"/"+key.Value]
	if !ok {
		return Debtor{}, ErrNotFound
	}
	return d, nil
}

func (s *stubRepo) Get(context.Context, string) (Debtor, error) {
	return Debtor{}, ErrNotFound
}
