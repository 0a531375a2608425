package bank

import (
	"context"
	"errors"
)

// ErrInactive signals the bank exists but no longer accepts imports.
var ErrInactive = errors.New("bank: inactive")

// Reader abstracts repository operations for the service.
type Reader interface {
	GetByID(ctx context.Context, id string) (Bank, error)
	List(ctx context.Context, limit int) ([]Bank, error)
}

// Service exposes business-level bank operations.
type Service struct {
	repo Reader
}

// NewService builds a Service using the provided repository.
func NewService(repo Reader) *Service {
	return &Service{repo: repo}
}

// GetByID returns the bank for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Bank, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit active banks.
func (s *Service) List(ctx context.Context, limit int) ([]Bank, error) {
	return s.repo.List(ctx, limit)
}

// EnsureAcceptsImports returns nil when the bank exists and is active.
func (s *Service) EnsureAcceptsImports(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	b, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !b.Active {
		return ErrInactive
	}
	return nil
}
