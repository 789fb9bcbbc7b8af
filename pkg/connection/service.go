package connection

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/roomsync/platform/pkg/common/logger"
	"github.com/roomsync/platform/pkg/common/models"
)

type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// LeaseInvalidator drops in-process cached tokens; token.Manager satisfies it.
type LeaseInvalidator interface {
	Invalidate(connectionID string)
}

type CreateRequest struct {
	ID           string `json:"id" validate:"omitempty,max=64"`
	HotelID      string `json:"hotel_id" validate:"required,max=64"`
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type CredentialRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type Service struct {
	repo     *Repository
	leases   LeaseInvalidator
	provider string
	validate *validator.Validate
}

func NewService(repo *Repository, leases LeaseInvalidator, provider string) *Service {
	return &Service{repo: repo, leases: leases, provider: provider, validate: validator.New()}
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (models.Connection, error) {
	req.RefreshToken = strings.TrimSpace(req.RefreshToken)
	if err := s.validate.Struct(req); err != nil {
		return models.Connection{}, ValidationError{reason: err}
	}
	conn, err := s.repo.Create(ctx, models.Connection{
		ID:           req.ID,
		HotelID:      req.HotelID,
		Provider:     s.provider,
		RefreshToken: req.RefreshToken,
	})
	if err != nil {
		return models.Connection{}, err
	}
	logger.WithConnection(conn.ID).WithField("hotel_id", conn.HotelID).Info("connection created")
	return conn, nil
}

func (s *Service) Get(ctx context.Context, id string) (models.Connection, error) {
	return s.repo.Get(ctx, id)
}

// ReplaceCredential is the operator path for a new refresh credential.
func (s *Service) ReplaceCredential(ctx context.Context, id string, req CredentialRequest) error {
	req.RefreshToken = strings.TrimSpace(req.RefreshToken)
	if err := s.validate.Struct(req); err != nil {
		return ValidationError{reason: err}
	}
	if err := s.repo.ReplaceRefreshToken(ctx, id, req.RefreshToken); err != nil {
		return err
	}
	if s.leases != nil {
		s.leases.Invalidate(id)
	}
	logger.WithConnection(id).Info("refresh credential replaced")
	return nil
}

func (s *Service) Deactivate(ctx context.Context, id string) error {
	if err := s.repo.Deactivate(ctx, id); err != nil {
		return err
	}
	if s.leases != nil {
		s.leases.Invalidate(id)
	}
	logger.WithConnection(id).Info("connection deactivated")
	return nil
}
