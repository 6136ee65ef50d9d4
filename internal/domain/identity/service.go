package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MinPasswordLength applies to registration and password changes.
const MinPasswordLength = 6

// PasswordHasher hashes and checks passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) (bool, error)
}

// TextCleaner strips markup from user-supplied display text.
type TextCleaner interface {
	Clean(s string) string
}

type Service struct {
	repo   Repository
	hasher PasswordHasher
	clean  TextCleaner
}

func NewService(repo Repository, hasher PasswordHasher, clean TextCleaner) *Service {
	return &Service{repo: repo, hasher: hasher, clean: clean}
}

// ProfileUpdate carries the fields a user may change; nil leaves a field as is.
type ProfileUpdate struct {
	Name           *string `json:"name"`
	Phone          *string `json:"phone"`
	ProfileImage   *string `json:"profileImage"`
	Specialization *string `json:"specialization"`
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Identity, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) UpdateProfile(ctx context.Context, id uuid.UUID, upd ProfileUpdate) (*Identity, error) {
	ident, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if upd.Name != nil {
		name := s.cleanText(*upd.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name cannot be empty", ErrValidation)
		}
		ident.Name = name
	}
	if upd.Phone != nil {
		ident.Phone = strings.TrimSpace(*upd.Phone)
	}
	if upd.ProfileImage != nil {
		ident.ProfileImage = strings.TrimSpace(*upd.ProfileImage)
	}
	if upd.Specialization != nil {
		if ident.Role != RoleDoctor {
			return nil, fmt.Errorf("%w: only doctors have a specialization", ErrValidation)
		}
		ident.Specialization = s.cleanText(*upd.Specialization)
	}

	if err := s.repo.Update(ctx, ident); err != nil {
		return nil, err
	}
	return ident, nil
}

// ChangePassword replaces the password after checking the current one.
// Federated-only accounts have no current password and may set one directly.
func (s *Service) ChangePassword(ctx context.Context, id uuid.UUID, current, next string) error {
	if len(next) < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrValidation, MinPasswordLength)
	}

	ident, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if ident.PasswordHash != "" {
		ok, err := s.hasher.Compare(ident.PasswordHash, current)
		if err != nil {
			return err
		}
		if !ok {
			return ErrWrongPassword
		}
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	ident.PasswordHash = hash
	return s.repo.Update(ctx, ident)
}

func (s *Service) UpdateNotificationSettings(ctx context.Context, id uuid.UUID, settings NotificationSettings) (*Identity, error) {
	ident, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ident.NotificationSettings = settings
	if err := s.repo.Update(ctx, ident); err != nil {
		return nil, err
	}
	return ident, nil
}

// SetVerificationStatus records an admin decision on a doctor account.
func (s *Service) SetVerificationStatus(ctx context.Context, id uuid.UUID, status VerificationStatus) (*Identity, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown verification status %q", ErrValidation, status)
	}
	ident, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ident.Role != RoleDoctor {
		return nil, fmt.Errorf("%w: only doctor accounts are verified", ErrValidation)
	}
	ident.VerificationStatus = status
	if err := s.repo.Update(ctx, ident); err != nil {
		return nil, err
	}
	return ident, nil
}

func (s *Service) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Identity, int, error) {
	return s.repo.List(ctx, filter, limit, offset)
}

func (s *Service) cleanText(v string) string {
	if s.clean != nil {
		v = s.clean.Clean(v)
	}
	return strings.TrimSpace(v)
}
