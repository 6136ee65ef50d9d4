package identity

import (
	"context"

	"github.com/google/uuid"
)

// ListFilter narrows admin listings. Zero values match everything.
type ListFilter struct {
	Role               Role
	VerificationStatus VerificationStatus
}

// Repository is the identity store. Implementations enforce email
// uniqueness and return ErrDuplicateEmail and ErrNotFound.
type Repository interface {
	Create(ctx context.Context, ident *Identity) error
	GetByID(ctx context.Context, id uuid.UUID) (*Identity, error)
	// FindByEmail resolves an address with Doctor, Patient, Person precedence.
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	// FindByFirebaseUID resolves the account linked to a provider subject.
	FindByFirebaseUID(ctx context.Context, uid string) (*Identity, error)
	Update(ctx context.Context, ident *Identity) error
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Identity, int, error)
}
