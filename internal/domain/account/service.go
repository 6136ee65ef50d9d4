package account

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthpal/healthpal-api/internal/domain/identity"
	"github.com/healthpal/healthpal-api/internal/platform/auth"
)

var (
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrForbidden           = errors.New("access denied")
	ErrUnauthenticated     = errors.New("account no longer valid for this token")
	ErrPendingVerification = errors.New("account pending verification")
	ErrFederatedDisabled   = errors.New("federated sign-in is not configured")
)

// Sign-in methods, as reported to the AuthRecorder.
const (
	MethodRegister   = "register"
	MethodLogin      = "login"
	MethodAdminLogin = "admin_login"
	MethodFederated  = "federated"
	MethodRefresh    = "refresh"
	MethodVerify     = "verify"
)

// FederatedVerifier exchanges a provider token for a verified profile.
type FederatedVerifier interface {
	Verify(ctx context.Context, providerToken string) (*auth.FederatedProfile, error)
}

// TokenIssuer signs and checks session tokens.
type TokenIssuer interface {
	Issue(identityID, role string) (string, error)
	Verify(token string) (*auth.SessionClaims, error)
}

// AuthRecorder observes sign-in outcomes.
type AuthRecorder interface {
	RecordAuth(method, outcome string)
}

// Session is the result of every successful sign-in.
type Session struct {
	Token    string
	Identity *identity.Identity
}

type Service struct {
	repo      identity.Repository
	tokens    TokenIssuer
	federated FederatedVerifier
	hasher    identity.PasswordHasher
	clean     identity.TextCleaner
	recorder  AuthRecorder
	logger    zerolog.Logger
}

// NewService wires the gateway. federated may be nil when provider sign-in
// is not configured.
func NewService(repo identity.Repository, tokens TokenIssuer, federated FederatedVerifier,
	hasher identity.PasswordHasher, clean identity.TextCleaner, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		tokens:    tokens,
		federated: federated,
		hasher:    hasher,
		clean:     clean,
		logger:    logger,
	}
}

// SetRecorder attaches an optional outcome recorder.
func (s *Service) SetRecorder(r AuthRecorder) {
	s.recorder = r
}

type RegisterInput struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	Password       string `json:"password"`
	Role           string `json:"role"`
	Specialization string `json:"specialization"`
	Phone          string `json:"phone"`
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (sess *Session, err error) {
	defer func() { s.record(MethodRegister, err) }()

	name := s.cleanText(in.Name)
	email := identity.NormalizeEmail(in.Email)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", identity.ErrValidation)
	}
	if addr, perr := mail.ParseAddress(email); perr != nil || addr.Address != email {
		return nil, fmt.Errorf("%w: a valid email is required", identity.ErrValidation)
	}
	if len(in.Password) < identity.MinPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", identity.ErrValidation, identity.MinPasswordLength)
	}

	role := identity.Role(strings.ToLower(strings.TrimSpace(in.Role)))
	if role == "" {
		role = identity.RolePatient
	}
	if role != identity.RolePatient && role != identity.RoleDoctor {
		return nil, fmt.Errorf("%w: role must be patient or doctor", identity.ErrValidation)
	}

	switch _, ferr := s.repo.FindByEmail(ctx, email); {
	case ferr == nil:
		return nil, identity.ErrDuplicateEmail
	case !errors.Is(ferr, identity.ErrNotFound):
		return nil, ferr
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	ident := &identity.Identity{
		Email:                email,
		Name:                 name,
		Role:                 role,
		PasswordHash:         hash,
		Phone:                strings.TrimSpace(in.Phone),
		NotificationSettings: identity.DefaultNotificationSettings(),
	}
	if role == identity.RoleDoctor {
		ident.Specialization = s.cleanText(in.Specialization)
		ident.VerificationStatus = identity.VerificationPending
	}

	if err := s.repo.Create(ctx, ident); err != nil {
		return nil, err
	}
	s.logger.Info().Str("identity_id", ident.ID.String()).Str("role", string(role)).Msg("identity registered")

	return s.issue(ident)
}

func (s *Service) Login(ctx context.Context, email, password string) (sess *Session, err error) {
	defer func() { s.record(MethodLogin, err) }()
	return s.login(ctx, email, password)
}

// AdminLogin is Login restricted to admin accounts.
func (s *Service) AdminLogin(ctx context.Context, email, password string) (sess *Session, err error) {
	defer func() { s.record(MethodAdminLogin, err) }()

	sess, err = s.login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if sess.Identity.Role != identity.RoleAdmin {
		return nil, ErrForbidden
	}
	return sess, nil
}

func (s *Service) login(ctx context.Context, email, password string) (*Session, error) {
	email = identity.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	ident, err := s.repo.FindByEmail(ctx, email)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if ident.PasswordHash == "" {
		return nil, ErrInvalidCredentials
	}

	ok, err := s.hasher.Compare(ident.PasswordHash, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return s.issue(ident)
}

// FederatedLogin signs in with a provider token, creating a patient account
// the first time an email is seen.
func (s *Service) FederatedLogin(ctx context.Context, providerToken string) (sess *Session, err error) {
	defer func() { s.record(MethodFederated, err) }()

	if s.federated == nil {
		return nil, ErrFederatedDisabled
	}
	profile, err := s.federated.Verify(ctx, providerToken)
	if err != nil {
		// Only ErrFederatedAuth is a rejected token; other errors are
		// provider outages and surface as server errors.
		return nil, err
	}

	email := identity.NormalizeEmail(profile.Email)
	ident, err := s.repo.FindByEmail(ctx, email)
	if errors.Is(err, identity.ErrNotFound) {
		// The provider email may have changed since the subject was linked.
		ident, err = s.repo.FindByFirebaseUID(ctx, profile.Subject)
	}
	switch {
	case errors.Is(err, identity.ErrNotFound):
		ident, err = s.createFederated(ctx, email, profile)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	if ident.FirebaseUID != profile.Subject {
		ident.FirebaseUID = profile.Subject
		if err := s.repo.Update(ctx, ident); err != nil {
			return nil, err
		}
	}

	return s.issue(ident)
}

func (s *Service) createFederated(ctx context.Context, email string, profile *auth.FederatedProfile) (*identity.Identity, error) {
	name := s.cleanText(profile.Name)
	if name == "" {
		name = strings.SplitN(email, "@", 2)[0]
	}
	ident := &identity.Identity{
		Email:                email,
		Name:                 name,
		Role:                 identity.RolePatient,
		FirebaseUID:          profile.Subject,
		ProfileImage:         profile.Picture,
		NotificationSettings: identity.DefaultNotificationSettings(),
	}
	err := s.repo.Create(ctx, ident)
	if errors.Is(err, identity.ErrDuplicateEmail) {
		// A concurrent first sign-in created the account.
		return s.repo.FindByEmail(ctx, email)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("identity_id", ident.ID.String()).Msg("patient created from federated sign-in")
	return ident, nil
}

// Refresh re-validates a session token against the store and reissues it.
// With requireApproved, doctors that are not approved are refused.
func (s *Service) Refresh(ctx context.Context, token string, requireApproved bool) (sess *Session, err error) {
	method := MethodRefresh
	if requireApproved {
		method = MethodVerify
	}
	defer func() { s.record(method, err) }()

	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, ErrUnauthenticated
	}

	ident, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}
	if string(ident.TokenRole()) != claims.Role {
		return nil, ErrUnauthenticated
	}
	if requireApproved && !ident.IsApproved() {
		return nil, ErrPendingVerification
	}

	fresh, err := s.tokens.Issue(claims.ID, claims.Role)
	if err != nil {
		return nil, err
	}
	return &Session{Token: fresh, Identity: ident}, nil
}

func (s *Service) issue(ident *identity.Identity) (*Session, error) {
	token, err := s.tokens.Issue(ident.ID.String(), string(ident.TokenRole()))
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, Identity: ident}, nil
}

func (s *Service) cleanText(v string) string {
	if s.clean != nil {
		v = s.clean.Clean(v)
	}
	return strings.TrimSpace(v)
}

func (s *Service) record(method string, err error) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordAuth(method, Outcome(err))
}

// Outcome classifies an error into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, identity.ErrValidation):
		return "invalid_request"
	case errors.Is(err, identity.ErrDuplicateEmail):
		return "duplicate"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrPendingVerification):
		return "pending_verification"
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, auth.ErrFederatedAuth), errors.Is(err, ErrFederatedDisabled):
		return "federated_rejected"
	}
	return "error"
}
