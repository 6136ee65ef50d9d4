package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthpal/healthpal-api/internal/domain/identity"
	"github.com/healthpal/healthpal-api/internal/platform/auth"
)

// -- Mocks --

type mockRepo struct {
	mu     sync.Mutex
	idents map[uuid.UUID]*identity.Identity
	order  []uuid.UUID
}

func newMockRepo() *mockRepo {
	return &mockRepo{idents: make(map[uuid.UUID]*identity.Identity)}
}

func (m *mockRepo) Create(_ context.Context, ident *identity.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.idents {
		if existing.Email == ident.Email {
			return identity.ErrDuplicateEmail
		}
	}
	if ident.ID == uuid.Nil {
		ident.ID = uuid.New()
	}
	ident.CreatedAt = time.Now()
	m.put(ident)
	return nil
}

// put stores ident without the uniqueness check, for legacy-duplicate fixtures.
func (m *mockRepo) put(ident *identity.Identity) {
	cp := *ident
	m.idents[ident.ID] = &cp
	m.order = append(m.order, ident.ID)
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*identity.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident, ok := m.idents[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	cp := *ident
	return &cp, nil
}

func (m *mockRepo) FindByEmail(_ context.Context, email string) (*identity.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []*identity.Identity
	for _, id := range m.order {
		if ident, ok := m.idents[id]; ok && ident.Email == identity.NormalizeEmail(email) {
			cp := *ident
			candidates = append(candidates, &cp)
		}
	}
	if best := identity.ResolvePrecedence(candidates); best != nil {
		return best, nil
	}
	return nil, identity.ErrNotFound
}

func (m *mockRepo) FindByFirebaseUID(_ context.Context, uid string) (*identity.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		if ident, ok := m.idents[id]; ok && uid != "" && ident.FirebaseUID == uid {
			cp := *ident
			return &cp, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (m *mockRepo) Update(_ context.Context, ident *identity.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.idents[ident.ID]; !ok {
		return identity.ErrNotFound
	}
	cp := *ident
	m.idents[ident.ID] = &cp
	return nil
}

func (m *mockRepo) List(_ context.Context, _ identity.ListFilter, _, _ int) ([]*identity.Identity, int, error) {
	return nil, 0, nil
}

func (m *mockRepo) delete(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idents, id)
}

func (m *mockRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.idents)
}

type fakeHasher struct{}

func (fakeHasher) Hash(password string) (string, error) { return "hashed:" + password, nil }

func (fakeHasher) Compare(hash, password string) (bool, error) {
	return hash == "hashed:"+password, nil
}

// fakeVerifier accepts tokens of the form "valid:<subject>" for the profiles it knows.
type fakeVerifier struct {
	profiles map[string]*auth.FederatedProfile
}

func (f *fakeVerifier) Verify(_ context.Context, token string) (*auth.FederatedProfile, error) {
	if token == "outage" {
		return nil, fmt.Errorf("verify firebase token: %w", auth.ErrKeySource)
	}
	p, ok := f.profiles[token]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrFederatedAuth)
	}
	cp := *p
	return &cp, nil
}

type recorded struct{ method, outcome string }

type fakeRecorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *fakeRecorder) RecordAuth(method, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{method, outcome})
}

var testSecret = []byte("test-secret-key-for-unit-tests-only")

type fixture struct {
	svc      *Service
	repo     *mockRepo
	tokens   *auth.TokenService
	verifier *fakeVerifier
	recorder *fakeRecorder
}

func newFixture() *fixture {
	repo := newMockRepo()
	tokens := auth.NewTokenService(testSecret, "healthpal", 720*time.Hour)
	verifier := &fakeVerifier{profiles: map[string]*auth.FederatedProfile{
		"valid:ada":           {Subject: "uid-ada", Email: "Ada@Example.com", Name: "Ada Lovelace", Picture: "https://example.com/ada.png"},
		"valid:bob":           {Subject: "uid-bob", Email: "bob@example.com"},
		"valid:ada-new-email": {Subject: "uid-ada", Email: "ada.new@example.com", Name: "Ada Lovelace"},
	}}
	recorder := &fakeRecorder{}
	svc := NewService(repo, tokens, verifier, fakeHasher{}, nil, zerolog.Nop())
	svc.SetRecorder(recorder)
	return &fixture{svc: svc, repo: repo, tokens: tokens, verifier: verifier, recorder: recorder}
}

func (f *fixture) seed(t *testing.T, ident *identity.Identity) *identity.Identity {
	t.Helper()
	if err := f.repo.Create(context.Background(), ident); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return ident
}

// -- Register --

func TestService_Register(t *testing.T) {
	f := newFixture()
	sess, err := f.svc.Register(context.Background(), RegisterInput{
		Name: "Pat", Email: " Pat@Example.com ", Password: "secret1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Identity.Role != identity.RolePatient {
		t.Errorf("expected default role patient, got %s", sess.Identity.Role)
	}
	if sess.Identity.Email != "pat@example.com" {
		t.Errorf("expected normalized email, got %s", sess.Identity.Email)
	}
	if sess.Identity.PasswordHash != "hashed:secret1" {
		t.Errorf("expected hashed password, got %q", sess.Identity.PasswordHash)
	}

	claims, err := f.tokens.Verify(sess.Token)
	if err != nil {
		t.Fatalf("expected issued token to verify: %v", err)
	}
	if claims.ID != sess.Identity.ID.String() || claims.Role != "patient" {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestService_Register_DoctorStartsPending(t *testing.T) {
	f := newFixture()
	sess, err := f.svc.Register(context.Background(), RegisterInput{
		Name: "Dr. Grey", Email: "grey@example.com", Password: "secret1", Role: "doctor", Specialization: "surgery",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Identity.VerificationStatus != identity.VerificationPending {
		t.Errorf("expected pending doctor, got %q", sess.Identity.VerificationStatus)
	}
	if sess.Identity.Specialization != "surgery" {
		t.Errorf("expected specialization to be kept, got %q", sess.Identity.Specialization)
	}
}

func TestService_Register_DuplicateEmail(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if _, err := f.svc.Register(ctx, RegisterInput{Name: "A", Email: "dup@example.com", Password: "secret1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := f.svc.Register(ctx, RegisterInput{Name: "B", Email: "DUP@example.com", Password: "secret2", Role: "doctor"})
	if !errors.Is(err, identity.ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
	if f.repo.count() != 1 {
		t.Errorf("expected store unchanged, got %d identities", f.repo.count())
	}
}

func TestService_Register_Validation(t *testing.T) {
	tests := []struct {
		name string
		in   RegisterInput
	}{
		{"missing name", RegisterInput{Email: "a@example.com", Password: "secret1"}},
		{"bad email", RegisterInput{Name: "A", Email: "not-an-email", Password: "secret1"}},
		{"short password", RegisterInput{Name: "A", Email: "a@example.com", Password: "12345"}},
		{"admin role", RegisterInput{Name: "A", Email: "a@example.com", Password: "secret1", Role: "admin"}},
		{"unknown role", RegisterInput{Name: "A", Email: "a@example.com", Password: "secret1", Role: "nurse"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			_, err := f.svc.Register(context.Background(), tt.in)
			if !errors.Is(err, identity.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

// -- Login --

func TestService_LoginVerifyRoundTrip(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ident := f.seed(t, &identity.Identity{Email: "pat@example.com", Name: "Pat", Role: identity.RolePatient, PasswordHash: "hashed:secret1"})

	sess, err := f.svc.Login(ctx, "pat@example.com", "secret1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	refreshed, err := f.svc.Refresh(ctx, sess.Token, true)
	if err != nil {
		t.Fatalf("expected verify to succeed, got %v", err)
	}
	if refreshed.Identity.ID != ident.ID {
		t.Errorf("expected the same identity, got %s", refreshed.Identity.ID)
	}
	claims, err := f.tokens.Verify(refreshed.Token)
	if err != nil {
		t.Fatalf("expected fresh token to verify: %v", err)
	}
	if claims.ID != ident.ID.String() || claims.Role != "patient" {
		t.Errorf("expected same claims, got %+v", claims)
	}
}

func TestService_Login_InvalidCredentials(t *testing.T) {
	f := newFixture()
	f.seed(t, &identity.Identity{Email: "pat@example.com", Role: identity.RolePatient, PasswordHash: "hashed:secret1"})
	f.seed(t, &identity.Identity{Email: "fed@example.com", Role: identity.RolePatient, FirebaseUID: "uid-1"})

	tests := []struct {
		name, email, password string
	}{
		{"wrong password", "pat@example.com", "nope"},
		{"unknown email", "ghost@example.com", "secret1"},
		{"empty password", "pat@example.com", ""},
		{"federated-only account", "fed@example.com", "anything"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Login(context.Background(), tt.email, tt.password)
			if !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("expected ErrInvalidCredentials, got %v", err)
			}
		})
	}
}

func TestService_AdminLogin(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.seed(t, &identity.Identity{Email: "root@example.com", Role: identity.RoleAdmin, PasswordHash: "hashed:secret1"})
	f.seed(t, &identity.Identity{Email: "pat@example.com", Role: identity.RolePatient, PasswordHash: "hashed:secret1"})

	sess, err := f.svc.AdminLogin(ctx, "root@example.com", "secret1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims, _ := f.tokens.Verify(sess.Token); claims == nil || claims.Role != "admin" {
		t.Errorf("expected admin token, got %+v", claims)
	}

	if _, err := f.svc.AdminLogin(ctx, "pat@example.com", "secret1"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for patient, got %v", err)
	}
	if _, err := f.svc.AdminLogin(ctx, "root@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

// -- Federated --

func TestService_FederatedLogin_CreatesPatient(t *testing.T) {
	f := newFixture()
	sess, err := f.svc.FederatedLogin(context.Background(), "valid:ada")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ident := sess.Identity
	if ident.Role != identity.RolePatient || ident.Email != "ada@example.com" {
		t.Errorf("unexpected identity: %+v", ident)
	}
	if ident.FirebaseUID != "uid-ada" || ident.ProfileImage != "https://example.com/ada.png" {
		t.Errorf("expected provider subject and picture, got %+v", ident)
	}
	if ident.Name != "Ada Lovelace" {
		t.Errorf("expected provider name, got %q", ident.Name)
	}
}

func TestService_FederatedLogin_NameFallsBackToLocalPart(t *testing.T) {
	f := newFixture()
	sess, err := f.svc.FederatedLogin(context.Background(), "valid:bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Identity.Name != "bob" {
		t.Errorf("expected name from email local part, got %q", sess.Identity.Name)
	}
}

func TestService_FederatedLogin_Idempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, err := f.svc.FederatedLogin(ctx, "valid:ada")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := f.svc.FederatedLogin(ctx, "valid:ada")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Identity.ID != second.Identity.ID {
		t.Errorf("expected the same identity, got %s and %s", first.Identity.ID, second.Identity.ID)
	}
	if f.repo.count() != 1 {
		t.Errorf("expected exactly one identity, got %d", f.repo.count())
	}
}

func TestService_FederatedLogin_ConcurrentFirstSignIn(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	const n = 8
	ids := make([]uuid.UUID, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := f.svc.FederatedLogin(ctx, "valid:ada")
			errs[i] = err
			if err == nil {
				ids[i] = sess.Identity.ID
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("sign-in %d failed: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Errorf("expected all sign-ins to resolve to one identity")
		}
	}
	if f.repo.count() != 1 {
		t.Errorf("expected exactly one identity, got %d", f.repo.count())
	}
}

func TestService_FederatedLogin_DoctorPrecedence(t *testing.T) {
	f := newFixture()
	doctorID := uuid.New()
	f.repo.put(&identity.Identity{ID: uuid.New(), Email: "ada@example.com", Role: identity.RolePatient})
	f.repo.put(&identity.Identity{ID: doctorID, Email: "ada@example.com", Role: identity.RoleDoctor, VerificationStatus: identity.VerificationApproved})

	sess, err := f.svc.FederatedLogin(context.Background(), "valid:ada")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Identity.ID != doctorID {
		t.Errorf("expected the doctor record to win, got role %s", sess.Identity.Role)
	}
	claims, _ := f.tokens.Verify(sess.Token)
	if claims.Role != "doctor" {
		t.Errorf("expected doctor token, got %s", claims.Role)
	}
}

func TestService_FederatedLogin_LinksSubject(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	existing := f.seed(t, &identity.Identity{Email: "ada@example.com", Role: identity.RoleDoctor, PasswordHash: "hashed:x", FirebaseUID: "stale-uid"})

	if _, err := f.svc.FederatedLogin(ctx, "valid:ada"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, _ := f.repo.GetByID(ctx, existing.ID)
	if stored.FirebaseUID != "uid-ada" {
		t.Errorf("expected subject to be linked, got %q", stored.FirebaseUID)
	}
}

func TestService_FederatedLogin_PersonWithoutRoleSignsInAsPatient(t *testing.T) {
	f := newFixture()
	f.repo.put(&identity.Identity{ID: uuid.New(), Email: "ada@example.com"})

	sess, err := f.svc.FederatedLogin(context.Background(), "valid:ada")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	claims, _ := f.tokens.Verify(sess.Token)
	if claims.Role != "patient" {
		t.Errorf("expected patient token role, got %s", claims.Role)
	}
}

func TestService_FederatedLogin_ProviderEmailChanged(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, err := f.svc.FederatedLogin(ctx, "valid:ada")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := f.svc.FederatedLogin(ctx, "valid:ada-new-email")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Identity.ID != first.Identity.ID {
		t.Errorf("expected the account linked to the subject, got %s and %s", first.Identity.ID, second.Identity.ID)
	}
	if f.repo.count() != 1 {
		t.Errorf("expected exactly one identity, got %d", f.repo.count())
	}
}

func TestService_FederatedLogin_Rejected(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.FederatedLogin(context.Background(), "forged"); !errors.Is(err, auth.ErrFederatedAuth) {
		t.Errorf("expected ErrFederatedAuth, got %v", err)
	}
	if f.repo.count() != 0 {
		t.Error("expected no identity to be created")
	}

	_, err := f.svc.FederatedLogin(context.Background(), "outage")
	if err == nil || errors.Is(err, auth.ErrFederatedAuth) {
		t.Errorf("expected a provider outage to stay a server error, got %v", err)
	}
	if Outcome(err) != "error" {
		t.Errorf("expected outcome error, got %s", Outcome(err))
	}

	disabled := NewService(newMockRepo(), f.tokens, nil, fakeHasher{}, nil, zerolog.Nop())
	if _, err := disabled.FederatedLogin(context.Background(), "valid:ada"); !errors.Is(err, ErrFederatedDisabled) {
		t.Errorf("expected ErrFederatedDisabled, got %v", err)
	}
}

// -- Refresh --

func TestService_Refresh_PendingDoctor(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	doctor := f.seed(t, &identity.Identity{Email: "doc@example.com", Role: identity.RoleDoctor,
		VerificationStatus: identity.VerificationPending, PasswordHash: "hashed:secret1"})

	sess, err := f.svc.Login(ctx, "doc@example.com", "secret1")
	if err != nil {
		t.Fatalf("expected a pending doctor to log in, got %v", err)
	}

	if _, err := f.svc.Refresh(ctx, sess.Token, true); !errors.Is(err, ErrPendingVerification) {
		t.Errorf("expected ErrPendingVerification, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, sess.Token, false); err != nil {
		t.Errorf("expected authenticate without the gate to succeed, got %v", err)
	}

	doctor.VerificationStatus = identity.VerificationApproved
	f.repo.Update(ctx, doctor)
	refreshed, err := f.svc.Refresh(ctx, sess.Token, true)
	if err != nil {
		t.Fatalf("expected approved doctor to verify, got %v", err)
	}
	if refreshed.Identity.VerificationStatus != identity.VerificationApproved {
		t.Errorf("expected approved status, got %q", refreshed.Identity.VerificationStatus)
	}
}

func TestService_Refresh_Rejects(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ident := f.seed(t, &identity.Identity{Email: "pat@example.com", Role: identity.RolePatient})

	valid, _ := f.tokens.Issue(ident.ID.String(), "patient")
	wrongRole, _ := f.tokens.Issue(ident.ID.String(), "doctor")
	ghost, _ := f.tokens.Issue(uuid.New().String(), "patient")
	badID, _ := f.tokens.Issue("not-a-uuid", "patient")

	expired := auth.NewTokenService(testSecret, "healthpal", -time.Minute)
	expiredToken, _ := expired.Issue(ident.ID.String(), "patient")

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"garbage", "garbage", auth.ErrInvalidToken},
		{"tampered", swapPayload(valid, wrongRole), auth.ErrInvalidToken},
		{"expired", expiredToken, auth.ErrInvalidToken},
		{"deleted identity", ghost, ErrUnauthenticated},
		{"role changed", wrongRole, ErrUnauthenticated},
		{"malformed id", badID, ErrUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Refresh(ctx, tt.token, false); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	f.repo.delete(ident.ID)
	if _, err := f.svc.Refresh(ctx, valid, false); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated after deletion, got %v", err)
	}
}

// swapPayload grafts the claims of donor onto the header and signature of token.
func swapPayload(token, donor string) string {
	t := strings.Split(token, ".")
	d := strings.Split(donor, ".")
	return t[0] + "." + d[1] + "." + t[2]
}

// -- Recording --

func TestService_RecordsOutcomes(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.svc.Login(ctx, "ghost@example.com", "secret1")
	f.svc.Register(ctx, RegisterInput{Name: "A", Email: "a@example.com", Password: "secret1"})

	want := []recorded{
		{MethodLogin, "invalid_credentials"},
		{MethodRegister, "success"},
	}
	if len(f.recorder.events) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), f.recorder.events)
	}
	for i, ev := range want {
		if f.recorder.events[i] != ev {
			t.Errorf("event %d: expected %+v, got %+v", i, ev, f.recorder.events[i])
		}
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{fmt.Errorf("%w: x", identity.ErrValidation), "invalid_request"},
		{identity.ErrDuplicateEmail, "duplicate"},
		{ErrPendingVerification, "pending_verification"},
		{fmt.Errorf("%w: sig", auth.ErrInvalidToken), "unauthenticated"},
		{auth.ErrFederatedAuth, "federated_rejected"},
		{errors.New("db down"), "error"},
	}
	for _, tt := range tests {
		if got := Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
