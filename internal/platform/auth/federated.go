package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FirebaseJWKSURL publishes the keys that sign Firebase ID tokens.
const FirebaseJWKSURL = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"

const firebaseIssuerPrefix = "https://securetoken.google.com/"

// ErrFederatedAuth is returned when a provider token is rejected.
var ErrFederatedAuth = errors.New("federated authentication failed")

// FederatedProfile is what the identity provider vouches for.
type FederatedProfile struct {
	Subject string
	Email   string
	Name    string
	Picture string
}

type firebaseClaims struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
	jwt.RegisteredClaims
}

// FirebaseVerifier verifies Firebase ID tokens for a single project.
type FirebaseVerifier struct {
	projectID string
	keys      *JWKSCache
	now       func() time.Time
}

// NewFirebaseVerifier builds a verifier. An empty jwksURL uses Google's
// published securetoken keys.
func NewFirebaseVerifier(projectID, jwksURL string) *FirebaseVerifier {
	if jwksURL == "" {
		jwksURL = FirebaseJWKSURL
	}
	return &FirebaseVerifier{
		projectID: projectID,
		keys:      NewJWKSCache(jwksURL, defaultJWKSCacheTTL),
		now:       time.Now,
	}
}

func (v *FirebaseVerifier) Verify(ctx context.Context, providerToken string) (*FederatedProfile, error) {
	if providerToken == "" {
		return nil, fmt.Errorf("%w: token is required", ErrFederatedAuth)
	}

	claims := &firebaseClaims{}
	parsed, err := jwt.ParseWithClaims(providerToken, claims, v.keys.KeyFunc(ctx),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(firebaseIssuerPrefix+v.projectID),
		jwt.WithAudience(v.projectID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if errors.Is(err, ErrKeySource) {
		return nil, fmt.Errorf("verify firebase token: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFederatedAuth, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrFederatedAuth)
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("%w: token has no email", ErrFederatedAuth)
	}

	return &FederatedProfile{
		Subject: claims.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
		Picture: claims.Picture,
	}, nil
}
