package usecase

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/ports"
)

var (
	// ErrUnauthorized means no key was presented.
	ErrUnauthorized = errors.New("missing api key")
	// ErrForbidden means the presented key is unknown or revoked.
	ErrForbidden = errors.New("invalid api key")
	// ErrAuthNotConfigured means the service has neither a static key nor a
	// key store to check against.
	ErrAuthNotConfigured = errors.New("api key not configured")
)

type staticKey struct {
	name string
	hash [sha256.Size]byte
}

// AuthService checks X-API-Key tokens. Static keys come from configuration
// and are never stored; other keys are looked up by hash in the repository.
type AuthService struct {
	repo   ports.APIKeyRepository
	static []staticKey
}

type AuthOption func(*AuthService)

// WithStaticKey accepts token as the key called name. Empty tokens are
// ignored.
func WithStaticKey(name, token string) AuthOption {
	return func(s *AuthService) {
		token = strings.TrimSpace(token)
		if token == "" {
			return
		}
		s.static = append(s.static, staticKey{name: name, hash: sha256.Sum256([]byte(token))})
	}
}

// NewAuthService builds the checker. repo may be nil when only static keys
// are used.
func NewAuthService(repo ports.APIKeyRepository, opts ...AuthOption) *AuthService {
	s := &AuthService{repo: repo}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *AuthService) Authenticate(ctx context.Context, token string) (domain.APIKey, error) {
	if s.repo == nil && len(s.static) == 0 {
		return domain.APIKey{}, ErrAuthNotConfigured
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.APIKey{}, ErrUnauthorized
	}

	sum := sha256.Sum256([]byte(token))
	hash := hex.EncodeToString(sum[:])

	// Every static key is compared so timing does not reveal which matched.
	match := -1
	for i, k := range s.static {
		if subtle.ConstantTimeCompare(sum[:], k.hash[:]) == 1 {
			match = i
		}
	}
	if match >= 0 {
		return domain.APIKey{TokenHash: hash, Name: s.static[match].name, Active: true}, nil
	}
	if s.repo == nil {
		return domain.APIKey{}, ErrForbidden
	}

	apiKey, err := s.repo.FindByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.APIKey{}, ErrForbidden
		}
		return domain.APIKey{}, err
	}
	if !apiKey.Active || subtle.ConstantTimeCompare([]byte(apiKey.TokenHash), []byte(hash)) != 1 {
		return domain.APIKey{}, ErrForbidden
	}
	return apiKey, nil
}

func HashToken(token string) string {
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(digest[:])
}

type apiKeyContextKey struct{}

// ContextWithAPIKey records the authenticated caller for downstream logging.
func ContextWithAPIKey(ctx context.Context, key domain.APIKey) context.Context {
	return context.WithValue(ctx, apiKeyContextKey{}, key)
}

func APIKeyFromContext(ctx context.Context) (domain.APIKey, bool) {
	key, ok := ctx.Value(apiKeyContextKey{}).(domain.APIKey)
	return key, ok
}
