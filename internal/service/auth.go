package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/keygate/keygate/internal/apikey"
	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/model"
)

var (
	// ErrMissingCredentials: no usable bearer token was presented (AUTH_MISSING).
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrInvalidCredentials: a well-formed credential did not verify (AUTH_INVALID).
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrKeyExpired is an ErrInvalidCredentials for a key past its expiry.
	ErrKeyExpired = fmt.Errorf("%w: api key expired", ErrInvalidCredentials)
	// ErrAccountDisabled is returned by Login for inactive admins.
	ErrAccountDisabled = errors.New("account disabled")
)

// PasswordCost is the bcrypt cost used by HashPassword.
var PasswordCost = bcrypt.DefaultCost

// Store is what AuthService reads from. config.Store implements it.
type Store interface {
	FindActiveAPIKey(ctx context.Context, hash, serviceName string) (*model.APIKey, error)
	GetAdminByEmail(ctx context.Context, email string) (*model.Admin, error)
	UpdateAdminLastLogin(ctx context.Context, id int64) error
}

type JWTPrincipal struct {
	AdminID int64
	Email   string
}

// Session is the result of a successful admin login.
type Session struct {
	Token     string
	ExpiresIn time.Duration
	Admin     *model.Admin
}

type AuthService struct {
	store      Store
	jwtSecret  []byte
	sessionTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

func NewAuthService(store Store, jwtSecret string, sessionTTL time.Duration) *AuthService {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &AuthService{
		store:      store,
		jwtSecret:  []byte(jwtSecret),
		sessionTTL: sessionTTL,
		now:        time.Now,
		logger:     slog.Default(),
	}
}

// WithLogger sets the logger used for best-effort bookkeeping failures.
func (s *AuthService) WithLogger(l *slog.Logger) *AuthService {
	if l != nil {
		s.logger = l
	}
	return s
}

// VerifyAPIKey authenticates an Authorization header against the keys scoped
// to serviceName. Malformed headers and tokens fail with
// ErrMissingCredentials before the store is consulted. Unknown, inactive,
// out-of-scope and expired keys fail with ErrInvalidCredentials (expired
// keys with ErrKeyExpired, which wraps it). Store failures are returned as is.
func (s *AuthService) VerifyAPIKey(ctx context.Context, header, serviceName string) (*model.APIKey, error) {
	token, err := apikey.ParseBearer(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMissingCredentials, err)
	}

	key, err := s.store.FindActiveAPIKey(ctx, apikey.Hash(token), serviceName)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("verify api key: %w", err)
	}

	if key.Expired(s.now()) {
		return nil, ErrKeyExpired
	}
	return key, nil
}

// Login checks an admin's password and issues a session token.
func (s *AuthService) Login(ctx context.Context, email, password string) (*Session, error) {
	admin, err := s.store.GetAdminByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("login: %w", err)
	}
	if !CheckPassword(password, admin.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	if !admin.IsActive {
		return nil, ErrAccountDisabled
	}

	token, err := s.IssueJWT(ctx, admin.ID, admin.Email, s.sessionTTL)
	if err != nil {
		return nil, fmt.Errorf("issue session token: %w", err)
	}

	// Best-effort; a failed timestamp update does not fail the login.
	if err := s.store.UpdateAdminLastLogin(ctx, admin.ID); err != nil {
		s.logger.Warn("failed to update admin last login", "admin_id", admin.ID, "error", err)
	}

	return &Session{Token: token, ExpiresIn: s.sessionTTL, Admin: admin}, nil
}

// ValidateJWT verifies a JWT bearer token and returns the associated admin identity.
func (s *AuthService) ValidateJWT(ctx context.Context, tokenStr string) (*JWTPrincipal, error) {
	claims := &jwtClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredentials
	}

	return &JWTPrincipal{
		AdminID: claims.AdminID,
		Email:   claims.Email,
	}, nil
}

// IssueJWT creates a new signed JWT token for the given admin.
func (s *AuthService) IssueJWT(ctx context.Context, adminID int64, email string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := jwtClaims{
		AdminID: adminID,
		Email:   email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "keygate",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

type jwtClaims struct {
	AdminID int64  `json:"admin_id"`
	Email   string `json:"email"`
	jwt.RegisteredClaims
}

// HashPassword hashes an admin password with bcrypt.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), PasswordCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

// CheckPassword compares a password with a bcrypt hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
