// Package account manages users and the API keys that authenticate them.
package account

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/maauso/mediastore/internal/filename"
)

// Static errors for account operations.
var (
	// ErrEmailTaken is returned when signing up with an email already in use.
	ErrEmailTaken = errors.New("account: email already registered")
	// ErrInvalidCredentials is returned for any failed login, so callers can't
	// tell unknown emails from wrong passwords.
	ErrInvalidCredentials = errors.New("account: invalid credentials")
	// ErrInvalidAPIKey is returned when a key is unknown or revoked.
	ErrInvalidAPIKey = errors.New("account: invalid api key")
	// ErrUserNotFound is returned when no user matches.
	ErrUserNotFound = errors.New("account: user not found")
)

const (
	// keyPrefix marks tokens issued by this service.
	keyPrefix = "ms_"
	// keyBytes is the entropy of an API key.
	keyBytes = 32
	// displayPrefixLen is how much of a key is stored in clear for display.
	displayPrefixLen = 8
)

// User is a registered account.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash []byte    `json:"-"`
	Verified     bool      `json:"verified"`
	CreatedAt    time.Time `json:"created_at"`
}

// APIKey is the stored half of an issued key. The key itself is only shown
// once, at issue time.
type APIKey struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Prefix    string    `json:"prefix"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository persists users and keys.
type Repository interface {
	CreateUser(ctx context.Context, u *User) error
	UserByEmail(ctx context.Context, email string) (*User, error)
	SetVerified(ctx context.Context, userID string) error
	CreateKey(ctx context.Context, k *APIKey, keyHash string) error
	// UserByKeyHash also records the key's last use.
	UserByKeyHash(ctx context.Context, keyHash string) (*User, error)
	DeleteKeys(ctx context.Context, userID string) (int64, error)
}

// Service implements signup, login and API key checks.
type Service struct {
	repo       Repository
	pepper     []byte
	bcryptCost int
	logger     *slog.Logger
	// dummyHash is compared against on unknown emails to keep login timing flat.
	dummyHash []byte
}

// Option configures a Service.
type Option func(*Service)

// WithBcryptCost sets the bcrypt cost for password hashing.
func WithBcryptCost(cost int) Option {
	return func(s *Service) {
		s.bcryptCost = cost
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a Service. pepper keys the HMAC over stored API keys.
func NewService(repo Repository, pepper string, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		pepper:     []byte(pepper),
		bcryptCost: bcrypt.DefaultCost,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("mediastore-timing-guard"), s.bcryptCost)
	return s
}

// Signup registers a new unverified user.
func (s *Service) Signup(ctx context.Context, email, password string) (*User, error) {
	email = normalizeEmail(email)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	s.logger.Info("user signed up", slog.String("user_id", u.ID))
	return u, nil
}

// Login checks the password and issues a fresh API key.
func (s *Service) Login(ctx context.Context, email, password string) (*User, string, error) {
	u, err := s.repo.UserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, ErrUserNotFound) {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return nil, "", ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", fmt.Errorf("find user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	key, err := s.IssueKey(ctx, u.ID)
	if err != nil {
		return nil, "", err
	}
	return u, key, nil
}

// IssueKey creates and stores a new API key for userID.
func (s *Service) IssueKey(ctx context.Context, userID string) (string, error) {
	token, err := filename.NewToken(keyBytes)
	if err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	key := keyPrefix + token

	k := &APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Prefix:    token[:displayPrefixLen],
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.CreateKey(ctx, k, s.hashKey(key)); err != nil {
		return "", fmt.Errorf("store api key: %w", err)
	}

	s.logger.Info("api key issued",
		slog.String("user_id", userID),
		slog.String("key_prefix", k.Prefix),
	)
	return key, nil
}

// Authenticate resolves an API key to its user.
func (s *Service) Authenticate(ctx context.Context, key string) (*User, error) {
	if !strings.HasPrefix(key, keyPrefix) {
		return nil, ErrInvalidAPIKey
	}
	u, err := s.repo.UserByKeyHash(ctx, s.hashKey(key))
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, fmt.Errorf("find api key: %w", err)
	}
	return u, nil
}

// MarkVerified flags the user with email as verified.
func (s *Service) MarkVerified(ctx context.Context, email string) error {
	u, err := s.repo.UserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return err
	}
	return s.repo.SetVerified(ctx, u.ID)
}

// RevokeKeys deletes every key of userID and returns how many there were.
func (s *Service) RevokeKeys(ctx context.Context, userID string) (int64, error) {
	n, err := s.repo.DeleteKeys(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke api keys: %w", err)
	}
	s.logger.Info("api keys revoked", slog.String("user_id", userID), slog.Int64("count", n))
	return n, nil
}

func (s *Service) hashKey(key string) string {
	mac := hmac.New(sha256.New, s.pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
