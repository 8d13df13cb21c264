package verify

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"
)

// Static errors for verification.
var (
	// ErrCodeMismatch is returned when the submitted code is wrong.
	ErrCodeMismatch = errors.New("verify: code mismatch")
	// ErrCodeExpired is returned when no live code exists for the address.
	ErrCodeExpired = errors.New("verify: code expired or never issued")
	// ErrTooManyAttempts is returned once the attempt budget is spent; the code is discarded.
	ErrTooManyAttempts = errors.New("verify: too many attempts")
)

const (
	codeDigits = 6
	keyPrefix  = "verify:"
	// DefaultMaxAttempts is used when no attempt budget is configured.
	DefaultMaxAttempts = 5
)

// Sender delivers a code to its recipient.
type Sender interface {
	Send(ctx context.Context, email, code string) error
}

// LogSender writes codes to the log instead of sending them.
type LogSender struct {
	Logger *slog.Logger
}

// Send implements Sender.
func (s LogSender) Send(_ context.Context, email, code string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("verification code issued",
		slog.String("email", email),
		slog.String("code", code),
	)
	return nil
}

type record struct {
	Code     string `json:"code"`
	Attempts int    `json:"attempts"`
}

// Service issues and confirms codes.
type Service struct {
	store       Store
	sender      Sender
	ttl         time.Duration
	maxAttempts int
	logger      *slog.Logger
}

// NewService creates a Service. Codes live for ttl and allow maxAttempts
// wrong guesses.
func NewService(store Store, sender Sender, ttl time.Duration, maxAttempts int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		sender = LogSender{Logger: logger}
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Service{store: store, sender: sender, ttl: ttl, maxAttempts: maxAttempts, logger: logger}
}

// Issue creates a new code for email, replacing any previous one, and hands
// it to the sender.
func (s *Service) Issue(ctx context.Context, email string) (string, error) {
	email = normalize(email)
	code, err := newCode()
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(record{Code: code})
	if err != nil {
		return "", fmt.Errorf("encode code: %w", err)
	}
	if err := s.store.Set(ctx, keyPrefix+email, string(data), s.ttl); err != nil {
		return "", fmt.Errorf("store code: %w", err)
	}
	if err := s.sender.Send(ctx, email, code); err != nil {
		return "", fmt.Errorf("send code: %w", err)
	}
	return code, nil
}

// errCodeMatched aborts the attempt update when the code is right.
var errCodeMatched = errors.New("verify: code matched")

// Confirm checks code for email. A correct code is consumed; a wrong one
// spends an attempt without extending the code's lifetime.
func (s *Service) Confirm(ctx context.Context, email, code string) error {
	email = normalize(email)
	key := keyPrefix + email
	code = strings.TrimSpace(code)

	exhausted := false
	err := s.store.Update(ctx, key, func(raw string) (string, error) {
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return "", fmt.Errorf("decode code: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(rec.Code), []byte(code)) == 1 {
			return "", errCodeMatched
		}
		rec.Attempts++
		exhausted = rec.Attempts >= s.maxAttempts
		data, err := json.Marshal(rec)
		if err != nil {
			return "", fmt.Errorf("encode code: %w", err)
		}
		return string(data), nil
	})

	switch {
	case errors.Is(err, ErrKeyNotFound):
		return ErrCodeExpired
	case errors.Is(err, errCodeMatched):
		// Only the caller that removes the code wins.
		deleted, err := s.store.Del(ctx, key)
		if err != nil {
			return fmt.Errorf("consume code: %w", err)
		}
		if !deleted {
			return ErrCodeExpired
		}
		return nil
	case err != nil:
		return fmt.Errorf("record attempt: %w", err)
	}

	if exhausted {
		if _, err := s.store.Del(ctx, key); err != nil {
			return fmt.Errorf("discard code: %w", err)
		}
		s.logger.Warn("verification attempts exhausted", slog.String("email", email))
		return ErrTooManyAttempts
	}
	return ErrCodeMismatch
}

func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
