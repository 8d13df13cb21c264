// Package server provides the HTTP server for the media store.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/maauso/mediastore/internal/policy"
	"github.com/maauso/mediastore/internal/staging"
	"github.com/maauso/mediastore/internal/upload"
)

// CredentialsRequest is the body of signup and login.
type CredentialsRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
	// Password is capped at 72 bytes, the bcrypt input limit.
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// UserResponse describes an account.
type UserResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"created_at"`
}

// LoginResponse carries a freshly issued API key. The key is not retrievable later.
type LoginResponse struct {
	APIKey string       `json:"api_key"`
	User   UserResponse `json:"user"`
}

// VerifyRequest asks for a verification code.
type VerifyRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

// ConfirmRequest submits a verification code.
type ConfirmRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

// StatusResponse is a bare acknowledgement.
type StatusResponse struct {
	Status string `json:"status"`
}

// SessionResponse describes a temp session and its staged files.
type SessionResponse struct {
	SessionID string          `json:"session_id"`
	State     staging.State   `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	Entries   []staging.Entry `json:"entries"`
}

// CommitRequest is the body of POST /uploads/{session}/commit.
type CommitRequest struct {
	// TargetDir is the directory under the final root, e.g. "books/1".
	TargetDir     string           `json:"target_dir" validate:"max=1024"`
	Mappings      []upload.Mapping `json:"mappings" validate:"required,min=1,max=500,dive"`
	FailIfMissing *bool            `json:"fail_if_missing"`
}

// CommitResponse lists committed records and per-item failures.
type CommitResponse struct {
	Records  []upload.FinalRecord `json:"records"`
	Failures []FailureResponse    `json:"failures,omitempty"`
	Skipped  []int                `json:"skipped,omitempty"`
}

// FailureResponse is one mapping that could not be written.
type FailureResponse struct {
	Index       int    `json:"index"`
	StoragePath string `json:"storage_path"`
	Reason      string `json:"reason"`
}

// ListQuery is the query of GET /files.
type ListQuery struct {
	Dir    string `validate:"max=1024"`
	Offset int    `validate:"gte=0"`
	Limit  int    `validate:"gte=0,lte=1000"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
	// Violations itemizes policy rejections of a batch.
	Violations []*policy.Violation `json:"violations,omitempty"`
	// Detail carries the internal error outside production.
	Detail string `json:"detail,omitempty"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
