package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/mediastore/internal/account"
	"github.com/maauso/mediastore/internal/pathguard"
	"github.com/maauso/mediastore/internal/policy"
	"github.com/maauso/mediastore/internal/staging"
	"github.com/maauso/mediastore/internal/storage"
	"github.com/maauso/mediastore/internal/upload"
	"github.com/maauso/mediastore/internal/verify"
)

const (
	// defaultMultipartMemory is held in memory per request before parts spill to disk.
	defaultMultipartMemory = 8 << 20
	filesField             = "files"
	fileField              = "file"
	sessionField           = "session_id"
)

// Media is the storage pipeline used by the handlers.
type Media interface {
	Stage(ctx context.Context, sessionID string, files []staging.Incoming) (staging.View, error)
	Session(ctx context.Context, sessionID string) (staging.View, error)
	Commit(ctx context.Context, sessionID, baseDir string, mappings []upload.Mapping, opts upload.CommitOptions) (*upload.CommitResult, error)
	ListFinal(ctx context.Context, dir string, offset, limit int) (upload.Page, error)
	GetMetadata(ctx context.Context, rel string) (upload.FinalRecord, error)
	DeletePath(ctx context.Context, rel string) error
	Replace(ctx context.Context, rel string, body io.Reader, declaredMIME string) (upload.FinalRecord, error)
}

// Accounts manages users and API keys.
type Accounts interface {
	Signup(ctx context.Context, email, password string) (*account.User, error)
	Login(ctx context.Context, email, password string) (*account.User, string, error)
	Authenticate(ctx context.Context, key string) (*account.User, error)
	MarkVerified(ctx context.Context, email string) error
}

// Verifier issues and checks e-mail codes.
type Verifier interface {
	Issue(ctx context.Context, email string) (string, error)
	Confirm(ctx context.Context, email, code string) error
}

var (
	_ Media    = (*upload.Service)(nil)
	_ Accounts = (*account.Service)(nil)
	_ Verifier = (*verify.Service)(nil)
)

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	media        Media
	accounts     Accounts
	verifier     Verifier
	validator    *validator.Validate
	logger       *slog.Logger
	debugErrors  bool
	memoryBudget int64
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithDebugErrors includes internal error text in 500 responses.
// Keep it off in production.
func WithDebugErrors(enabled bool) HandlerOption {
	return func(h *Handlers) {
		h.debugErrors = enabled
	}
}

// WithMultipartMemory sets how much of a multipart body is held in memory
// before the rest is spooled to temp files.
func WithMultipartMemory(n int64) HandlerOption {
	return func(h *Handlers) {
		if n > 0 {
			h.memoryBudget = n
		}
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(media Media, accounts Accounts, verifier Verifier, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		media:        media,
		accounts:     accounts,
		verifier:     verifier,
		validator:    validator.New(),
		logger:       logger,
		memoryBudget: defaultMultipartMemory,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Signup handles POST /auth/signup requests.
func (h *Handlers) Signup(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !h.decode(w, r, &req) {
		return
	}

	u, err := h.accounts.Signup(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, account.ErrEmailTaken) {
			writeError(w, http.StatusConflict, "email already registered", "EMAIL_TAKEN")
			return
		}
		h.internalError(w, "failed to sign up", err)
		return
	}

	if _, err := h.verifier.Issue(r.Context(), u.Email); err != nil {
		// Signup stands; the user can ask for another code.
		h.logger.Warn("failed to issue verification code",
			slog.String("user_id", u.ID),
			slog.String("error", err.Error()),
		)
	}

	h.logger.Info("user signed up", slog.String("user_id", u.ID))
	writeJSON(w, http.StatusCreated, toUserResponse(u))
}

// Login handles POST /auth/login requests.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !h.decode(w, r, &req) {
		return
	}

	u, key, err := h.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, account.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid email or password", "INVALID_CREDENTIALS")
			return
		}
		h.internalError(w, "failed to log in", err)
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{APIKey: key, User: toUserResponse(u)})
}

// RequestVerification handles POST /auth/verify requests. The response is
// the same whether or not the address is registered.
func (h *Handlers) RequestVerification(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !h.decode(w, r, &req) {
		return
	}

	if _, err := h.verifier.Issue(r.Context(), req.Email); err != nil {
		h.internalError(w, "failed to issue code", err)
		return
	}
	writeJSON(w, http.StatusAccepted, StatusResponse{Status: "sent"})
}

// ConfirmVerification handles POST /auth/verify/confirm requests.
func (h *Handlers) ConfirmVerification(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}

	err := h.verifier.Confirm(r.Context(), req.Email, req.Code)
	switch {
	case err == nil:
	case errors.Is(err, verify.ErrCodeMismatch):
		writeError(w, http.StatusBadRequest, "code does not match", "CODE_MISMATCH")
		return
	case errors.Is(err, verify.ErrCodeExpired):
		writeError(w, http.StatusGone, "code expired", "CODE_EXPIRED")
		return
	case errors.Is(err, verify.ErrTooManyAttempts):
		writeError(w, http.StatusTooManyRequests, "too many attempts", "TOO_MANY_ATTEMPTS")
		return
	default:
		h.internalError(w, "failed to confirm code", err)
		return
	}

	if err := h.accounts.MarkVerified(r.Context(), req.Email); err != nil {
		if errors.Is(err, account.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "user not found", "USER_NOT_FOUND")
			return
		}
		h.internalError(w, "failed to mark verified", err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "verified"})
}

// Stage handles POST /uploads requests: a multipart form with one or more
// "files" parts and an optional "session_id" to append to.
func (h *Handlers) Stage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(h.memoryBudget); err != nil {
		h.writeBodyError(w, err)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File[filesField]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "no files in request", "NO_FILES")
		return
	}

	files := make([]staging.Incoming, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			closeAll(files)
			h.internalError(w, "failed to read upload", err)
			return
		}
		files = append(files, incomingFrom(fh, f))
	}
	defer closeAll(files)

	view, err := h.media.Stage(owned(r), r.FormValue(sessionField), files)
	if err != nil {
		h.writeServiceError(w, "failed to stage files", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(view))
}

// GetSession handles GET /uploads/{session} requests.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.media.Session(owned(r), r.PathValue("session"))
	if err != nil {
		h.writeServiceError(w, "failed to get session", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(view))
}

// Commit handles POST /uploads/{session}/commit requests. A partly failed
// commit answers 207 with both records and failures.
func (h *Handlers) Commit(w http.ResponseWriter, r *http.Request) {
	var req CommitRequest
	if !h.decode(w, r, &req) {
		return
	}

	opts := upload.CommitOptions{FailIfMissing: true}
	if req.FailIfMissing != nil {
		opts.FailIfMissing = *req.FailIfMissing
	}

	res, err := h.media.Commit(owned(r), r.PathValue("session"), req.TargetDir, req.Mappings, opts)
	if err != nil {
		h.writeServiceError(w, "failed to commit session", err)
		return
	}

	resp := CommitResponse{Records: res.Records, Skipped: res.Skipped}
	if resp.Records == nil {
		resp.Records = []upload.FinalRecord{}
	}
	for _, f := range res.Failures {
		resp.Failures = append(resp.Failures, FailureResponse{Index: f.Index, StoragePath: f.StoragePath, Reason: f.Reason})
	}

	status := http.StatusOK
	if res.Partial() {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

// ListFiles handles GET /files requests.
func (h *Handlers) ListFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, err1 := queryInt(q.Get("offset"))
	limit, err2 := queryInt(q.Get("limit"))
	if err := errors.Join(err1, err2); err != nil {
		writeError(w, http.StatusBadRequest, "offset and limit must be integers", "VALIDATION_ERROR")
		return
	}

	query := ListQuery{Dir: q.Get("dir"), Offset: offset, Limit: limit}
	if err := h.validator.Struct(query); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	page, err := h.media.ListFinal(r.Context(), query.Dir, query.Offset, query.Limit)
	if err != nil {
		h.writeServiceError(w, "failed to list files", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetMeta handles GET /files/meta requests.
func (h *Handlers) GetMeta(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePath(w, r)
	if !ok {
		return
	}
	rec, err := h.media.GetMetadata(r.Context(), p)
	if err != nil {
		h.writeServiceError(w, "failed to get metadata", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ReplaceFile handles PUT /files requests with a single "file" part.
func (h *Handlers) ReplaceFile(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePath(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(h.memoryBudget); err != nil {
		h.writeBodyError(w, err)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	f, fh, err := r.FormFile(fileField)
	if err != nil {
		writeError(w, http.StatusBadRequest, "file part is required", "NO_FILES")
		return
	}
	defer func() { _ = f.Close() }()

	rec, err := h.media.Replace(r.Context(), p, f, fh.Header.Get("Content-Type"))
	if err != nil {
		h.writeServiceError(w, "failed to replace file", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteFile handles DELETE /files requests.
func (h *Handlers) DeleteFile(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePath(w, r)
	if !ok {
		return
	}
	if err := h.media.DeletePath(r.Context(), p); err != nil {
		h.writeServiceError(w, "failed to delete path", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler should continue.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "REQUEST_TOO_LARGE")
			return false
		}
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return false
	}

	if err := h.validator.Struct(dst); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return false
	}
	return true
}

// writeServiceError maps pipeline errors onto responses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, msg string, err error) {
	var batchErr *policy.BatchError
	var maxErr *http.MaxBytesError

	switch {
	case errors.Is(err, pathguard.ErrPathTraversal), errors.Is(err, storage.ErrRootPath):
		// The offending input is logged by the service, never echoed.
		writeError(w, http.StatusBadRequest, "invalid path", "INVALID_PATH")
	case errors.As(err, &batchErr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:      "files rejected by policy",
			Code:       "VALIDATION_FAILED",
			Violations: batchErr.Violations,
		})
	case errors.As(err, &maxErr):
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "REQUEST_TOO_LARGE")
	case errors.Is(err, staging.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found", "SESSION_NOT_FOUND")
	case errors.Is(err, staging.ErrSessionBusy):
		writeError(w, http.StatusConflict, "session is busy", "SESSION_BUSY")
	case errors.Is(err, staging.ErrNoFiles), errors.Is(err, upload.ErrNoMappings):
		writeError(w, http.StatusBadRequest, "no files given", "NO_FILES")
	case errors.Is(err, upload.ErrEntryMissing):
		writeError(w, http.StatusBadRequest, "mapping names a missing entry", "ENTRY_MISSING")
	case errors.Is(err, upload.ErrDuplicateTarget):
		writeError(w, http.StatusBadRequest, "two mappings share a target", "DUPLICATE_TARGET")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "file not found", "NOT_FOUND")
	case errors.Is(err, storage.ErrNotAFile):
		writeError(w, http.StatusBadRequest, "path is not a file", "NOT_A_FILE")
	default:
		h.internalError(w, msg, err)
	}
}

func (h *Handlers) writeBodyError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "REQUEST_TOO_LARGE")
		return
	}
	h.logger.Warn("failed to parse multipart body", slog.String("error", err.Error()))
	writeError(w, http.StatusBadRequest, "invalid multipart body", "INVALID_MULTIPART")
}

func (h *Handlers) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, slog.String("error", err.Error()))
	resp := ErrorResponse{Error: "internal server error", Code: "INTERNAL_ERROR"}
	if h.debugErrors {
		resp.Detail = err.Error()
	}
	writeJSON(w, http.StatusInternalServerError, resp)
}

func requirePath(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := r.URL.Query().Get("path")
	if p == "" {
		writeError(w, http.StatusBadRequest, "path is required", "MISSING_PATH")
		return "", false
	}
	return p, true
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func incomingFrom(fh *multipart.FileHeader, f multipart.File) staging.Incoming {
	return staging.Incoming{
		Filename:     fh.Filename,
		DeclaredMIME: fh.Header.Get("Content-Type"),
		Size:         fh.Size,
		Body:         f,
	}
}

// owned scopes staging sessions to the authenticated caller.
func owned(r *http.Request) context.Context {
	if u, ok := UserFromContext(r.Context()); ok {
		return staging.WithOwner(r.Context(), u.ID)
	}
	return r.Context()
}

func closeAll(files []staging.Incoming) {
	for _, f := range files {
		if c, ok := f.Body.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

func toUserResponse(u *account.User) UserResponse {
	return UserResponse{ID: u.ID, Email: u.Email, Verified: u.Verified, CreatedAt: u.CreatedAt}
}

func toSessionResponse(v staging.View) SessionResponse {
	entries := v.Entries
	if entries == nil {
		entries = []staging.Entry{}
	}
	return SessionResponse{SessionID: v.ID, State: v.State, CreatedAt: v.CreatedAt, Entries: entries}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
