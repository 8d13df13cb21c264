package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/maauso/mediastore/internal/account"
	"github.com/maauso/mediastore/internal/classify"
	"github.com/maauso/mediastore/internal/policy"
	"github.com/maauso/mediastore/internal/staging"
	"github.com/maauso/mediastore/internal/storage"
	"github.com/maauso/mediastore/internal/upload"
	"github.com/maauso/mediastore/internal/verify"
)

// MockSender captures issued verification codes.
type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, email, code string) error {
	args := m.Called(ctx, email, code)
	return args.Error(0)
}

// MockMedia is a mock implementation of Media.
type MockMedia struct {
	mock.Mock
}

func (m *MockMedia) Stage(ctx context.Context, sessionID string, files []staging.Incoming) (staging.View, error) {
	args := m.Called(ctx, sessionID, files)
	return args.Get(0).(staging.View), args.Error(1)
}

func (m *MockMedia) Session(ctx context.Context, sessionID string) (staging.View, error) {
	args := m.Called(ctx, sessionID)
	return args.Get(0).(staging.View), args.Error(1)
}

func (m *MockMedia) Commit(ctx context.Context, sessionID, baseDir string, mappings []upload.Mapping, opts upload.CommitOptions) (*upload.CommitResult, error) {
	args := m.Called(ctx, sessionID, baseDir, mappings, opts)
	res, _ := args.Get(0).(*upload.CommitResult)
	return res, args.Error(1)
}

func (m *MockMedia) ListFinal(ctx context.Context, dir string, offset, limit int) (upload.Page, error) {
	args := m.Called(ctx, dir, offset, limit)
	return args.Get(0).(upload.Page), args.Error(1)
}

func (m *MockMedia) GetMetadata(ctx context.Context, rel string) (upload.FinalRecord, error) {
	args := m.Called(ctx, rel)
	return args.Get(0).(upload.FinalRecord), args.Error(1)
}

func (m *MockMedia) DeletePath(ctx context.Context, rel string) error {
	args := m.Called(ctx, rel)
	return args.Error(0)
}

func (m *MockMedia) Replace(ctx context.Context, rel string, body io.Reader, declaredMIME string) (upload.FinalRecord, error) {
	args := m.Called(ctx, rel, body, declaredMIME)
	return args.Get(0).(upload.FinalRecord), args.Error(1)
}

type testServer struct {
	handler http.Handler
	store   *storage.LocalStore
	codes   map[string]string
}

func newTestServer(t *testing.T, cfg Config, opts ...HandlerOption) *testServer {
	t.Helper()
	dir := t.TempDir()

	area, err := staging.NewArea(filepath.Join(dir, "tmp"), time.Hour)
	require.NoError(t, err)
	store, err := storage.NewLocalStore(filepath.Join(dir, "final"), nil)
	require.NoError(t, err)
	rules := policy.DefaultRules()
	media := upload.NewService(area, store, classify.NewClassifier(rules), policy.NewEnforcer(rules, nil))

	repo, err := account.NewSQLiteRepository(context.Background(), filepath.Join(dir, "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	accounts := account.NewService(repo, "pepper", account.WithBcryptCost(bcrypt.MinCost))

	ts := &testServer{store: store, codes: map[string]string{}}
	sender := new(MockSender)
	sender.On("Send", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { ts.codes[args.String(1)] = args.String(2) }).
		Return(nil)
	verifier := verify.NewService(verify.NewMemoryStore(), sender, time.Minute, 3, nil)

	h := NewHandlers(media, accounts, verifier, nil, opts...)
	ts.handler = NewRouter(h, nil, cfg)
	return ts
}

func (ts *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) postJSON(t *testing.T, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return ts.do(t, req)
}

// apiKey signs up a fresh user and logs in.
func (ts *testServer) apiKey(t *testing.T) string {
	t.Helper()
	return ts.apiKeyFor(t, "owner@example.com")
}

func (ts *testServer) apiKeyFor(t *testing.T, email string) string {
	t.Helper()
	creds := CredentialsRequest{Email: email, Password: "long enough pw"}
	require.Equal(t, http.StatusCreated, ts.postJSON(t, "/auth/signup", "", creds).Code)

	rec := ts.postJSON(t, "/auth/login", "", creds)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.APIKey)
	return resp.APIKey
}

type part struct {
	field, filename, contentType string
	data                         []byte
}

func multipartRequest(t *testing.T, method, target, key string, fields map[string]string, parts ...part) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, p := range parts {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", `form-data; name="`+p.field+`"; filename="`+p.filename+`"`)
		hdr.Set("Content-Type", p.contentType)
		w, err := mw.CreatePart(hdr)
		require.NoError(t, err)
		_, err = w.Write(p.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	return req
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	resp := decodeBody[HealthResponse](t, rec)
	if resp.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", resp.Status)
	}
}

func TestAuthFlow(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	creds := CredentialsRequest{Email: "Ann@Example.com", Password: "hunter2hunter2"}

	rec := ts.postJSON(t, "/auth/signup", "", creds)
	require.Equal(t, http.StatusCreated, rec.Code)
	user := decodeBody[UserResponse](t, rec)
	assert.Equal(t, "ann@example.com", user.Email)
	assert.False(t, user.Verified)

	rec = ts.postJSON(t, "/auth/signup", "", creds)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "EMAIL_TAKEN", decodeBody[ErrorResponse](t, rec).Code)

	rec = ts.postJSON(t, "/auth/login", "", CredentialsRequest{Email: creds.Email, Password: "wrong password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	t.Run("confirm verification", func(t *testing.T) {
		code := ts.codes["ann@example.com"]
		require.Len(t, code, 6, "signup issues a code")

		rec := ts.postJSON(t, "/auth/verify/confirm", "", ConfirmRequest{Email: creds.Email, Code: "000000"})
		if code != "000000" {
			assert.Equal(t, "CODE_MISMATCH", decodeBody[ErrorResponse](t, rec).Code)
		}

		rec = ts.postJSON(t, "/auth/verify/confirm", "", ConfirmRequest{Email: creds.Email, Code: code})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = ts.postJSON(t, "/auth/login", "", creds)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, decodeBody[LoginResponse](t, rec).User.Verified)
	})

	t.Run("reissued code replaces the old one", func(t *testing.T) {
		rec := ts.postJSON(t, "/auth/verify", "", VerifyRequest{Email: creds.Email})
		require.Equal(t, http.StatusAccepted, rec.Code)

		rec = ts.postJSON(t, "/auth/verify/confirm", "", ConfirmRequest{Email: "nobody@example.com", Code: "123456"})
		assert.Equal(t, http.StatusGone, rec.Code)
	})
}

func TestAuth_ValidationErrors(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())

	tests := []struct {
		name string
		path string
		body string
		code string
	}{
		{"invalid json", "/auth/signup", `{"email":`, "INVALID_JSON"},
		{"short password", "/auth/signup", `{"email":"a@example.com","password":"short"}`, "VALIDATION_ERROR"},
		{"bad email", "/auth/login", `{"email":"nope","password":"long enough"}`, "VALIDATION_ERROR"},
		{"non numeric code", "/auth/verify/confirm", `{"email":"a@example.com","code":"abcdef"}`, "VALIDATION_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			rec := ts.do(t, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decodeBody[ErrorResponse](t, rec).Code)
		})
	}
}

func TestProtectedRoutes_RequireKey(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/files", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/files", nil)
	req.Header.Set("Authorization", "Bearer ms_not-a-real-key")
	rec = ts.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeBody[ErrorResponse](t, rec).Code)
}

func TestUploadLifecycle(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	key := ts.apiKey(t)
	img := testPNG(t, 32, 24)

	rec := ts.do(t, multipartRequest(t, http.MethodPost, "/uploads", key, nil,
		part{filesField, "Cover Art.png", "image/png", img}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sess := decodeBody[SessionResponse](t, rec)
	assert.Equal(t, staging.StateOpen, sess.State)
	require.Len(t, sess.Entries, 1)

	// Append to the same session.
	rec = ts.do(t, multipartRequest(t, http.MethodPost, "/uploads", key,
		map[string]string{sessionField: sess.SessionID},
		part{filesField, "back.png", "image/png", img}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, withKey(httptest.NewRequest(http.MethodGet, "/uploads/"+sess.SessionID, nil), key))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[SessionResponse](t, rec).Entries, 2)

	rec = ts.postJSON(t, "/uploads/"+sess.SessionID+"/commit", key, CommitRequest{
		TargetDir: "books/1",
		Mappings: []upload.Mapping{
			{Index: 0, Filename: "cover.png", Metadata: map[string]string{"role": "cover"}},
			{Index: 1, Filename: "back.png"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	commit := decodeBody[CommitResponse](t, rec)
	require.Len(t, commit.Records, 2)
	assert.Equal(t, "books/1/cover.png", commit.Records[0].StoragePath)
	assert.Equal(t, "cover", commit.Records[0].Metadata["role"])
	assert.Empty(t, commit.Failures)

	rec = ts.do(t, withKey(httptest.NewRequest(http.MethodGet, "/uploads/"+sess.SessionID, nil), key))
	assert.Equal(t, http.StatusNotFound, rec.Code, "committed sessions are gone")

	rec = ts.do(t, withKey(httptest.NewRequest(http.MethodGet, "/files?dir=books/1&limit=1", nil), key))
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[upload.Page](t, rec)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Items, 1)

	rec = ts.do(t, withKey(httptest.NewRequest(http.MethodGet, "/files/meta?path=books/1/cover.png", nil), key))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, storage.Digest(img), decodeBody[upload.FinalRecord](t, rec).Digest)

	bigger := testPNG(t, 64, 48)
	rec = ts.do(t, multipartRequest(t, http.MethodPut, "/files?path=books/1/cover.png", key, nil,
		part{fileField, "new.png", "image/png", bigger}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, storage.Digest(bigger), decodeBody[upload.FinalRecord](t, rec).Digest)

	rec = ts.do(t, withKey(httptest.NewRequest(http.MethodDelete, "/files?path=books/1/cover.png", nil), key))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, withKey(httptest.NewRequest(http.MethodDelete, "/files?path=books/1/cover.png", nil), key))
	assert.Equal(t, http.StatusNoContent, rec.Code, "delete is idempotent")

	rec = ts.do(t, withKey(httptest.NewRequest(http.MethodGet, "/files/meta?path=books/1/cover.png", nil), key))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStage_PolicyRejection(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	key := ts.apiKey(t)

	rec := ts.do(t, multipartRequest(t, http.MethodPost, "/uploads", key, nil,
		part{filesField, "ok.png", "image/png", testPNG(t, 8, 8)},
		part{filesField, "blob.png", "image/png", bytes.Repeat([]byte{0x00, 0xff, 0x13, 0x37}, 64)},
	))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "VALIDATION_FAILED", resp.Code)
	require.Len(t, resp.Violations, 1)
	assert.Equal(t, 1, resp.Violations[0].Index)
	assert.Equal(t, policy.CodeUnsupportedCategory, resp.Violations[0].Code)
}

func TestStage_NoFiles(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	key := ts.apiKey(t)

	rec := ts.do(t, multipartRequest(t, http.MethodPost, "/uploads", key, map[string]string{"note": "x"}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "NO_FILES", decodeBody[ErrorResponse](t, rec).Code)
}

func TestCommit_Errors(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	key := ts.apiKey(t)

	rec := ts.do(t, multipartRequest(t, http.MethodPost, "/uploads", key, nil,
		part{filesField, "a.png", "image/png", testPNG(t, 4, 4)}))
	require.Equal(t, http.StatusCreated, rec.Code)
	sess := decodeBody[SessionResponse](t, rec)

	tests := []struct {
		name    string
		session string
		req     CommitRequest
		status  int
		code    string
	}{
		{"traversal", sess.SessionID, CommitRequest{TargetDir: "../secret", Mappings: []upload.Mapping{{Index: 0}}}, http.StatusBadRequest, "INVALID_PATH"},
		{"missing entry", sess.SessionID, CommitRequest{TargetDir: "x", Mappings: []upload.Mapping{{Index: 7}}}, http.StatusBadRequest, "ENTRY_MISSING"},
		{"empty mappings", sess.SessionID, CommitRequest{TargetDir: "x"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown session", "6f1c2b3a-0000-4000-8000-000000000000", CommitRequest{TargetDir: "x", Mappings: []upload.Mapping{{Index: 0}}}, http.StatusNotFound, "SESSION_NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.postJSON(t, "/uploads/"+tt.session+"/commit", key, tt.req)

			assert.Equal(t, tt.status, rec.Code)
			assert.NotContains(t, rec.Body.String(), "secret", "paths are never echoed")
			assert.Equal(t, tt.code, decodeBody[ErrorResponse](t, rec).Code)
		})
	}

	t.Run("session survives failed validation", func(t *testing.T) {
		rec := ts.do(t, withKey(httptest.NewRequest(http.MethodGet, "/uploads/"+sess.SessionID, nil), key))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestSessions_ScopedToCreator(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	owner := ts.apiKey(t)
	other := ts.apiKeyFor(t, "other@example.com")
	img := testPNG(t, 4, 4)

	rec := ts.do(t, multipartRequest(t, http.MethodPost, "/uploads", owner, nil,
		part{filesField, "a.png", "image/png", img}))
	require.Equal(t, http.StatusCreated, rec.Code)
	sess := decodeBody[SessionResponse](t, rec)

	rec = ts.do(t, withKey(httptest.NewRequest(http.MethodGet, "/uploads/"+sess.SessionID, nil), other))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, multipartRequest(t, http.MethodPost, "/uploads", other,
		map[string]string{sessionField: sess.SessionID},
		part{filesField, "b.png", "image/png", img}))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.postJSON(t, "/uploads/"+sess.SessionID+"/commit", other, CommitRequest{
		TargetDir: "stolen",
		Mappings:  []upload.Mapping{{Index: 0}},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", decodeBody[ErrorResponse](t, rec).Code)

	rec = ts.do(t, withKey(httptest.NewRequest(http.MethodGet, "/uploads/"+sess.SessionID, nil), owner))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[SessionResponse](t, rec).Entries, 1)
}

func TestCommit_Partial(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	key := ts.apiKey(t)
	img := testPNG(t, 4, 4)

	rec := ts.do(t, multipartRequest(t, http.MethodPost, "/uploads", key, nil,
		part{filesField, "a.png", "image/png", img},
		part{filesField, "b.png", "image/png", img}))
	require.Equal(t, http.StatusCreated, rec.Code)
	sess := decodeBody[SessionResponse](t, rec)

	// A non-empty directory at the target blocks the second write.
	require.NoError(t, os.MkdirAll(filepath.Join(ts.store.Root(), "books", "b.png", "child"), 0o750))

	skip := false
	rec = ts.postJSON(t, "/uploads/"+sess.SessionID+"/commit", key, CommitRequest{
		TargetDir:     "books",
		Mappings:      []upload.Mapping{{Index: 0, Filename: "a.png"}, {Index: 1, Filename: "b.png"}, {Index: 5}},
		FailIfMissing: &skip,
	})

	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())
	resp := decodeBody[CommitResponse](t, rec)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "books/a.png", resp.Records[0].StoragePath)
	require.Len(t, resp.Failures, 1)
	assert.Equal(t, 1, resp.Failures[0].Index)
	assert.Equal(t, []int{5}, resp.Skipped)
}

func TestBodyLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBodyBytes = 64
	ts := newTestServer(t, cfg)

	rec := ts.postJSON(t, "/auth/signup", "", CredentialsRequest{
		Email:    "x@example.com",
		Password: strings.Repeat("p", 70),
	})

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestFiles_QueryErrors(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	key := ts.apiKey(t)

	tests := []struct {
		name   string
		method string
		target string
		status int
		code   string
	}{
		{"meta without path", http.MethodGet, "/files/meta", http.StatusBadRequest, "MISSING_PATH"},
		{"bad limit", http.MethodGet, "/files?limit=ten", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"limit too large", http.MethodGet, "/files?limit=5000", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"traversal", http.MethodGet, "/files?dir=..%2F..%2Fetc", http.StatusBadRequest, "INVALID_PATH"},
		{"delete root", http.MethodDelete, "/files?path=.", http.StatusBadRequest, "INVALID_PATH"},
		{"missing meta", http.MethodGet, "/files/meta?path=nope.png", http.StatusNotFound, "NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, withKey(httptest.NewRequest(tt.method, tt.target, nil), key))

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeBody[ErrorResponse](t, rec).Code)
		})
	}
}

func TestInternalErrorDetail(t *testing.T) {
	tests := []struct {
		name       string
		debug      bool
		wantDetail string
	}{
		{"production hides detail", false, ""},
		{"debug shows detail", true, "disk on fire"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			media := new(MockMedia)
			media.On("GetMetadata", mock.Anything, "a.png").Return(upload.FinalRecord{}, errors.New("disk on fire"))
			h := NewHandlers(media, nil, nil, nil, WithDebugErrors(tt.debug))

			rec := httptest.NewRecorder()
			h.GetMeta(rec, httptest.NewRequest(http.MethodGet, "/files/meta?path=a.png", nil))

			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			resp := decodeBody[ErrorResponse](t, rec)
			assert.Equal(t, "INTERNAL_ERROR", resp.Code)
			assert.Equal(t, tt.wantDetail, resp.Detail)
			media.AssertExpectations(t)
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	ts := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodOptions, "/uploads", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := ts.do(t, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
}

func withKey(req *http.Request, key string) *http.Request {
	req.Header.Set("X-API-Key", key)
	return req
}
