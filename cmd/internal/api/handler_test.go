package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"

	"bloks/cmd/identity"
	"bloks/cmd/internal/access"
	"bloks/cmd/internal/collab"
	"bloks/cmd/internal/document"
	"bloks/cmd/internal/invite"
	"bloks/cmd/internal/mailer"
	"bloks/cmd/internal/realtime"
	"bloks/cmd/security/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureMail struct {
	mu   sync.Mutex
	last mailer.VerificationMail
}

func (c *captureMail) SendVerification(_ context.Context, m mailer.VerificationMail) error {
	c.mu.Lock()
	c.last = m
	c.mu.Unlock()
	return nil
}

func (c *captureMail) token(t *testing.T) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	u, err := url.Parse(c.last.VerifyURL)
	require.NoError(t, err)
	return u.Query().Get("token")
}

type server struct {
	h        http.Handler
	verifier *auth.Verifier
	mail     *captureMail
	mgr      *realtime.Manager
}

func newServer(t *testing.T, cfg Config) *server {
	t.Helper()
	ctx := context.Background()

	docs := document.NewMemoryRepository()
	_, err := docs.Create(ctx, document.Document{ID: "doc-d", Title: "Design", OwnerID: "user-a"})
	require.NoError(t, err)

	dir := identity.NewMemoryDirectory(
		identity.Profile{UserID: "user-a", Name: "Ada", Email: "a@example.com"},
		identity.Profile{UserID: "user-b", Name: "Bo", Email: "b@example.com"},
	)

	store := invite.NewMemoryStore()
	tokens, err := invite.NewService(store, store)
	require.NoError(t, err)

	gate := access.NewGate(docs)
	reg := realtime.NewRegistry()
	bc := realtime.NewBroadcaster(reg)
	mgr := realtime.NewManager(gate, reg, bc, realtime.NewPresence(reg, dir, bc, nil))

	mail := &captureMail{}
	svc, err := collab.NewService(docs, gate, tokens, mgr,
		collab.WithDirectory(dir),
		collab.WithMailer(mail),
		collab.WithAppBaseURL("https://app.bloks.test"),
	)
	require.NoError(t, err)

	v, err := auth.NewVerifier(auth.Config{Issuer: "bloks", AccessTokenTTL: time.Minute, SecretKeyHex: paseto.NewV4AsymmetricSecretKey().ExportHex()})
	require.NoError(t, err)

	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &server{
		h:        NewRouter(cfg, NewHandler(nil, cfg, svc, v)),
		verifier: v,
		mail:     mail,
		mgr:      mgr,
	}
}

func (s *server) do(t *testing.T, method, path, userID, email string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "203.0.113.7:5555"
	if userID != "" {
		tok, _, err := s.verifier.Issue(userID, email, time.Now().UTC())
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var er errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &er), rec.Body.String())
	return er.Error.Code
}

func TestRoutes_RequireBearerToken(t *testing.T) {
	t.Parallel()
	s := newServer(t, Config{})

	rec := s.do(t, http.MethodGet, "/access/doc-d", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", errorCode(t, rec))

	req := httptest.NewRequest(http.MethodGet, "/documents/access", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAccess_StatusMapping(t *testing.T) {
	t.Parallel()
	s := newServer(t, Config{})

	rec := s.do(t, http.MethodGet, "/access/doc-d", "user-a", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got accessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, accessResponse{DocumentID: "doc-d", Role: "owner"}, got)

	rec = s.do(t, http.MethodGet, "/access/doc-d", "user-c", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", errorCode(t, rec))

	rec = s.do(t, http.MethodGet, "/access/nope", "user-a", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_NotFoundAndMethodNotAllowed(t *testing.T) {
	t.Parallel()
	s := newServer(t, Config{})

	rec := s.do(t, http.MethodPut, "/document/doc-d", "user-a", "", map[string]string{"title": "x"})
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = s.do(t, http.MethodGet, "/nowhere", "user-a", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdate_OwnerOnlyAndStrictJSON(t *testing.T) {
	t.Parallel()
	s := newServer(t, Config{})

	rec := s.do(t, http.MethodPatch, "/document/doc-d", "user-a", "", map[string]any{"title": "Design v2", "isPublished": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var doc document.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "Design v2", doc.Title)
	assert.True(t, doc.IsPublished)

	rec = s.do(t, http.MethodPatch, "/document/doc-d", "user-a", "", map[string]any{"ownerId": "user-c"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")

	rec = s.do(t, http.MethodPatch, "/document/doc-d", "user-b", "", map[string]any{"title": "mine"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// Full sharing flow over HTTP: owner fetches the link, B asks for a
// verification mail, B verifies and is redirected to the document.
func TestSharingFlow(t *testing.T) {
	t.Parallel()
	s := newServer(t, Config{})

	rec := s.do(t, http.MethodGet, "/document/doc-d/invite", "user-a", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var link collab.InviteLink
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &link))
	require.NotEmpty(t, link.Token)

	rec = s.do(t, http.MethodGet, "/document/doc-d/invite", "user-b", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/invite/"+link.Token+"/verification", "user-b", "", verificationRequest{Email: "b@example.com"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	tok := s.mail.token(t)

	rec = s.do(t, http.MethodPost, "/verify", "user-b", "b@example.com", verifyRequest{Token: tok})
	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())
	assert.Equal(t, "https://app.bloks.test/documents/doc-d", rec.Header().Get("Location"))

	rec = s.do(t, http.MethodPost, "/verify", "user-b", "b@example.com", verifyRequest{Token: tok})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var er errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &er))
	assert.Equal(t, "invalid or already used link", er.Error.Message)

	rec = s.do(t, http.MethodGet, "/access/doc-d", "user-b", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/document/doc-d/collaborators", "user-b", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var collabs collaboratorsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &collabs))
	require.Len(t, collabs.Collaborators, 1)

	rec = s.do(t, http.MethodPost, "/document/doc-d/invite?force=true", "user-a", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rotated collab.InviteLink
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rotated))
	assert.NotEqual(t, link.Token, rotated.Token)

	rec = s.do(t, http.MethodPost, "/document/doc-d/invite?force=maybe", "user-a", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodDelete, "/document/doc-d/collaborators/user-b", "user-a", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/access/doc-d", "user-b", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestVerificationEndpointsAreThrottledPerIP(t *testing.T) {
	t.Parallel()
	s := newServer(t, Config{VerifyIPMax: 2, VerifyIPWindow: time.Minute})

	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodPost, "/verify", "user-b", "", verifyRequest{Token: "guess"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
	rec := s.do(t, http.MethodPost, "/verify", "user-b", "", verifyRequest{Token: "guess"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = s.do(t, http.MethodGet, "/access/doc-d", "user-a", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "other routes are not throttled")
}

func TestArchiveDeleteAndPresence(t *testing.T) {
	t.Parallel()
	s := newServer(t, Config{})

	sess, err := s.mgr.Connect(context.Background(), realtime.Identity{UserID: "user-a"})
	require.NoError(t, err)
	_, err = s.mgr.Join(context.Background(), sess.ID, "doc-d")
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/document/doc-d/presence", "user-a", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pres presenceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pres))
	require.Len(t, pres.Users, 1)
	assert.Equal(t, "Ada", pres.Users[0].Name)

	rec = s.do(t, http.MethodPatch, "/document/doc-d/archive", "user-a", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var arch archiveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &arch))
	require.Len(t, arch.Archived, 1)
	assert.True(t, arch.Archived[0].IsArchived)

	rec = s.do(t, http.MethodGet, "/documents/access", "user-a", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list documentsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Documents)

	rec = s.do(t, http.MethodDelete, "/document/doc-d", "user-b", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodDelete, "/document/doc-d", "user-a", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, sess.InRoom("doc-d"))

	rec = s.do(t, http.MethodGet, "/document/doc-d", "user-a", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWSAuthenticator(t *testing.T) {
	t.Parallel()
	s := newServer(t, Config{})

	tok, _, err := s.verifier.Issue("user-a", "a@example.com", time.Now().UTC())
	require.NoError(t, err)

	authn := WSAuthenticator(s.verifier)
	id, err := authn(httptest.NewRequest(http.MethodGet, "/ws?access_token="+tok, nil))
	require.NoError(t, err)
	assert.Equal(t, realtime.Identity{UserID: "user-a", Email: "a@example.com"}, id)

	_, err = authn(httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Error(t, err)
}
