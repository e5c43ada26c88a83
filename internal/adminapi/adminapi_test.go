package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/require"

	"github.com/manishalankala/urbackup-coordinator/internal/runner"
)

type fakeStarter struct {
	nextErr error
}

func (f *fakeStarter) StartJob(clientName string) (string, error) {
	if f.nextErr != nil {
		return "", f.nextErr
	}
	return "job-" + clientName, nil
}

func newTestServer(t *testing.T) (*Server, []byte) {
	t.Helper()
	secret := []byte("test-secret")
	mgr := runner.NewManager(context.Background(), 2, 8)
	t.Cleanup(mgr.Close)
	return &Server{
		Manager:     mgr,
		Starter:     &fakeStarter{},
		JWTSecret:   secret,
		TokenIssuer: "urbackup-coordinator",
	}, secret
}

func signedToken(t *testing.T, secret []byte, issuer string, expired bool) string {
	t.Helper()
	exp := time.Now().Add(time.Hour)
	if expired {
		exp = time.Now().Add(-time.Hour)
	}
	claims := jwt.MapClaims{"iss": issuer, "exp": exp.Unix()}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return tok
}

func TestAdminAPI_RejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/admin/jobs", nil)
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, 401, rec.Code)
}

func TestAdminAPI_RejectsExpiredToken(t *testing.T) {
	srv, secret := newTestServer(t)
	tok := signedToken(t, secret, "urbackup-coordinator", true)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/admin/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, 401, rec.Code)
}

func TestAdminAPI_EnqueueJobWithValidToken(t *testing.T) {
	srv, secret := newTestServer(t)
	tok := signedToken(t, secret, "urbackup-coordinator", false)

	body, _ := json.Marshal(enqueueRequest{ClientName: "client-a"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/admin/jobs", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tok)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var resp enqueueResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "job-client-a", resp.JobID)
}

func TestAdminAPI_RejectsWrongIssuer(t *testing.T) {
	srv, secret := newTestServer(t)
	tok := signedToken(t, secret, "someone-else", false)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/admin/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, 401, rec.Code)
}
