/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package ghapp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func pkcs1PEM(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
}

func pkcs8PEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func TestParsePrivateKeyPKCS1(t *testing.T) {
	key := generateTestKey(t)
	parsed, err := ParsePrivateKey(pkcs1PEM(key))
	require.NoError(t, err)
	require.Equal(t, key.D, parsed.D)
}

func TestParsePrivateKeyPKCS8(t *testing.T) {
	key := generateTestKey(t)
	parsed, err := ParsePrivateKey(pkcs8PEM(t, key))
	require.NoError(t, err)
	require.Equal(t, key.D, parsed.D)
}

func TestParsePrivateKeyEscapedNewlines(t *testing.T) {
	key := generateTestKey(t)
	escaped := strings.ReplaceAll(pkcs1PEM(key), "\n", `\n`)
	parsed, err := ParsePrivateKey(escaped)
	require.NoError(t, err)
	require.Equal(t, key.D, parsed.D)
}

func TestParsePrivateKeyBase64Wrapped(t *testing.T) {
	key := generateTestKey(t)
	wrapped := base64.StdEncoding.EncodeToString([]byte(pkcs8PEM(t, key)))
	parsed, err := ParsePrivateKey(wrapped)
	require.NoError(t, err)
	require.Equal(t, key.D, parsed.D)
}

func TestAppJWTClaims(t *testing.T) {
	key := generateTestKey(t)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return fixed }
	defer func() { nowFunc = time.Now }()

	tokenStr, err := AppJWT(key, "12345")
	require.NoError(t, err)
	require.NotEmpty(t, tokenStr)

	parts := strings.Split(tokenStr, ".")
	require.Len(t, parts, 3)

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) { return &key.PublicKey, nil }, jwt.WithoutClaimsValidation())
	require.NoError(t, err)
	require.Equal(t, "12345", claims.Issuer)
	require.Equal(t, fixed.Unix(), claims.IssuedAt.Unix())
	require.Equal(t, fixed.Add(600*time.Second).Unix(), claims.ExpiresAt.Unix())
}

func TestTokenSourceExchangesJWTForInstallationToken(t *testing.T) {
	key := generateTestKey(t)
	expiry := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/app/installations/99/access_tokens", r.URL.Path)
		require.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"token":"ghs_fake","expires_at":"` + expiry + `"}`))
	}))
	defer srv.Close()

	ts := &TokenSource{Key: key, AppID: "12345", InstallationID: 99, APIBaseURL: srv.URL}
	tok, exp, err := ts.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ghs_fake", tok)
	require.WithinDuration(t, time.Now().Add(time.Hour), exp, 2*time.Second)
}
