package localfirst

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-signing-secret"

func makeTestSignature(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

const testBody = `{"id":"op-1","kind":"set","key":"bookmark:1","payload":{"url":"https://go.dev"}}`

// ============================================================================
// VerifySignature
// ============================================================================

func TestVerifySignature(t *testing.T) {
	t.Run("matches hmac", func(t *testing.T) {
		assert.Equal(t, makeTestSignature(testBody, testSecret), Sign([]byte(testBody), testSecret))
	})

	t.Run("valid signature", func(t *testing.T) {
		assert.True(t, VerifySignature([]byte(testBody), makeTestSignature(testBody, testSecret), testSecret))
	})

	t.Run("valid without prefix", func(t *testing.T) {
		sig := strings.TrimPrefix(makeTestSignature(testBody, testSecret), "sha256=")
		assert.True(t, VerifySignature([]byte(testBody), sig, testSecret))
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.False(t, VerifySignature([]byte(testBody), makeTestSignature(testBody, "other"), testSecret))
	})

	t.Run("tampered body", func(t *testing.T) {
		sig := makeTestSignature(testBody, testSecret)
		assert.False(t, VerifySignature([]byte(testBody+" "), sig, testSecret))
	})

	t.Run("empty inputs", func(t *testing.T) {
		assert.False(t, VerifySignature([]byte(testBody), "", testSecret))
		assert.False(t, VerifySignature([]byte(testBody), "sha256=", testSecret))
		assert.False(t, VerifySignature([]byte(testBody), makeTestSignature(testBody, testSecret), ""))
		assert.False(t, VerifySignature([]byte(testBody), "sha256=abc", testSecret))
	})
}

// ============================================================================
// RequireSignature
// ============================================================================

func TestRequireSignature(t *testing.T) {
	var seen atomic.Value
	h := RequireSignature(testSecret, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen.Store(string(b))
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("invalid signature returns 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, "/kv/a", strings.NewReader(testBody))
		req.Header.Set(SignatureHeader, "sha256=bad")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"error":"Invalid signature"}`, rec.Body.String())
	})

	t.Run("valid signature reaches the handler with the body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, "/kv/a", strings.NewReader(testBody))
		req.Header.Set(SignatureHeader, makeTestSignature(testBody, testSecret))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, testBody, seen.Load())
	})

	t.Run("client signatures are accepted", func(t *testing.T) {
		srv := httptest.NewServer(h)
		defer srv.Close()

		c := NewClient(srv.URL, WithSigningSecret(testSecret))
		require.NoError(t, c.Apply(t.Context(), QueuedOperation{ID: "op-1", Kind: OpSet, Key: "a", Payload: []byte(`"A"`)}))
		assert.Equal(t, `"A"`, seen.Load())
	})
}
