package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"

	"github.com/werkstatt-flow/api/internal/platform/requestctx"
)

type recordingRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recordingRecorder) RecordVerification(_ string, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

type jwksFixture struct {
	key      *rsa.PrivateKey
	server   *httptest.Server
	requests int
	mu       sync.Mutex
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &jwksFixture{key: key}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.requests++
		f.mu.Unlock()
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key: &key.PublicKey, KeyID: "key1", Algorithm: "RS256", Use: "sig",
		}}})
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *jwksFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "key1"
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestJWKSCacheHonoursMaxAge(t *testing.T) {
	f := newJWKSFixture(t)
	now := time.Unix(1_000_000, 0)
	cache := NewJWKSCache(f.server.URL, nil, func() time.Time { return now })

	for i := 0; i < 3; i++ {
		if _, err := cache.Key(context.Background(), "key1"); err != nil {
			t.Fatalf("Key: %v", err)
		}
	}
	if f.requests != 1 {
		t.Fatalf("expected a single fetch, got %d", f.requests)
	}

	now = now.Add(2 * time.Hour)
	if _, err := cache.Key(context.Background(), "key1"); err != nil {
		t.Fatalf("Key after expiry: %v", err)
	}
	if f.requests != 2 {
		t.Fatalf("expected refresh after expiry, got %d", f.requests)
	}

	if _, err := cache.Key(context.Background(), "unknown"); err == nil {
		t.Fatal("expected unknown kid error")
	}
}

func TestRequireOIDC(t *testing.T) {
	f := newJWKSFixture(t)
	recorder := &recordingRecorder{}
	validator := NewOIDCValidator(NewJWKSCache(f.server.URL, nil, nil), nil, recorder)
	const audience = "https://api.werkstatt.example"
	issuers := []string{"https://accounts.google.com"}

	valid := jwt.MapClaims{
		"iss":   "https://accounts.google.com",
		"aud":   audience,
		"sub":   "123",
		"email": "scheduler@wf.iam.gserviceaccount.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}

	t.Run("accepts valid token", func(t *testing.T) {
		called := false
		handler := validator.RequireOIDC(audience, issuers)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			identity, ok := ServiceIdentityFromContext(r.Context())
			if !ok || identity.Email != "scheduler@wf.iam.gserviceaccount.com" {
				t.Errorf("unexpected identity %+v", identity)
			}
			actor, _ := requestctx.Actor(r.Context())
			if actor.Role != "system" || actor.ID != identity.Email {
				t.Errorf("unexpected actor %+v", actor)
			}
		}))
		req := httptest.NewRequest(http.MethodPost, "/internal/invoices:reconcile", nil)
		req.Header.Set("Authorization", "Bearer "+f.sign(t, valid))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if !called || rec.Code != http.StatusOK {
			t.Fatalf("expected success, got %d", rec.Code)
		}
	})

	rejections := map[string]jwt.MapClaims{
		"audience_mismatch": {"iss": "https://accounts.google.com", "aud": "other", "exp": time.Now().Add(time.Hour).Unix()},
		"issuer_mismatch":   {"iss": "https://evil.example", "aud": audience, "exp": time.Now().Add(time.Hour).Unix()},
		"invalid":           {"iss": "https://accounts.google.com", "aud": audience, "exp": time.Now().Add(-time.Hour).Unix()},
	}
	for outcome, claims := range rejections {
		t.Run(outcome, func(t *testing.T) {
			handler := validator.RequireOIDC(audience, issuers)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatal("handler must not run")
			}))
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.Header.Set("Authorization", "Bearer "+f.sign(t, claims))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			recorder.mu.Lock()
			last := recorder.outcomes[len(recorder.outcomes)-1]
			recorder.mu.Unlock()
			if last != outcome {
				t.Fatalf("expected outcome %s, got %s", outcome, last)
			}
		})
	}

	t.Run("unconfigured audience", func(t *testing.T) {
		handler := validator.RequireOIDC("", issuers)(http.NotFoundHandler())
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rec.Code)
		}
	})
}
