package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"

	"github.com/synclune/api/internal/platform/requestctx"
)

const testAudience = "https://admin.synclune.example"

type keyServer struct {
	key      *rsa.PrivateKey
	requests atomic.Int32
	server   *httptest.Server
}

func newKeyServer(t *testing.T) *keyServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ks := &keyServer{key: key}
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "key1", Algorithm: "RS256", Use: "sig"}
	ks.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		ks.requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(ks.server.Close)
	return ks
}

func (ks *keyServer) sign(t *testing.T, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":            "https://accounts.google.com",
		"aud":            testAudience,
		"sub":            "1234",
		"email":          "Ops@Synclune.example",
		"email_verified": true,
		"iat":            time.Now().Add(-time.Minute).Unix(),
		"exp":            time.Now().Add(time.Hour).Unix(),
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "key1"
	signed, err := token.SignedString(ks.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWKSCache_CachesKeys(t *testing.T) {
	ks := newKeyServer(t)
	cache := NewJWKSCache(ks.server.URL, WithoutJWKSBackgroundRefresh())

	for i := 0; i < 3; i++ {
		got, err := cache.Key(context.Background(), "key1")
		if err != nil {
			t.Fatalf("Key: %v", err)
		}
		if _, ok := got.(*rsa.PublicKey); !ok {
			t.Fatalf("expected *rsa.PublicKey, got %T", got)
		}
	}
	if n := ks.requests.Load(); n != 1 {
		t.Fatalf("expected one fetch, got %d", n)
	}
}

func TestJWKSCache_UnknownKidRefetchesOnce(t *testing.T) {
	ks := newKeyServer(t)
	cache := NewJWKSCache(ks.server.URL, WithoutJWKSBackgroundRefresh())

	if _, err := cache.Key(context.Background(), "rotated"); err == nil {
		t.Fatal("expected key not found")
	}
	if n := ks.requests.Load(); n != 2 {
		t.Fatalf("expected initial fetch plus one refresh, got %d", n)
	}
}

func TestJWKSCache_ExpiresWithMaxAge(t *testing.T) {
	ks := newKeyServer(t)
	now := time.Unix(1_000_000, 0)
	cache := NewJWKSCache(ks.server.URL,
		WithoutJWKSBackgroundRefresh(),
		WithJWKSClock(func() time.Time { return now }),
	)

	if _, err := cache.Key(context.Background(), "key1"); err != nil {
		t.Fatalf("Key: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if _, err := cache.Key(context.Background(), "key1"); err != nil {
		t.Fatalf("Key after expiry: %v", err)
	}
	if n := ks.requests.Load(); n != 2 {
		t.Fatalf("expected refetch after max-age, got %d fetches", n)
	}
}

func TestParseMaxAge(t *testing.T) {
	if got := parseMaxAge("public, max-age=120, must-revalidate"); got != 2*time.Minute {
		t.Fatalf("unexpected max-age %s", got)
	}
	if got := parseMaxAge("no-store"); got != 0 {
		t.Fatalf("expected zero, got %s", got)
	}
}

func TestNewOperatorVerifier_Validation(t *testing.T) {
	if _, err := NewOperatorVerifier(nil, testAudience); err == nil {
		t.Fatal("expected error without cache")
	}
	if _, err := NewOperatorVerifier(NewJWKSCache("http://unused"), " "); err == nil {
		t.Fatal("expected error without audience")
	}
}

func TestOperatorVerifier_Middleware(t *testing.T) {
	ks := newKeyServer(t)

	testCases := []struct {
		name       string
		header     string
		mutate     func(jwt.MapClaims)
		noToken    bool
		wantStatus int
		wantActor  string
	}{
		{name: "bearer token", header: "Authorization", wantStatus: http.StatusNoContent, wantActor: "ops@synclune.example"},
		{name: "iap assertion", header: iapAssertionHeader, wantStatus: http.StatusNoContent, wantActor: "ops@synclune.example"},
		{name: "missing token", noToken: true, wantStatus: http.StatusUnauthorized},
		{name: "wrong audience", header: "Authorization", mutate: func(c jwt.MapClaims) { c["aud"] = "https://other" }, wantStatus: http.StatusUnauthorized},
		{name: "wrong issuer", header: "Authorization", mutate: func(c jwt.MapClaims) { c["iss"] = "https://evil.example" }, wantStatus: http.StatusUnauthorized},
		{name: "expired", header: "Authorization", mutate: func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Minute).Unix() }, wantStatus: http.StatusUnauthorized},
		{name: "foreign domain", header: "Authorization", mutate: func(c jwt.MapClaims) { c["email"] = "someone@gmail.com" }, wantStatus: http.StatusUnauthorized},
		{name: "unverified email", header: "Authorization", mutate: func(c jwt.MapClaims) { c["email_verified"] = false }, wantStatus: http.StatusUnauthorized},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			verifier, err := NewOperatorVerifier(
				NewJWKSCache(ks.server.URL, WithoutJWKSBackgroundRefresh()),
				testAudience,
				WithOperatorIssuers("https://accounts.google.com"),
				WithOperatorDomains("synclune.example"),
			)
			if err != nil {
				t.Fatalf("NewOperatorVerifier: %v", err)
			}

			var actor string
			handler := verifier.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				actor = requestctx.Actor(r.Context())
				w.WriteHeader(http.StatusNoContent)
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/orders/ord_1/transitions", nil)
			if !tc.noToken {
				token := ks.sign(t, tc.mutate)
				if tc.header == "Authorization" {
					req.Header.Set("Authorization", "Bearer "+token)
				} else {
					req.Header.Set(tc.header, token)
				}
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tc.wantStatus, rr.Code, rr.Body.String())
			}
			if actor != tc.wantActor {
				t.Fatalf("expected actor %q, got %q", tc.wantActor, actor)
			}
		})
	}
}

func TestOperatorVerifier_KeysUnavailable(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(down.Close)

	ks := newKeyServer(t)
	verifier, err := NewOperatorVerifier(NewJWKSCache(down.URL, WithoutJWKSBackgroundRefresh()), testAudience)
	if err != nil {
		t.Fatalf("NewOperatorVerifier: %v", err)
	}
	handler := verifier.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/orders/ord_1", nil)
	req.Header.Set("Authorization", "Bearer "+ks.sign(t, nil))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
